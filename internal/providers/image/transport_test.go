package image

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

type captureTransport struct {
	responses map[string]responseStub
	lastBody  []byte
}

type responseStub struct {
	status int
	header http.Header
	body   []byte
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{responses: map[string]responseStub{}}
}

func (c *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodPost {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		c.lastBody = body
		if stub, ok := c.responses[req.URL.Path]; ok {
			return stub.toResponse(), nil
		}
	}
	if req.Method == http.MethodGet {
		if stub, ok := c.responses[req.URL.Scheme+"://"+req.URL.Host+req.URL.Path]; ok {
			return stub.toResponse(), nil
		}
	}
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader("not found")),
	}, nil
}

func (c *captureTransport) setJSONResponse(path string, payload any) {
	body, _ := json.Marshal(payload)
	c.responses[path] = responseStub{
		status: http.StatusOK,
		header: http.Header{"Content-Type": []string{"application/json"}},
		body:   body,
	}
}

func (c *captureTransport) setStatusResponse(path string, status int, payload any) {
	body, _ := json.Marshal(payload)
	c.responses[path] = responseStub{
		status: status,
		header: http.Header{"Content-Type": []string{"application/json"}},
		body:   body,
	}
}

func (c *captureTransport) setBinaryResponse(url string, data []byte) {
	c.responses[url] = responseStub{
		status: http.StatusOK,
		header: http.Header{"Content-Type": []string{"image/png"}},
		body:   data,
	}
}

func (s responseStub) toResponse() *http.Response {
	header := http.Header{}
	for k, values := range s.header {
		cloned := make([]string, len(values))
		copy(cloned, values)
		header[k] = cloned
	}
	return &http.Response{
		StatusCode: s.status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(s.body)),
	}
}
