// Package zip builds the downloadable archive of a task's generated images.
package zip

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
)

// Entry is one file in the archive.
type Entry struct {
	Name string
	Data []byte
}

// Write streams an archive holding the entries, in order, to w.
func Write(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	for _, e := range entries {
		f, err := zw.Create(e.Name)
		if err != nil {
			return fmt.Errorf("zip: create %s: %w", e.Name, err)
		}
		if _, err := f.Write(e.Data); err != nil {
			return fmt.Errorf("zip: write %s: %w", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("zip: close: %w", err)
	}
	return nil
}

// Archive returns the archive as a byte slice.
func Archive(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
