package domain

// PageType enumerates the roles a page plays within a post.
type PageType string

const (
	PageTypeCover   PageType = "cover"
	PageTypeContent PageType = "content"
	PageTypeSummary PageType = "summary"
)

// PageStatus enumerates per-page generation lifecycle states.
type PageStatus string

const (
	PageStatusPending    PageStatus = "pending"
	PageStatusGenerating PageStatus = "generating"
	PageStatusDone       PageStatus = "done"
	PageStatusError      PageStatus = "error"
	PageStatusRetrying   PageStatus = "retrying"
)

// Terminal reports whether the status ends the page's current attempt chain.
func (s PageStatus) Terminal() bool {
	return s == PageStatusDone || s == PageStatusError
}

// ImageRef points at one reference image supplied alongside a prompt, either
// as raw bytes or as a URL. At most one of URL/Data is set.
type ImageRef struct {
	URL  string
	Data []byte
	MIME string
}

// PageSpec describes one page to generate. Immutable once a task starts.
type PageSpec struct {
	Index           int
	Type            PageType
	Content         string
	ReferenceImages []ImageRef
}

// ImageArtifact is a finished image. Key is the storage key, URL is what
// clients fetch. Data is held until the artifact is persisted and may be
// dropped afterwards.
type ImageArtifact struct {
	Key    string
	URL    string
	MIME   string
	Data   []byte
	Width  int
	Height int
}

// PageResult tracks the mutable generation state of one page. Mutation is
// owned by the generation job; everyone else sees copies.
type PageResult struct {
	Index        int
	Status       PageStatus
	Artifact     *ImageArtifact
	ErrorMessage string
	Retryable    bool
	AttemptCount int
}
