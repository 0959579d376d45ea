package domain

import "time"

// HistoryStatus enumerates lifecycle states of a history record.
type HistoryStatus string

const (
	HistoryStatusDraft      HistoryStatus = "draft"
	HistoryStatusGenerating HistoryStatus = "generating"
	HistoryStatusCompleted  HistoryStatus = "completed"
	HistoryStatusPartial    HistoryStatus = "partial"
)

// History is one saved post: the outline plus whatever images its last
// generation run produced. TaskID points at the image directory on disk.
type History struct {
	ID          string
	Title       string
	Status      HistoryStatus
	Thumbnail   string
	TaskID      string
	OutlineText string
	Pages       []PageSpec
	Images      []HistoryImage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HistoryImage is one generated image slot. Filename is empty for pages whose
// generation failed, keeping the slot visible in the UI; Error then carries
// the provider message that ended the last attempt.
type HistoryImage struct {
	Index    int
	Filename string
	Error    string
}

// HistoryIndex is the list-view projection of a record.
type HistoryIndex struct {
	ID        string
	Title     string
	Status    HistoryStatus
	Thumbnail string
	TaskID    string
	PageCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HistoryPageResult is one page of a paginated listing.
type HistoryPageResult struct {
	Records    []HistoryIndex
	Total      int
	Page       int
	PageSize   int
	TotalPages int
}

// HistoryStats aggregates record counts per status.
type HistoryStats struct {
	Total    int
	ByStatus map[HistoryStatus]int
}
