package domain

import "fmt"

// ConcurrencyMode selects how non-cover pages are dispatched.
type ConcurrencyMode string

const (
	ConcurrencySequential      ConcurrencyMode = "sequential"
	ConcurrencyBoundedParallel ConcurrencyMode = "bounded-parallel"
)

// TaskStatus is the aggregate state of one generation task.
type TaskStatus string

const (
	TaskStatusRunning        TaskStatus = "running"
	TaskStatusDone           TaskStatus = "done"
	TaskStatusPartialFailure TaskStatus = "partial-failure"
	TaskStatusCancelled      TaskStatus = "cancelled"
)

// Terminal reports whether the task has stopped for good.
func (s TaskStatus) Terminal() bool {
	return s != TaskStatusRunning
}

// GenerationTask is one user-initiated run over an ordered page set.
// HistoryID links the run to its history record and may be empty.
type GenerationTask struct {
	TaskID      string
	HistoryID   string
	Pages       []PageSpec
	Concurrency ConcurrencyMode
	Provider    ProviderConfig
}

// Validate checks the structural input contract: at least one page, unique
// indices.
func (t GenerationTask) Validate() error {
	if len(t.Pages) == 0 {
		return fmt.Errorf("task %s: no pages", t.TaskID)
	}
	seen := make(map[int]bool, len(t.Pages))
	for _, p := range t.Pages {
		if seen[p.Index] {
			return fmt.Errorf("task %s: duplicate page index %d", t.TaskID, p.Index)
		}
		seen[p.Index] = true
	}
	return nil
}

// CoverIndex returns the position of the cover page within Pages, or -1.
func (t GenerationTask) CoverIndex() int {
	for i, p := range t.Pages {
		if p.Type == PageTypeCover {
			return i
		}
	}
	return -1
}
