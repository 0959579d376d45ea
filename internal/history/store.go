// Package history persists generated posts: the outline a user approved, the
// task that rendered it, and the image slot for every page. Records survive
// process restarts; the in-memory task registry does not.
package history

import (
	"context"
	"fmt"
	"path"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"redink/server/internal/domain"
	"redink/server/internal/generation"
	"redink/server/internal/infra"
	"redink/server/internal/sqlinline"
)

var _ generation.Sink = (*Store)(nil)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Store reads and writes history records. It also implements generation.Sink
// so running tasks persist page results as they finish.
type Store struct {
	db infra.SQLExecutor
}

// NewStore creates a Store on top of the given SQL executor.
func NewStore(db infra.SQLExecutor) *Store {
	return &Store{db: db}
}

// CreateParams carries the initial state of a record. A zero Status means
// draft, matching a record saved before any generation ran.
type CreateParams struct {
	Title       string
	Status      domain.HistoryStatus
	TaskID      string
	OutlineText string
	Pages       []domain.PageSpec
}

// Create inserts a record with its outline pages and returns the new id.
func (s *Store) Create(ctx context.Context, p CreateParams) (string, error) {
	if p.Title == "" {
		return "", fmt.Errorf("history: create: title is required: %w", domain.ErrInvalidInput)
	}
	status := p.Status
	if status == "" {
		status = domain.HistoryStatusDraft
	}

	id := uuid.NewString()
	indices, types, contents := pageColumns(p.Pages)
	_, err := s.db.Exec(ctx, sqlinline.QInsertHistory,
		id, p.Title, string(status), p.TaskID, p.OutlineText, indices, types, contents)
	if err != nil {
		return "", fmt.Errorf("history: create: %w", err)
	}
	return id, nil
}

// Get loads one record with its pages and images.
func (s *Store) Get(ctx context.Context, id string) (*domain.History, error) {
	h, err := s.scanRecord(s.db.QueryRow(ctx, sqlinline.QSelectHistoryByID, id))
	if err != nil {
		return nil, err
	}
	return s.attach(ctx, h)
}

// ByTask loads the record that owns the given generation task.
func (s *Store) ByTask(ctx context.Context, taskID string) (*domain.History, error) {
	h, err := s.scanRecord(s.db.QueryRow(ctx, sqlinline.QSelectHistoryByTask, taskID))
	if err != nil {
		return nil, err
	}
	return s.attach(ctx, h)
}

// OutlineUpdate replaces the stored outline wholesale: the raw text and the
// parsed pages always travel together.
type OutlineUpdate struct {
	Raw   string
	Pages []domain.PageSpec
}

// ImagesUpdate replaces the image slots of a record. Generated holds one
// filename per page in page order; an empty string keeps the slot for a page
// whose generation failed.
type ImagesUpdate struct {
	TaskID    string
	Generated []string
}

// UpdateParams names the parts of a record to overwrite. Nil fields are left
// untouched.
type UpdateParams struct {
	Outline   *OutlineUpdate
	Images    *ImagesUpdate
	Status    *domain.HistoryStatus
	Thumbnail *string
}

// Update applies a partial update. It returns domain.ErrNotFound when the
// record does not exist.
func (s *Store) Update(ctx context.Context, id string, p UpdateParams) error {
	var status, taskID *string
	if p.Status != nil {
		v := string(*p.Status)
		status = &v
	}
	if p.Images != nil && p.Images.TaskID != "" {
		taskID = &p.Images.TaskID
	}

	tag, err := s.db.Exec(ctx, sqlinline.QUpdateHistoryMeta, id, status, p.Thumbnail, taskID)
	if err != nil {
		return fmt.Errorf("history: update %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	if p.Outline != nil {
		if _, err := s.db.Exec(ctx, sqlinline.QUpdateHistoryOutlineText, id, p.Outline.Raw); err != nil {
			return fmt.Errorf("history: update %s: outline: %w", id, err)
		}
		if _, err := s.db.Exec(ctx, sqlinline.QDeleteHistoryPages, id); err != nil {
			return fmt.Errorf("history: update %s: pages: %w", id, err)
		}
		indices, types, contents := pageColumns(p.Outline.Pages)
		if _, err := s.db.Exec(ctx, sqlinline.QInsertHistoryPages, id, indices, types, contents); err != nil {
			return fmt.Errorf("history: update %s: pages: %w", id, err)
		}
	}

	if p.Images != nil {
		if _, err := s.db.Exec(ctx, sqlinline.QDeleteHistoryImages, id); err != nil {
			return fmt.Errorf("history: update %s: images: %w", id, err)
		}
		if _, err := s.db.Exec(ctx, sqlinline.QInsertHistoryImages, id, p.Images.Generated); err != nil {
			return fmt.Errorf("history: update %s: images: %w", id, err)
		}
	}
	return nil
}

// Delete removes a record and returns its task id so the caller can clean up
// the image directory afterwards.
func (s *Store) Delete(ctx context.Context, id string) (string, error) {
	var taskID string
	err := s.db.QueryRow(ctx, sqlinline.QDeleteHistory, id).Scan(&taskID)
	if err != nil {
		if infra.IsNoRows(err) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("history: delete %s: %w", id, err)
	}
	return taskID, nil
}

// ListParams selects one page of the listing. Zero values fall back to the
// first page of twenty records across all statuses.
type ListParams struct {
	Page     int
	PageSize int
	Status   domain.HistoryStatus
}

// List returns records newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, p ListParams) (*domain.HistoryPageResult, error) {
	page := p.Page
	if page < 1 {
		page = 1
	}
	size := p.PageSize
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	var total int
	if err := s.db.QueryRow(ctx, sqlinline.QCountHistories, string(p.Status)).Scan(&total); err != nil {
		return nil, fmt.Errorf("history: list: count: %w", err)
	}

	rows, err := s.db.Query(ctx, sqlinline.QListHistories, string(p.Status), size, (page-1)*size)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	records, err := scanIndexRows(rows)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}

	return &domain.HistoryPageResult{
		Records:    records,
		Total:      total,
		Page:       page,
		PageSize:   size,
		TotalPages: (total + size - 1) / size,
	}, nil
}

// Search returns records whose title contains the keyword, newest first.
func (s *Store) Search(ctx context.Context, keyword string) ([]domain.HistoryIndex, error) {
	rows, err := s.db.Query(ctx, sqlinline.QSearchHistories, keyword)
	if err != nil {
		return nil, fmt.Errorf("history: search: %w", err)
	}
	records, err := scanIndexRows(rows)
	if err != nil {
		return nil, fmt.Errorf("history: search: %w", err)
	}
	return records, nil
}

// Stats counts records overall and per status.
func (s *Store) Stats(ctx context.Context) (*domain.HistoryStats, error) {
	rows, err := s.db.Query(ctx, sqlinline.QHistoryStats)
	if err != nil {
		return nil, fmt.Errorf("history: stats: %w", err)
	}
	defer rows.Close()

	stats := &domain.HistoryStats{ByStatus: map[domain.HistoryStatus]int{}}
	for rows.Next() {
		var status domain.HistoryStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("history: stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: stats: %w", err)
	}
	return stats, nil
}

// RecordResult stores one finished page attempt under the record owning the
// task. Tasks without a record are ignored so ad-hoc runs stay legal.
func (s *Store) RecordResult(ctx context.Context, taskID string, res domain.PageResult) error {
	filename := ""
	if res.Artifact != nil && res.Artifact.Key != "" {
		filename = path.Base(res.Artifact.Key)
	}
	_, err := s.db.Exec(ctx, sqlinline.QRecordTaskImage, taskID, res.Index, filename, res.ErrorMessage)
	if err != nil {
		return fmt.Errorf("history: record result %s/%d: %w", taskID, res.Index, err)
	}
	return nil
}

// RecordTaskComplete moves the owning record to its final status and promotes
// the first stored image to thumbnail.
func (s *Store) RecordTaskComplete(ctx context.Context, taskID string, status domain.TaskStatus) error {
	_, err := s.db.Exec(ctx, sqlinline.QCompleteTask, taskID, string(StatusForTask(status)))
	if err != nil {
		return fmt.Errorf("history: complete task %s: %w", taskID, err)
	}
	return nil
}

// StatusForTask maps a task outcome onto the record lifecycle. Cancelled runs
// land on partial: some images may exist and the user can retry the rest.
func StatusForTask(status domain.TaskStatus) domain.HistoryStatus {
	switch status {
	case domain.TaskStatusDone:
		return domain.HistoryStatusCompleted
	case domain.TaskStatusPartialFailure, domain.TaskStatusCancelled:
		return domain.HistoryStatusPartial
	case domain.TaskStatusRunning:
		return domain.HistoryStatusGenerating
	default:
		return domain.HistoryStatusDraft
	}
}

func (s *Store) attach(ctx context.Context, h *domain.History) (*domain.History, error) {
	rows, err := s.db.Query(ctx, sqlinline.QSelectHistoryPages, h.ID)
	if err != nil {
		return nil, fmt.Errorf("history: get %s: pages: %w", h.ID, err)
	}
	h.Pages, err = scanPageRows(rows)
	if err != nil {
		return nil, fmt.Errorf("history: get %s: pages: %w", h.ID, err)
	}

	rows, err = s.db.Query(ctx, sqlinline.QSelectHistoryImages, h.ID)
	if err != nil {
		return nil, fmt.Errorf("history: get %s: images: %w", h.ID, err)
	}
	h.Images, err = scanImageRows(rows)
	if err != nil {
		return nil, fmt.Errorf("history: get %s: images: %w", h.ID, err)
	}
	return h, nil
}

func (s *Store) scanRecord(row pgx.Row) (*domain.History, error) {
	var h domain.History
	err := row.Scan(&h.ID, &h.Title, &h.Status, &h.Thumbnail, &h.TaskID, &h.OutlineText, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("history: scan record: %w", err)
	}
	return &h, nil
}

func scanPageRows(rows pgx.Rows) ([]domain.PageSpec, error) {
	defer rows.Close()
	var pages []domain.PageSpec
	for rows.Next() {
		var p domain.PageSpec
		if err := rows.Scan(&p.Index, &p.Type, &p.Content); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

func scanImageRows(rows pgx.Rows) ([]domain.HistoryImage, error) {
	defer rows.Close()
	var images []domain.HistoryImage
	for rows.Next() {
		var img domain.HistoryImage
		if err := rows.Scan(&img.Index, &img.Filename, &img.Error); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func scanIndexRows(rows pgx.Rows) ([]domain.HistoryIndex, error) {
	defer rows.Close()
	records := []domain.HistoryIndex{}
	for rows.Next() {
		var rec domain.HistoryIndex
		err := rows.Scan(&rec.ID, &rec.Title, &rec.Status, &rec.Thumbnail, &rec.TaskID,
			&rec.PageCount, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// pageColumns flattens page specs into the parallel arrays the bulk insert
// statements unnest.
func pageColumns(pages []domain.PageSpec) ([]int, []string, []string) {
	indices := make([]int, len(pages))
	types := make([]string, len(pages))
	contents := make([]string, len(pages))
	for i, p := range pages {
		indices[i] = p.Index
		types[i] = string(p.Type)
		contents[i] = p.Content
	}
	return indices, types, contents
}
