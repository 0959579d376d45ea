package history

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"redink/server/internal/domain"
	"redink/server/internal/sqlinline"
)

type dbCall struct {
	marker string
	args   []any
}

// fakeDB implements infra.SQLExecutor, keyed by the --sql marker of each
// statement so tests can seed results and inspect arguments per query.
type fakeDB struct {
	execs    []dbCall
	queries  []dbCall
	tags     map[string]string
	execErrs map[string]error
	rowVals  map[string][]any
	rowErrs  map[string]error
	rowsVals map[string][][]any
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		tags:     map[string]string{},
		execErrs: map[string]error{},
		rowVals:  map[string][]any{},
		rowErrs:  map[string]error{},
		rowsVals: map[string][][]any{},
	}
}

func marker(query string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(query), "\n")
	return strings.TrimPrefix(strings.TrimSpace(first), "--sql ")
}

func (f *fakeDB) returnRow(query string, vals ...any)    { f.rowVals[marker(query)] = vals }
func (f *fakeDB) returnRows(query string, rows ...[]any) { f.rowsVals[marker(query)] = rows }
func (f *fakeDB) tag(query, tag string)                  { f.tags[marker(query)] = tag }

func (f *fakeDB) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	m := marker(query)
	f.execs = append(f.execs, dbCall{marker: m, args: args})
	if err := f.execErrs[m]; err != nil {
		return pgconn.CommandTag{}, err
	}
	tag := f.tags[m]
	if tag == "" {
		tag = "UPDATE 1"
	}
	return pgconn.NewCommandTag(tag), nil
}

func (f *fakeDB) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	m := marker(query)
	f.queries = append(f.queries, dbCall{marker: m, args: args})
	if err := f.rowErrs[m]; err != nil {
		return fakeRow{err: err}
	}
	vals, ok := f.rowVals[m]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{vals: vals}
}

func (f *fakeDB) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	m := marker(query)
	f.queries = append(f.queries, dbCall{marker: m, args: args})
	return &fakeRows{rows: f.rowsVals[m]}, nil
}

func (f *fakeDB) execMarkers() []string {
	out := make([]string, len(f.execs))
	for i, c := range f.execs {
		out[i] = c.marker
	}
	return out
}

func (f *fakeDB) queryArgs(query string) []any {
	m := marker(query)
	for _, c := range f.queries {
		if c.marker == m {
			return c.args
		}
	}
	return nil
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(dest, r.vals)
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error                       { return assignAll(dest, r.rows[r.idx-1]) }
func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func assignAll(dest []any, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: %d targets for %d values", len(dest), len(vals))
	}
	for i, v := range vals {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *time.Time:
			*d = v.(time.Time)
		case *domain.HistoryStatus:
			*d = domain.HistoryStatus(v.(string))
		case *domain.PageType:
			*d = domain.PageType(v.(string))
		default:
			return fmt.Errorf("scan: unsupported target %T", dest[i])
		}
	}
	return nil
}

func mustNilString(t *testing.T, v any) {
	t.Helper()
	p, ok := v.(*string)
	if !ok {
		t.Fatalf("arg = %T, want *string", v)
	}
	if p != nil {
		t.Fatalf("arg = %q, want nil", *p)
	}
}

func TestCreateInsertsRecordWithPages(t *testing.T) {
	db := newFakeDB()
	store := NewStore(db)

	id, err := store.Create(context.Background(), CreateParams{
		Title:       "三天玩转杭州",
		TaskID:      "task_1",
		OutlineText: "<page>\n[封面] 三天玩转杭州",
		Pages: []domain.PageSpec{
			{Index: 0, Type: domain.PageTypeCover, Content: "[封面] 三天玩转杭州"},
			{Index: 1, Type: domain.PageTypeContent, Content: "[内容] 西湖"},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("id = %q, want a uuid", id)
	}
	if len(db.execs) != 1 || db.execs[0].marker != marker(sqlinline.QInsertHistory) {
		t.Fatalf("execs = %v, want one QInsertHistory", db.execMarkers())
	}

	args := db.execs[0].args
	if args[0] != id || args[1] != "三天玩转杭州" || args[2] != "draft" || args[3] != "task_1" {
		t.Fatalf("record args = %v", args[:4])
	}
	if !reflect.DeepEqual(args[5], []int{0, 1}) {
		t.Fatalf("page indices = %v, want [0 1]", args[5])
	}
	if !reflect.DeepEqual(args[6], []string{"cover", "content"}) {
		t.Fatalf("page types = %v", args[6])
	}
	if !reflect.DeepEqual(args[7], []string{"[封面] 三天玩转杭州", "[内容] 西湖"}) {
		t.Fatalf("page contents = %v", args[7])
	}
}

func TestCreateRejectsEmptyTitle(t *testing.T) {
	db := newFakeDB()
	store := NewStore(db)

	_, err := store.Create(context.Background(), CreateParams{})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if len(db.execs) != 0 {
		t.Fatalf("execs = %v, want none", db.execMarkers())
	}
}

func TestGetAssemblesRecord(t *testing.T) {
	db := newFakeDB()
	store := NewStore(db)
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	db.returnRow(sqlinline.QSelectHistoryByID,
		"rec-1", "杭州攻略", "completed", "0.png", "task_1", "raw outline", now, now)
	db.returnRows(sqlinline.QSelectHistoryPages,
		[]any{0, "cover", "[封面] 杭州攻略"},
		[]any{1, "content", "[内容] 西湖"},
	)
	db.returnRows(sqlinline.QSelectHistoryImages,
		[]any{0, "0.png", ""},
		[]any{1, "", "InvalidRequest: prompt rejected"},
	)

	h, err := store.Get(context.Background(), "rec-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if h.Title != "杭州攻略" || h.Status != domain.HistoryStatusCompleted || h.TaskID != "task_1" {
		t.Fatalf("record = %+v", h)
	}
	if len(h.Pages) != 2 || h.Pages[0].Type != domain.PageTypeCover || h.Pages[1].Content != "[内容] 西湖" {
		t.Fatalf("pages = %+v", h.Pages)
	}
	if len(h.Images) != 2 || h.Images[0].Filename != "0.png" {
		t.Fatalf("images = %+v", h.Images)
	}
	if h.Images[1].Filename != "" || h.Images[1].Error != "InvalidRequest: prompt rejected" {
		t.Fatalf("failed slot = %+v", h.Images[1])
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := NewStore(newFakeDB())

	_, err := store.Get(context.Background(), "rec-missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateOutlineReplacesPages(t *testing.T) {
	db := newFakeDB()
	store := NewStore(db)

	err := store.Update(context.Background(), "rec-1", UpdateParams{
		Outline: &OutlineUpdate{
			Raw:   "<page>\n[封面] 新标题",
			Pages: []domain.PageSpec{{Index: 0, Type: domain.PageTypeCover, Content: "[封面] 新标题"}},
		},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	want := []string{
		marker(sqlinline.QUpdateHistoryMeta),
		marker(sqlinline.QUpdateHistoryOutlineText),
		marker(sqlinline.QDeleteHistoryPages),
		marker(sqlinline.QInsertHistoryPages),
	}
	if !reflect.DeepEqual(db.execMarkers(), want) {
		t.Fatalf("execs = %v, want %v", db.execMarkers(), want)
	}

	meta := db.execs[0].args
	mustNilString(t, meta[1])
	mustNilString(t, meta[2])
	mustNilString(t, meta[3])
}

func TestUpdateImagesPreservesFailedSlots(t *testing.T) {
	db := newFakeDB()
	store := NewStore(db)

	err := store.Update(context.Background(), "rec-1", UpdateParams{
		Images: &ImagesUpdate{TaskID: "task_test", Generated: []string{"0.png", "", "2.png"}},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	want := []string{
		marker(sqlinline.QUpdateHistoryMeta),
		marker(sqlinline.QDeleteHistoryImages),
		marker(sqlinline.QInsertHistoryImages),
	}
	if !reflect.DeepEqual(db.execMarkers(), want) {
		t.Fatalf("execs = %v, want %v", db.execMarkers(), want)
	}

	taskID, ok := db.execs[0].args[3].(*string)
	if !ok || taskID == nil || *taskID != "task_test" {
		t.Fatalf("meta task arg = %v, want task_test", db.execs[0].args[3])
	}
	if !reflect.DeepEqual(db.execs[2].args[1], []string{"0.png", "", "2.png"}) {
		t.Fatalf("filenames = %v", db.execs[2].args[1])
	}
}

func TestUpdateMissingReturnsNotFound(t *testing.T) {
	db := newFakeDB()
	db.tag(sqlinline.QUpdateHistoryMeta, "UPDATE 0")
	store := NewStore(db)

	status := domain.HistoryStatusCompleted
	err := store.Update(context.Background(), "rec-missing", UpdateParams{Status: &status})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteReturnsTaskID(t *testing.T) {
	db := newFakeDB()
	db.returnRow(sqlinline.QDeleteHistory, "task_7")
	store := NewStore(db)

	taskID, err := store.Delete(context.Background(), "rec-1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if taskID != "task_7" {
		t.Fatalf("taskID = %q, want task_7", taskID)
	}

	if _, err := NewStore(newFakeDB()).Delete(context.Background(), "rec-missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDefaultsAndTotalPages(t *testing.T) {
	db := newFakeDB()
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	db.returnRow(sqlinline.QCountHistories, 41)
	db.returnRows(sqlinline.QListHistories,
		[]any{"rec-2", "苏州一日游", "completed", "0.png", "task_2", 4, now, now},
		[]any{"rec-1", "杭州攻略", "partial", "", "task_1", 5, now, now},
	)
	store := NewStore(db)

	res, err := store.List(context.Background(), ListParams{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if res.Page != 1 || res.PageSize != 20 || res.Total != 41 || res.TotalPages != 3 {
		t.Fatalf("paging = %+v", res)
	}
	if len(res.Records) != 2 || res.Records[0].Title != "苏州一日游" || res.Records[1].PageCount != 5 {
		t.Fatalf("records = %+v", res.Records)
	}

	if args := db.queryArgs(sqlinline.QListHistories); !reflect.DeepEqual(args, []any{"", 20, 0}) {
		t.Fatalf("list args = %v", args)
	}
}

func TestListStatusFilterAndPaging(t *testing.T) {
	db := newFakeDB()
	db.returnRow(sqlinline.QCountHistories, 0)
	store := NewStore(db)

	res, err := store.List(context.Background(), ListParams{Page: 3, PageSize: 10, Status: domain.HistoryStatusCompleted})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if res.TotalPages != 0 || len(res.Records) != 0 {
		t.Fatalf("result = %+v", res)
	}

	if args := db.queryArgs(sqlinline.QCountHistories); !reflect.DeepEqual(args, []any{"completed"}) {
		t.Fatalf("count args = %v", args)
	}
	if args := db.queryArgs(sqlinline.QListHistories); !reflect.DeepEqual(args, []any{"completed", 10, 20}) {
		t.Fatalf("list args = %v", args)
	}
}

func TestSearchMatchesTitleKeyword(t *testing.T) {
	db := newFakeDB()
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	db.returnRows(sqlinline.QSearchHistories,
		[]any{"rec-1", "杭州攻略", "completed", "0.png", "task_1", 5, now, now},
	)
	store := NewStore(db)

	records, err := store.Search(context.Background(), "杭州")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(records) != 1 || records[0].ID != "rec-1" {
		t.Fatalf("records = %+v", records)
	}
	if args := db.queryArgs(sqlinline.QSearchHistories); !reflect.DeepEqual(args, []any{"杭州"}) {
		t.Fatalf("search args = %v", args)
	}
}

func TestStatsAggregates(t *testing.T) {
	db := newFakeDB()
	db.returnRows(sqlinline.QHistoryStats,
		[]any{"draft", 2},
		[]any{"completed", 5},
		[]any{"partial", 1},
	)
	store := NewStore(db)

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 8 {
		t.Fatalf("Total = %d, want 8", stats.Total)
	}
	if stats.ByStatus[domain.HistoryStatusCompleted] != 5 || stats.ByStatus[domain.HistoryStatusDraft] != 2 {
		t.Fatalf("ByStatus = %v", stats.ByStatus)
	}
}

func TestRecordResultStoresFilenameOrError(t *testing.T) {
	db := newFakeDB()
	store := NewStore(db)

	done := domain.PageResult{
		Index:    0,
		Status:   domain.PageStatusDone,
		Artifact: &domain.ImageArtifact{Key: "history/task_1/0.png", URL: "/api/images/task_1/0.png"},
	}
	if err := store.RecordResult(context.Background(), "task_1", done); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	failed := domain.PageResult{Index: 2, Status: domain.PageStatusError, ErrorMessage: "InvalidRequest: prompt rejected"}
	if err := store.RecordResult(context.Background(), "task_1", failed); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	if len(db.execs) != 2 {
		t.Fatalf("execs = %v", db.execMarkers())
	}
	if !reflect.DeepEqual(db.execs[0].args, []any{"task_1", 0, "0.png", ""}) {
		t.Fatalf("done args = %v", db.execs[0].args)
	}
	if !reflect.DeepEqual(db.execs[1].args, []any{"task_1", 2, "", "InvalidRequest: prompt rejected"}) {
		t.Fatalf("failed args = %v", db.execs[1].args)
	}
}

func TestRecordTaskCompleteMapsTaskStatus(t *testing.T) {
	cases := []struct {
		task domain.TaskStatus
		want string
	}{
		{domain.TaskStatusDone, "completed"},
		{domain.TaskStatusPartialFailure, "partial"},
		{domain.TaskStatusCancelled, "partial"},
	}
	for _, tc := range cases {
		db := newFakeDB()
		store := NewStore(db)
		if err := store.RecordTaskComplete(context.Background(), "task_1", tc.task); err != nil {
			t.Fatalf("RecordTaskComplete(%s): %v", tc.task, err)
		}
		if got := db.execs[0].args[1]; got != tc.want {
			t.Fatalf("status for %s = %v, want %q", tc.task, got, tc.want)
		}
	}

	if StatusForTask(domain.TaskStatusRunning) != domain.HistoryStatusGenerating {
		t.Fatalf("running should map to generating")
	}
}
