// Package generation drives image generation tasks: one Job per task walks
// every page through its lifecycle, fans progress out through a Publisher and
// reports terminal results to the history sink. The Registry keeps finished
// jobs around long enough for clients to reconnect.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"redink/server/internal/domain"
	"redink/server/internal/infra"
	"redink/server/internal/providers/image"
)

// Sink receives terminal page results and the final aggregate status so the
// history layer can persist them. Sink failures are logged and never abort
// generation.
type Sink interface {
	RecordResult(ctx context.Context, taskID string, res domain.PageResult) error
	RecordTaskComplete(ctx context.Context, taskID string, status domain.TaskStatus) error
}

// ArtifactStore persists a generated page image plus its thumbnail and
// reports the storage key and the URL clients fetch the image from.
type ArtifactStore interface {
	SavePage(ctx context.Context, taskID string, pageIndex int, data []byte, mime string) (key, url string, err error)
}

var (
	// ErrTaskRunning rejects single-page regeneration before the task reached
	// a terminal aggregate state.
	ErrTaskRunning = errors.New("generation: task still running")
	// ErrPageBusy rejects a second concurrent regeneration of the same page.
	ErrPageBusy = errors.New("generation: page regeneration already in flight")
	// ErrUnknownPage reports a page index the task never contained.
	ErrUnknownPage = errors.New("generation: unknown page index")
)

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = 1500 * time.Millisecond
	defaultWorkerCount  = 3

	// cancelledMessage is the error message stamped on pages that never ran
	// because the task was cancelled.
	cancelledMessage = "Cancelled"
)

// JobParams configures a Job. Task, Generator, Store and Sink are required;
// everything else has working defaults.
type JobParams struct {
	Task      domain.GenerationTask
	Generator image.Generator
	Store     ArtifactStore
	Sink      Sink
	Events    *Publisher
	Logger    *infra.Logger

	// MaxRetries caps the total provider calls per page, the first attempt
	// included.
	MaxRetries int
	// Backoff is the base retry delay; attempt n waits n*Backoff.
	Backoff time.Duration
	// WorkerCount bounds concurrent pages in bounded-parallel mode.
	WorkerCount int
	// Sleep is the retry delay primitive, replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	// StyleSeed pre-loads the cover artifact for jobs rebuilt around an
	// already generated task, so regenerated pages keep the cover's style.
	StyleSeed *domain.ImageArtifact
}

type pageState struct {
	spec domain.PageSpec
	res  domain.PageResult
}

// Job owns one generation task from dispatch to terminal aggregate. All
// PageResult mutation happens under the Job's mutex; the Publisher carries
// observable progress and the Sink the durable record.
type Job struct {
	task   domain.GenerationTask
	gen    image.Generator
	store  ArtifactStore
	sink   Sink
	events *Publisher
	logger *infra.Logger

	maxRetries int
	backoff    time.Duration
	workers    int
	sleep      func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	pages    map[int]*pageState
	order    []int
	style    *domain.ImageArtifact
	status   domain.TaskStatus
	finished time.Time

	cancelOnce sync.Once
	cancelled  chan struct{}
	done       chan struct{}
}

func NewJob(p JobParams) (*Job, error) {
	if err := p.Task.Validate(); err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}
	if p.Generator == nil {
		return nil, errors.New("generation: generator is required")
	}
	if p.Store == nil {
		return nil, errors.New("generation: artifact store is required")
	}
	if p.Sink == nil {
		return nil, errors.New("generation: sink is required")
	}
	if p.Events == nil {
		p.Events = NewPublisher()
	}
	if p.Logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		p.Logger = &l
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultRetryBackoff
	}
	if p.WorkerCount <= 0 {
		p.WorkerCount = defaultWorkerCount
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}

	j := &Job{
		task:       p.Task,
		gen:        p.Generator,
		store:      p.Store,
		sink:       p.Sink,
		events:     p.Events,
		logger:     p.Logger,
		maxRetries: p.MaxRetries,
		backoff:    p.Backoff,
		workers:    p.WorkerCount,
		sleep:      p.Sleep,
		style:      p.StyleSeed,
		status:     domain.TaskStatusRunning,
		pages:      make(map[int]*pageState, len(p.Task.Pages)),
		order:      make([]int, 0, len(p.Task.Pages)),
		cancelled:  make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, spec := range p.Task.Pages {
		j.pages[spec.Index] = &pageState{
			spec: spec,
			res:  domain.PageResult{Index: spec.Index, Status: domain.PageStatusPending},
		}
		j.order = append(j.order, spec.Index)
	}
	return j, nil
}

func (j *Job) TaskID() string { return j.task.TaskID }

// HistoryID returns the history record this task writes into, if any.
func (j *Job) HistoryID() string { return j.task.HistoryID }

// Status returns the current aggregate state.
func (j *Job) Status() domain.TaskStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// FinishedAt reports when the task reached a terminal aggregate, if it has.
func (j *Job) FinishedAt() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return j.finished, true
	}
	return time.Time{}, false
}

// Results returns a copy of every page's current result in page order.
func (j *Job) Results() []domain.PageResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.PageResult, 0, len(j.order))
	for _, idx := range j.order {
		out = append(out, j.pages[idx].res)
	}
	return out
}

// Subscribe attaches a progress stream; see Publisher.Subscribe.
func (j *Job) Subscribe(ctx context.Context) <-chan Event {
	return j.events.Subscribe(ctx)
}

// Done is closed once Run has finished and the final aggregate is recorded.
func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel requests cooperative cancellation: no new pages are dispatched and
// pending pages fail with message Cancelled. Provider calls already in
// flight run to completion and their results are recorded normally.
func (j *Job) Cancel() {
	j.cancelOnce.Do(func() { close(j.cancelled) })
}

// Run drives every page to a terminal result and blocks until the final
// aggregate has been published and recorded. Callers start it on its own
// goroutine. ctx bounds the whole run (process shutdown); user cancellation
// goes through Cancel and intentionally does not cancel provider calls.
func (j *Job) Run(ctx context.Context) {
	defer close(j.done)

	// dispatch gates new work only. Provider calls take ctx directly so a
	// cancelled task lets in-flight vendor calls finish.
	dispatch, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-j.cancelled:
			stop()
		case <-dispatch.Done():
		}
	}()

	started := time.Now()
	j.logger.Info().
		Str("task_id", j.task.TaskID).
		Int("pages", len(j.task.Pages)).
		Str("concurrency", string(j.task.Concurrency)).
		Str("provider", j.gen.Name()).
		Msg("generation: task started")

	for _, idx := range j.order {
		j.publishPage(idx, domain.PageStatusPending, "", false, "")
	}

	coverPos := j.task.CoverIndex()
	if coverPos >= 0 {
		j.runPage(ctx, dispatch, j.task.Pages[coverPos])
	}

	rest := make([]domain.PageSpec, 0, len(j.task.Pages))
	for i, spec := range j.task.Pages {
		if i == coverPos {
			continue
		}
		rest = append(rest, spec)
	}
	if j.task.Concurrency == domain.ConcurrencyBoundedParallel {
		g := new(errgroup.Group)
		g.SetLimit(j.workers)
		for _, spec := range rest {
			spec := spec
			g.Go(func() error {
				j.runPage(ctx, dispatch, spec)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, spec := range rest {
			j.runPage(ctx, dispatch, spec)
		}
	}

	status := j.finish(ctx, true)
	j.logger.Info().
		Str("task_id", j.task.TaskID).
		Str("status", string(status)).
		Dur("took", time.Since(started)).
		Msg("generation: task finished")
}

// RetryPage re-runs one page through the regular dispatch path after the
// task reached a terminal state. The page's attempt count restarts at one,
// the current style reference still applies and the aggregate status is
// recomputed from the page results afterwards.
func (j *Job) RetryPage(ctx context.Context, index int) (domain.PageResult, error) {
	j.mu.Lock()
	if !j.status.Terminal() {
		j.mu.Unlock()
		return domain.PageResult{}, ErrTaskRunning
	}
	st, ok := j.pages[index]
	if !ok {
		j.mu.Unlock()
		return domain.PageResult{}, ErrUnknownPage
	}
	if !st.res.Status.Terminal() {
		j.mu.Unlock()
		return domain.PageResult{}, ErrPageBusy
	}
	st.res = domain.PageResult{Index: index, Status: domain.PageStatusPending}
	spec := st.spec
	j.mu.Unlock()

	j.runPage(ctx, ctx, spec)
	j.finish(ctx, false)

	j.mu.Lock()
	res := st.res
	j.mu.Unlock()
	return res, nil
}

// runPage drives one page to a terminal result, including automatic retries
// for rate limits and transient faults.
func (j *Job) runPage(ctx, dispatch context.Context, spec domain.PageSpec) {
	if j.dispatchBlocked(dispatch) {
		j.cancelPage(ctx, spec.Index)
		return
	}
	for {
		attempt := j.beginAttempt(spec.Index)
		artifact, err := j.gen.Generate(ctx, image.GenerateRequest{
			Prompt:     spec.Content,
			References: j.references(spec),
			RequestID:  fmt.Sprintf("%s/%d", j.task.TaskID, spec.Index),
		})
		if err == nil {
			j.persist(ctx, spec.Index, artifact)
			j.completePage(ctx, spec, artifact)
			return
		}

		retryable := image.IsRetryable(err)
		if retryable && attempt < j.maxRetries {
			j.logger.Warn().
				Str("task_id", j.task.TaskID).
				Int("page", spec.Index).
				Int("attempt", attempt).
				Err(err).
				Msg("generation: page attempt failed, retrying")
			j.markRetrying(spec.Index, err)
			if serr := j.sleep(dispatch, time.Duration(attempt)*j.backoff); serr != nil {
				j.cancelPage(ctx, spec.Index)
				return
			}
			continue
		}

		j.logger.Warn().
			Str("task_id", j.task.TaskID).
			Int("page", spec.Index).
			Int("attempts", attempt).
			Err(err).
			Msg("generation: page failed permanently")
		j.failPage(ctx, spec.Index, err.Error(), retryable)
		return
	}
}

// dispatchBlocked reports whether new work may still start. It reads the
// cancel channel directly so a page checked right after Cancel returns can
// never slip through.
func (j *Job) dispatchBlocked(dispatch context.Context) bool {
	if dispatch.Err() != nil {
		return true
	}
	select {
	case <-j.cancelled:
		return true
	default:
		return false
	}
}

// references returns the page's reference images with the style reference
// appended after any user-supplied ones. The cover never references itself.
func (j *Job) references(spec domain.PageSpec) []domain.ImageRef {
	if spec.Type == domain.PageTypeCover {
		return spec.ReferenceImages
	}
	j.mu.Lock()
	style := j.style
	j.mu.Unlock()
	if style == nil || len(style.Data) == 0 {
		return spec.ReferenceImages
	}
	out := make([]domain.ImageRef, 0, len(spec.ReferenceImages)+1)
	out = append(out, spec.ReferenceImages...)
	out = append(out, domain.ImageRef{Data: style.Data, MIME: style.MIME})
	return out
}

func (j *Job) beginAttempt(index int) int {
	j.mu.Lock()
	st := j.pages[index]
	st.res.AttemptCount++
	st.res.Status = domain.PageStatusGenerating
	attempt := st.res.AttemptCount
	ev := j.pageEventLocked(st, "", false, "")
	j.mu.Unlock()
	j.events.Publish(ev)
	return attempt
}

func (j *Job) markRetrying(index int, cause error) {
	j.mu.Lock()
	st := j.pages[index]
	st.res.Status = domain.PageStatusRetrying
	ev := j.pageEventLocked(st, cause.Error(), true, "")
	j.mu.Unlock()
	j.events.Publish(ev)
}

// persist writes the artifact (and its thumbnail) to storage and stamps the
// resulting key and URL on it. Storage failures are logged, not fatal.
func (j *Job) persist(ctx context.Context, index int, artifact *domain.ImageArtifact) {
	key, url, err := j.store.SavePage(ctx, j.task.TaskID, index, artifact.Data, artifact.MIME)
	if err != nil {
		j.logger.Error().
			Err(err).
			Str("task_id", j.task.TaskID).
			Int("page", index).
			Msg("generation: persist artifact failed")
		return
	}
	artifact.Key, artifact.URL = key, url
}

func (j *Job) completePage(ctx context.Context, spec domain.PageSpec, artifact *domain.ImageArtifact) {
	// Results keep the slim reference; the full bytes live on only as the
	// style reference for subsequent pages.
	slim := *artifact
	slim.Data = nil

	j.mu.Lock()
	st := j.pages[spec.Index]
	st.res.Status = domain.PageStatusDone
	st.res.Artifact = &slim
	st.res.ErrorMessage = ""
	st.res.Retryable = false
	if spec.Type == domain.PageTypeCover {
		j.style = artifact
	}
	ev := j.pageEventLocked(st, "", false, slim.URL)
	res := st.res
	j.mu.Unlock()

	j.events.Publish(ev)
	j.recordResult(ctx, res)
}

func (j *Job) failPage(ctx context.Context, index int, msg string, retryable bool) {
	j.mu.Lock()
	st := j.pages[index]
	st.res.Status = domain.PageStatusError
	st.res.ErrorMessage = msg
	st.res.Retryable = retryable
	ev := j.pageEventLocked(st, msg, retryable, "")
	res := st.res
	j.mu.Unlock()

	j.events.Publish(ev)
	j.recordResult(ctx, res)
}

// cancelPage marks a page that never got to run (or was waiting out a retry
// backoff) as permanently failed with the Cancelled message.
func (j *Job) cancelPage(ctx context.Context, index int) {
	j.mu.Lock()
	terminal := j.pages[index].res.Status.Terminal()
	j.mu.Unlock()
	if terminal {
		return
	}
	j.failPage(ctx, index, cancelledMessage, false)
}

// finish computes and records the terminal aggregate. fromRun marks the
// initial run, where a cancel request wins and the event stream ends; the
// recompute after a single-page regeneration goes purely by page results.
func (j *Job) finish(ctx context.Context, fromRun bool) domain.TaskStatus {
	j.mu.Lock()
	status := j.aggregateLocked()
	if fromRun {
		select {
		case <-j.cancelled:
			status = domain.TaskStatusCancelled
		default:
		}
	}
	j.status = status
	j.finished = time.Now()
	cur, total := j.progressLocked()
	j.mu.Unlock()

	j.events.Publish(Event{
		Type:            EventTask,
		PageIndex:       -1,
		Status:          string(status),
		ProgressCurrent: cur,
		ProgressTotal:   total,
	})
	if err := j.sink.RecordTaskComplete(ctx, j.task.TaskID, status); err != nil {
		j.logger.Error().
			Err(err).
			Str("task_id", j.task.TaskID).
			Msg("generation: record task completion failed")
	}
	if fromRun {
		j.events.Close()
	}
	return status
}

func (j *Job) aggregateLocked() domain.TaskStatus {
	for _, st := range j.pages {
		if st.res.Status == domain.PageStatusError {
			return domain.TaskStatusPartialFailure
		}
	}
	return domain.TaskStatusDone
}

func (j *Job) progressLocked() (current, total int) {
	for _, st := range j.pages {
		if st.res.Status.Terminal() {
			current++
		}
	}
	return current, len(j.pages)
}

func (j *Job) pageEventLocked(st *pageState, errMsg string, retryable bool, imageURL string) Event {
	cur, total := j.progressLocked()
	return Event{
		Type:            EventPage,
		PageIndex:       st.res.Index,
		Status:          string(st.res.Status),
		ImageURL:        imageURL,
		Error:           errMsg,
		Retryable:       retryable,
		ProgressCurrent: cur,
		ProgressTotal:   total,
	}
}

func (j *Job) publishPage(index int, status domain.PageStatus, errMsg string, retryable bool, imageURL string) {
	j.mu.Lock()
	st := j.pages[index]
	st.res.Status = status
	ev := j.pageEventLocked(st, errMsg, retryable, imageURL)
	j.mu.Unlock()
	j.events.Publish(ev)
}

func (j *Job) recordResult(ctx context.Context, res domain.PageResult) {
	if err := j.sink.RecordResult(ctx, j.task.TaskID, res); err != nil {
		j.logger.Error().
			Err(err).
			Str("task_id", j.task.TaskID).
			Int("page", res.Index).
			Msg("generation: record page result failed")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
