package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"redink/server/internal/domain"
	"redink/server/internal/infra"
	"redink/server/internal/providers/image"
)

// ErrTaskNotFound reports a task ID the registry does not hold, either
// because it never existed or because the janitor already reclaimed it.
var ErrTaskNotFound = errors.New("generation: task not found")

const (
	defaultRetention = 30 * time.Minute
	janitorInterval  = time.Minute
)

// RegistryOptions configures a Registry. Store and Sink are required; the
// rest defaults sensibly.
type RegistryOptions struct {
	Store      ArtifactStore
	Sink       Sink
	Logger     *infra.Logger
	HTTPClient *http.Client

	// BaseContext bounds every job's run, normally the process context.
	BaseContext context.Context

	MaxRetries  int
	Backoff     time.Duration
	WorkerCount int
	// Retention is how long terminal tasks stay available for progress
	// replay and single-page regeneration.
	Retention time.Duration
}

// Registry is the process-wide index of generation tasks. It builds and
// launches Jobs, hands them out for streaming and control, and reclaims them
// a retention window after they finish. The registry never mutates page
// results; per-task state changes all go through the Job.
type Registry struct {
	store      ArtifactStore
	sink       Sink
	logger     *infra.Logger
	client     *http.Client
	base       context.Context
	maxRetries int
	backoff    time.Duration
	workers    int
	retention  time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		opts.Logger = &l
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &Registry{
		store:      opts.Store,
		sink:       opts.Sink,
		logger:     opts.Logger,
		client:     opts.HTTPClient,
		base:       opts.BaseContext,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		workers:    opts.WorkerCount,
		retention:  opts.Retention,
	}
}

// Start resolves the task's image provider, builds its Job, registers it and
// launches Run on its own goroutine. A missing TaskID is assigned here. The
// returned ID is what clients use to stream progress and cancel.
func (r *Registry) Start(task domain.GenerationTask) (string, error) {
	if task.TaskID == "" {
		task.TaskID = "task_" + uuid.NewString()
	}
	gen, err := image.Resolve(task.Provider, r.client, r.logger)
	if err != nil {
		return "", err
	}
	job, err := NewJob(JobParams{
		Task:        task,
		Generator:   gen,
		Store:       r.store,
		Sink:        r.sink,
		Logger:      r.logger,
		MaxRetries:  r.maxRetries,
		Backoff:     r.backoff,
		WorkerCount: r.workers,
	})
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if r.jobs == nil {
		r.jobs = make(map[string]*Job)
	}
	if _, exists := r.jobs[task.TaskID]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("generation: task %s already registered", task.TaskID)
	}
	r.jobs[task.TaskID] = job
	r.mu.Unlock()

	go job.Run(r.base)
	return task.TaskID, nil
}

// Get returns the job for taskID or ErrTaskNotFound.
func (r *Registry) Get(taskID string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return job, nil
}

// Retire drops a task immediately and closes its publisher so subscribers
// see the stream end. Retiring an unknown task is a no-op.
func (r *Registry) Retire(taskID string) {
	r.mu.Lock()
	job, ok := r.jobs[taskID]
	delete(r.jobs, taskID)
	r.mu.Unlock()
	if ok {
		job.events.Close()
	}
}

// StartJanitor launches the background reclaimer that retires terminal tasks
// past the retention window. It stops when ctx ends.
func (r *Registry) StartJanitor(ctx context.Context) {
	go func() {
		t := time.NewTicker(janitorInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				if n := r.sweep(now); n > 0 {
					r.logger.Info().Int("tasks", n).Msg("generation: retired finished tasks")
				}
			}
		}
	}()
}

// sweep removes tasks that reached a terminal state more than the retention
// window ago and reports how many it removed.
func (r *Registry) sweep(now time.Time) int {
	r.mu.Lock()
	var victims []*Job
	for id, job := range r.jobs {
		fin, ok := job.FinishedAt()
		if ok && now.Sub(fin) >= r.retention {
			victims = append(victims, job)
			delete(r.jobs, id)
		}
	}
	r.mu.Unlock()
	for _, job := range victims {
		job.events.Close()
	}
	return len(victims)
}
