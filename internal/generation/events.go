package generation

import (
	"context"
	"sort"
	"sync"
)

// EventType tells a stream consumer whether an event describes one page or
// the task as a whole.
type EventType string

const (
	EventPage EventType = "page"
	EventTask EventType = "task"
)

// Event is one progress update in a task's stream. PageIndex is -1 for task
// level events and always marshals, so page 0 is never ambiguous on the wire.
type Event struct {
	Seq             int64     `json:"seq"`
	Type            EventType `json:"type"`
	PageIndex       int       `json:"page_index"`
	Status          string    `json:"status"`
	ImageURL        string    `json:"image_url,omitempty"`
	Error           string    `json:"error,omitempty"`
	Retryable       bool      `json:"retryable"`
	ProgressCurrent int       `json:"progress_current"`
	ProgressTotal   int       `json:"progress_total"`
}

// subscriberBuffer bounds how far any one consumer may lag before it is
// dropped. A full run of a ten page task emits well under a hundred events.
const subscriberBuffer = 256

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Publisher is the per-task progress stream. Every published event is stamped
// with a monotonically increasing sequence number and appended to an
// in-memory log; subscribers joining late receive a snapshot built from that
// log instead of the full history, then live events. The Job is the only
// publisher; any number of subscribers may attach and none of them can stall
// generation.
type Publisher struct {
	mu     sync.Mutex
	seq    int64
	log    []Event
	subs   map[*subscriber]struct{}
	closed bool
}

func NewPublisher() *Publisher {
	return &Publisher{subs: make(map[*subscriber]struct{})}
}

// Publish stamps ev, appends it to the log and fans it out. A subscriber
// whose buffer is full is dropped (its channel closed) rather than blocking
// the caller. After Close, Publish is a no-op so a completed task always
// replays the same final state.
func (p *Publisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.seq++
	ev.Seq = p.seq
	p.log = append(p.log, ev)
	for s := range p.subs {
		select {
		case s.ch <- ev:
		default:
			p.dropLocked(s)
		}
	}
}

// Subscribe returns a channel that first replays the task's current state,
// one event per page's latest status in index order followed by the terminal
// task event when one was published, and then carries live events. The
// channel closes after the final task event, when ctx ends, or when the
// subscriber falls too far behind.
func (p *Publisher) Subscribe(ctx context.Context) <-chan Event {
	p.mu.Lock()
	snap := p.snapshotLocked()
	buf := subscriberBuffer
	if len(snap) > buf {
		buf = len(snap)
	}
	s := &subscriber{ch: make(chan Event, buf), done: make(chan struct{})}
	for _, ev := range snap {
		s.ch <- ev
	}
	if p.closed {
		close(s.ch)
		close(s.done)
		p.mu.Unlock()
		return s.ch
	}
	p.subs[s] = struct{}{}
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.dropLocked(s)
			p.mu.Unlock()
		case <-s.done:
		}
	}()
	return s.ch
}

// Close terminates every subscriber's stream and makes further publishes
// no-ops. Safe to call more than once.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for s := range p.subs {
		p.dropLocked(s)
	}
}

func (p *Publisher) dropLocked(s *subscriber) {
	if _, ok := p.subs[s]; !ok {
		return
	}
	delete(p.subs, s)
	close(s.ch)
	close(s.done)
}

// snapshotLocked collapses the log into the latest event per page, in index
// order, plus the task event when the task already finished.
func (p *Publisher) snapshotLocked() []Event {
	latest := make(map[int]Event)
	var task Event
	var hasTask bool
	for _, ev := range p.log {
		if ev.Type == EventTask {
			task, hasTask = ev, true
			continue
		}
		latest[ev.PageIndex] = ev
	}
	idx := make([]int, 0, len(latest))
	for i := range latest {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]Event, 0, len(idx)+1)
	for _, i := range idx {
		out = append(out, latest[i])
	}
	if hasTask {
		out = append(out, task)
	}
	return out
}
