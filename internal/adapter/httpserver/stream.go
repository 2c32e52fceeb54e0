package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-code-evaluator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
	"github.com/fairyhunter13/ai-code-evaluator/internal/jobs"
)

// streamSource is the manager surface the streamer needs. Both job managers
// satisfy it.
type streamSource interface {
	GetJob(id string) (domain.Job, bool)
	OnProgress(jobID string, fn func(domain.Event)) *jobs.Subscription
	OffProgress(sub *jobs.Subscription)
}

// StreamerOptions configure one SSE streamer instance.
type StreamerOptions struct {
	Heartbeat time.Duration
	Retry     time.Duration
	// Terminal event names replayed when a client attaches to a job that
	// already finished. Differ between evaluation and remediation streams.
	CompletedEvent string
	FailedEvent    string
}

// Streamer serves progress events over SSE. Per job id it keeps a set of
// client connections and at most one upstream subscription on the manager;
// the first client to attach registers the shared callback, the last one to
// detach removes it. The upstream callback only enqueues into per-connection
// buffers; all socket writes happen on the connection's own handler
// goroutine.
type Streamer struct {
	source streamSource
	opts   StreamerOptions

	mu     sync.Mutex
	conns  map[string]map[*streamConn]struct{}
	subs   map[string]*jobs.Subscription
	closed bool
}

// NewStreamer constructs a Streamer over a job manager.
func NewStreamer(source streamSource, opts StreamerOptions) *Streamer {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.Retry <= 0 {
		opts.Retry = 10 * time.Second
	}
	if opts.CompletedEvent == "" {
		opts.CompletedEvent = domain.EventJobCompleted
	}
	if opts.FailedEvent == "" {
		opts.FailedEvent = domain.EventJobFailed
	}
	return &Streamer{
		source: source,
		opts:   opts,
		conns:  make(map[string]map[*streamConn]struct{}),
		subs:   make(map[string]*jobs.Subscription),
	}
}

type streamConn struct {
	jobID  string
	events chan domain.Event
	done   chan struct{}
	once   sync.Once
}

// signalClose asks the connection's handler goroutine to wind down. Safe to
// call from the upstream fan-out path; it never touches the manager.
func (c *streamConn) signalClose() {
	c.once.Do(func() { close(c.done) })
}

// Handler streams a job's progress events until the client disconnects or the
// service shuts down.
func (s *Streamer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, ok := s.source.GetJob(id)
		if !ok {
			writeError(w, r, fmt.Errorf("job %s: %w", id, domain.ErrNotFound), nil)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("op=stream: streaming unsupported: %w", domain.ErrInternal), nil)
			return
		}

		conn := &streamConn{
			jobID:  id,
			events: make(chan domain.Event, 256),
			done:   make(chan struct{}),
		}
		if err := s.attach(conn); err != nil {
			writeError(w, r, err, nil)
			return
		}
		defer s.detach(conn)
		observability.ProgressStreamClients.Inc()
		defer observability.ProgressStreamClients.Dec()

		// The pre-attach lookup only validated existence. Re-read after the
		// subscription is registered: a job finishing in the gap emits its
		// terminal event subscriber-less, so only this snapshot can replay it.
		if j, ok := s.source.GetJob(id); ok {
			job = j
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		if _, err := fmt.Fprintf(w, "retry: %d\n\n", s.opts.Retry.Milliseconds()); err != nil {
			return
		}
		flusher.Flush()

		if err := writeEvent(w, flusher, domain.Event{Type: domain.EventConnected, Data: map[string]any{
			"jobId":  id,
			"status": job.Status,
		}}); err != nil {
			return
		}
		if err := s.replayTerminal(w, flusher, job); err != nil {
			return
		}

		heartbeat := time.NewTicker(s.opts.Heartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-conn.done:
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev := <-conn.events:
				if err := writeEvent(w, flusher, ev); err != nil {
					return
				}
			}
		}
	}
}

// replayTerminal writes the stored outcome of an already-finished job so late
// subscribers never miss the terminal record.
func (s *Streamer) replayTerminal(w http.ResponseWriter, flusher http.Flusher, job domain.Job) error {
	switch job.Status {
	case domain.JobCompleted:
		return writeEvent(w, flusher, domain.Event{Type: s.opts.CompletedEvent, Data: map[string]any{
			"jobId":    job.ID,
			"result":   job.Result,
			"duration": job.Duration(),
		}})
	case domain.JobFailed:
		data := map[string]any{"jobId": job.ID}
		if job.Error != nil {
			data["error"] = map[string]any{"message": job.Error.Message, "code": job.Error.Code}
		}
		return writeEvent(w, flusher, domain.Event{Type: s.opts.FailedEvent, Data: data})
	}
	return nil
}

// attach adds the connection to its job's set, registering the shared
// upstream subscription when it is the first.
func (s *Streamer) attach(conn *streamConn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("op=stream: streamer shut down: %w", domain.ErrInternal)
	}
	set, ok := s.conns[conn.jobID]
	if !ok {
		set = make(map[*streamConn]struct{})
		s.conns[conn.jobID] = set
	}
	set[conn] = struct{}{}
	first := !ok
	s.mu.Unlock()

	// Subscribe outside s.mu: the hub replays buffered events into the
	// callback during registration, and the callback takes s.mu.
	if first {
		jobID := conn.jobID
		sub := s.source.OnProgress(jobID, func(ev domain.Event) { s.broadcast(jobID, ev) })
		s.mu.Lock()
		s.subs[jobID] = sub
		s.mu.Unlock()
	}
	return nil
}

// detach removes the connection, dropping the upstream subscription when the
// set empties.
func (s *Streamer) detach(conn *streamConn) {
	conn.signalClose()
	s.mu.Lock()
	set := s.conns[conn.jobID]
	delete(set, conn)
	var sub *jobs.Subscription
	if len(set) == 0 {
		delete(s.conns, conn.jobID)
		sub = s.subs[conn.jobID]
		delete(s.subs, conn.jobID)
	}
	s.mu.Unlock()
	if sub != nil {
		s.source.OffProgress(sub)
	}
}

// broadcast enqueues an event onto every connection attached to the job. A
// connection whose buffer is full is asked to close; a slow reader must not
// stall its siblings or the manager.
func (s *Streamer) broadcast(jobID string, ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns[jobID] {
		select {
		case conn.events <- ev:
		default:
			conn.signalClose()
		}
	}
}

// Shutdown closes every connection. Upstream subscriptions are dropped as the
// handler goroutines unwind through detach.
func (s *Streamer) Shutdown() {
	s.mu.Lock()
	s.closed = true
	var all []*streamConn
	for _, set := range s.conns {
		for conn := range set {
			all = append(all, conn)
		}
	}
	s.mu.Unlock()
	for _, conn := range all {
		conn.signalClose()
	}
}

// ConnectionCount reports attached clients for a job. Used by tests.
func (s *Streamer) ConnectionCount(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[jobID])
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev domain.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=stream: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
