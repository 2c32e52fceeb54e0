package jobs

import (
	"log/slog"
	"sync"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// Subscription is a handle to a registered progress callback. It is the unit
// of deregistration, since func values are not comparable.
type Subscription struct {
	jobID string
	fn    func(domain.Event)
}

// JobID returns the job this subscription is attached to.
func (s *Subscription) JobID() string { return s.jobID }

// hub is the per-job buffered pub-sub used by the managers. While a job has
// no subscriber, every emitted event lands in its replay buffer; the first
// subscriber to attach receives the whole buffer in order, then the buffer is
// dropped and delivery becomes pass-through. Callbacks run under the hub lock
// so that replayed events always precede live ones; callbacks must not call
// back into the hub.
type hub struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
	buf  map[string][]domain.Event
}

func newHub() *hub {
	return &hub{
		subs: make(map[string][]*Subscription),
		buf:  make(map[string][]domain.Event),
	}
}

// Subscribe attaches fn to a job's event stream. Buffered events are
// delivered to fn in original order before Subscribe returns.
func (h *hub) Subscribe(jobID string, fn func(domain.Event)) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := &Subscription{jobID: jobID, fn: fn}
	h.subs[jobID] = append(h.subs[jobID], sub)
	if buffered := h.buf[jobID]; len(buffered) > 0 {
		delete(h.buf, jobID)
		for _, ev := range buffered {
			deliver(sub, ev)
		}
	}
	return sub
}

// Unsubscribe detaches a subscription. Unknown handles are ignored.
func (h *hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.subs[sub.jobID]
	for i, s := range list {
		if s == sub {
			h.subs[sub.jobID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.subs[sub.jobID]) == 0 {
		delete(h.subs, sub.jobID)
	}
}

// Emit delivers ev to every subscriber of the job in registration order, or
// buffers it when no subscriber is attached. A panicking subscriber is
// isolated; its siblings still receive the event.
func (h *hub) Emit(jobID string, ev domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[jobID]
	if len(subs) == 0 {
		h.buf[jobID] = append(h.buf[jobID], ev)
		return
	}
	for _, sub := range subs {
		deliver(sub, ev)
	}
}

// Clear drops a job's subscribers and replay buffer.
func (h *hub) Clear(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, jobID)
	delete(h.buf, jobID)
}

// Reset drops all subscribers and buffers. Used on shutdown.
func (h *hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = make(map[string][]*Subscription)
	h.buf = make(map[string][]domain.Event)
}

// SubscriberCount reports the number of subscribers attached to a job.
func (h *hub) SubscriberCount(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

func deliver(sub *Subscription, ev domain.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("progress subscriber panicked", slog.String("job_id", sub.jobID), slog.Any("recover", rec))
		}
	}()
	sub.fn(ev)
}
