package hitl

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadyResolved is returned by Resolve when another channel answered
// first, or when the request expired. Callers treat it as information, not
// failure: the winning answer was already broadcast as an EventResolved.
var ErrAlreadyResolved = errors.New("request already resolved")

type pendingRequest struct {
	req      Request
	resolved bool
	res      Resolution
	done     chan struct{}
}

// Bus decouples the task that needs a human decision from the channels that
// can supply one. Events fan out to every channel attached to the session
// (via the Registry) plus any type-keyed subscribers; resolutions are claimed
// atomically so exactly one answer wins per request.
type Bus struct {
	registry *Registry
	metrics  *Metrics

	mu      sync.Mutex
	nextSub uint64
	subs    map[EventType]map[uint64]func(Event)
	pending map[string]*pendingRequest
}

func NewBus(registry *Registry, metrics *Metrics) *Bus {
	return &Bus{
		registry: registry,
		metrics:  metrics,
		subs:     make(map[EventType]map[uint64]func(Event)),
		pending:  make(map[string]*pendingRequest),
	}
}

// Subscribe registers a callback for one event type, in addition to the
// per-session channel fan-out. The returned cancel func is idempotent.
func (b *Bus) Subscribe(t EventType, fn func(Event)) (cancel func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	set, ok := b.subs[t]
	if !ok {
		set = make(map[uint64]func(Event))
		b.subs[t] = set
	}
	set[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[t], id)
		b.mu.Unlock()
	}
}

// Publish fans the event out to every channel attached to evt.SessionID and
// every subscriber for evt.Type. A panicking or misbehaving receiver is
// isolated: it is logged and the remaining receivers still get the event.
// Publish never returns an error and never blocks on a receiver.
func (b *Bus) Publish(evt Event) {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	for _, ch := range b.registry.ChannelsFor(evt.SessionID) {
		deliver(ch, evt)
	}

	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs[evt.Type]))
	for _, fn := range b.subs[evt.Type] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		invoke(fn, evt)
	}
}

func deliver(ch Channel, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("channel panicked during fan-out",
				"channel", ch.Key(), "event_type", evt.Type, "session_id", evt.SessionID, "panic", r)
		}
	}()
	ch.Send(evt)
}

func invoke(fn func(Event), evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("subscriber panicked during fan-out",
				"event_type", evt.Type, "session_id", evt.SessionID, "panic", r)
		}
	}()
	fn(evt)
}

// PublishRequest registers a pending decision point and broadcasts it. The
// caller then blocks in AwaitResolution; any attached channel answers via
// Resolve.
func (b *Bus) PublishRequest(req Request) {
	b.mu.Lock()
	b.pending[req.ID] = &pendingRequest{req: req, done: make(chan struct{})}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RequestsPublished.WithLabelValues(string(req.Variant)).Inc()
	}

	evt := Event{
		Type:      requestEventType(req.Variant),
		SessionID: req.SessionID,
		TaskID:    req.TaskID,
		Request:   &req,
		RequestID: req.ID,
	}
	b.Publish(evt)
}

// Resolve atomically claims the request for the given answer. The first
// caller wins: the waiter is woken with the answer and a non-blocking
// EventResolved is broadcast so losing channels can update their UI. Every
// later call, and any call for an expired or unknown request, returns
// ErrAlreadyResolved.
func (b *Bus) Resolve(requestID string, approved bool, answer, resolvedBy string) error {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if !ok || p.resolved {
		b.mu.Unlock()
		return ErrAlreadyResolved
	}
	p.resolved = true
	p.res = Resolution{
		RequestID:  requestID,
		Outcome:    OutcomeAnswered,
		Approved:   approved,
		Answer:     answer,
		ResolvedBy: resolvedBy,
	}
	req := p.req
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Resolutions.WithLabelValues(string(OutcomeAnswered)).Inc()
	}

	// Broadcast before waking the waiter so every channel hears the outcome
	// ahead of whatever the resumed task publishes next.
	b.publishResolved(req, approved, answer)
	close(p.done)
	return nil
}

func (b *Bus) publishResolved(req Request, approved bool, answer string) {
	ok := approved
	b.Publish(Event{
		Type:      EventResolved,
		SessionID: req.SessionID,
		TaskID:    req.TaskID,
		RequestID: req.ID,
		Approved:  &ok,
		Answer:    answer,
	})
}

// AwaitResolution blocks until the request is resolved, the timeout elapses,
// or ctx is cancelled, whichever comes first. Timeout and cancellation claim
// the request themselves so a late Resolve observes ErrAlreadyResolved, and
// both are broadcast as an EventResolved (approved=false) so channels clear
// their prompts. The pending entry is removed before returning.
func (b *Bus) AwaitResolution(ctx context.Context, requestID string, timeout time.Duration) Resolution {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		// Unknown id: nothing to wait on. Report as timed out so the caller
		// applies its fail-safe default.
		return Resolution{RequestID: requestID, Outcome: OutcomeTimedOut}
	}

	defer func() {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var claimed Outcome
	select {
	case <-p.done:
	case <-timer.C:
		claimed = OutcomeTimedOut
	case <-ctx.Done():
		claimed = OutcomeCancelled
	}

	if claimed != "" {
		b.mu.Lock()
		if !p.resolved {
			p.resolved = true
			p.res = Resolution{RequestID: requestID, Outcome: claimed}
			close(p.done)
		}
		b.mu.Unlock()
	}

	b.mu.Lock()
	res := p.res
	b.mu.Unlock()

	if res.Outcome != OutcomeAnswered {
		if b.metrics != nil {
			b.metrics.Resolutions.WithLabelValues(string(res.Outcome)).Inc()
		}
		slog.Info("hitl request closed without answer",
			"request_id", requestID, "session_id", p.req.SessionID, "outcome", res.Outcome)
		b.publishResolved(p.req, false, "")
	}
	return res
}
