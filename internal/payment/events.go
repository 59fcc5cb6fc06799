package payment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// EventKind names a lifecycle event.
type EventKind string

const (
	EventCreated   EventKind = "payment.created"
	EventCompleted EventKind = "payment.completed"
	EventFailed    EventKind = "payment.failed"
	EventCanceled  EventKind = "payment.canceled"
)

// Event is delivered to listeners after the state it describes is stored.
type Event struct {
	Kind       EventKind
	Payment    *Record // snapshot, safe to retain
	Offline    bool    // only meaningful for EventCreated
	OccurredAt time.Time
}

// Listener observes lifecycle events. Returned errors are reported, never
// propagated to the caller that changed the payment.
type Listener interface {
	OnPaymentEvent(ctx context.Context, event Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event Event) error

func (f ListenerFunc) OnPaymentEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventPolicy decides whether events are emitted for a processor.
type EventPolicy struct {
	// Enabled is the global toggle; nil means enabled.
	Enabled *bool
	// Processors overrides the toggle per processor name.
	Processors map[string]bool
}

// ShouldEmit applies the global switch first, then the per-processor override.
func (p EventPolicy) ShouldEmit(processor string) bool {
	if p.Enabled != nil && !*p.Enabled {
		return false
	}
	if v, ok := p.Processors[processor]; ok {
		return v
	}
	return true
}

type namedListener struct {
	name     string
	listener Listener
}

// Notifier fans lifecycle events out to listeners.
type Notifier struct {
	policy EventPolicy
	clock  clockz.Clock
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []namedListener
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithNotifierClock sets the clock used to stamp events.
func WithNotifierClock(clock clockz.Clock) NotifierOption {
	return func(n *Notifier) { n.clock = clock }
}

// NewNotifier creates a notifier. logger is the diagnostics sink for
// misbehaving listeners.
func NewNotifier(policy EventPolicy, logger *slog.Logger, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		policy: policy,
		clock:  clockz.RealClock,
		logger: logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe registers a listener under a name used in diagnostics.
func (n *Notifier) Subscribe(name string, l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, namedListener{name: name, listener: l})
}

// Policy returns the policy in effect.
func (n *Notifier) Policy() EventPolicy {
	return n.policy
}

// Emit delivers an event to every listener in subscription order. It never
// fails: listener errors and panics go to the diagnostics logger.
func (n *Notifier) Emit(ctx context.Context, kind EventKind, p *Record, offline bool) {
	if !n.policy.ShouldEmit(p.Processor) {
		n.logger.Debug("payment event suppressed",
			"event", kind,
			"payment_id", p.ID,
			"processor", p.Processor,
		)
		return
	}

	event := Event{
		Kind:       kind,
		Payment:    p.Clone(),
		Offline:    offline,
		OccurredAt: n.clock.Now().UTC(),
	}

	n.mu.RLock()
	listeners := make([]namedListener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()

	for _, l := range listeners {
		if err := n.deliver(ctx, l, event); err != nil {
			n.logger.Error("payment listener failed",
				"listener", l.name,
				"event", kind,
				"payment_id", p.ID,
				"error", err,
			)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, l namedListener, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return l.listener.OnPaymentEvent(ctx, event)
}
