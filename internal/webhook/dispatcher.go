// Package webhook receives asynchronous payment notifications, checks their
// signature, drops duplicates and routes each to the handler named after its
// event type.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnhandledEvent   = errors.New("unhandled webhook event")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Config holds webhook configuration.
type Config struct {
	Secret             string `envconfig:"WEBHOOK_SECRET" required:"true"`
	SignatureHeader    string `envconfig:"WEBHOOK_SIGNATURE_HEADER" default:"X-Signature"`
	IdempotencyTTLDays int    `envconfig:"WEBHOOK_IDEMPOTENCY_TTL_DAYS" default:"30"`
}

// Retention returns the idempotency window, falling back to DefaultRetention.
func (c Config) Retention() time.Duration {
	if c.IdempotencyTTLDays <= 0 {
		return DefaultRetention
	}
	return time.Duration(c.IdempotencyTTLDays) * 24 * time.Hour
}

// Event is an inbound notification.
type Event struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Data      EventData  `json:"data"`
}

// EventData identifies the payment and carries the processor's view of it.
type EventData struct {
	PaymentID string     `json:"payment_id,omitempty"`
	Reference string     `json:"reference,omitempty"`
	Processor string     `json:"processor,omitempty"`
	Status    string     `json:"status,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
}

// HandlerFunc handles one event type.
type HandlerFunc func(ctx context.Context, event *Event) error

// Dispatcher verifies, de-duplicates and routes webhook events.
type Dispatcher struct {
	secret    []byte
	retention time.Duration
	store     IdempotencyStore
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher creates a dispatcher with no handlers.
func NewDispatcher(cfg Config, store IdempotencyStore, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		secret:    []byte(cfg.Secret),
		retention: cfg.Retention(),
		store:     store,
		logger:    logger,
		handlers:  make(map[string]HandlerFunc),
	}
}

// Register adds the handler for an event type under its derived name.
func (d *Dispatcher) Register(eventType string, fn HandlerFunc) {
	d.RegisterNamed(HandlerName(eventType), fn)
}

// RegisterNamed adds a handler under an explicit name such as
// "HandleChargeSucceeded".
func (d *Dispatcher) RegisterNamed(name string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = fn
}

// HandlerName derives the handler name for an event type: segments split on
// dots, underscores and dashes are capitalized and joined after "Handle".
// "charge.succeeded" becomes "HandleChargeSucceeded".
func HandlerName(eventType string) string {
	parts := strings.FieldsFunc(eventType, func(r rune) bool {
		return r == '.' || r == '_' || r == '-'
	})

	var b strings.Builder
	b.WriteString("Handle")
	for _, part := range parts {
		r, size := utf8.DecodeRuneInString(part)
		b.WriteRune(unicode.ToUpper(r))
		b.WriteString(part[size:])
	}
	return b.String()
}

// HandleWebhook processes one delivery. Duplicates within the retention
// window return nil without calling the handler. Event types without a
// handler fail with ErrUnhandledEvent every time.
func (d *Dispatcher) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if err := Verify(d.secret, payload, signature); err != nil {
		d.logger.Warn("webhook signature rejected")
		return err
	}
	return d.Dispatch(ctx, payload)
}

// Dispatch routes a payload that arrived over an authenticated channel, such
// as the internal message bus, so it carries no signature.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte) error {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if event.ID == "" || event.Type == "" {
		return fmt.Errorf("%w: missing id or type", ErrMalformedPayload)
	}

	seen, err := d.store.Seen(ctx, event.ID)
	if err != nil {
		return err
	}
	if seen {
		d.logger.Info("duplicate webhook ignored", "event_id", event.ID, "type", event.Type)
		return nil
	}

	name := HandlerName(event.Type)
	d.mu.RLock()
	handler, ok := d.handlers[name]
	d.mu.RUnlock()
	if !ok {
		d.logger.Error("no handler for webhook event",
			"event_id", event.ID,
			"type", event.Type,
			"handler", name,
		)
		return fmt.Errorf("%w: %s (expected %s)", ErrUnhandledEvent, event.Type, name)
	}

	claimed, err := d.store.Claim(ctx, event.ID, d.retention)
	if err != nil {
		return err
	}
	if !claimed {
		d.logger.Info("webhook already claimed by another delivery", "event_id", event.ID, "type", event.Type)
		return nil
	}

	if err := handler(ctx, &event); err != nil {
		if relErr := d.store.Release(ctx, event.ID); relErr != nil {
			d.logger.Error("failed to release webhook event",
				"event_id", event.ID,
				"error", relErr,
			)
		}
		return fmt.Errorf("handle %s: %w", event.Type, err)
	}

	d.logger.Info("webhook handled",
		"event_id", event.ID,
		"type", event.Type,
		"handler", name,
	)
	return nil
}
