package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/zoobzio/clockz"
)

// Engine owns every status change of a payment record. Each change is
// stored first and announced second.
type Engine struct {
	store    Store
	notifier *Notifier
	clock    clockz.Clock
	logger   *slog.Logger
	locks    *recordLocks
	ops      *recordLocks
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock sets the clock used for timestamps.
func WithClock(clock clockz.Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates a transition engine.
func NewEngine(store Store, notifier *Notifier, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		notifier: notifier,
		clock:    clockz.RealClock,
		logger:   logger,
		locks:    newRecordLocks(),
		ops:      newRecordLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TransitionOption customises a single transition.
type TransitionOption func(*transition)

type transition struct {
	at time.Time
}

// At stamps the transition with t instead of the current time.
func At(t time.Time) TransitionOption {
	return func(tr *transition) { tr.at = t }
}

func (e *Engine) resolve(opts []TransitionOption) transition {
	tr := transition{}
	for _, opt := range opts {
		opt(&tr)
	}
	if tr.at.IsZero() {
		tr.at = e.clock.Now()
	}
	tr.at = tr.at.UTC()
	return tr
}

// Store returns the underlying record store.
func (e *Engine) Store() Store {
	return e.store
}

// Create stores a new record in pending. It assigns an id and audit
// timestamps when they are missing. No event is fired.
func (e *Engine) Create(ctx context.Context, p *Record) error {
	now := e.clock.Now().UTC()
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	p.Status = StatusPending
	p.PaidAt, p.FailedAt, p.CanceledAt = nil, nil, nil
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	if err := e.store.Create(ctx, p); err != nil {
		return fmt.Errorf("create payment: %w", err)
	}

	e.logger.Info("payment created",
		"payment_id", p.ID,
		"processor", p.Processor,
		"amount", p.Amount.String(),
		"currency", p.Currency,
	)
	return nil
}

// Save stores changes a processor hook made to an open record: reference,
// metadata, notes or the pending/processing status. The stored record must
// still be open.
func (e *Engine) Save(ctx context.Context, p *Record) error {
	unlock := e.locks.lock(p.ID)
	defer unlock()

	current, err := e.load(ctx, p.ID)
	if err != nil {
		return err
	}
	if !current.Status.IsOpen() {
		return &TransitionError{PaymentID: p.ID, From: current.Status, To: p.Status}
	}

	next := current.Clone()
	next.ExternalReference = p.ExternalReference
	next.MergeMetadata(p.Metadata)
	next.Notes = p.Notes
	if p.Status.IsOpen() {
		next.Status = p.Status
	}
	next.UpdatedAt = e.clock.Now().UTC()
	if err := e.store.Update(ctx, next); err != nil {
		return fmt.Errorf("save payment: %w", err)
	}
	*p = *next
	return nil
}

// SetStatus moves an open record between pending and processing. Terminal
// statuses are reached only through their own transitions.
func (e *Engine) SetStatus(ctx context.Context, p *Record, status Status) error {
	if status != StatusPending && status != StatusProcessing {
		return &TransitionError{PaymentID: p.ID, From: p.Status, To: status}
	}

	unlock := e.locks.lock(p.ID)
	defer unlock()

	current, err := e.load(ctx, p.ID)
	if err != nil {
		return err
	}
	if !current.Status.IsOpen() {
		return &TransitionError{PaymentID: p.ID, From: current.Status, To: status}
	}
	if current.Status == status {
		*p = *current
		return nil
	}

	next := current.Clone()
	next.stampOutcome(status, time.Time{})
	next.UpdatedAt = e.clock.Now().UTC()
	if err := e.store.Update(ctx, next); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	*p = *next

	e.logger.Info("payment status updated", "payment_id", p.ID, "status", status)
	return nil
}

// MarkPaid completes a payment. Completing twice is a no-op; completing a
// failed or canceled payment is rejected.
func (e *Engine) MarkPaid(ctx context.Context, p *Record, opts ...TransitionOption) error {
	return e.apply(ctx, p, StatusCompleted, "", e.resolve(opts), EventCompleted)
}

// MarkFailed fails a payment and records the reason in its notes.
func (e *Engine) MarkFailed(ctx context.Context, p *Record, reason string, opts ...TransitionOption) error {
	return e.apply(ctx, p, StatusFailed, reason, e.resolve(opts), EventFailed)
}

// MarkCanceled cancels a payment and records the reason in its notes.
func (e *Engine) MarkCanceled(ctx context.Context, p *Record, reason string, opts ...TransitionOption) error {
	return e.apply(ctx, p, StatusCanceled, reason, e.resolve(opts), EventCanceled)
}

// allowed reports whether a stored record in from may move to the terminal
// status to. Money that was collected is never failed or canceled.
func allowed(from, to Status) bool {
	if to == StatusCompleted {
		return from == StatusPending || from == StatusProcessing
	}
	return !from.IsPaid()
}

// apply checks the transition against the stored record and writes it under
// the record lock. Reference and metadata set on p by a hook are carried
// over; status, timestamps and refunded total come from the store. Repeating
// the current status is a no-op that refreshes p.
func (e *Engine) apply(ctx context.Context, p *Record, to Status, note string, tr transition, kind EventKind) error {
	unlock := e.locks.lock(p.ID)

	current, err := e.load(ctx, p.ID)
	if err != nil {
		unlock()
		return err
	}
	if current.Status == to {
		*p = *current
		unlock()
		return nil
	}
	if !allowed(current.Status, to) {
		unlock()
		return &TransitionError{PaymentID: p.ID, From: current.Status, To: to}
	}

	next := current.Clone()
	if next.ExternalReference == "" {
		next.ExternalReference = p.ExternalReference
	}
	next.MergeMetadata(p.Metadata)
	next.stampOutcome(to, tr.at)
	next.AppendNote(note)
	next.UpdatedAt = e.clock.Now().UTC()

	if err := e.store.Update(ctx, next); err != nil {
		unlock()
		return fmt.Errorf("mark payment %s: %w", to, err)
	}
	*p = *next
	unlock()

	e.logger.Info("payment transitioned",
		"payment_id", p.ID,
		"processor", p.Processor,
		"status", to,
	)

	e.notifier.Emit(ctx, kind, p, false)
	return nil
}

// Exclusive runs fn with the stored record while no other Exclusive call for
// the same id is running. Operations that call out to a processor before
// recording the outcome (refunds, cancellations, redirect completion) run
// inside it so two of them never act on the same record at once. The
// transitions fn drives take their own lock and may be called from fn.
func (e *Engine) Exclusive(ctx context.Context, id string, fn func(current *Record) error) error {
	unlock := e.ops.lock(id)
	defer unlock()

	current, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	return fn(current)
}

func (e *Engine) load(ctx context.Context, id string) (*Record, error) {
	current, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load payment %s: %w", id, err)
	}
	return current, nil
}

// ApplyRefund adds amount to the refunded total. Refunds on the same record
// are serialized and evaluated against the stored state so the total never
// exceeds the payment amount.
func (e *Engine) ApplyRefund(ctx context.Context, p *Record, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return Validationf("refund amount must be positive, got %s", amount)
	}

	unlock := e.locks.lock(p.ID)
	defer unlock()

	current, err := e.load(ctx, p.ID)
	if err != nil {
		return err
	}
	if !current.IsRefundable() {
		return &TransitionError{PaymentID: p.ID, From: current.Status, To: StatusRefunded}
	}

	total := current.RefundedAmount.Add(amount)
	if total.GreaterThan(current.Amount) {
		return Validationf("refund of %s exceeds remaining %s", amount, current.RemainingAmount())
	}

	current.RefundedAmount = total
	if total.GreaterThanOrEqual(current.Amount) {
		current.Status = StatusRefunded
	} else {
		current.Status = StatusPartiallyRefunded
	}
	current.UpdatedAt = e.clock.Now().UTC()

	if err := e.store.Update(ctx, current); err != nil {
		return fmt.Errorf("apply refund: %w", err)
	}
	*p = *current

	e.logger.Info("payment refunded",
		"payment_id", p.ID,
		"amount", amount.String(),
		"refunded_total", total.String(),
		"status", p.Status,
	)
	return nil
}

// NotifyCreated announces a newly created payment.
func (e *Engine) NotifyCreated(ctx context.Context, p *Record, offline bool) {
	e.notifier.Emit(ctx, EventCreated, p, offline)
}
