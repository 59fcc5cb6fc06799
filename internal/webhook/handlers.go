package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"paycore/internal/payment"
)

// Transitions is the part of the payment engine webhook handlers drive.
type Transitions interface {
	MarkPaid(ctx context.Context, p *payment.Record, opts ...payment.TransitionOption) error
	MarkFailed(ctx context.Context, p *payment.Record, reason string, opts ...payment.TransitionOption) error
	MarkCanceled(ctx context.Context, p *payment.Record, reason string, opts ...payment.TransitionOption) error
	SetStatus(ctx context.Context, p *payment.Record, status payment.Status) error
}

// Gateway event types handled by ChargeHandlers.
const (
	EventChargeSucceeded = "charge.succeeded"
	EventChargeFailed    = "charge.failed"
	EventChargeCanceled  = "charge.canceled"
	EventChargeUpdated   = "charge.updated"
)

// ChargeHandlers applies charge notifications from one processor to
// payment records.
type ChargeHandlers struct {
	processor   string
	store       payment.Store
	transitions Transitions
	logger      *slog.Logger
}

// NewChargeHandlers creates handlers for notifications sent by processor.
func NewChargeHandlers(processor string, store payment.Store, t Transitions, logger *slog.Logger) *ChargeHandlers {
	return &ChargeHandlers{
		processor:   processor,
		store:       store,
		transitions: t,
		logger:      logger,
	}
}

// Register adds every charge handler to d.
func (h *ChargeHandlers) Register(d *Dispatcher) {
	d.Register(EventChargeSucceeded, h.HandleChargeSucceeded)
	d.Register(EventChargeFailed, h.HandleChargeFailed)
	d.Register(EventChargeCanceled, h.HandleChargeCanceled)
	d.Register(EventChargeUpdated, h.HandleChargeUpdated)
}

func (h *ChargeHandlers) HandleChargeSucceeded(ctx context.Context, event *Event) error {
	p, err := h.locate(ctx, event)
	if err != nil {
		return err
	}

	if p.Status == payment.StatusCanceled {
		h.logger.Warn("success notification for canceled payment",
			"event_id", event.ID,
			"payment_id", p.ID,
		)
		return &payment.TransitionError{PaymentID: p.ID, From: p.Status, To: payment.StatusCompleted}
	}

	var opts []payment.TransitionOption
	if event.Data.PaidAt != nil {
		opts = append(opts, payment.At(*event.Data.PaidAt))
	}
	return h.transitions.MarkPaid(ctx, p, opts...)
}

func (h *ChargeHandlers) HandleChargeFailed(ctx context.Context, event *Event) error {
	p, err := h.locate(ctx, event)
	if err != nil {
		return err
	}

	reason := event.Data.Reason
	if reason == "" {
		reason = "charge failed"
	}
	return h.transitions.MarkFailed(ctx, p, reason)
}

func (h *ChargeHandlers) HandleChargeCanceled(ctx context.Context, event *Event) error {
	p, err := h.locate(ctx, event)
	if err != nil {
		return err
	}

	reason := event.Data.Reason
	if reason == "" {
		reason = "charge canceled by processor"
	}
	return h.transitions.MarkCanceled(ctx, p, reason)
}

// HandleChargeUpdated moves an open payment between pending and processing.
// Outcomes arrive as their own events, so other statuses are only logged.
func (h *ChargeHandlers) HandleChargeUpdated(ctx context.Context, event *Event) error {
	p, err := h.locate(ctx, event)
	if err != nil {
		return err
	}

	status, ok := intermediateStatus(event.Data.Status)
	if !ok {
		h.logger.Info("ignoring charge update",
			"event_id", event.ID,
			"payment_id", p.ID,
			"status", event.Data.Status,
		)
		return nil
	}
	if !p.Status.IsOpen() {
		h.logger.Info("charge update for settled payment",
			"event_id", event.ID,
			"payment_id", p.ID,
			"payment_status", p.Status,
		)
		return nil
	}
	return h.transitions.SetStatus(ctx, p, status)
}

func (h *ChargeHandlers) locate(ctx context.Context, event *Event) (*payment.Record, error) {
	if event.Data.PaymentID != "" {
		return h.store.Get(ctx, event.Data.PaymentID)
	}
	if event.Data.Reference == "" {
		return nil, payment.Validationf("event %s carries neither payment_id nor reference", event.ID)
	}

	processor := h.processor
	if event.Data.Processor != "" {
		processor = event.Data.Processor
	}
	p, err := h.store.FindByReference(ctx, processor, event.Data.Reference)
	if err != nil {
		return nil, fmt.Errorf("locate payment for event %s: %w", event.ID, err)
	}
	return p, nil
}

func intermediateStatus(s string) (payment.Status, bool) {
	switch strings.ToLower(s) {
	case "pending", "created", "open", "requires_action", "requires_payment_method":
		return payment.StatusPending, true
	case "processing", "authorized", "in_progress", "pending_capture":
		return payment.StatusProcessing, true
	default:
		return "", false
	}
}
