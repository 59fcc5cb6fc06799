// Package manual provides a processor for payments collected by staff, such
// as cash or cheques, and confirmed by an operator afterwards.
package manual

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/money"
	"paycore/internal/payment"
	"paycore/internal/processor"
)

// Name is the registry name of the manual processor.
const Name = "manual"

// Config holds manual processor configuration.
type Config struct {
	Currency     string `envconfig:"MANUAL_CURRENCY"`
	Instructions string `envconfig:"MANUAL_INSTRUCTIONS" default:"Pay at the front desk and quote your reference"`
}

// Strategy records manual payments and waits for confirmation.
type Strategy struct {
	processor.Base
	config Config
	logger *slog.Logger
}

// New creates the manual strategy.
func New(cfg Config, logger *slog.Logger) *Strategy {
	return &Strategy{
		Base: processor.NewBase(Name, money.Currency(cfg.Currency), processor.Capabilities{
			Cancellation: true,
			Offline:      true,
		}),
		config: cfg,
		logger: logger,
	}
}

// Process issues a reference the payer quotes when paying.
func (s *Strategy) Process(ctx context.Context, p *payment.Record, req processor.Request) error {
	p.ExternalReference = "MAN-" + ulid.Make().String()
	p.MergeMetadata(map[string]any{
		"method":       Name,
		"instructions": s.config.Instructions,
	})

	s.logger.Info("manual payment awaiting confirmation",
		"payment_id", p.ID,
		"reference", p.ExternalReference,
	)
	return nil
}

// Cancel withdraws a payment that has not been confirmed.
func (s *Strategy) Cancel(ctx context.Context, t processor.Transitions, p *payment.Record, reason string) error {
	if p.Status.IsPaid() {
		return &payment.TransitionError{PaymentID: p.ID, From: p.Status, To: payment.StatusCanceled}
	}
	if reason == "" {
		reason = "manual payment withdrawn"
	}
	return t.MarkCanceled(ctx, p, reason)
}
