// Package banktransfer provides an offline processor: the payer receives bank
// details and a unique reference and pushes the money themselves. The payment
// is confirmed when the transfer is matched.
package banktransfer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"paycore/internal/common/money"
	"paycore/internal/payment"
	"paycore/internal/processor"
)

// Name is the registry name of the bank transfer processor.
const Name = "bank_transfer"

// Config holds the receiving account.
type Config struct {
	IBAN            string `envconfig:"BANK_TRANSFER_IBAN"`
	BIC             string `envconfig:"BANK_TRANSFER_BIC"`
	Beneficiary     string `envconfig:"BANK_TRANSFER_BENEFICIARY"`
	Currency        string `envconfig:"BANK_TRANSFER_CURRENCY"`
	ReferencePrefix string `envconfig:"BANK_TRANSFER_REFERENCE_PREFIX" default:"BT"`
}

// BankDetails tells the payer where to send the money.
type BankDetails struct {
	IBAN        string `json:"iban,omitempty"`
	BIC         string `json:"bic,omitempty"`
	Beneficiary string `json:"beneficiary,omitempty"`
	Reference   string `json:"reference"` // Unique reference for matching
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
}

// Strategy issues transfer instructions.
type Strategy struct {
	processor.Base
	config Config
	logger *slog.Logger
}

// New creates the bank transfer strategy.
func New(cfg Config, logger *slog.Logger) *Strategy {
	if cfg.ReferencePrefix == "" {
		cfg.ReferencePrefix = "BT"
	}
	return &Strategy{
		Base: processor.NewBase(Name, money.Currency(cfg.Currency), processor.Capabilities{
			Cancellation: true,
			Refunds:      true,
			Offline:      true,
		}),
		config: cfg,
		logger: logger,
	}
}

// Process generates a unique reference for inbound matching and attaches the
// bank details to the payment.
func (s *Strategy) Process(ctx context.Context, p *payment.Record, req processor.Request) error {
	reference := fmt.Sprintf("%s-%s", s.config.ReferencePrefix, ulid.Make().String())

	details := BankDetails{
		IBAN:        s.config.IBAN,
		BIC:         s.config.BIC,
		Beneficiary: s.config.Beneficiary,
		Reference:   reference,
		Amount:      p.Amount.StringFixed(money.MinorUnits(p.Currency)),
		Currency:    string(p.Currency),
	}

	p.ExternalReference = reference
	p.MergeMetadata(map[string]any{
		"method":       Name,
		"bank_details": details,
	})

	s.logger.Info("bank transfer instructions issued",
		"payment_id", p.ID,
		"reference", reference,
	)
	return nil
}

// Refund records money sent back to the payer outside the system.
func (s *Strategy) Refund(ctx context.Context, t processor.Transitions, p *payment.Record, amount decimal.Decimal) error {
	if err := t.ApplyRefund(ctx, p, amount); err != nil {
		return err
	}
	s.logger.Info("bank transfer refund recorded",
		"payment_id", p.ID,
		"amount", amount.String(),
	)
	return nil
}

// Cancel voids the instructions of a payment not yet received.
func (s *Strategy) Cancel(ctx context.Context, t processor.Transitions, p *payment.Record, reason string) error {
	if p.Status.IsPaid() {
		return &payment.TransitionError{PaymentID: p.ID, From: p.Status, To: payment.StatusCanceled}
	}
	if reason == "" {
		reason = "bank transfer not received"
	}
	return t.MarkCanceled(ctx, p, reason)
}
