// Package processor runs payments through pluggable processor strategies.
// Strategies do processor-specific work; the Orchestrator owns validation,
// record creation, capability checks and the order events fire in.
package processor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"paycore/internal/common/money"
	"paycore/internal/payment"
)

// Capabilities are the features a strategy declares. The orchestrator checks
// them before delegating so a strategy cannot be driven past what it supports.
type Capabilities struct {
	Redirects          bool
	ImmediatePayments  bool
	Cancellation       bool
	Refunds            bool
	MultipleCurrencies bool
	// CompletesImmediately marks the payment paid right after creation.
	CompletesImmediately bool
	// Offline payments are settled outside the processor (bank transfer,
	// cash) and confirmed later.
	Offline bool
}

// Payable is something that can be paid for.
type Payable interface {
	PaymentRef() payment.PartyRef
	IsActive() bool
	RequiresPayment() bool
	Title() string
	Description() string
	Currency() string
}

// Payer is whoever pays.
type Payer interface {
	PaymentRef() payment.PartyRef
	CanMakePayments() bool
}

// Options are caller-supplied settings for a new payment.
type Options struct {
	Processor   string         `validate:"omitempty,max=64"`
	Currency    string         `validate:"omitempty,len=3,alpha"`
	Reference   string         `validate:"omitempty,max=255"`
	Notes       string         `validate:"omitempty,max=2000"`
	Metadata    map[string]any
	SuccessURL  string         `validate:"omitempty,url"`
	CancelURL   string         `validate:"omitempty,url"`
	FailureURL  string         `validate:"omitempty,url"`
	SourceToken string         `validate:"omitempty,max=255"`
}

// Request is a validated payment request handed to strategy hooks.
type Request struct {
	Payable  Payable
	Payer    Payer
	Amount   decimal.Decimal
	Currency money.Currency
	Options  Options
}

// Redirect tells the caller where to send the payer.
type Redirect struct {
	URL        string         `json:"url"`
	SuccessURL string         `json:"success_url,omitempty"`
	CancelURL  string         `json:"cancel_url,omitempty"`
	FailureURL string         `json:"failure_url,omitempty"`
	Method     string         `json:"method"`
	SessionID  string         `json:"session_id"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Transitions is the part of the transition engine hooks may drive.
type Transitions interface {
	MarkPaid(ctx context.Context, p *payment.Record, opts ...payment.TransitionOption) error
	MarkFailed(ctx context.Context, p *payment.Record, reason string, opts ...payment.TransitionOption) error
	MarkCanceled(ctx context.Context, p *payment.Record, reason string, opts ...payment.TransitionOption) error
	ApplyRefund(ctx context.Context, p *payment.Record, amount decimal.Decimal) error
	SetStatus(ctx context.Context, p *payment.Record, status payment.Status) error
	Save(ctx context.Context, p *payment.Record) error
}

var _ Transitions = (*payment.Engine)(nil)

// Strategy is a payment processor backend.
//
// Process runs after the record is stored in pending. It may call out to the
// processor, set the external reference and metadata and move the record to
// processing. It must not fire events or reach a terminal status.
//
// Refund and Cancel do their remote work and then apply the outcome through
// the Transitions they are given.
type Strategy interface {
	Name() string
	HomeCurrency() money.Currency
	Capabilities() Capabilities
	Process(ctx context.Context, p *payment.Record, req Request) error
	Refund(ctx context.Context, t Transitions, p *payment.Record, amount decimal.Decimal) error
	Cancel(ctx context.Context, t Transitions, p *payment.Record, reason string) error
}

// CreateFunc stores a new pending record for an already validated request.
type CreateFunc func(ctx context.Context) (*payment.Record, error)

// Redirector is implemented by strategies that send the payer elsewhere.
type Redirector interface {
	// CreateRedirect creates the record through create and opens a session
	// with the processor.
	CreateRedirect(ctx context.Context, create CreateFunc, req Request) (*payment.Record, *Redirect, error)
	// CompleteRedirect looks up the processor's view of the payment and
	// applies it.
	CompleteRedirect(ctx context.Context, t Transitions, p *payment.Record, callback map[string]string) error
}

// Base carries a strategy's identity and rejects the optional operations.
// Strategies embed it and override what they support.
type Base struct {
	name string
	home money.Currency
	caps Capabilities
}

// NewBase creates a Base.
func NewBase(name string, home money.Currency, caps Capabilities) Base {
	return Base{name: name, home: money.Normalize(string(home)), caps: caps}
}

func (b Base) Name() string                 { return b.name }
func (b Base) HomeCurrency() money.Currency { return b.home }
func (b Base) Capabilities() Capabilities   { return b.caps }

func (b Base) Refund(ctx context.Context, t Transitions, p *payment.Record, amount decimal.Decimal) error {
	return payment.Unsupported(b.name, "refunds")
}

func (b Base) Cancel(ctx context.Context, t Transitions, p *payment.Record, reason string) error {
	return payment.Unsupported(b.name, "cancellation")
}
