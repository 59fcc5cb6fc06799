package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"paycore/internal/common/money"
	"paycore/internal/payment"
)

// Config holds orchestrator configuration.
type Config struct {
	// DefaultCurrency is used for strategies that declare no home currency.
	DefaultCurrency money.Currency `envconfig:"PAYMENTS_DEFAULT_CURRENCY" default:"USD"`
	// DefaultProcessor is used when a request names no processor.
	DefaultProcessor string `envconfig:"PAYMENTS_DEFAULT_PROCESSOR" default:"cards"`
}

// Orchestrator is the single entry point for creating and mutating payments
// through a strategy.
type Orchestrator struct {
	registry *Registry
	engine   *payment.Engine
	cfg      Config
	validate *validator.Validate
	logger   *slog.Logger
}

// New creates an orchestrator.
func New(registry *Registry, engine *payment.Engine, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry: registry,
		engine:   engine,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger,
	}
}

// Get loads a payment by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*payment.Record, error) {
	return o.engine.Store().Get(ctx, id)
}

// Process creates a payment and runs it through the strategy. Created fires
// once the strategy hook succeeds; Completed follows it for strategies that
// complete immediately.
func (o *Orchestrator) Process(ctx context.Context, payable Payable, payer Payer, amount decimal.Decimal, opts Options) (*payment.Record, error) {
	s, err := o.registry.Get(opts.Processor)
	if err != nil {
		return nil, err
	}

	req, err := o.prepare(s, payable, payer, amount, opts)
	if err != nil {
		return nil, err
	}

	p, err := o.create(ctx, s, req)
	if err != nil {
		return nil, err
	}

	if err := s.Process(ctx, p, req); err != nil {
		return nil, o.fail(ctx, s, p, err)
	}
	if err := o.engine.Save(ctx, p); err != nil {
		return nil, o.fail(ctx, s, p, err)
	}

	caps := s.Capabilities()
	o.engine.NotifyCreated(ctx, p, caps.Offline)

	if caps.CompletesImmediately {
		if err := o.engine.MarkPaid(ctx, p); err != nil {
			return nil, o.fail(ctx, s, p, err)
		}
	}

	o.logger.Info("payment processed",
		"payment_id", p.ID,
		"processor", s.Name(),
		"status", p.Status,
	)
	return p, nil
}

// CreateRedirect opens a redirect session. The strategy creates the record
// itself through the CreateFunc it is given; Created fires once it returns.
func (o *Orchestrator) CreateRedirect(ctx context.Context, payable Payable, payer Payer, amount decimal.Decimal, opts Options) (*payment.Record, *Redirect, error) {
	s, err := o.registry.Get(opts.Processor)
	if err != nil {
		return nil, nil, err
	}
	r, err := redirector(s)
	if err != nil {
		return nil, nil, err
	}

	req, err := o.prepare(s, payable, payer, amount, opts)
	if err != nil {
		return nil, nil, err
	}

	created := false
	create := func(ctx context.Context) (*payment.Record, error) {
		p, err := o.create(ctx, s, req)
		if err == nil {
			created = true
		}
		return p, err
	}

	p, redirect, err := r.CreateRedirect(ctx, create, req)
	if err == nil && (p == nil || redirect == nil) {
		err = errors.New("redirect hook returned no payment or session")
	}
	if err == nil {
		err = o.engine.Save(ctx, p)
	}
	if err != nil {
		if created {
			o.failLatestPending(ctx, s, req, err)
		}
		return nil, nil, payment.ProcessingError(s.Name(), err)
	}

	o.engine.NotifyCreated(ctx, p, s.Capabilities().Offline)

	o.logger.Info("payment redirect created",
		"payment_id", p.ID,
		"processor", s.Name(),
		"session_id", redirect.SessionID,
	)
	return p, redirect, nil
}

// CompleteRedirect applies the processor's view of a redirect payment once the
// payer comes back.
func (o *Orchestrator) CompleteRedirect(ctx context.Context, p *payment.Record, callback map[string]string) (*payment.Record, error) {
	s, err := o.registry.Get(p.Processor)
	if err != nil {
		return nil, err
	}
	r, err := redirector(s)
	if err != nil {
		return nil, err
	}

	err = o.engine.Exclusive(ctx, p.ID, func(current *payment.Record) error {
		if err := r.CompleteRedirect(ctx, o.engine, current, callback); err != nil {
			return surface(s, err)
		}
		*p = *current
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("payment redirect completed",
		"payment_id", p.ID,
		"processor", s.Name(),
		"status", p.Status,
	)
	return p, nil
}

// Refund returns money to the payer. A nil amount refunds what remains.
func (o *Orchestrator) Refund(ctx context.Context, p *payment.Record, amount *decimal.Decimal) (*payment.Record, error) {
	s, err := o.registry.Get(p.Processor)
	if err != nil {
		return nil, err
	}
	if !s.Capabilities().Refunds {
		return nil, payment.Unsupported(s.Name(), "refunds")
	}

	// The remaining amount is read and the processor called under the same
	// lock, so concurrent refunds cannot both reach the processor.
	var value decimal.Decimal
	err = o.engine.Exclusive(ctx, p.ID, func(current *payment.Record) error {
		if !current.IsRefundable() {
			return &payment.TransitionError{PaymentID: current.ID, From: current.Status, To: payment.StatusRefunded}
		}

		value = current.RemainingAmount()
		if amount != nil {
			value = *amount
		}
		if !value.IsPositive() {
			return payment.Validationf("refund amount must be positive, got %s", value)
		}
		if value.GreaterThan(current.RemainingAmount()) {
			return payment.Validationf("refund of %s exceeds remaining %s", value, current.RemainingAmount())
		}

		if err := s.Refund(ctx, o.engine, current, value); err != nil {
			return surface(s, err)
		}
		*p = *current
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("payment refund applied",
		"payment_id", p.ID,
		"processor", s.Name(),
		"amount", value.String(),
		"status", p.Status,
	)
	return p, nil
}

// Cancel cancels an unfinished payment.
func (o *Orchestrator) Cancel(ctx context.Context, p *payment.Record, reason string) (*payment.Record, error) {
	s, err := o.registry.Get(p.Processor)
	if err != nil {
		return nil, err
	}
	if !s.Capabilities().Cancellation {
		return nil, payment.Unsupported(s.Name(), "cancellation")
	}

	err = o.engine.Exclusive(ctx, p.ID, func(current *payment.Record) error {
		if err := s.Cancel(ctx, o.engine, current, reason); err != nil {
			return surface(s, err)
		}
		*p = *current
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("payment canceled",
		"payment_id", p.ID,
		"processor", s.Name(),
	)
	return p, nil
}

// Confirm marks an offline payment as paid once money has arrived outside
// the processor. A zero paidAt means now.
func (o *Orchestrator) Confirm(ctx context.Context, p *payment.Record, paidAt time.Time) (*payment.Record, error) {
	s, err := o.registry.Get(p.Processor)
	if err != nil {
		return nil, err
	}
	if !s.Capabilities().Offline {
		return nil, payment.Unsupported(s.Name(), "manual confirmation")
	}

	var opts []payment.TransitionOption
	if !paidAt.IsZero() {
		opts = append(opts, payment.At(paidAt))
	}
	err = o.engine.Exclusive(ctx, p.ID, func(current *payment.Record) error {
		if err := o.engine.MarkPaid(ctx, current, opts...); err != nil {
			return err
		}
		*p = *current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// prepare runs every check that must pass before a record exists.
func (o *Orchestrator) prepare(s Strategy, payable Payable, payer Payer, amount decimal.Decimal, opts Options) (Request, error) {
	if payable == nil {
		return Request{}, payment.Validationf("payable is required")
	}
	if payer == nil {
		return Request{}, payment.Validationf("payer is required")
	}
	if !payable.IsActive() {
		return Request{}, payment.Validationf("payable %s is not active", payable.PaymentRef())
	}
	if !payable.RequiresPayment() {
		return Request{}, payment.Validationf("payable %s does not require payment", payable.PaymentRef())
	}
	if !payer.CanMakePayments() {
		return Request{}, payment.Validationf("payer %s cannot make payments", payer.PaymentRef())
	}
	if !amount.IsPositive() {
		return Request{}, payment.Validationf("amount must be greater than zero, got %s", amount)
	}
	if err := o.validate.Struct(opts); err != nil {
		return Request{}, fmt.Errorf("%w: %w", payment.ErrValidation, err)
	}

	home := s.HomeCurrency()
	if home.IsZero() {
		home = o.cfg.DefaultCurrency
	}
	currency, err := payment.ResolveCurrency(payment.CurrencyCapability{
		Processor:          s.Name(),
		Home:               home,
		MultipleCurrencies: s.Capabilities().MultipleCurrencies,
	}, opts.Currency)
	if err != nil {
		return Request{}, err
	}
	if _, err := money.ToMinor(amount, currency); err != nil {
		return Request{}, payment.Validationf("%s", err)
	}

	return Request{
		Payable:  payable,
		Payer:    payer,
		Amount:   amount,
		Currency: currency,
		Options:  opts,
	}, nil
}

func (o *Orchestrator) create(ctx context.Context, s Strategy, req Request) (*payment.Record, error) {
	p := &payment.Record{
		Payer:     req.Payer.PaymentRef(),
		Payable:   req.Payable.PaymentRef(),
		Amount:    req.Amount,
		Currency:  req.Currency,
		Processor: s.Name(),
		Notes:     req.Options.Notes,
	}
	p.MergeMetadata(req.Options.Metadata)
	if req.Options.Reference != "" {
		p.MergeMetadata(map[string]any{"client_reference": req.Options.Reference})
	}

	if err := o.engine.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (o *Orchestrator) fail(ctx context.Context, s Strategy, p *payment.Record, cause error) error {
	if err := o.engine.MarkFailed(ctx, p, cause.Error()); err != nil {
		o.logger.Error("failed to mark payment failed",
			"payment_id", p.ID,
			"processor", s.Name(),
			"error", err,
			"cause", cause,
		)
	}
	return payment.ProcessingError(s.Name(), cause)
}

func (o *Orchestrator) failLatestPending(ctx context.Context, s Strategy, req Request, cause error) {
	p, err := o.engine.Store().FindLatestPending(ctx, s.Name(), req.Payable.PaymentRef(), req.Payer.PaymentRef())
	if err != nil {
		o.logger.Warn("no pending payment to fail after redirect error",
			"processor", s.Name(),
			"payable", req.Payable.PaymentRef().String(),
			"error", err,
		)
		return
	}
	if err := o.engine.MarkFailed(ctx, p, cause.Error()); err != nil {
		o.logger.Error("failed to mark payment failed",
			"payment_id", p.ID,
			"processor", s.Name(),
			"error", err,
		)
	}
}

func redirector(s Strategy) (Redirector, error) {
	if !s.Capabilities().Redirects {
		return nil, payment.Unsupported(s.Name(), "redirects")
	}
	r, ok := s.(Redirector)
	if !ok {
		return nil, payment.Unsupported(s.Name(), "redirects")
	}
	return r, nil
}

// surface passes domain errors through and wraps processor failures.
func surface(s Strategy, err error) error {
	switch {
	case errors.Is(err, payment.ErrValidation),
		errors.Is(err, payment.ErrInvalidTransition),
		errors.Is(err, payment.ErrUnsupportedOperation):
		return err
	}
	return payment.ProcessingError(s.Name(), err)
}
