// Package hosted sends payers to a hosted payment page and confirms the
// outcome when they return or when the gateway calls back.
package hosted

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zoobzio/clockz"

	"paycore/internal/common/money"
	"paycore/internal/payment"
	"paycore/internal/processor"
)

// Name is the registry name of the hosted page processor.
const Name = "hosted"

// Config holds hosted gateway configuration.
type Config struct {
	BaseURL    string        `envconfig:"HOSTED_BASE_URL" default:"https://pay.example.com"`
	APIKey     string        `envconfig:"HOSTED_API_KEY"`
	Currency   string        `envconfig:"HOSTED_CURRENCY" default:"DZD"`
	Timeout    time.Duration `envconfig:"HOSTED_TIMEOUT" default:"30s"`
	SessionTTL time.Duration `envconfig:"HOSTED_SESSION_TTL" default:"30m"`
}

// Gateway is the remote side of the hosted page.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	CancelSession(ctx context.Context, id string) (*Session, error)
	Refund(ctx context.Context, id string, req RefundRequest) (*RefundResponse, error)
}

// Strategy implements the hosted page processor.
type Strategy struct {
	processor.Base
	config  Config
	gateway Gateway
	clock   clockz.Clock
	logger  *slog.Logger
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithClock sets the clock used for session expiry.
func WithClock(clock clockz.Clock) Option {
	return func(s *Strategy) { s.clock = clock }
}

// New creates the hosted strategy.
func New(cfg Config, gateway Gateway, logger *slog.Logger, opts ...Option) *Strategy {
	s := &Strategy{
		Base: processor.NewBase(Name, money.Currency(cfg.Currency), processor.Capabilities{
			Redirects:    true,
			Cancellation: true,
			Refunds:      true,
		}),
		config:  cfg,
		gateway: gateway,
		clock:   clockz.RealClock,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process opens a session for an existing record and leaves the redirect URL
// in its metadata.
func (s *Strategy) Process(ctx context.Context, p *payment.Record, req processor.Request) error {
	_, err := s.open(ctx, p, req)
	return err
}

// CreateRedirect creates the record, opens a session for it and returns where
// to send the payer.
func (s *Strategy) CreateRedirect(ctx context.Context, create processor.CreateFunc, req processor.Request) (*payment.Record, *processor.Redirect, error) {
	p, err := create(ctx)
	if err != nil {
		return nil, nil, err
	}

	session, err := s.open(ctx, p, req)
	if err != nil {
		return nil, nil, err
	}

	method := session.Method
	if method == "" {
		method = "GET"
	}

	return p, &processor.Redirect{
		URL:        session.URL,
		SuccessURL: req.Options.SuccessURL,
		CancelURL:  req.Options.CancelURL,
		FailureURL: req.Options.FailureURL,
		Method:     method,
		SessionID:  session.ID,
		ExpiresAt:  session.ExpiresAt,
		Metadata: map[string]any{
			"payment_id": p.ID,
			"processor":  Name,
		},
	}, nil
}

func (s *Strategy) open(ctx context.Context, p *payment.Record, req processor.Request) (*Session, error) {
	amountMinor, err := money.ToMinor(p.Amount, p.Currency)
	if err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	if s.config.SessionTTL > 0 {
		t := s.clock.Now().Add(s.config.SessionTTL).UTC()
		expiresAt = &t
	}

	description := req.Payable.Title()
	if d := req.Payable.Description(); d != "" {
		description = strings.TrimSpace(description + " - " + d)
	}

	session, err := s.gateway.CreateSession(ctx, SessionRequest{
		Amount:      amountMinor,
		Currency:    string(p.Currency),
		Reference:   p.ID,
		Description: description,
		SuccessURL:  req.Options.SuccessURL,
		CancelURL:   req.Options.CancelURL,
		FailureURL:  req.Options.FailureURL,
		ExpiresAt:   expiresAt,
		Metadata: map[string]any{
			"payable": p.Payable.String(),
			"payer":   p.Payer.String(),
		},
	})
	if err != nil {
		return nil, err
	}
	if session.ID == "" || session.URL == "" {
		return nil, fmt.Errorf("gateway returned an incomplete session")
	}
	if session.ExpiresAt == nil {
		session.ExpiresAt = expiresAt
	}

	p.ExternalReference = session.ID
	p.Status = payment.StatusProcessing
	p.MergeMetadata(map[string]any{
		"redirect_url": session.URL,
		"session_id":   session.ID,
	})

	s.logger.Info("hosted session opened",
		"payment_id", p.ID,
		"session_id", session.ID,
	)
	return session, nil
}

// CompleteRedirect asks the gateway how the session ended and applies it.
// Unknown or still-running sessions leave the payment processing.
func (s *Strategy) CompleteRedirect(ctx context.Context, t processor.Transitions, p *payment.Record, callback map[string]string) error {
	if p.ExternalReference == "" {
		return fmt.Errorf("payment %s has no session", p.ID)
	}
	if id := callback["session_id"]; id != "" && id != p.ExternalReference {
		return payment.Validationf("callback session %s does not match payment session", id)
	}

	session, err := s.gateway.GetSession(ctx, p.ExternalReference)
	if err != nil {
		return err
	}

	s.logger.Info("hosted session status",
		"payment_id", p.ID,
		"session_id", session.ID,
		"status", session.Status,
	)

	switch strings.ToLower(session.Status) {
	case SessionPaid, SessionSucceeded:
		var opts []payment.TransitionOption
		if session.PaidAt != nil {
			opts = append(opts, payment.At(*session.PaidAt))
		}
		return t.MarkPaid(ctx, p, opts...)
	case SessionFailed, SessionDeclined, SessionExpired:
		reason := session.FailureReason
		if reason == "" {
			reason = "hosted session " + strings.ToLower(session.Status)
		}
		return t.MarkFailed(ctx, p, reason)
	case SessionCanceled:
		return t.MarkCanceled(ctx, p, "payer canceled on hosted page")
	default:
		if p.Status.IsOpen() {
			return t.SetStatus(ctx, p, payment.StatusProcessing)
		}
		return nil
	}
}

// Refund returns money through the gateway.
func (s *Strategy) Refund(ctx context.Context, t processor.Transitions, p *payment.Record, amount decimal.Decimal) error {
	amountMinor, err := money.ToMinor(amount, p.Currency)
	if err != nil {
		return payment.Validationf("refund amount: %s", err)
	}

	resp, err := s.gateway.Refund(ctx, p.ExternalReference, RefundRequest{Amount: amountMinor})
	if err != nil {
		return err
	}
	if resp.Status == SessionFailed {
		return fmt.Errorf("gateway rejected refund %s", resp.ID)
	}

	return t.ApplyRefund(ctx, p, amount)
}

// Cancel closes the session and cancels the payment.
func (s *Strategy) Cancel(ctx context.Context, t processor.Transitions, p *payment.Record, reason string) error {
	if p.Status.IsPaid() {
		return &payment.TransitionError{PaymentID: p.ID, From: p.Status, To: payment.StatusCanceled}
	}

	if p.ExternalReference != "" {
		session, err := s.gateway.CancelSession(ctx, p.ExternalReference)
		if err != nil {
			return err
		}
		if st := strings.ToLower(session.Status); st == SessionPaid || st == SessionSucceeded {
			return fmt.Errorf("session %s was already paid", session.ID)
		}
	}

	if reason == "" {
		reason = "canceled before payment"
	}
	return t.MarkCanceled(ctx, p, reason)
}
