// Package cards charges cards through the acquiring service over NATS
// request/reply. Charges authorize and capture in one step, so payments
// complete as soon as they are created.
package cards

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"paycore/internal/common/money"
	"paycore/internal/payment"
	"paycore/internal/processor"
)

// Name is the registry name of the card processor.
const Name = "cards"

// NATS subjects for acquiring service.
const (
	SubjectAuthorize = "acquiring.authorize"
	SubjectVoid      = "acquiring.void"
	SubjectRefund    = "acquiring.refund"
)

// Config holds card processor configuration.
type Config struct {
	MerchantID     string        `envconfig:"CARDS_MERCHANT_ID"`
	Currency       string        `envconfig:"CARDS_CURRENCY" default:"EUR"`
	RequestTimeout time.Duration `envconfig:"CARDS_TIMEOUT" default:"30s"`
}

// Requester sends a request and waits for the reply. *nats.Conn satisfies it.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// AuthorizeRequest is sent to acquiring service.
type AuthorizeRequest struct {
	TransactionID string         `json:"transactionId"`
	MerchantID    string         `json:"merchantId"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	CardToken     string         `json:"cardToken"`
	EntryMode     string         `json:"entryMode"`
	Capture       bool           `json:"capture"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// AuthorizeResponse from acquiring service.
type AuthorizeResponse struct {
	Success         bool   `json:"success"`
	TransactionID   string `json:"transactionId"`
	Approved        bool   `json:"approved"`
	AuthCode        string `json:"authCode"`
	ResponseCode    string `json:"responseCode"`
	ResponseMessage string `json:"responseMessage"`
	CardBrand       string `json:"cardBrand,omitempty"`
	CardLastFour    string `json:"cardLast4,omitempty"`
	Error           string `json:"error,omitempty"`
	Message         string `json:"message,omitempty"`
}

// VoidRequest is sent to acquiring to release an uncaptured charge.
type VoidRequest struct {
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason,omitempty"`
}

// RefundRequest is sent to acquiring for refund.
type RefundRequest struct {
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason,omitempty"`
}

// ActionResponse is the acquiring reply to void and refund requests.
type ActionResponse struct {
	Success             bool   `json:"success"`
	TransactionID       string `json:"transactionId"`
	RefundTransactionID string `json:"refundTransactionId,omitempty"`
	Status              string `json:"status"`
	Error               string `json:"error,omitempty"`
}

// Strategy implements the card processor.
type Strategy struct {
	processor.Base
	config Config
	nc     Requester
	logger *slog.Logger
}

// New creates the card strategy.
func New(cfg Config, nc Requester, logger *slog.Logger) *Strategy {
	return &Strategy{
		Base: processor.NewBase(Name, money.Currency(cfg.Currency), processor.Capabilities{
			ImmediatePayments:    true,
			Cancellation:         true,
			Refunds:              true,
			MultipleCurrencies:   true,
			CompletesImmediately: true,
		}),
		config: cfg,
		nc:     nc,
		logger: logger,
	}
}

// Process authorizes and captures the card.
func (s *Strategy) Process(ctx context.Context, p *payment.Record, req processor.Request) error {
	if req.Options.SourceToken == "" {
		return fmt.Errorf("card token is required")
	}

	amountMinor, err := money.ToMinor(p.Amount, p.Currency)
	if err != nil {
		return err
	}

	txnID := fmt.Sprintf("TXN-%s", ulid.Make().String())

	s.logger.Info("charging card",
		"payment_id", p.ID,
		"transaction_id", txnID,
		"amount", amountMinor,
		"card_token", maskToken(req.Options.SourceToken),
	)

	authReq := AuthorizeRequest{
		TransactionID: txnID,
		MerchantID:    s.config.MerchantID,
		Amount:        amountMinor,
		Currency:      string(p.Currency),
		CardToken:     req.Options.SourceToken,
		EntryMode:     "ECOMMERCE",
		Capture:       true,
		Metadata: map[string]any{
			"payment_id": p.ID,
			"payable":    p.Payable.String(),
			"payer":      p.Payer.String(),
		},
	}

	var resp AuthorizeResponse
	if err := s.request(ctx, SubjectAuthorize, authReq, &resp); err != nil {
		return err
	}

	if !resp.Success || !resp.Approved {
		code, msg := resp.ResponseCode, resp.ResponseMessage
		if resp.Error != "" {
			code, msg = resp.Error, resp.Message
		}
		p.MergeMetadata(map[string]any{"decline_code": code})
		return fmt.Errorf("authorization declined: %s - %s", code, msg)
	}

	p.ExternalReference = txnID
	p.Status = payment.StatusProcessing
	p.MergeMetadata(map[string]any{
		"auth_code":  resp.AuthCode,
		"card_brand": resp.CardBrand,
		"card_last4": resp.CardLastFour,
	})

	s.logger.Info("card charge captured",
		"payment_id", p.ID,
		"transaction_id", txnID,
		"auth_code", resp.AuthCode,
	)
	return nil
}

// Refund returns part or all of a captured charge.
func (s *Strategy) Refund(ctx context.Context, t processor.Transitions, p *payment.Record, amount decimal.Decimal) error {
	amountMinor, err := money.ToMinor(amount, p.Currency)
	if err != nil {
		return payment.Validationf("refund amount: %s", err)
	}

	s.logger.Info("refunding card payment",
		"payment_id", p.ID,
		"transaction_id", p.ExternalReference,
		"amount", amountMinor,
	)

	var resp ActionResponse
	err = s.request(ctx, SubjectRefund, RefundRequest{
		TransactionID: p.ExternalReference,
		Amount:        amountMinor,
		Reason:        "Customer requested refund",
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("refund failed: %s", resp.Error)
	}

	if err := t.ApplyRefund(ctx, p, amount); err != nil {
		return err
	}

	s.logger.Info("card payment refunded",
		"payment_id", p.ID,
		"refund_txn_id", resp.RefundTransactionID,
	)
	return nil
}

// Cancel voids a charge that never completed.
func (s *Strategy) Cancel(ctx context.Context, t processor.Transitions, p *payment.Record, reason string) error {
	if p.Status.IsPaid() {
		return &payment.TransitionError{PaymentID: p.ID, From: p.Status, To: payment.StatusCanceled}
	}

	if p.ExternalReference != "" {
		var resp ActionResponse
		err := s.request(ctx, SubjectVoid, VoidRequest{
			TransactionID: p.ExternalReference,
			Reason:        reason,
		}, &resp)
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("void failed: %s", resp.Error)
		}
	}

	return t.MarkCanceled(ctx, p, reason)
}

func (s *Strategy) request(ctx context.Context, subject string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", subject, err)
	}

	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	msg, err := s.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("nats request %s: %w", subject, err)
	}

	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", subject, err)
	}
	return nil
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}
