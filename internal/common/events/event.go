package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/money"
	"paycore/internal/payment"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, occurredAt time.Time, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    occurredAt.UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Payment event types
const (
	EventPaymentCreated   = string(payment.EventCreated)
	EventPaymentCompleted = string(payment.EventCompleted)
	EventPaymentFailed    = string(payment.EventFailed)
	EventPaymentCanceled  = string(payment.EventCanceled)
)

// AggregatePayment is the aggregate type of payment events.
const AggregatePayment = "payment"

// PaymentData is the data for payment lifecycle events
type PaymentData struct {
	PaymentID         string         `json:"payment_id"`
	Processor         string         `json:"processor"`
	Status            string         `json:"status"`
	Amount            string         `json:"amount"`
	Currency          string         `json:"currency"`
	RefundedAmount    string         `json:"refunded_amount,omitempty"`
	Payer             string         `json:"payer"`
	Payable           string         `json:"payable"`
	ExternalReference string         `json:"external_reference,omitempty"`
	Offline           bool           `json:"offline,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	PaidAt            *time.Time     `json:"paid_at,omitempty"`
	FailedAt          *time.Time     `json:"failed_at,omitempty"`
	CanceledAt        *time.Time     `json:"canceled_at,omitempty"`
}

// FromPayment builds the envelope for a payment lifecycle event.
func FromPayment(e payment.Event) (*Event, error) {
	p := e.Payment
	data := PaymentData{
		PaymentID:         p.ID,
		Processor:         p.Processor,
		Status:            string(p.Status),
		Amount:            p.Amount.StringFixed(money.MinorUnits(p.Currency)),
		Currency:          string(p.Currency),
		Payer:             p.Payer.String(),
		Payable:           p.Payable.String(),
		ExternalReference: p.ExternalReference,
		Offline:           e.Offline,
		Metadata:          p.Metadata,
		PaidAt:            p.PaidAt,
		FailedAt:          p.FailedAt,
		CanceledAt:        p.CanceledAt,
	}
	if p.RefundedAmount.IsPositive() {
		data.RefundedAmount = p.RefundedAmount.String()
	}
	return NewEvent(string(e.Kind), AggregatePayment, p.ID, e.OccurredAt, data)
}
