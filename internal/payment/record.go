// Package payment holds the payment record, its status machine and the
// lifecycle notifications fired around it.
package payment

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"paycore/internal/common/money"
)

// Status represents the status of a payment.
type Status string

const (
	StatusPending           Status = "pending"
	StatusProcessing        Status = "processing"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCanceled          Status = "canceled"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed,
		StatusCanceled, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

// IsOpen reports whether the payment still awaits a definitive outcome.
func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusProcessing
}

// IsPaid reports whether money was collected, whether or not some of it has
// since been refunded.
func (s Status) IsPaid() bool {
	return s == StatusCompleted || s == StatusRefunded || s == StatusPartiallyRefunded
}

// PartyRef points at an entity owned outside this package (an invoice, an
// order, a customer). The core never mutates what it references.
type PartyRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r PartyRef) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

func (r PartyRef) String() string {
	return r.Type + ":" + r.ID
}

// Record is a single attempt to collect money from a payer for a payable.
type Record struct {
	ID                string          `json:"id"`
	Payer             PartyRef        `json:"payer"`
	Payable           PartyRef        `json:"payable"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          money.Currency  `json:"currency"`
	Status            Status          `json:"status"`
	Processor         string          `json:"processor"`
	ExternalReference string          `json:"external_reference,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	RefundedAmount    decimal.Decimal `json:"refunded_amount"`
	Notes             string          `json:"notes,omitempty"`

	PaidAt     *time.Time `json:"paid_at,omitempty"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`
	CanceledAt *time.Time `json:"canceled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemainingAmount is the part of the amount not yet refunded.
func (p *Record) RemainingAmount() decimal.Decimal {
	return p.Amount.Sub(p.RefundedAmount)
}

// IsRefundable reports whether money has been collected and not fully returned.
func (p *Record) IsRefundable() bool {
	return p.Status == StatusCompleted || p.Status == StatusPartiallyRefunded
}

// MergeMetadata adds keys without dropping existing ones.
func (p *Record) MergeMetadata(values map[string]any) {
	if len(values) == 0 {
		return
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]any, len(values))
	}
	for k, v := range values {
		p.Metadata[k] = v
	}
}

// MetadataString returns a metadata value as a string, or "" if absent.
func (p *Record) MetadataString(key string) string {
	if v, ok := p.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// AppendNote adds a line to the notes, keeping prior content.
func (p *Record) AppendNote(note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	if p.Notes == "" {
		p.Notes = note
		return
	}
	p.Notes = p.Notes + "\n" + note
}

// Clone returns a deep copy, used as event snapshots and by the memory store.
func (p *Record) Clone() *Record {
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	c.PaidAt = cloneTime(p.PaidAt)
	c.FailedAt = cloneTime(p.FailedAt)
	c.CanceledAt = cloneTime(p.CanceledAt)
	return &c
}

// stampOutcome enforces that at most one of paid/failed/canceled is set and
// that it matches the status.
func (p *Record) stampOutcome(status Status, at time.Time) {
	p.PaidAt, p.FailedAt, p.CanceledAt = nil, nil, nil
	t := at
	switch status {
	case StatusCompleted:
		p.PaidAt = &t
	case StatusFailed:
		p.FailedAt = &t
	case StatusCanceled:
		p.CanceledAt = &t
	}
	p.Status = status
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
