package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"paycore/internal/common/api"
	"paycore/internal/common/middleware"
	"paycore/internal/payment"
	"paycore/internal/processor"
)

// Handler handles payment HTTP requests
type Handler struct {
	orch   *processor.Orchestrator
	logger *slog.Logger
}

// NewHandler creates a new payment handler
func NewHandler(orch *processor.Orchestrator, logger *slog.Logger) *Handler {
	return &Handler{orch: orch, logger: logger}
}

// Routes returns the payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{id}", h.GetPayment)
	r.Post("/{id}/complete", h.CompleteRedirect)
	r.Post("/{id}/refund", h.Refund)
	r.Post("/{id}/cancel", h.Cancel)
	r.Post("/{id}/confirm", h.Confirm)

	return r
}

// PaymentResponse is the API representation of a payment
type PaymentResponse struct {
	ID                string         `json:"id"`
	Payer             string         `json:"payer"`
	Payable           string         `json:"payable"`
	Amount            string         `json:"amount"`
	RefundedAmount    string         `json:"refunded_amount"`
	RemainingAmount   string         `json:"remaining_amount"`
	Currency          string         `json:"currency"`
	Status            string         `json:"status"`
	Processor         string         `json:"processor"`
	ExternalReference string         `json:"external_reference,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Notes             string         `json:"notes,omitempty"`
	PaidAt            *time.Time     `json:"paid_at,omitempty"`
	FailedAt          *time.Time     `json:"failed_at,omitempty"`
	CanceledAt        *time.Time     `json:"canceled_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func toResponse(p *payment.Record) PaymentResponse {
	return PaymentResponse{
		ID:                p.ID,
		Payer:             p.Payer.String(),
		Payable:           p.Payable.String(),
		Amount:            p.Amount.String(),
		RefundedAmount:    p.RefundedAmount.String(),
		RemainingAmount:   p.RemainingAmount().String(),
		Currency:          string(p.Currency),
		Status:            string(p.Status),
		Processor:         p.Processor,
		ExternalReference: p.ExternalReference,
		Metadata:          p.Metadata,
		Notes:             p.Notes,
		PaidAt:            p.PaidAt,
		FailedAt:          p.FailedAt,
		CanceledAt:        p.CanceledAt,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

// GetPayment handles GET /{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.orch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, toResponse(p))
}

// CompleteRedirectRequest carries what the processor appended to the return URL
type CompleteRedirectRequest struct {
	Callback map[string]string `json:"callback"`
}

// CompleteRedirect handles POST /{id}/complete
func (h *Handler) CompleteRedirect(w http.ResponseWriter, r *http.Request) {
	var req CompleteRedirectRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	p, err := h.orch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	p, err = h.orch.CompleteRedirect(r.Context(), p, req.Callback)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, toResponse(p))
}

// RefundRequest is the API request for a refund. An empty amount refunds
// whatever remains.
type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

// Refund handles POST /{id}/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	p, err := h.orch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	p, err = h.orch.Refund(r.Context(), p, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, toResponse(p))
}

// CancelRequest is the API request for canceling a payment
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// Cancel handles POST /{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	p, err := h.orch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	p, err = h.orch.Cancel(r.Context(), p, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, toResponse(p))
}

// ConfirmRequest is the API request for confirming an offline payment
type ConfirmRequest struct {
	PaidAt *time.Time `json:"paid_at"`
}

// Confirm handles POST /{id}/confirm
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	p, err := h.orch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var paidAt time.Time
	if req.PaidAt != nil {
		paidAt = *req.PaidAt
	}

	p, err = h.orch.Confirm(r.Context(), p, paidAt)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("payment confirmed by operator",
		"payment_id", p.ID,
		"operator", middleware.GetOperator(r.Context()),
	)
	api.WriteData(w, http.StatusOK, toResponse(p))
}

// decodeOptional decodes and validates a body that may be empty.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := api.DecodeAndValidate(r, v)
	if errors.Is(err, io.EOF) {
		err = api.Validate.Struct(v)
	}
	if err != nil {
		api.ValidationError(w, err)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, payment.ErrNotFound) {
		h.logger.Warn("payment request failed",
			"path", r.URL.Path,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
			"error", err,
		)
	}
	api.PaymentError(w, err)
}
