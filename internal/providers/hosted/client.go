package hosted

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Gateway session statuses.
const (
	SessionOpen       = "open"
	SessionProcessing = "processing"
	SessionPaid       = "paid"
	SessionSucceeded  = "succeeded"
	SessionFailed     = "failed"
	SessionDeclined   = "declined"
	SessionExpired    = "expired"
	SessionCanceled   = "canceled"
)

// SessionRequest opens a hosted payment page.
type SessionRequest struct {
	Amount      int64          `json:"amount"`
	Currency    string         `json:"currency"`
	Reference   string         `json:"reference"`
	Description string         `json:"description,omitempty"`
	SuccessURL  string         `json:"success_url,omitempty"`
	CancelURL   string         `json:"cancel_url,omitempty"`
	FailureURL  string         `json:"failure_url,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Session is the gateway's view of a hosted payment.
type Session struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Method        string     `json:"method"`
	Status        string     `json:"status"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// RefundRequest asks the gateway to return money.
type RefundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

// RefundResponse is the gateway's answer to a refund.
type RefundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Client talks to the hosted payment page gateway.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a gateway client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateSession opens a new hosted payment session.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &session, nil
}

// GetSession fetches the current state of a session.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, &session); err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

// CancelSession closes a session that has not been paid.
func (c *Client) CancelSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/cancel", nil, &session); err != nil {
		return nil, fmt.Errorf("cancel session: %w", err)
	}
	return &session, nil
}

// Refund returns money for a paid session.
func (c *Client) Refund(ctx context.Context, id string, req RefundRequest) (*RefundResponse, error) {
	var resp RefundResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/refunds", req, &resp); err != nil {
		return nil, fmt.Errorf("refund session: %w", err)
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return fmt.Errorf("gateway api error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
