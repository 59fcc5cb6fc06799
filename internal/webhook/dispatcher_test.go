package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

const testSecret = "whsec_test"

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestDispatcher(t *testing.T) (*Dispatcher, *MemoryIdempotencyStore, *clockz.FakeClock) {
	t.Helper()
	clock := clockz.NewFakeClockAt(epoch)
	store := NewMemoryIdempotencyStore(clock)
	d := NewDispatcher(Config{Secret: testSecret, IdempotencyTTLDays: 30}, store, slog.Default())
	return d, store, clock
}

func signed(t *testing.T, event map[string]any) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body, Sign([]byte(testSecret), body)
}

func TestHandlerName(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{"charge.succeeded", "HandleChargeSucceeded"},
		{"payment_intent.payment_failed", "HandlePaymentIntentPaymentFailed"},
		{"checkout-session.expired", "HandleCheckoutSessionExpired"},
		{"invoice", "HandleInvoice"},
		{"", "Handle"},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, HandlerName(tt.eventType))
		})
	}
}

func TestHandleWebhookRunsHandlerOnce(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	var calls int32
	d.Register("charge.succeeded", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "pay_1", e.Data.PaymentID)
		return nil
	})

	body, sig := signed(t, map[string]any{
		"id":   "evt_1",
		"type": "charge.succeeded",
		"data": map[string]any{"payment_id": "pay_1"},
	})

	require.NoError(t, d.HandleWebhook(context.Background(), body, sig))
	require.NoError(t, d.HandleWebhook(context.Background(), body, sig))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	d.Register("charge.succeeded", func(ctx context.Context, e *Event) error {
		t.Fatal("handler must not run")
		return nil
	})

	body, _ := signed(t, map[string]any{"id": "evt_1", "type": "charge.succeeded"})

	err := d.HandleWebhook(context.Background(), body, Sign([]byte("other"), body))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	err = d.HandleWebhook(context.Background(), body, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	seen, _ := store.Seen(context.Background(), "evt_1")
	assert.False(t, seen)
}

func TestHandleWebhookUnhandledTypeIsNotRecorded(t *testing.T) {
	d, store, _ := newTestDispatcher(t)

	body, sig := signed(t, map[string]any{"id": "evt_2", "type": "customer.deleted"})

	err := d.HandleWebhook(context.Background(), body, sig)
	require.ErrorIs(t, err, ErrUnhandledEvent)
	assert.Contains(t, err.Error(), "HandleCustomerDeleted")

	seen, _ := store.Seen(context.Background(), "evt_2")
	assert.False(t, seen)

	err = d.HandleWebhook(context.Background(), body, sig)
	assert.ErrorIs(t, err, ErrUnhandledEvent, "redelivery fails the same way")
}

func TestHandleWebhookFailedHandlerCanBeRetried(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	var calls int32
	d.Register("charge.failed", func(ctx context.Context, e *Event) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("database unavailable")
		}
		return nil
	})

	body, sig := signed(t, map[string]any{"id": "evt_3", "type": "charge.failed"})

	err := d.HandleWebhook(context.Background(), body, sig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")

	require.NoError(t, d.HandleWebhook(context.Background(), body, sig))
	require.NoError(t, d.HandleWebhook(context.Background(), body, sig))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHandleWebhookMalformedPayload(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	body := []byte(`{"id":`)
	err := d.HandleWebhook(context.Background(), body, Sign([]byte(testSecret), body))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	body = []byte(`{"type":"charge.succeeded"}`)
	err = d.HandleWebhook(context.Background(), body, Sign([]byte(testSecret), body))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestHandleWebhookAfterRetentionRunsAgain(t *testing.T) {
	d, _, clock := newTestDispatcher(t)
	var calls int32
	d.Register("charge.updated", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	body, sig := signed(t, map[string]any{"id": "evt_4", "type": "charge.updated"})

	require.NoError(t, d.HandleWebhook(context.Background(), body, sig))
	clock.Advance(29 * 24 * time.Hour)
	require.NoError(t, d.HandleWebhook(context.Background(), body, sig))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	clock.Advance(2 * 24 * time.Hour)
	require.NoError(t, d.HandleWebhook(context.Background(), body, sig))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHandleWebhookConcurrentDeliveries(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	var calls int32
	d.Register("charge.succeeded", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	body, sig := signed(t, map[string]any{"id": "evt_5", "type": "charge.succeeded"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.HandleWebhook(context.Background(), body, sig))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRegisterNamed(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	var called bool
	d.RegisterNamed("HandleInvoicePaid", func(ctx context.Context, e *Event) error {
		called = true
		return nil
	})

	body, sig := signed(t, map[string]any{"id": "evt_6", "type": "invoice_paid"})
	require.NoError(t, d.HandleWebhook(context.Background(), body, sig))
	assert.True(t, called)
}

func TestConfigRetention(t *testing.T) {
	assert.Equal(t, 7*24*time.Hour, Config{IdempotencyTTLDays: 7}.Retention())
	assert.Equal(t, DefaultRetention, Config{}.Retention())
}

func TestVerifyAcceptsBareHex(t *testing.T) {
	body := []byte(`{"id":"evt"}`)
	sig := Sign([]byte(testSecret), body)

	assert.NoError(t, Verify([]byte(testSecret), body, sig))
	assert.NoError(t, Verify([]byte(testSecret), body, sig[len(signaturePrefix):]))
	assert.ErrorIs(t, Verify([]byte(testSecret), body, "sha256=zz"), ErrInvalidSignature)
	assert.ErrorIs(t, Verify(nil, body, sig), ErrInvalidSignature)
}

func TestMemoryIdempotencyStorePurge(t *testing.T) {
	clock := clockz.NewFakeClockAt(epoch)
	store := NewMemoryIdempotencyStore(clock)
	ctx := context.Background()

	ok, err := store.Claim(ctx, "a", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = store.Claim(ctx, "a", time.Hour)
	assert.False(t, ok)
	_, _ = store.Claim(ctx, "b", 3*time.Hour)

	clock.Advance(2 * time.Hour)
	n, err := store.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	seen, _ := store.Seen(ctx, "b")
	assert.True(t, seen)
}
