package payment

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"paycore/internal/common/money"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnPaymentEvent(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *MemoryStore, *recorder, *clockz.FakeClock) {
	t.Helper()
	clock := clockz.NewFakeClockAt(epoch)
	store := NewMemoryStore()
	rec := &recorder{}
	notifier := NewNotifier(EventPolicy{}, slog.Default(), WithNotifierClock(clock))
	notifier.Subscribe("recorder", rec)
	return NewEngine(store, notifier, slog.Default(), WithClock(clock)), store, rec, clock
}

func newPending(t *testing.T, e *Engine, amount string) *Record {
	t.Helper()
	p := &Record{
		Payer:     PartyRef{Type: "customer", ID: "c1"},
		Payable:   PartyRef{Type: "invoice", ID: "i1"},
		Amount:    decimal.RequireFromString(amount),
		Currency:  money.DZD,
		Processor: "hosted",
	}
	require.NoError(t, e.Create(context.Background(), p))
	return p
}

func TestCreateAssignsIdentityAndPending(t *testing.T) {
	e, store, rec, _ := newTestEngine(t)
	p := newPending(t, e, "100.00")

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, epoch, p.CreatedAt)
	assert.Empty(t, rec.kinds(), "creation alone fires nothing")

	stored, err := store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestMarkPaidIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, store, rec, clock := newTestEngine(t)
	p := newPending(t, e, "100.00")

	require.NoError(t, e.MarkPaid(ctx, p))
	firstPaidAt := *p.PaidAt

	clock.Advance(time.Minute)
	require.NoError(t, e.MarkPaid(ctx, p))

	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, firstPaidAt, *p.PaidAt)
	assert.Nil(t, p.FailedAt)
	assert.Nil(t, p.CanceledAt)
	assert.Equal(t, []EventKind{EventCompleted}, rec.kinds())

	stored, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestMarkPaidUsesSuppliedTime(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	p := newPending(t, e, "10")

	at := epoch.Add(-time.Hour)
	require.NoError(t, e.MarkPaid(context.Background(), p, At(at)))
	assert.Equal(t, at, *p.PaidAt)
}

func TestMarkPaidRejectsTerminalFailures(t *testing.T) {
	ctx := context.Background()

	for _, terminal := range []func(*Engine, *Record) error{
		func(e *Engine, p *Record) error { return e.MarkFailed(ctx, p, "declined") },
		func(e *Engine, p *Record) error { return e.MarkCanceled(ctx, p, "customer left") },
	} {
		e, _, rec, _ := newTestEngine(t)
		p := newPending(t, e, "10")
		require.NoError(t, terminal(e, p))
		before := p.Clone()

		err := e.MarkPaid(ctx, p)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, before, p)
		assert.Len(t, rec.kinds(), 1)
	}
}

func TestMarkFailedOnCompletedIsRejected(t *testing.T) {
	ctx := context.Background()
	e, store, rec, _ := newTestEngine(t)
	p := newPending(t, e, "50")
	require.NoError(t, e.MarkPaid(ctx, p))
	before := p.Clone()

	err := e.MarkFailed(ctx, p, "late decline")
	var transitionErr *TransitionError
	require.True(t, errors.As(err, &transitionErr))
	assert.Equal(t, StatusCompleted, transitionErr.From)
	assert.Equal(t, StatusFailed, transitionErr.To)

	assert.Equal(t, before, p)
	stored, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Empty(t, stored.Notes)
	assert.Equal(t, []EventKind{EventCompleted}, rec.kinds())
}

func TestMarkCanceledOnCompletedIsRejected(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newTestEngine(t)
	p := newPending(t, e, "50")
	require.NoError(t, e.MarkPaid(ctx, p))

	assert.ErrorIs(t, e.MarkCanceled(ctx, p, "too late"), ErrInvalidTransition)
}

func TestMarkFailedAppendsReasonsAndClearsOtherStamps(t *testing.T) {
	ctx := context.Background()
	e, _, rec, _ := newTestEngine(t)
	p := newPending(t, e, "50")
	p.Notes = "created by checkout"
	require.NoError(t, e.Save(ctx, p))

	require.NoError(t, e.MarkCanceled(ctx, p, "customer abandoned"))
	require.NoError(t, e.MarkFailed(ctx, p, "gateway timeout"))
	require.NoError(t, e.MarkFailed(ctx, p, "ignored repeat"))

	assert.Equal(t, StatusFailed, p.Status)
	assert.NotNil(t, p.FailedAt)
	assert.Nil(t, p.CanceledAt)
	assert.Nil(t, p.PaidAt)
	assert.Equal(t, "created by checkout\ncustomer abandoned\ngateway timeout", p.Notes)
	assert.Equal(t, []EventKind{EventCanceled, EventFailed}, rec.kinds())
}

func TestSetStatusOnlyMovesBetweenOpenStatuses(t *testing.T) {
	ctx := context.Background()
	e, _, rec, _ := newTestEngine(t)
	p := newPending(t, e, "50")

	require.NoError(t, e.SetStatus(ctx, p, StatusProcessing))
	assert.Equal(t, StatusProcessing, p.Status)

	assert.ErrorIs(t, e.SetStatus(ctx, p, StatusCompleted), ErrInvalidTransition)

	require.NoError(t, e.MarkPaid(ctx, p))
	assert.ErrorIs(t, e.SetStatus(ctx, p, StatusPending), ErrInvalidTransition)
	assert.Equal(t, []EventKind{EventCompleted}, rec.kinds())
}

func TestApplyRefundAccounting(t *testing.T) {
	ctx := context.Background()
	e, _, rec, _ := newTestEngine(t)
	p := newPending(t, e, "100.00")
	require.NoError(t, e.MarkPaid(ctx, p))
	paidAt := *p.PaidAt

	require.NoError(t, e.ApplyRefund(ctx, p, decimal.RequireFromString("30.00")))
	assert.Equal(t, StatusPartiallyRefunded, p.Status)
	assert.True(t, p.RefundedAmount.Equal(decimal.RequireFromString("30")))

	require.NoError(t, e.ApplyRefund(ctx, p, decimal.RequireFromString("20.00")))
	assert.Equal(t, StatusPartiallyRefunded, p.Status)
	assert.True(t, p.RefundedAmount.Equal(decimal.RequireFromString("50")))

	err := e.ApplyRefund(ctx, p, decimal.RequireFromString("50.01"))
	assert.ErrorIs(t, err, ErrValidation)
	assert.True(t, p.RefundedAmount.Equal(decimal.RequireFromString("50")))

	require.NoError(t, e.ApplyRefund(ctx, p, decimal.RequireFromString("50.00")))
	assert.Equal(t, StatusRefunded, p.Status)
	assert.True(t, p.RefundedAmount.Equal(p.Amount))
	assert.Equal(t, paidAt, *p.PaidAt)

	assert.Equal(t, []EventKind{EventCompleted}, rec.kinds())
}

func TestApplyRefundRequiresCollectedPayment(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newTestEngine(t)
	p := newPending(t, e, "100")

	assert.ErrorIs(t, e.ApplyRefund(ctx, p, decimal.NewFromInt(10)), ErrInvalidTransition)
	assert.ErrorIs(t, e.ApplyRefund(ctx, p, decimal.Zero), ErrValidation)
}

func TestApplyRefundSerializesConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	e, store, _, _ := newTestEngine(t)
	p := newPending(t, e, "100")
	require.NoError(t, e.MarkPaid(ctx, p))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := p.Clone()
			if err := e.ApplyRefund(ctx, local, decimal.NewFromInt(10)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	stored, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.RefundedAmount.Equal(stored.Amount))
	assert.Equal(t, StatusRefunded, stored.Status)
}

func TestNotifierFailureDoesNotUndoTransition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	notifier := NewNotifier(EventPolicy{}, slog.Default())
	notifier.Subscribe("broken", ListenerFunc(func(ctx context.Context, e Event) error {
		panic("listener exploded")
	}))
	e := NewEngine(store, notifier, slog.Default())

	p := newPending(t, e, "20")
	require.NoError(t, e.MarkPaid(ctx, p))

	stored, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestTransitionsCheckStoredRecord(t *testing.T) {
	ctx := context.Background()
	e, store, rec, _ := newTestEngine(t)
	p := newPending(t, e, "100")
	stale := p.Clone()
	other := p.Clone()
	repeat := p.Clone()

	require.NoError(t, e.MarkPaid(ctx, p))
	require.NoError(t, e.MarkPaid(ctx, repeat), "completing a completed payment is a no-op")
	assert.Equal(t, StatusCompleted, repeat.Status)
	assert.Equal(t, p.PaidAt, repeat.PaidAt)
	require.NoError(t, e.ApplyRefund(ctx, p, decimal.NewFromInt(25)))

	err := e.MarkCanceled(ctx, stale, "late cancel")
	var transitionErr *TransitionError
	require.True(t, errors.As(err, &transitionErr))
	assert.Equal(t, StatusPartiallyRefunded, transitionErr.From)
	assert.ErrorIs(t, e.MarkFailed(ctx, stale, "late decline"), ErrInvalidTransition)
	assert.ErrorIs(t, e.SetStatus(ctx, stale, StatusProcessing), ErrInvalidTransition)
	assert.ErrorIs(t, e.Save(ctx, stale), ErrInvalidTransition)
	assert.Equal(t, StatusPending, stale.Status, "rejected transitions leave the copy alone")

	assert.ErrorIs(t, e.MarkPaid(ctx, other), ErrInvalidTransition, "a refunded payment cannot be completed again")

	stored, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyRefunded, stored.Status)
	assert.True(t, stored.RefundedAmount.Equal(decimal.NewFromInt(25)))
	assert.NotNil(t, stored.PaidAt)
	assert.Nil(t, stored.CanceledAt)
	assert.Empty(t, stored.Notes)
	assert.Equal(t, []EventKind{EventCompleted}, rec.kinds())
}
