package processor_test

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
	"paycore/internal/payment"
	"paycore/internal/processor"
	"paycore/internal/providers/free"
	"paycore/internal/providers/hosted"
	"paycore/internal/providers/manual"
)

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type invoice struct {
	id       string
	inactive bool
	settled  bool
}

func (i invoice) PaymentRef() payment.PartyRef { return payment.PartyRef{Type: "invoice", ID: i.id} }
func (i invoice) IsActive() bool               { return !i.inactive }
func (i invoice) RequiresPayment() bool        { return !i.settled }
func (i invoice) Title() string                { return "Invoice " + i.id }
func (i invoice) Description() string          { return "" }
func (i invoice) Currency() string             { return "" }

type customer struct {
	id      string
	blocked bool
}

func (c customer) PaymentRef() payment.PartyRef { return payment.PartyRef{Type: "customer", ID: c.id} }
func (c customer) CanMakePayments() bool        { return !c.blocked }

type recorder struct {
	mu     sync.Mutex
	events []payment.Event
}

func (r *recorder) OnPaymentEvent(ctx context.Context, e payment.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) kinds() []payment.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]payment.EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// fakeGateway is an in-memory hosted gateway.
type fakeGateway struct {
	mu        sync.Mutex
	sessions  map[string]*hosted.Session
	createErr error
	next      int
	refunds   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sessions: make(map[string]*hosted.Session)}
}

func (g *fakeGateway) CreateSession(ctx context.Context, req hosted.SessionRequest) (*hosted.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.next++
	id := "sess_" + string(rune('0'+g.next))
	s := &hosted.Session{ID: id, URL: "https://pay.test/" + id, Status: hosted.SessionOpen}
	g.sessions[id] = s
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) GetSession(ctx context.Context, id string) (*hosted.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return nil, errors.New("no such session")
	}
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) CancelSession(ctx context.Context, id string) (*hosted.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.sessions[id]
	s.Status = hosted.SessionCanceled
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) Refund(ctx context.Context, id string, req hosted.RefundRequest) (*hosted.RefundResponse, error) {
	g.mu.Lock()
	g.refunds++
	g.mu.Unlock()
	return &hosted.RefundResponse{ID: "re_1", Status: hosted.SessionSucceeded}, nil
}

func (g *fakeGateway) settle(id, status string, paidAt *time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[id].Status = status
	g.sessions[id].PaidAt = paidAt
}

type fixture struct {
	orch    *processor.Orchestrator
	engine  *payment.Engine
	store   *payment.MemoryStore
	events  *recorder
	gateway *fakeGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockz.NewFakeClockAt(epoch)
	logger := slog.Default()

	f := &fixture{
		store:   payment.NewMemoryStore(),
		events:  &recorder{},
		gateway: newFakeGateway(),
	}
	notifier := payment.NewNotifier(payment.EventPolicy{}, logger, payment.WithNotifierClock(clock))
	notifier.Subscribe("recorder", f.events)
	f.engine = payment.NewEngine(f.store, notifier, logger, payment.WithClock(clock))

	registry := processor.NewRegistry(free.Name)
	require.NoError(t, registry.Register(free.New("")))
	require.NoError(t, registry.Register(manual.New(manual.Config{Currency: "EUR", Instructions: "Pay at the front desk"}, logger)))
	require.NoError(t, registry.Register(hosted.New(hosted.Config{Currency: "DZD", SessionTTL: 30 * time.Minute}, f.gateway, logger, hosted.WithClock(clock))))

	f.orch = processor.New(registry, f.engine, processor.Config{DefaultCurrency: money.USD, DefaultProcessor: free.Name}, logger)
	return f
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestProcessFreeCompletesImmediately(t *testing.T) {
	f := newFixture(t)

	p, err := f.orch.Process(context.Background(), invoice{id: "i1"}, customer{id: "c1"}, amount("10.00"), processor.Options{
		Reference: "order-7",
		Notes:     "gift",
	})
	require.NoError(t, err)

	assert.Equal(t, payment.StatusCompleted, p.Status)
	assert.Equal(t, money.USD, p.Currency)
	assert.Equal(t, "order-7", p.MetadataString("client_reference"))
	assert.NotNil(t, p.PaidAt)
	assert.Nil(t, p.FailedAt)
	assert.Nil(t, p.CanceledAt)
	assert.Equal(t, []payment.EventKind{payment.EventCreated, payment.EventCompleted}, f.events.kinds())
}

func TestProcessRejectsBeforeCreatingRecord(t *testing.T) {
	tests := []struct {
		name    string
		payable processor.Payable
		payer   processor.Payer
		amount  decimal.Decimal
		opts    processor.Options
		want    error
	}{
		{"nil payable", nil, customer{id: "c1"}, amount("1"), processor.Options{}, payment.ErrValidation},
		{"inactive payable", invoice{id: "i1", inactive: true}, customer{id: "c1"}, amount("1"), processor.Options{}, payment.ErrValidation},
		{"settled payable", invoice{id: "i1", settled: true}, customer{id: "c1"}, amount("1"), processor.Options{}, payment.ErrValidation},
		{"blocked payer", invoice{id: "i1"}, customer{id: "c1", blocked: true}, amount("1"), processor.Options{}, payment.ErrValidation},
		{"zero amount", invoice{id: "i1"}, customer{id: "c1"}, decimal.Zero, processor.Options{}, payment.ErrValidation},
		{"bad currency code", invoice{id: "i1"}, customer{id: "c1"}, amount("1"), processor.Options{Currency: "US"}, payment.ErrValidation},
		{"unknown processor", invoice{id: "i1"}, customer{id: "c1"}, amount("1"), processor.Options{Processor: "nope"}, payment.ErrValidation},
		{"too many decimals", invoice{id: "i1"}, customer{id: "c1"}, amount("100.001"), processor.Options{Processor: hosted.Name}, payment.ErrValidation},
		{"foreign currency", invoice{id: "i1"}, customer{id: "c1"}, amount("1"), processor.Options{Processor: hosted.Name, Currency: "USD"}, payment.ErrUnsupportedCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.orch.Process(context.Background(), tt.payable, tt.payer, tt.amount, tt.opts)
			assert.ErrorIs(t, err, tt.want)

			_, err = f.store.FindLatestPending(context.Background(), hosted.Name, invoice{id: "i1"}.PaymentRef(), customer{id: "c1"}.PaymentRef())
			assert.ErrorIs(t, err, payment.ErrNotFound)
			assert.Empty(t, f.events.kinds())
		})
	}
}

func TestHostedRedirectEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := processor.Options{
		Processor:  hosted.Name,
		Currency:   "USD",
		SuccessURL: "https://shop.test/ok",
	}

	_, _, err := f.orch.CreateRedirect(ctx, invoice{id: "i1"}, customer{id: "c1"}, amount("2500"), opts)
	require.ErrorIs(t, err, payment.ErrUnsupportedCurrency)
	assert.Contains(t, err.Error(), "DZD")
	assert.Contains(t, err.Error(), "USD")

	opts.Currency = "DZD"
	p, redirect, err := f.orch.CreateRedirect(ctx, invoice{id: "i1"}, customer{id: "c1"}, amount("2500"), opts)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusProcessing, p.Status)
	assert.Equal(t, money.DZD, p.Currency)
	assert.Equal(t, redirect.SessionID, p.ExternalReference)
	assert.Equal(t, "GET", redirect.Method)
	assert.Equal(t, "https://shop.test/ok", redirect.SuccessURL)
	require.NotNil(t, redirect.ExpiresAt)
	assert.Equal(t, epoch.Add(30*time.Minute), *redirect.ExpiresAt)

	stored, err := f.orch.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusProcessing, stored.Status)

	paidAt := epoch.Add(5 * time.Minute)
	f.gateway.settle(p.ExternalReference, hosted.SessionPaid, &paidAt)

	p, err = f.orch.CompleteRedirect(ctx, stored, map[string]string{"session_id": redirect.SessionID})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, p.Status)
	require.NotNil(t, p.PaidAt)
	assert.Equal(t, paidAt, *p.PaidAt)
	assert.Nil(t, p.FailedAt)
	assert.Nil(t, p.CanceledAt)
	assert.Equal(t, []payment.EventKind{payment.EventCreated, payment.EventCompleted}, f.events.kinds())
}

func TestCreateRedirectFailureFailsCreatedRecord(t *testing.T) {
	f := newFixture(t)
	f.gateway.createErr = errors.New("gateway down")

	_, _, err := f.orch.CreateRedirect(context.Background(), invoice{id: "i1"}, customer{id: "c1"}, amount("100"), processor.Options{Processor: hosted.Name})
	require.ErrorIs(t, err, payment.ErrProcessing)
	assert.Contains(t, err.Error(), "gateway down")

	_, err = f.store.FindLatestPending(context.Background(), hosted.Name, invoice{id: "i1"}.PaymentRef(), customer{id: "c1"}.PaymentRef())
	assert.ErrorIs(t, err, payment.ErrNotFound, "the pending record was failed")
	assert.Equal(t, []payment.EventKind{payment.EventFailed}, f.events.kinds())
}

func TestCreateRedirectUnsupported(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.orch.CreateRedirect(context.Background(), invoice{id: "i1"}, customer{id: "c1"}, amount("5"), processor.Options{Processor: manual.Name})
	assert.ErrorIs(t, err, payment.ErrUnsupportedOperation)
}

func TestCompleteRedirectStillRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, _, err := f.orch.CreateRedirect(ctx, invoice{id: "i1"}, customer{id: "c1"}, amount("100"), processor.Options{Processor: hosted.Name})
	require.NoError(t, err)

	p, err = f.orch.CompleteRedirect(ctx, p, nil)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusProcessing, p.Status)

	_, err = f.orch.CompleteRedirect(ctx, p, map[string]string{"session_id": "sess_other"})
	assert.ErrorIs(t, err, payment.ErrValidation)
}

func TestManualIsOfflineAndConfirmable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.orch.Process(ctx, invoice{id: "i1"}, customer{id: "c1"}, amount("40.00"), processor.Options{Processor: manual.Name})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, p.Status)
	require.Len(t, f.events.events, 1)
	assert.True(t, f.events.events[0].Offline)

	paidAt := epoch.Add(48 * time.Hour)
	p, err = f.orch.Confirm(ctx, p, paidAt)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, p.Status)
	assert.Equal(t, paidAt, *p.PaidAt)

	_, err = f.orch.Cancel(ctx, p, "too late")
	assert.ErrorIs(t, err, payment.ErrInvalidTransition)
}

func TestRefundUnsupportedAndConfirmUnsupported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.orch.Process(ctx, invoice{id: "i1"}, customer{id: "c1"}, amount("10"), processor.Options{})
	require.NoError(t, err)

	_, err = f.orch.Refund(ctx, p, nil)
	assert.ErrorIs(t, err, payment.ErrUnsupportedOperation)

	_, err = f.orch.Cancel(ctx, p, "")
	assert.ErrorIs(t, err, payment.ErrUnsupportedOperation)

	_, err = f.orch.Confirm(ctx, p, time.Time{})
	assert.ErrorIs(t, err, payment.ErrUnsupportedOperation)
}

func TestHostedRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, _, err := f.orch.CreateRedirect(ctx, invoice{id: "i1"}, customer{id: "c1"}, amount("100"), processor.Options{Processor: hosted.Name})
	require.NoError(t, err)

	_, err = f.orch.Refund(ctx, p, nil)
	assert.ErrorIs(t, err, payment.ErrInvalidTransition, "unpaid payments are not refundable")

	f.gateway.settle(p.ExternalReference, hosted.SessionSucceeded, nil)
	p, err = f.orch.CompleteRedirect(ctx, p, nil)
	require.NoError(t, err)

	part := amount("30")
	p, err = f.orch.Refund(ctx, p, &part)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPartiallyRefunded, p.Status)

	tooMuch := amount("80")
	_, err = f.orch.Refund(ctx, p, &tooMuch)
	assert.ErrorIs(t, err, payment.ErrValidation)

	p, err = f.orch.Refund(ctx, p, nil)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, p.Status)
	assert.True(t, p.RefundedAmount.Equal(amount("100")))
}

func TestHostedCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, _, err := f.orch.CreateRedirect(ctx, invoice{id: "i1"}, customer{id: "c1"}, amount("100"), processor.Options{Processor: hosted.Name})
	require.NoError(t, err)

	p, err = f.orch.Cancel(ctx, p, "")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCanceled, p.Status)
	assert.NotNil(t, p.CanceledAt)
	assert.Equal(t, []payment.EventKind{payment.EventCreated, payment.EventCanceled}, f.events.kinds())
}

func TestRegistry(t *testing.T) {
	r := processor.NewRegistry(free.Name)
	require.NoError(t, r.Register(free.New("")))
	assert.Error(t, r.Register(free.New("")))

	s, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, free.Name, s.Name())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, payment.ErrValidation)
	assert.Equal(t, []string{free.Name}, r.Names())
}

func TestCancelWithStaleCopyAfterConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.orch.Process(ctx, invoice{id: "i1"}, customer{id: "c1"}, amount("40.00"), processor.Options{Processor: manual.Name})
	require.NoError(t, err)
	stale := p.Clone()

	_, err = f.orch.Confirm(ctx, p, time.Time{})
	require.NoError(t, err)

	_, err = f.orch.Cancel(ctx, stale, "late cancel")
	assert.ErrorIs(t, err, payment.ErrInvalidTransition)

	stored, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, stored.Status)
	assert.NotNil(t, stored.PaidAt)
	assert.Nil(t, stored.CanceledAt)
	assert.Equal(t, []payment.EventKind{payment.EventCreated, payment.EventCompleted}, f.events.kinds())
}

func TestConcurrentRefundsReachGatewayOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, _, err := f.orch.CreateRedirect(ctx, invoice{id: "i1"}, customer{id: "c1"}, amount("100"), processor.Options{Processor: hosted.Name})
	require.NoError(t, err)
	f.gateway.settle(p.ExternalReference, hosted.SessionPaid, nil)
	p, err = f.orch.CompleteRedirect(ctx, p, nil)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(local *payment.Record) {
			defer wg.Done()
			if _, err := f.orch.Refund(ctx, local, nil); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(p.Clone())
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.gateway.refunds)

	stored, err := f.store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRefunded, stored.Status)
	assert.True(t, stored.RefundedAmount.Equal(amount("100")))
}
