package orders_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sync"
	"testing"

	kafkax "github.com/ariefcatur/go-order-reconciler/internal/kafka"
	"github.com/ariefcatur/go-order-reconciler/internal/memstore"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/ariefcatur/go-order-reconciler/internal/stock"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	events []orders.Envelope
}

func (r *recorder) Publish(_, value []byte, headers ...kafka.Header) {
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(value, &env); err != nil {
		panic(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func customer() orders.Customer {
	return orders.Customer{
		Email:         "ana@example.com",
		FirstName:     "Ana",
		LastName:      "Lima",
		Shipping:      orders.Address{Line1: "1 Main St", City: "Springfield", State: "IL", ZipCode: "62701", Country: "US"},
		SameAsBilling: true,
	}
}

func newService(t *testing.T) (*orders.Service, *memstore.Store, *recorder) {
	t.Helper()
	st := memstore.New()
	st.Seed(orders.DemoProducts()...)
	rec := &recorder{}
	return &orders.Service{Store: st, Catalog: st, Ledger: st, Events: rec, Producer: "test"}, st, rec
}

func available(t *testing.T, st *memstore.Store, id string) int {
	t.Helper()
	n, err := st.Available(context.Background(), id)
	require.NoError(t, err)
	return n
}

func TestCreateOrderComputesTotalServerSide(t *testing.T) {
	svc, st, rec := newService(t)
	var logs bytes.Buffer
	svc.Log = slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))

	o, existed, err := svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
		Customer:    customer(),
		Lines:       []orders.CartLine{{ProductID: "prod-sunset", Qty: 1}, {ProductID: "prod-harbor", Qty: 1}},
		ClientTotal: decimal.NewNullDecimal(decimal.RequireFromString("100.00")),
	})
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, int64(12000), o.TotalCents, "client total is advisory")
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, orders.PaymentPending, o.PaymentStatus)
	assert.Equal(t, "usd", o.Currency)
	assert.Equal(t, o.Customer.Shipping, o.Customer.Billing)
	require.Len(t, o.Items, 2)
	assert.Equal(t, "Sunset Over Water", o.Items[0].Name)

	assert.Equal(t, 4, available(t, st, "prod-sunset"))
	assert.Equal(t, 2, available(t, st, "prod-harbor"))
	assert.Equal(t, []string{orders.EventOrderCreated}, rec.types())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry), "exactly one log record: %s", logs.String())
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "client total does not match computed total", entry["msg"])
	assert.Equal(t, "100.00", entry["client_total"])
	assert.Equal(t, "120.00", entry["computed_total"])
	assert.Equal(t, o.ID, entry["order_id"])
}

func TestCreateOrderMergesRepeatedLines(t *testing.T) {
	svc, st, _ := newService(t)
	o, _, err := svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
		Customer: customer(),
		Lines:    []orders.CartLine{{ProductID: "prod-forest", Qty: 2}, {ProductID: "prod-forest", Qty: 3}},
	})
	require.NoError(t, err)
	require.Len(t, o.Items, 1)
	assert.Equal(t, 5, o.Items[0].Qty)
	assert.Equal(t, int64(12500), o.TotalCents)
	assert.Equal(t, 5, available(t, st, "prod-forest"))
}

func TestCreateOrderValidation(t *testing.T) {
	svc, _, _ := newService(t)
	noCity := customer()
	noCity.Shipping.City = ""
	badEmail := customer()
	badEmail.Email = "nope"

	cases := map[string]orders.CreateOrderRequest{
		"empty cart":      {Customer: customer()},
		"zero qty":        {Customer: customer(), Lines: []orders.CartLine{{ProductID: "prod-city", Qty: 0}}},
		"missing city":    {Customer: noCity, Lines: []orders.CartLine{{ProductID: "prod-city", Qty: 1}}},
		"malformed email": {Customer: badEmail, Lines: []orders.CartLine{{ProductID: "prod-city", Qty: 1}}},
		"unknown product": {Customer: customer(), Lines: []orders.CartLine{{ProductID: "prod-ghost", Qty: 1}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := svc.CreateOrder(context.Background(), req)
			assert.ErrorIs(t, err, orders.ErrInvalidOrderRequest)
		})
	}
}

func TestCreateOrderRejectsOversizedQuantities(t *testing.T) {
	svc, st, rec := newService(t)

	cases := map[string][]orders.CartLine{
		"merged lines overflow": {{ProductID: "prod-sunset", Qty: math.MaxInt}, {ProductID: "prod-sunset", Qty: math.MaxInt}},
		"merged above limit":    {{ProductID: "prod-sunset", Qty: orders.MaxLineQty}, {ProductID: "prod-sunset", Qty: 1}},
		"single line too large": {{ProductID: "prod-sunset", Qty: orders.MaxLineQty + 1}},
	}
	for name, lines := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := svc.CreateOrder(context.Background(), orders.CreateOrderRequest{Customer: customer(), Lines: lines})
			var ve *orders.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Field, ".qty")
		})
	}

	assert.Equal(t, 5, available(t, st, "prod-sunset"))
	assert.Empty(t, rec.types())
	counts, err := svc.CountOrdersByStatus(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts[orders.StatusPending])
}

func TestConcurrentOrdersNeverOversell(t *testing.T) {
	svc, st, _ := newService(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
				Customer: customer(),
				Lines:    []orders.CartLine{{ProductID: "prod-sunset", Qty: 3}},
			})
		}(i)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, stock.ErrInsufficientStock):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
	assert.Equal(t, 2, available(t, st, "prod-sunset"))
}

func TestCreateOrderRollsBackOnShortLine(t *testing.T) {
	svc, st, rec := newService(t)
	_, _, err := svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
		Customer: customer(),
		Lines:    []orders.CartLine{{ProductID: "prod-city", Qty: 2}, {ProductID: "prod-harbor", Qty: 4}},
	})

	var ise *stock.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "prod-harbor", ise.ProductID)
	assert.Equal(t, 25, available(t, st, "prod-city"))
	assert.Equal(t, 3, available(t, st, "prod-harbor"))
	assert.Empty(t, rec.types())
}

type failingStore struct {
	*memstore.Store
}

func (failingStore) CreateOrder(context.Context, *orders.Order) error {
	return errors.New("connection reset")
}

func TestCreateOrderRollsBackWhenPersistFails(t *testing.T) {
	svc, st, _ := newService(t)
	svc.Store = failingStore{st}

	_, _, err := svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
		Customer: customer(),
		Lines:    []orders.CartLine{{ProductID: "prod-city", Qty: 2}},
	})
	assert.ErrorIs(t, err, orders.ErrPersistence)
	assert.Equal(t, 25, available(t, st, "prod-city"))
}

// cancellingLedger cancels the request after the first reservation.
type cancellingLedger struct {
	stock.Ledger
	cancel context.CancelFunc
}

func (l cancellingLedger) Reserve(ctx context.Context, orderID, productID string, qty int) error {
	err := l.Ledger.Reserve(ctx, orderID, productID, qty)
	l.cancel()
	return err
}

func TestCreateOrderRollsBackOnCancellation(t *testing.T) {
	svc, st, _ := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Ledger = cancellingLedger{Ledger: st, cancel: cancel}

	_, _, err := svc.CreateOrder(ctx, orders.CreateOrderRequest{
		Customer: customer(),
		Lines:    []orders.CartLine{{ProductID: "prod-city", Qty: 2}, {ProductID: "prod-forest", Qty: 1}},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 25, available(t, st, "prod-city"))
	assert.Equal(t, 10, available(t, st, "prod-forest"))
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	svc, st, rec := newService(t)
	req := orders.CreateOrderRequest{
		ExternalID: "cart-42",
		Customer:   customer(),
		Lines:      []orders.CartLine{{ProductID: "prod-city", Qty: 1}},
	}
	first, existed, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	require.False(t, existed)

	second, existed, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 24, available(t, st, "prod-city"))
	assert.Len(t, rec.types(), 1)
}

func TestCancelOrderReleasesOnce(t *testing.T) {
	svc, st, rec := newService(t)
	ctx := context.Background()
	o, _, err := svc.CreateOrder(ctx, orders.CreateOrderRequest{
		Customer: customer(),
		Lines:    []orders.CartLine{{ProductID: "prod-sunset", Qty: 2}},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := svc.CancelOrder(ctx, o.ID)
			assert.NoError(t, err)
			assert.Equal(t, orders.StatusCancelled, c.Status)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, available(t, st, "prod-sunset"))
	got, err := svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.StockReleased)
	assert.Equal(t, []string{orders.EventOrderCreated, orders.EventOrderCancelled}, rec.types())
}

type stubCanceller struct {
	calls []string
	err   error
}

func (c *stubCanceller) CancelPendingPayment(_ context.Context, orderID string) error {
	c.calls = append(c.calls, orderID)
	return c.err
}

func TestCancelOrderVoidsPendingPayment(t *testing.T) {
	svc, st, rec := newService(t)
	ctx := context.Background()
	payments := &stubCanceller{err: errors.New("gateway down")}
	svc.Payments = payments
	o, _, err := svc.CreateOrder(ctx, orders.CreateOrderRequest{
		Customer: customer(),
		Lines:    []orders.CartLine{{ProductID: "prod-sunset", Qty: 2}},
	})
	require.NoError(t, err)

	_, err = svc.CancelOrder(ctx, o.ID)
	require.Error(t, err)
	got, err := svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, got.Status, "the order stays cancelled when the void fails")
	assert.Equal(t, 5, available(t, st, "prod-sunset"))

	payments.err = nil
	c, err := svc.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, c.Status)
	assert.Equal(t, []string{o.ID, o.ID}, payments.calls)
	assert.Equal(t, []string{orders.EventOrderCreated, orders.EventOrderCancelled}, rec.types())
}

func TestCancelAfterShipmentIsRejected(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	o, _, err := svc.CreateOrder(ctx, orders.CreateOrderRequest{
		Customer: customer(),
		Lines:    []orders.CartLine{{ProductID: "prod-sunset", Qty: 1}},
	})
	require.NoError(t, err)
	_, err = st.UpdateStatus(ctx, o.ID, orders.StatusPending, orders.StatusConfirmed)
	require.NoError(t, err)
	_, err = svc.AdvanceOrder(ctx, o.ID, orders.StatusShipped)
	require.NoError(t, err)

	_, err = svc.CancelOrder(ctx, o.ID)
	var te *orders.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, string(orders.StatusShipped), te.From)
	assert.Equal(t, 4, available(t, st, "prod-sunset"))
}

func TestAdvanceOrderRules(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	o, _, err := svc.CreateOrder(ctx, orders.CreateOrderRequest{
		Customer: customer(),
		Lines:    []orders.CartLine{{ProductID: "prod-city", Qty: 1}},
	})
	require.NoError(t, err)

	_, err = svc.AdvanceOrder(ctx, o.ID, orders.StatusConfirmed)
	assert.ErrorIs(t, err, orders.ErrInvalidTransition, "confirmation comes from payment only")
	_, err = svc.AdvanceOrder(ctx, o.ID, orders.StatusShipped)
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
	_, err = svc.AdvanceOrder(ctx, o.ID, orders.Status("LOST"))
	assert.ErrorIs(t, err, orders.ErrInvalidOrderRequest)
	_, err = svc.AdvanceOrder(ctx, "missing", orders.StatusShipped)
	assert.ErrorIs(t, err, orders.ErrNotFound)
}

func TestOrderQueries(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _, err := svc.CreateOrder(ctx, orders.CreateOrderRequest{
			Customer: customer(),
			Lines:    []orders.CartLine{{ProductID: "prod-city", Qty: 1}},
		})
		require.NoError(t, err)
	}

	list, err := svc.ListOrdersByEmail(ctx, " ana@example.com ")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	_, err = svc.ListOrdersByEmail(ctx, "")
	assert.ErrorIs(t, err, orders.ErrInvalidOrderRequest)

	counts, err := svc.CountOrdersByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[orders.StatusPending])

	v, err := svc.GetOrderStatus(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, v.Status)
	_, err = svc.GetOrderStatus(ctx, "missing")
	assert.ErrorIs(t, err, orders.ErrNotFound)
}

type versionedCache struct {
	mu        sync.Mutex
	views     map[string]orders.StatusView
	gen       map[string]int64
	beforeSet func()
}

func newVersionedCache() *versionedCache {
	return &versionedCache{views: map[string]orders.StatusView{}, gen: map[string]int64{}}
}

func (c *versionedCache) Get(_ context.Context, id string) (orders.StatusView, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.views[id]
	return v, c.gen[id], ok
}

func (c *versionedCache) Set(_ context.Context, v orders.StatusView, version int64) {
	if hook := c.beforeSet; hook != nil {
		c.beforeSet = nil
		hook()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[v.OrderID] != version {
		return
	}
	c.views[v.OrderID] = v
}

func (c *versionedCache) Invalidate(_ context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[id]++
	delete(c.views, id)
}

func TestGetOrderStatusDoesNotCacheViewOverlappingWrite(t *testing.T) {
	svc, _, _ := newService(t)
	cache := newVersionedCache()
	svc.Cache = cache
	ctx := context.Background()
	o, _, err := svc.CreateOrder(ctx, orders.CreateOrderRequest{
		Customer: customer(),
		Lines:    []orders.CartLine{{ProductID: "prod-city", Qty: 1}},
	})
	require.NoError(t, err)
	_, _, ok := cache.Get(ctx, o.ID)
	assert.True(t, ok, "a new order is cached at version 0")

	cache.Invalidate(ctx, o.ID)
	// the order is cancelled after the status read but before it is cached
	cache.beforeSet = func() {
		_, err := svc.CancelOrder(ctx, o.ID)
		require.NoError(t, err)
	}
	v, err := svc.GetOrderStatus(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, v.Status)

	v, err = svc.GetOrderStatus(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, v.Status)
	cached, _, ok := cache.Get(ctx, o.ID)
	require.True(t, ok)
	assert.Equal(t, orders.StatusCancelled, cached.Status)
}
