// Package memstore keeps orders, stock and payments in process memory. It backs
// STORE=memory runs and the service tests, and honours the same contracts as
// the Postgres repositories.
package memstore

import (
	"context"
	"fmt"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/ariefcatur/go-order-reconciler/internal/payments"
	"github.com/ariefcatur/go-order-reconciler/internal/stock"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// reservation is one journal row. Its mutex serialises the stock moves of a
// single (order, product) pair; the status is empty until stock is taken.
type reservation struct {
	mu     sync.Mutex
	qty    int
	status string
}

type resKey struct{ orderID, productID string }

type Store struct {
	// stock counters are created by Seed and only ever move through CAS
	pmu      sync.RWMutex
	products map[string]orders.Product
	stock    map[string]*atomic.Int64

	jmu     sync.Mutex // guards the journal map, not its rows
	journal map[resKey]*reservation

	mu         sync.Mutex
	orders     map[string]*orders.Order
	byExternal map[string]string
	payments   map[string]*payments.Payment // by order id
	byIntent   map[string]string
	bySession  map[string]string
}

var (
	_ orders.Store   = (*Store)(nil)
	_ orders.Catalog = (*Store)(nil)
	_ stock.Ledger   = (*Store)(nil)
	_ payments.Store = (*Store)(nil)
)

func New() *Store {
	return &Store{
		products:   map[string]orders.Product{},
		stock:      map[string]*atomic.Int64{},
		journal:    map[resKey]*reservation{},
		orders:     map[string]*orders.Order{},
		byExternal: map[string]string{},
		payments:   map[string]*payments.Payment{},
		byIntent:   map[string]string{},
		bySession:  map[string]string{},
	}
}

// Seed adds products, or resets price and stock of existing ones.
func (s *Store) Seed(products ...orders.Product) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	now := time.Now().UTC()
	for _, p := range products {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		s.products[p.ID] = p
		c, ok := s.stock[p.ID]
		if !ok {
			c = &atomic.Int64{}
			s.stock[p.ID] = c
		}
		c.Store(int64(p.Stock))
	}
}

func (s *Store) counter(productID string) (*atomic.Int64, bool) {
	s.pmu.RLock()
	defer s.pmu.RUnlock()
	c, ok := s.stock[productID]
	return c, ok
}

// --- catalog

func (s *Store) Products(_ context.Context, ids []string) (map[string]orders.Product, error) {
	s.pmu.RLock()
	defer s.pmu.RUnlock()
	out := make(map[string]orders.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			p.Stock = int(s.stock[id].Load())
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) ListProducts(_ context.Context) ([]orders.Product, error) {
	s.pmu.RLock()
	defer s.pmu.RUnlock()
	out := make([]orders.Product, 0, len(s.products))
	for id, p := range s.products {
		p.Stock = int(s.stock[id].Load())
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

// --- stock ledger

func (s *Store) Reserve(ctx context.Context, orderID, productID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("reserve %s: non-positive quantity %d", productID, qty)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c, ok := s.counter(productID)
	if !ok {
		return stock.ErrUnknownProduct
	}

	r := s.row(resKey{orderID, productID})
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case stock.ReservationReleased:
		return stock.ErrReservationClosed
	case stock.ReservationReserved:
		return nil
	}
	for {
		cur := c.Load()
		if cur < int64(qty) {
			return &stock.InsufficientStockError{ProductID: productID, Requested: qty, Available: int(cur)}
		}
		if c.CompareAndSwap(cur, cur-int64(qty)) {
			break
		}
	}
	r.qty = qty
	r.status = stock.ReservationReserved
	return nil
}

func (s *Store) Release(_ context.Context, orderID, productID string) error {
	k := resKey{orderID, productID}
	s.jmu.Lock()
	r, ok := s.journal[k]
	s.jmu.Unlock()
	if ok {
		s.release(k, r)
	}
	return nil
}

func (s *Store) ReleaseAll(_ context.Context, orderID string) (int, error) {
	s.jmu.Lock()
	rows := map[resKey]*reservation{}
	for k, r := range s.journal {
		if k.orderID == orderID {
			rows[k] = r
		}
	}
	s.jmu.Unlock()

	units := 0
	for k, r := range rows {
		units += s.release(k, r)
	}
	return units, nil
}

// row returns the journal row of k, creating an empty one.
func (s *Store) row(k resKey) *reservation {
	s.jmu.Lock()
	defer s.jmu.Unlock()
	r, ok := s.journal[k]
	if !ok {
		r = &reservation{}
		s.journal[k] = r
	}
	return r
}

func (s *Store) release(k resKey, r *reservation) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != stock.ReservationReserved {
		return 0
	}
	r.status = stock.ReservationReleased
	if c, ok := s.counter(k.productID); ok {
		c.Add(int64(r.qty))
	}
	return r.qty
}

func (s *Store) Available(_ context.Context, productID string) (int, error) {
	c, ok := s.counter(productID)
	if !ok {
		return 0, stock.ErrUnknownProduct
	}
	return int(c.Load()), nil
}

// --- orders

func (s *Store) CreateOrder(_ context.Context, o *orders.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ExternalID != "" {
		if _, taken := s.byExternal[o.ExternalID]; taken {
			return orders.ErrDuplicateExternalID
		}
		s.byExternal[o.ExternalID] = o.ID
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *Store) GetOrderByExternalID(ctx context.Context, externalID string) (*orders.Order, error) {
	s.mu.Lock()
	id, ok := s.byExternal[externalID]
	s.mu.Unlock()
	if !ok {
		return nil, orders.ErrNotFound
	}
	return s.GetOrder(ctx, id)
}

func (s *Store) UpdateStatus(_ context.Context, id string, from, to orders.Status) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	if o.Status != from {
		return nil, orders.ErrStaleStatus
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return o.Clone(), nil
}

func (s *Store) MarkStockReleased(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.ErrNotFound
	}
	o.StockReleased = true
	return nil
}

func (s *Store) ListOrdersByEmail(_ context.Context, email string) ([]*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*orders.Order
	for _, o := range s.orders {
		if o.Customer.Email == email {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CountOrdersByStatus(_ context.Context) (map[orders.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[orders.Status]int{}
	for _, o := range s.orders {
		out[o.Status]++
	}
	return out, nil
}

// --- payments

func (s *Store) PaymentByOrder(_ context.Context, orderID string) (*payments.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderID]
	if !ok {
		return nil, payments.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) PaymentByIntent(ctx context.Context, intentID string) (*payments.Payment, error) {
	s.mu.Lock()
	orderID, ok := s.byIntent[intentID]
	s.mu.Unlock()
	if !ok {
		return nil, payments.ErrNotFound
	}
	return s.PaymentByOrder(ctx, orderID)
}

func (s *Store) PaymentBySession(ctx context.Context, sessionID string) (*payments.Payment, error) {
	s.mu.Lock()
	orderID, ok := s.bySession[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, payments.ErrNotFound
	}
	return s.PaymentByOrder(ctx, orderID)
}

func (s *Store) SaveAttempt(_ context.Context, p *payments.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[p.OrderID]
	if !ok {
		return orders.ErrNotFound
	}
	if !orders.CanTransitionPayment(o.PaymentStatus, orders.PaymentProcessing) {
		return payments.ErrPaymentAlreadyInProgress
	}
	now := time.Now().UTC()
	if cur, ok := s.payments[p.OrderID]; ok {
		if cur.Status.Blocking() {
			return payments.ErrPaymentAlreadyInProgress
		}
		delete(s.byIntent, cur.IntentID)
		delete(s.bySession, cur.SessionID)
		p.ID = cur.ID
		p.CreatedAt = cur.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.FailureReason = ""
	s.payments[p.OrderID] = p.Clone()
	s.index(p)

	o.PaymentStatus = orders.PaymentProcessing
	o.UpdatedAt = now
	return nil
}

func (s *Store) index(p *payments.Payment) {
	if p.IntentID != "" {
		s.byIntent[p.IntentID] = p.OrderID
	}
	if p.SessionID != "" {
		s.bySession[p.SessionID] = p.OrderID
	}
}

func (s *Store) ApplyOutcome(_ context.Context, out payments.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[out.OrderID]
	if !ok {
		return orders.ErrNotFound
	}
	p, ok := s.payments[out.OrderID]
	if !ok || p.ID != out.PaymentID {
		return payments.ErrNotFound
	}
	if p.Status != out.From || o.Status != out.OrderFrom {
		return payments.ErrConflict
	}

	now := time.Now().UTC()
	p.Status = out.To
	if out.FailureReason != "" {
		p.FailureReason = out.FailureReason
	}
	if out.IntentID != "" {
		p.IntentID = out.IntentID
		s.index(p)
	}
	if len(out.Payload) > 0 {
		p.GatewayPayload = append([]byte(nil), out.Payload...)
	}
	p.UpdatedAt = now

	o.Status = out.OrderTo
	o.PaymentStatus = out.OrderPayment
	o.UpdatedAt = now
	return nil
}

func (s *Store) BackfillIntent(_ context.Context, paymentID, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ID != paymentID {
			continue
		}
		if p.IntentID == intentID {
			return nil
		}
		if p.IntentID != "" || p.Status.Terminal() {
			return &orders.TransitionError{Entity: "payment", ID: paymentID,
				From: "intent " + p.IntentID + " (" + string(p.Status) + ")", To: "intent " + intentID}
		}
		p.IntentID = intentID
		p.UpdatedAt = time.Now().UTC()
		s.index(p)
		return nil
	}
	return payments.ErrNotFound
}
