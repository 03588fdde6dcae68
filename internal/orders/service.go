package orders

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-order-reconciler/internal/logx"
	"github.com/ariefcatur/go-order-reconciler/internal/stock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"
	"math"
	"strings"
	"time"
)

type Store interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByExternalID(ctx context.Context, externalID string) (*Order, error)
	// UpdateStatus moves the order from -> to and fails with ErrStaleStatus
	// when the stored status is not from.
	UpdateStatus(ctx context.Context, id string, from, to Status) (*Order, error)
	MarkStockReleased(ctx context.Context, id string) error
	ListOrdersByEmail(ctx context.Context, email string) ([]*Order, error)
	CountOrdersByStatus(ctx context.Context) (map[Status]int, error)
}

type Catalog interface {
	Products(ctx context.Context, ids []string) (map[string]Product, error)
}

// StatusCache holds status views. Get also returns the view's current
// version, which a following Set must pass back: Set is dropped when an
// Invalidate ran in between. A new order's first version is 0.
type StatusCache interface {
	Get(ctx context.Context, orderID string) (v StatusView, version int64, ok bool)
	Set(ctx context.Context, v StatusView, version int64)
	Invalidate(ctx context.Context, orderID string)
}

// NoCacheVersion is returned by Get when the version is unknown; Set ignores it.
const NoCacheVersion int64 = -1

// PaymentCanceller voids the still-pending gateway payment of an order.
type PaymentCanceller interface {
	CancelPendingPayment(ctx context.Context, orderID string) error
}

type Service struct {
	Store    Store
	Catalog  Catalog
	Ledger   stock.Ledger
	Events   Publisher        // optional
	Cache    StatusCache      // optional
	Payments PaymentCanceller // optional
	Producer string
	Currency string
	Log      *slog.Logger
}

type CreateOrderRequest struct {
	ExternalID  string
	Customer    Customer
	Lines       []CartLine
	ClientTotal decimal.NullDecimal
}

const casRetries = 3

// MaxLineQty bounds the quantity of one product in an order, after repeated
// lines are merged. It matches the INT columns of the stock tables.
const MaxLineQty = math.MaxInt32

// CreateOrder reserves every line and persists the order. Any failure after
// the first reservation releases everything reserved by this attempt, also
// when ctx is cancelled. The bool reports an existing order returned for a
// repeated external id.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, bool, error) {
	lines, err := validate(&req)
	if err != nil {
		return nil, false, err
	}

	if req.ExternalID != "" {
		o, err := s.Store.GetOrderByExternalID(ctx, req.ExternalID)
		if err == nil {
			return o, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, persistence("lookup external id", err)
		}
	}

	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	products, err := s.Catalog.Products(ctx, ids)
	if err != nil {
		return nil, false, persistence("load products", err)
	}
	for _, l := range lines {
		if _, ok := products[l.ProductID]; !ok {
			return nil, false, &ValidationError{Field: "cart", Reason: "unknown product " + l.ProductID}
		}
	}

	orderID := uuid.NewString()
	for _, l := range lines {
		if err := ctx.Err(); err != nil {
			s.rollback(ctx, orderID)
			return nil, false, err
		}
		if err := s.Ledger.Reserve(ctx, orderID, l.ProductID, l.Qty); err != nil {
			s.rollback(ctx, orderID)
			switch {
			case errors.Is(err, stock.ErrInsufficientStock):
				return nil, false, err
			case errors.Is(err, stock.ErrUnknownProduct):
				return nil, false, &ValidationError{Field: "cart", Reason: "unknown product " + l.ProductID}
			case ctx.Err() != nil:
				return nil, false, ctx.Err()
			}
			return nil, false, persistence("reserve stock", err)
		}
	}

	items := make([]OrderItem, 0, len(lines))
	var total int64
	for _, l := range lines {
		p := products[l.ProductID]
		line := p.PriceCents * int64(l.Qty)
		items = append(items, OrderItem{
			ProductID:      p.ID,
			Name:           p.Name,
			Description:    p.Description,
			Qty:            l.Qty,
			UnitPriceCents: p.PriceCents,
			LineTotalCents: line,
		})
		total += line
	}
	if req.ClientTotal.Valid && ToCents(req.ClientTotal.Decimal) != total {
		s.log().Warn("client total does not match computed total",
			"order_id", orderID,
			"client_total", req.ClientTotal.Decimal.StringFixed(2),
			"computed_total", FormatCents(total))
	}

	now := time.Now().UTC()
	o := &Order{
		ID:            orderID,
		ExternalID:    req.ExternalID,
		Customer:      req.Customer,
		Items:         items,
		TotalCents:    total,
		Currency:      s.currency(),
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.CreateOrder(ctx, o); err != nil {
		s.rollback(ctx, orderID)
		if errors.Is(err, ErrDuplicateExternalID) {
			if existing, gerr := s.Store.GetOrderByExternalID(ctx, req.ExternalID); gerr == nil {
				return existing, true, nil
			}
		}
		return nil, false, persistence("persist order", err)
	}

	s.log().Info("order created", "order_id", o.ID, "total", FormatCents(total), "lines", len(items))
	Emit(s.Events, s.Producer, EventOrderCreated, o.ID, OrderCreatedPayload{
		OrderID:    o.ID,
		ExternalID: o.ExternalID,
		Email:      o.Customer.Email,
		Items:      itemPrices(items),
		TotalCents: total,
		Currency:   o.Currency,
	})
	if s.Cache != nil {
		s.Cache.Set(ctx, o.View(), 0)
	}
	return o, false, nil
}

func (s *Service) rollback(ctx context.Context, orderID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	n, err := s.Ledger.ReleaseAll(ctx, orderID)
	if err != nil {
		s.log().Error("release reservations of failed order attempt", "order_id", orderID, "err", err)
		return
	}
	if n > 0 {
		s.log().Info("released reservations of failed order attempt", "order_id", orderID, "units", n)
	}
}

// CancelOrder cancels a PENDING or CONFIRMED order, returns its stock and
// voids a payment still pending at the gateway. A repeated cancel is a no-op
// that only finishes a release or void that did not complete earlier.
func (s *Service) CancelOrder(ctx context.Context, id string) (*Order, error) {
	o, err := s.cancel(ctx, id)
	if err != nil || s.Payments == nil {
		return o, err
	}
	// the order stays cancelled; a failed void is retried by the next cancel
	if err := s.Payments.CancelPendingPayment(ctx, id); err != nil {
		return nil, err
	}
	return s.get(ctx, id)
}

func (s *Service) cancel(ctx context.Context, id string) (*Order, error) {
	for i := 0; i < casRetries; i++ {
		o, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if o.Status == StatusCancelled {
			if !o.StockReleased {
				if _, err := s.releaseStock(ctx, o); err != nil {
					return nil, err
				}
			}
			return o, nil
		}
		if !CanTransition(o.Status, StatusCancelled) {
			return nil, &TransitionError{Entity: "order", ID: id, From: string(o.Status), To: string(StatusCancelled)}
		}

		updated, err := s.Store.UpdateStatus(ctx, id, o.Status, StatusCancelled)
		if errors.Is(err, ErrStaleStatus) {
			continue
		}
		if err != nil {
			return nil, persistence("cancel order", err)
		}
		s.invalidate(ctx, id)

		units, err := s.releaseStock(ctx, updated)
		if err != nil {
			return nil, err
		}
		s.log().Info("order cancelled", "order_id", id, "from", o.Status, "released_units", units)
		Emit(s.Events, s.Producer, EventOrderCancelled, id, OrderCancelledPayload{
			OrderID: id, PreviousState: o.Status, ReleasedUnits: units,
		})
		return updated, nil
	}
	return nil, persistence("cancel order", fmt.Errorf("order %s: %w", id, ErrStaleStatus))
}

func (s *Service) releaseStock(ctx context.Context, o *Order) (int, error) {
	units, err := s.Ledger.ReleaseAll(ctx, o.ID)
	if err != nil {
		return 0, persistence("release stock", err)
	}
	if err := s.Store.MarkStockReleased(ctx, o.ID); err != nil {
		return 0, persistence("mark stock released", err)
	}
	o.StockReleased = true
	return units, nil
}

// AdvanceOrder moves a confirmed order through fulfilment. CONFIRMED is only
// reachable through payment reconciliation and CANCELLED through CancelOrder.
func (s *Service) AdvanceOrder(ctx context.Context, id string, to Status) (*Order, error) {
	if !to.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", to)}
	}
	o, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if to == StatusConfirmed || to == StatusCancelled || !CanTransition(o.Status, to) {
		return nil, &TransitionError{Entity: "order", ID: id, From: string(o.Status), To: string(to)}
	}
	updated, err := s.Store.UpdateStatus(ctx, id, o.Status, to)
	if errors.Is(err, ErrStaleStatus) {
		return nil, &TransitionError{Entity: "order", ID: id, From: string(o.Status), To: string(to)}
	}
	if err != nil {
		return nil, persistence("advance order", err)
	}
	s.invalidate(ctx, id)
	Emit(s.Events, s.Producer, EventOrderAdvanced, id, OrderAdvancedPayload{OrderID: id, From: o.Status, To: to})
	return updated, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.get(ctx, id)
}

func (s *Service) GetOrderStatus(ctx context.Context, id string) (StatusView, error) {
	version := NoCacheVersion
	if s.Cache != nil {
		v, ver, ok := s.Cache.Get(ctx, id)
		if ok {
			return v, nil
		}
		version = ver
	}
	// version predates the read; a write in between drops the Set below
	o, err := s.get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	v := o.View()
	if s.Cache != nil {
		s.Cache.Set(ctx, v, version)
	}
	return v, nil
}

func (s *Service) ListOrdersByEmail(ctx context.Context, email string) ([]*Order, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, &ValidationError{Field: "email", Reason: "required"}
	}
	out, err := s.Store.ListOrdersByEmail(ctx, email)
	if err != nil {
		return nil, persistence("list orders", err)
	}
	return out, nil
}

func (s *Service) CountOrdersByStatus(ctx context.Context) (map[Status]int, error) {
	out, err := s.Store.CountOrdersByStatus(ctx)
	if err != nil {
		return nil, persistence("count orders", err)
	}
	return out, nil
}

func (s *Service) get(ctx context.Context, id string) (*Order, error) {
	o, err := s.Store.GetOrder(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, persistence("get order", err)
	}
	return o, nil
}

func (s *Service) invalidate(ctx context.Context, id string) {
	if s.Cache != nil {
		s.Cache.Invalidate(ctx, id)
	}
}

func (s *Service) currency() string {
	if s.Currency == "" {
		return "usd"
	}
	return s.Currency
}

func (s *Service) log() *slog.Logger { return logx.Or(s.Log) }

// validate checks the request and merges repeated products into one line.
func validate(req *CreateOrderRequest) ([]CartLine, error) {
	c := &req.Customer
	c.Email = strings.TrimSpace(c.Email)
	if c.Email == "" || !strings.Contains(c.Email, "@") {
		return nil, &ValidationError{Field: "customer.email", Reason: "missing or malformed"}
	}
	required := []struct{ field, v string }{
		{"customer.first_name", c.FirstName},
		{"customer.last_name", c.LastName},
		{"customer.shipping.address", c.Shipping.Line1},
		{"customer.shipping.city", c.Shipping.City},
		{"customer.shipping.state", c.Shipping.State},
		{"customer.shipping.zip_code", c.Shipping.ZipCode},
		{"customer.shipping.country", c.Shipping.Country},
	}
	for _, r := range required {
		if strings.TrimSpace(r.v) == "" {
			return nil, &ValidationError{Field: r.field, Reason: "required"}
		}
	}
	if c.SameAsBilling {
		c.Billing = c.Shipping
	}

	if len(req.Lines) == 0 {
		return nil, &ValidationError{Field: "cart", Reason: "empty"}
	}
	merged := make([]CartLine, 0, len(req.Lines))
	index := map[string]int{}
	for i, l := range req.Lines {
		if strings.TrimSpace(l.ProductID) == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("cart[%d].product_id", i), Reason: "required"}
		}
		if l.Qty <= 0 {
			return nil, &ValidationError{Field: fmt.Sprintf("cart[%d].qty", i), Reason: "must be positive"}
		}
		if l.Qty > MaxLineQty {
			return nil, &ValidationError{Field: fmt.Sprintf("cart[%d].qty", i), Reason: fmt.Sprintf("exceeds %d", MaxLineQty)}
		}
		if j, ok := index[l.ProductID]; ok {
			if merged[j].Qty > MaxLineQty-l.Qty {
				return nil, &ValidationError{Field: fmt.Sprintf("cart[%d].qty", i), Reason: fmt.Sprintf("total for %s exceeds %d", l.ProductID, MaxLineQty)}
			}
			merged[j].Qty += l.Qty
			continue
		}
		index[l.ProductID] = len(merged)
		merged = append(merged, l)
	}
	return merged, nil
}

func itemPrices(items []OrderItem) []ItemPrice {
	out := make([]ItemPrice, 0, len(items))
	for _, it := range items {
		out = append(out, ItemPrice{ProductID: it.ProductID, Qty: it.Qty, PriceCents: it.UnitPriceCents})
	}
	return out
}
