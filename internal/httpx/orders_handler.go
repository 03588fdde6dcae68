package httpx

import (
	"context"
	"encoding/json"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"log/slog"
	"net/http"
	"time"
)

type ProductLister interface {
	ListProducts(ctx context.Context) ([]orders.Product, error)
}

type OrdersHandler struct {
	Orders   *orders.Service
	Products ProductLister
	Log      *slog.Logger
}

type CreateOrderReq struct {
	Cart     []orders.CartLine   `json:"cart"`
	Total    decimal.NullDecimal `json:"total"`
	Customer orders.Customer     `json:"customer"`
}

type CreateOrderResp struct {
	OrderID    string `json:"order_id"`
	TotalCents int64  `json:"total_cents"`
	Total      string `json:"total"`
	Currency   string `json:"currency"`
	Status     string `json:"status"`
	Idempotent bool   `json:"idempotent"`
}

type itemResp struct {
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type orderResp struct {
	OrderID       string          `json:"order_id"`
	Status        string          `json:"status"`
	PaymentStatus string          `json:"payment_status"`
	TotalCents    int64           `json:"total_cents"`
	Total         string          `json:"total"`
	Currency      string          `json:"currency"`
	Customer      orders.Customer `json:"customer"`
	Items         []itemResp      `json:"items"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type productResp struct {
	ID          string `json:"id"`
	SKU         string `json:"sku"`
	Name        string `json:"name"`
	Description string `json:"description"`
	PriceCents  int64  `json:"price_cents"`
	Price       string `json:"price"`
	Stock       int    `json:"stock"`
}

func toOrderResp(o *orders.Order) orderResp {
	items := make([]itemResp, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, itemResp{
			ProductID: it.ProductID, Name: it.Name, Qty: it.Qty,
			UnitPriceCents: it.UnitPriceCents, LineTotalCents: it.LineTotalCents,
		})
	}
	return orderResp{
		OrderID:       o.ID,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		TotalCents:    o.TotalCents,
		Total:         orders.FormatCents(o.TotalCents),
		Currency:      o.Currency,
		Customer:      o.Customer,
		Items:         items,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Post("/orders", h.createOrder)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/stats", h.stats)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Put("/orders/{id}/status", h.advance)
	r.Post("/orders/{id}/cancel", h.cancel)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, existed, err := h.Orders.CreateOrder(ctx, orders.CreateOrderRequest{
		ExternalID:  r.Header.Get("Idempotency-Key"),
		Customer:    req.Customer,
		Lines:       req.Cart,
		ClientTotal: req.Total,
	})
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	code := http.StatusCreated
	if existed {
		code = http.StatusOK
	}
	writeJSON(w, code, CreateOrderResp{
		OrderID:    o.ID,
		TotalCents: o.TotalCents,
		Total:      orders.FormatCents(o.TotalCents),
		Currency:   o.Currency,
		Status:     string(o.Status),
		Idempotent: existed,
	})
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	v, err := h.Orders.GetOrderStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.Orders.ListOrdersByEmail(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	out := make([]orderResp, 0, len(list))
	for _, o := range list {
		out = append(out, toOrderResp(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Orders.CountOrdersByStatus(r.Context())
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *OrdersHandler) advance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status orders.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	o, err := h.Orders.AdvanceOrder(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	o, err := h.Orders.CancelOrder(r.Context(), id)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Products.ListProducts(ctx)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	out := make([]productResp, 0, len(ps))
	for _, p := range ps {
		out = append(out, productResp{
			ID: p.ID, SKU: p.SKU, Name: p.Name, Description: p.Description,
			PriceCents: p.PriceCents, Price: orders.FormatCents(p.PriceCents), Stock: p.Stock,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
