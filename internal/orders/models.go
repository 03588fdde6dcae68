package orders

import "time"

type Product struct {
	ID          string
	SKU         string
	Name        string
	Description string
	Stock       int
	PriceCents  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Address struct {
	Line1   string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	Country string `json:"country"`
}

type Customer struct {
	Email         string  `json:"email"`
	FirstName     string  `json:"first_name"`
	LastName      string  `json:"last_name"`
	Phone         string  `json:"phone,omitempty"`
	Shipping      Address `json:"shipping"`
	Billing       Address `json:"billing"`
	SameAsBilling bool    `json:"same_as_billing"`
}

func (c Customer) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

type Order struct {
	ID            string
	ExternalID    string // client idempotency key, optional
	Customer      Customer
	Items         []OrderItem
	TotalCents    int64
	Currency      string
	Status        Status
	PaymentStatus PaymentStatus
	StockReleased bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OrderItem struct {
	ProductID      string
	Name           string
	Description    string
	Qty            int
	UnitPriceCents int64
	LineTotalCents int64
}

// CartLine is a requested line before pricing.
type CartLine struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// StatusView is the read model served by GetOrderStatus and cached in Redis.
type StatusView struct {
	OrderID       string        `json:"order_id"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	TotalCents    int64         `json:"total_cents"`
	Currency      string        `json:"currency"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (o *Order) View() StatusView {
	return StatusView{
		OrderID:       o.ID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		TotalCents:    o.TotalCents,
		Currency:      o.Currency,
		UpdatedAt:     o.UpdatedAt,
	}
}

func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	return &c
}
