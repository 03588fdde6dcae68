package orders

import (
	"context"
	"errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"time"
)

type Repo struct{ DB *pgxpool.Pool }

var (
	_ Store   = (*Repo)(nil)
	_ Catalog = (*Repo)(nil)
)

const orderColumns = `id, COALESCE(external_id, ''), email, first_name, last_name, phone,
	ship_address, ship_city, ship_state, ship_zip, ship_country,
	bill_address, bill_city, bill_state, bill_zip, bill_country, same_as_billing,
	total_cents, currency, status, payment_status, stock_released, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o             Order
		status, pstat string
		c             = &o.Customer
	)
	err := row.Scan(&o.ID, &o.ExternalID, &c.Email, &c.FirstName, &c.LastName, &c.Phone,
		&c.Shipping.Line1, &c.Shipping.City, &c.Shipping.State, &c.Shipping.ZipCode, &c.Shipping.Country,
		&c.Billing.Line1, &c.Billing.City, &c.Billing.State, &c.Billing.ZipCode, &c.Billing.Country, &c.SameAsBilling,
		&o.TotalCents, &o.Currency, &status, &pstat, &o.StockReleased, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.PaymentStatus = PaymentStatus(pstat)
	return &o, nil
}

// CreateOrder writes header and items in one transaction.
func (r *Repo) CreateOrder(ctx context.Context, o *Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c := o.Customer
	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, external_id, email, first_name, last_name, phone,
			ship_address, ship_city, ship_state, ship_zip, ship_country,
			bill_address, bill_city, bill_state, bill_zip, bill_country, same_as_billing,
			total_cents, currency, status, payment_status, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $22)`,
		o.ID, o.ExternalID, c.Email, c.FirstName, c.LastName, c.Phone,
		c.Shipping.Line1, c.Shipping.City, c.Shipping.State, c.Shipping.ZipCode, c.Shipping.Country,
		c.Billing.Line1, c.Billing.City, c.Billing.State, c.Billing.ZipCode, c.Billing.Country, c.SameAsBilling,
		o.TotalCents, o.Currency, string(o.Status), string(o.PaymentStatus), o.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "orders_external_id_key" {
			return ErrDuplicateExternalID
		}
		return err
	}

	for i, it := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items(order_id, position, product_id, name, description, qty, unit_price_cents, line_total_cents)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			o.ID, i, it.ProductID, it.Name, it.Description, it.Qty, it.UnitPriceCents, it.LineTotalCents,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repo) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if err != nil {
		return nil, err
	}
	return o, r.attachItems(ctx, o)
}

func (r *Repo) GetOrderByExternalID(ctx context.Context, externalID string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_id=$1`, externalID))
	if err != nil {
		return nil, err
	}
	return o, r.attachItems(ctx, o)
}

func (r *Repo) UpdateStatus(ctx context.Context, id string, from, to Status) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `
		UPDATE orders SET status=$3, updated_at=now()
		WHERE id=$1 AND status=$2
		RETURNING `+orderColumns, id, string(from), string(to)))
	if errors.Is(err, ErrNotFound) {
		var exists bool
		if err := r.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrStaleStatus
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, r.attachItems(ctx, o)
}

func (r *Repo) MarkStockReleased(ctx context.Context, id string) error {
	ct, err := r.DB.Exec(ctx, `UPDATE orders SET stock_released=true, updated_at=now() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) ListOrdersByEmail(ctx context.Context, email string) ([]*Order, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE email=$1 ORDER BY created_at DESC`, email)
	if err != nil {
		return nil, err
	}
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, o := range out {
		if err := r.attachItems(ctx, o); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repo) CountOrdersByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.DB.Query(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}

func (r *Repo) attachItems(ctx context.Context, o *Order) error {
	rows, err := r.DB.Query(ctx, `
		SELECT product_id, name, description, qty, unit_price_cents, line_total_cents
		FROM order_items WHERE order_id=$1 ORDER BY position`, o.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	o.Items = o.Items[:0]
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ProductID, &it.Name, &it.Description, &it.Qty, &it.UnitPriceCents, &it.LineTotalCents); err != nil {
			return err
		}
		o.Items = append(o.Items, it)
	}
	return rows.Err()
}

// Products returns the catalogue entries for ids; missing ids are absent from
// the map.
func (r *Repo) Products(ctx context.Context, ids []string) (map[string]Product, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, sku, name, description, stock, price_cents, created_at, updated_at
		FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (r *Repo) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `SELECT id, sku, name, description, stock, price_cents, created_at, updated_at
                                FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Description, &p.Stock, &p.PriceCents, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// UpsertProduct is used by seeding; it never touches stock of an existing row.
func (r *Repo) UpsertProduct(ctx context.Context, p Product) error {
	now := time.Now().UTC()
	_, err := r.DB.Exec(ctx, `
		INSERT INTO products(id, sku, name, description, stock, price_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, description=EXCLUDED.description,
			price_cents=EXCLUDED.price_cents, updated_at=EXCLUDED.updated_at`,
		p.ID, p.SKU, p.Name, p.Description, p.Stock, p.PriceCents, now)
	return err
}
