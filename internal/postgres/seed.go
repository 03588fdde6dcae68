package postgres

import (
	"context"
	"fmt"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Seed upserts products; stock of existing rows is left alone.
func Seed(ctx context.Context, pool *pgxpool.Pool, products []orders.Product) error {
	repo := &orders.Repo{DB: pool}
	for _, p := range products {
		if err := repo.UpsertProduct(ctx, p); err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
	}
	return nil
}
