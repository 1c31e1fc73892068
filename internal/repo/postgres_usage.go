package repo

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/toko-pricing/internal/discount"
)

// PostgresUsage keeps coupon counters in the coupon_usage table. A
// reservation locks every counter row it touches before incrementing any.
type PostgresUsage struct {
	DB DBPool
}

// Usage implements discount.UsageCounter.
func (u PostgresUsage) Usage(ctx context.Context, d discount.Discount, customerID, email string) (discount.Usage, error) {
	keys := discount.CounterKeys(d.ID, customerID, email)
	rows, err := u.DB.Query(ctx, `SELECT counter_key, uses FROM coupon_usage WHERE counter_key = ANY($1)`, keys)
	if err != nil {
		return discount.Usage{}, err
	}
	defer rows.Close()

	counts := make(map[string]int, len(keys))
	for rows.Next() {
		var (
			key  string
			uses int
		)
		if err := rows.Scan(&key, &uses); err != nil {
			return discount.Usage{}, err
		}
		counts[key] = uses
	}
	if err := rows.Err(); err != nil {
		return discount.Usage{}, err
	}

	res := discount.Usage{Total: counts[keys[0]]}
	for _, key := range keys[1:] {
		switch {
		case strings.Contains(key, ":user:"):
			res.Customer = counts[key]
		case strings.Contains(key, ":email:"):
			res.Email = counts[key]
		}
	}
	return res, nil
}

// TryReserveUse implements discount.UsageCounter.
func (u PostgresUsage) TryReserveUse(ctx context.Context, d discount.Discount, customerID, email string) (bool, error) {
	keys := discount.CounterKeys(d.ID, customerID, email)

	tx, err := u.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, key := range keys {
		if _, err := tx.Exec(ctx, `
			INSERT INTO coupon_usage (counter_key, uses) VALUES ($1, 0)
			ON CONFLICT (counter_key) DO NOTHING
		`, key); err != nil {
			return false, err
		}
		var uses int
		if err := tx.QueryRow(ctx, `SELECT uses FROM coupon_usage WHERE counter_key = $1 FOR UPDATE`, key).Scan(&uses); err != nil {
			return false, err
		}
		if limit := discount.LimitFor(d, key); limit > 0 && uses >= limit {
			return false, nil
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE coupon_usage SET uses = uses + 1 WHERE counter_key = ANY($1)`, keys); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseUse implements discount.UsageCounter.
func (u PostgresUsage) ReleaseUse(ctx context.Context, d discount.Discount, customerID, email string) error {
	_, err := u.DB.Exec(ctx, `
		UPDATE coupon_usage SET uses = GREATEST(uses - 1, 0) WHERE counter_key = ANY($1)
	`, discount.CounterKeys(d.ID, customerID, email))
	return err
}
