package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/discount"
	"github.com/noah-isme/toko-pricing/internal/events"
	"github.com/noah-isme/toko-pricing/internal/order"
	"github.com/noah-isme/toko-pricing/internal/shipping"
	"github.com/noah-isme/toko-pricing/internal/tax"
	"github.com/noah-isme/toko-pricing/internal/zone"
)

const uniqueViolation = "23505"

// DBPool matches the methods of *pgxpool.Pool the repository uses.
type DBPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Postgres stores rule data and orders as JSONB documents.
type Postgres struct {
	pool DBPool
	Now  func() time.Time
}

// NewPostgres wraps a connection pool.
func NewPostgres(pool DBPool) *Postgres {
	return &Postgres{pool: pool}
}

// GetPurchasable implements catalog.Repository.
func (p *Postgres) GetPurchasable(ctx context.Context, id string) (catalog.Purchasable, error) {
	var out catalog.Purchasable
	err := p.getDocument(ctx, &out, `SELECT data FROM purchasables WHERE id = $1`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Purchasable{}, fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
	}
	return out, err
}

// SavePurchasable upserts a purchasable.
func (p *Postgres) SavePurchasable(ctx context.Context, item catalog.Purchasable) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO purchasables (id, sku, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET sku = EXCLUDED.sku, data = EXCLUDED.data, updated_at = now()
	`, item.ID, item.SKU, data)
	return err
}

// ListPricingRules implements catalog.RuleSource.
func (p *Postgres) ListPricingRules(ctx context.Context) ([]catalog.PricingRule, error) {
	return listDocuments[catalog.PricingRule](ctx, p.pool, `SELECT data FROM pricing_rules ORDER BY sort_order, id`)
}

// SavePricingRule validates and upserts a catalog pricing rule.
func (p *Postgres) SavePricingRule(ctx context.Context, r catalog.PricingRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO pricing_rules (id, enabled, sort_order, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET enabled = EXCLUDED.enabled, sort_order = EXCLUDED.sort_order,
			data = EXCLUDED.data, updated_at = now()
	`, r.ID, r.Enabled, r.SortOrder, data)
	return err
}

// ListDiscounts implements discount.Source.
func (p *Postgres) ListDiscounts(ctx context.Context) ([]discount.Discount, error) {
	return listDocuments[discount.Discount](ctx, p.pool, `SELECT data FROM discounts ORDER BY sort_order, id`)
}

// SaveDiscount validates and upserts a discount. The unique index on
// enabled codes reports reuse as discount.ErrDuplicateCode.
func (p *Postgres) SaveDiscount(ctx context.Context, d discount.Discount) error {
	if err := d.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO discounts (id, code, enabled, sort_order, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, enabled = EXCLUDED.enabled,
			sort_order = EXCLUDED.sort_order, data = EXCLUDED.data, updated_at = now()
	`, d.ID, nullable(d.Code), d.Enabled, d.SortOrder, data)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %q", discount.ErrDuplicateCode, d.Code)
	}
	return err
}

// ListShippingMethods implements shipping.Source.
func (p *Postgres) ListShippingMethods(ctx context.Context) ([]shipping.Method, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name, enabled FROM shipping_methods ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var methods []shipping.Method
	index := map[string]int{}
	for rows.Next() {
		var m shipping.Method
		if err := rows.Scan(&m.ID, &m.Name, &m.Enabled); err != nil {
			rows.Close()
			return nil, err
		}
		index[m.ID] = len(methods)
		methods = append(methods, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rules, err := listDocuments[shipping.Rule](ctx, p.pool, `SELECT data FROM shipping_rules ORDER BY method_id, priority, id`)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if i, ok := index[r.MethodID]; ok {
			methods[i].Rules = append(methods[i].Rules, r)
		}
	}
	return methods, nil
}

// SaveShippingMethod replaces a method and all of its rules in one transaction.
func (p *Postgres) SaveShippingMethod(ctx context.Context, m shipping.Method) error {
	for i := range m.Rules {
		m.Rules[i].MethodID = m.ID
		if err := m.Rules[i].Validate(); err != nil {
			return err
		}
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO shipping_methods (id, name, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, enabled = EXCLUDED.enabled, updated_at = now()
	`, m.ID, m.Name, m.Enabled); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM shipping_rules WHERE method_id = $1`, m.ID); err != nil {
		return err
	}
	for _, r := range m.Rules {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO shipping_rules (id, method_id, priority, data)
			VALUES ($1, $2, $3, $4)
		`, r.ID, m.ID, r.Priority, data); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListTaxRates implements tax.Source.
func (p *Postgres) ListTaxRates(ctx context.Context) ([]tax.Rate, error) {
	return listDocuments[tax.Rate](ctx, p.pool, `SELECT data FROM tax_rates ORDER BY id`)
}

// SaveTaxRate validates and upserts a tax rate.
func (p *Postgres) SaveTaxRate(ctx context.Context, r tax.Rate) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return p.upsertDocument(ctx, `
		INSERT INTO tax_rates (id, data) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, r.ID, r)
}

// ListZones implements zone.Source.
func (p *Postgres) ListZones(ctx context.Context) ([]zone.Zone, error) {
	return listDocuments[zone.Zone](ctx, p.pool, `SELECT data FROM zones ORDER BY id`)
}

// SaveZone upserts a zone.
func (p *Postgres) SaveZone(ctx context.Context, z zone.Zone) error {
	return p.upsertDocument(ctx, `
		INSERT INTO zones (id, data) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, z.ID, z)
}

// GetOrder loads an order document.
func (p *Postgres) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	o, err := p.scanOrder(p.pool.QueryRow(ctx, `SELECT data, version FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return o, err
}

// FindCart returns the customer's most recently updated open cart.
func (p *Postgres) FindCart(ctx context.Context, customerID string) (*order.Order, error) {
	o, err := p.scanOrder(p.pool.QueryRow(ctx, `
		SELECT data, version FROM orders
		WHERE customer_id = $1 AND status = 'cart'
		ORDER BY updated_at DESC
		LIMIT 1
	`, customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	return o, err
}

// SaveOrder writes o when the stored version still equals o.Version and
// bumps the version on success. Completed orders are never overwritten.
func (p *Postgres) SaveOrder(ctx context.Context, o *order.Order) error {
	next := o.Clone()
	next.Version = o.Version + 1
	next.UpdatedAt = p.now()
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}

	var tag pgconn.CommandTag
	if o.Version == 0 {
		tag, err = p.pool.Exec(ctx, `
			INSERT INTO orders (id, customer_id, status, currency, version, data, created_at, updated_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`, next.ID, nullable(next.Customer.ID), string(next.Status), next.Currency, next.Version, data,
			next.CreatedAt, next.UpdatedAt, next.CompletedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s already exists", order.ErrConflict, o.ID)
		}
	} else {
		tag, err = p.pool.Exec(ctx, `
			UPDATE orders
			SET customer_id = $2, status = $3, currency = $4, version = $5, data = $6,
				updated_at = $7, completed_at = $8
			WHERE id = $1 AND version = $9 AND status <> 'completed'
		`, next.ID, nullable(next.Customer.ID), string(next.Status), next.Currency, next.Version, data,
			next.UpdatedAt, next.CompletedAt, o.Version)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return p.classifyMissedUpdate(ctx, o)
		}
	}

	o.Version = next.Version
	o.UpdatedAt = next.UpdatedAt
	return nil
}

func (p *Postgres) classifyMissedUpdate(ctx context.Context, o *order.Order) error {
	var (
		version int64
		status  string
	)
	err := p.pool.QueryRow(ctx, `SELECT version, status FROM orders WHERE id = $1`, o.ID).Scan(&version, &status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: %s", order.ErrNotFound, o.ID)
	case err != nil:
		return err
	case order.Status(status) == order.StatusCompleted:
		return fmt.Errorf("%w: %s", order.ErrCompleted, o.ID)
	default:
		return fmt.Errorf("%w: %s at version %d, have %d", order.ErrConflict, o.ID, version, o.Version)
	}
}

// InsertEvent implements events.EventStore.
func (p *Postgres) InsertEvent(ctx context.Context, ev events.Event) error {
	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO domain_events (id, topic, aggregate_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ID, ev.Topic, ev.AggregateID, payload, ev.OccurredAt)
	return err
}

func (p *Postgres) scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		data    []byte
		version int64
	)
	if err := row.Scan(&data, &version); err != nil {
		return nil, err
	}
	var o order.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	o.Version = version
	return &o, nil
}

func (p *Postgres) getDocument(ctx context.Context, dst any, query string, args ...any) error {
	var data []byte
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&data); err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func (p *Postgres) upsertDocument(ctx context.Context, query string, id int64, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, query, id, data)
	return err
}

func (p *Postgres) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func listDocuments[T any](ctx context.Context, db DBPool, query string, args ...any) ([]T, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var doc T
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode %T: %w", doc, err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
