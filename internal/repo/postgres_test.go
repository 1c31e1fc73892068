package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/discount"
	"github.com/noah-isme/toko-pricing/internal/events"
	"github.com/noah-isme/toko-pricing/internal/order"
	"github.com/noah-isme/toko-pricing/internal/repo"
	"github.com/noah-isme/toko-pricing/internal/shipping"
)

func newMockStore(t *testing.T) (*repo.Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store := repo.NewPostgres(mock)
	store.Now = func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) }
	return store, mock
}

func TestPostgresGetPurchasable(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT data FROM purchasables").
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow([]byte(`{"id":"p1","sku":"SKU-1","enabled":true,"stock":4}`)))
	p, err := store.GetPurchasable(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "SKU-1", p.SKU)
	require.Equal(t, 4, p.Stock)

	mock.ExpectQuery("SELECT data FROM purchasables").
		WithArgs("gone").
		WillReturnRows(pgxmock.NewRows([]string{"data"}))
	_, err = store.GetPurchasable(ctx, "gone")
	require.ErrorIs(t, err, catalog.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListShippingMethodsGroupsRules(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, name, enabled FROM shipping_methods").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "enabled"}).
			AddRow("express", "Express", true).
			AddRow("ground", "Ground", true))
	mock.ExpectQuery("SELECT data FROM shipping_rules").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"id":1,"methodId":"express","enabled":true,"priority":0,"baseRate":900}`)).
			AddRow([]byte(`{"id":2,"methodId":"ground","enabled":true,"priority":0,"baseRate":500}`)).
			AddRow([]byte(`{"id":3,"methodId":"ground","enabled":true,"priority":1,"baseRate":300}`)).
			AddRow([]byte(`{"id":4,"methodId":"retired","enabled":true}`)))

	methods, err := store.ListShippingMethods(context.Background())
	require.NoError(t, err)
	require.Len(t, methods, 2)
	require.Equal(t, "express", methods[0].ID)
	require.Len(t, methods[0].Rules, 1)
	require.Len(t, methods[1].Rules, 2)
	require.Equal(t, int64(3), methods[1].Rules[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveShippingMethodReplacesRules(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO shipping_methods").
		WithArgs("ground", "Ground", true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM shipping_rules").
		WithArgs("ground").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("INSERT INTO shipping_rules").
		WithArgs(int64(7), "ground", 2, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.SaveShippingMethod(context.Background(), shipping.Method{
		ID: "ground", Name: "Ground", Enabled: true,
		Rules: []shipping.Rule{{ID: 7, Enabled: true, Priority: 2}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveDiscountDuplicateCode(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO discounts").
		WithArgs(int64(5), pgxmock.AnyArg(), true, 0, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "discounts_enabled_code_key"})

	err := store.SaveDiscount(context.Background(), discount.Discount{ID: 5, Name: "again", Code: "SAVE", Enabled: true})
	require.ErrorIs(t, err, discount.ErrDuplicateCode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveOrderInsertThenUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	created := time.Date(2026, 2, 1, 11, 0, 0, 0, time.UTC)
	o := order.New("o1", "USD", order.Customer{ID: "c1"}, created)

	mock.ExpectExec("INSERT INTO orders").
		WithArgs("o1", pgxmock.AnyArg(), "cart", "USD", int64(1), pgxmock.AnyArg(), created, store.Now(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SaveOrder(ctx, o))
	require.Equal(t, int64(1), o.Version)

	mock.ExpectExec("UPDATE orders").
		WithArgs("o1", pgxmock.AnyArg(), "cart", "USD", int64(2), pgxmock.AnyArg(), store.Now(), pgxmock.AnyArg(), int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.SaveOrder(ctx, o))
	require.Equal(t, int64(2), o.Version)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveOrderClassifiesMissedUpdate(t *testing.T) {
	cases := []struct {
		name string
		rows *pgxmock.Rows
		want error
	}{
		{"stale version", pgxmock.NewRows([]string{"version", "status"}).AddRow(int64(4), "cart"), order.ErrConflict},
		{"completed", pgxmock.NewRows([]string{"version", "status"}).AddRow(int64(3), "completed"), order.ErrCompleted},
		{"deleted", pgxmock.NewRows([]string{"version", "status"}), order.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			o := order.New("o1", "USD", order.Customer{}, time.Now())
			o.Version = 3

			mock.ExpectExec("UPDATE orders").
				WithArgs("o1", pgxmock.AnyArg(), "cart", "USD", int64(4), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), int64(3)).
				WillReturnResult(pgxmock.NewResult("UPDATE", 0))
			mock.ExpectQuery("SELECT version, status FROM orders").
				WithArgs("o1").
				WillReturnRows(tc.rows)

			err := store.SaveOrder(context.Background(), o)
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, int64(3), o.Version, "version only moves on success")
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresGetOrderUsesColumnVersion(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT data, version FROM orders").
		WithArgs("o1").
		WillReturnRows(pgxmock.NewRows([]string{"data", "version"}).
			AddRow([]byte(`{"id":"o1","currency":"USD","status":"cart","version":1,"lineItems":[]}`), int64(6)))

	o, err := store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, int64(6), o.Version)
	require.Equal(t, order.StatusCart, o.Status)

	mock.ExpectQuery("SELECT data, version FROM orders").
		WithArgs("c9").
		WillReturnRows(pgxmock.NewRows([]string{"data", "version"}))
	_, err = store.FindCart(context.Background(), "c9")
	require.ErrorIs(t, err, order.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertEvent(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO domain_events").
		WithArgs("8f7c3a52-1c1d-4a53-9a57-58d3c1f0b8a1", events.TopicOrderCompleted, "o1", []byte("{}"), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.InsertEvent(context.Background(), events.Event{
		ID: "8f7c3a52-1c1d-4a53-9a57-58d3c1f0b8a1", Topic: events.TopicOrderCompleted, AggregateID: "o1", OccurredAt: at,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUsageReserve(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	usage := repo.PostgresUsage{DB: mock}
	d := discount.Discount{ID: 7, TotalUseLimit: 10, PerUserLimit: 1}
	keys := []string{"pricing:coupon:7:total", "pricing:coupon:7:user:c1"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO coupon_usage").WithArgs(keys[0]).WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT uses FROM coupon_usage").WithArgs(keys[0]).WillReturnRows(pgxmock.NewRows([]string{"uses"}).AddRow(3))
	mock.ExpectExec("INSERT INTO coupon_usage").WithArgs(keys[1]).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT uses FROM coupon_usage").WithArgs(keys[1]).WillReturnRows(pgxmock.NewRows([]string{"uses"}).AddRow(0))
	mock.ExpectExec("UPDATE coupon_usage SET uses").WithArgs(keys).WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	ok, err := usage.TryReserveUse(context.Background(), d, "c1", "")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUsageLimitReachedRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	usage := repo.PostgresUsage{DB: mock}
	d := discount.Discount{ID: 7, TotalUseLimit: 1}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO coupon_usage").WithArgs("pricing:coupon:7:total").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT uses FROM coupon_usage").WithArgs("pricing:coupon:7:total").WillReturnRows(pgxmock.NewRows([]string{"uses"}).AddRow(1))
	mock.ExpectRollback()

	ok, err := usage.TryReserveUse(context.Background(), d, "", "")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUsageCounts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	usage := repo.PostgresUsage{DB: mock}
	keys := []string{"pricing:coupon:7:total", "pricing:coupon:7:email:a@b.test"}

	mock.ExpectQuery("SELECT counter_key, uses FROM coupon_usage").
		WithArgs(keys).
		WillReturnRows(pgxmock.NewRows([]string{"counter_key", "uses"}).
			AddRow(keys[0], 4).
			AddRow(keys[1], 2))

	u, err := usage.Usage(context.Background(), discount.Discount{ID: 7}, "", " A@B.test ")
	require.NoError(t, err)
	require.Equal(t, discount.Usage{Total: 4, Email: 2}, u)

	mock.ExpectExec("UPDATE coupon_usage SET uses").WithArgs(keys).WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	require.NoError(t, usage.ReleaseUse(context.Background(), discount.Discount{ID: 7}, "", "a@b.test"))
	require.NoError(t, mock.ExpectationsWereMet())
}
