package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-pricing/internal/cart"
	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/config"
	"github.com/noah-isme/toko-pricing/internal/discount"
	"github.com/noah-isme/toko-pricing/internal/events"
	"github.com/noah-isme/toko-pricing/internal/lineitem"
	"github.com/noah-isme/toko-pricing/internal/lock"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/order"
	"github.com/noah-isme/toko-pricing/internal/pricing"
	"github.com/noah-isme/toko-pricing/internal/repo"
	"github.com/noah-isme/toko-pricing/internal/shipping"
)

type options struct {
	orderID     string
	migrate     bool
	save        bool
	withOptions bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("reprice", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.orderID, "order", "", "id of the order to recalculate")
	fs.BoolVar(&opts.migrate, "migrate", false, "apply database migrations first")
	fs.BoolVar(&opts.save, "save", false, "re-snapshot line items and save the recalculated order")
	fs.BoolVar(&opts.withOptions, "shipping-options", false, "also list every viable shipping option")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.orderID == "" && !opts.migrate {
		return options{}, errors.New("either -order or -migrate is required")
	}
	return opts, nil
}

// report is the JSON document printed for a recalculated order.
type report struct {
	OrderID         string             `json:"orderId"`
	Version         int64              `json:"version"`
	Saved           bool               `json:"saved"`
	Totals          order.Totals       `json:"totals"`
	Adjustments     []order.Adjustment `json:"adjustments"`
	Notices         []order.Notice     `json:"notices,omitempty"`
	ShippingOptions []shipping.Option  `json:"shippingOptions,omitempty"`
}

func writeReport(w io.Writer, r report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger, os.Stdout); err != nil {
		logger.Error().Err(err).Str("order_id", opts.orderID).Msg("reprice failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger zerolog.Logger, stdout io.Writer) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if opts.migrate {
		if err := repo.Migrate(cfg.DatabaseURL, logger); err != nil {
			return err
		}
		if opts.orderID == "" {
			return nil
		}
	}

	if cfg.Obs.EnableTracing {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   "toko-reprice",
			Endpoint:      cfg.Obs.OTLPEndpoint,
			SamplingRatio: cfg.Obs.SamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}
	metrics := obs.NewPricingMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets), prometheus.DefaultRegisterer)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "toko-reprice"
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	store := repo.NewPostgres(pool)
	var (
		purchasables catalog.Repository = store
		usage        discount.UsageCounter
		locker       lock.Locker
	)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient := redis.NewClient(redisOpts)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
		if err := redisotel.InstrumentTracing(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		cached := catalog.NewCachedRepository(store, redisClient, cfg.CatalogCacheTTL)
		cached.Log = logger
		purchasables = cached
		usage = discount.RedisUsage{R: redisClient}
		locker = lock.RedisLocker{R: redisClient, RetryBackoff: cfg.OrderLockRetry, OnAcquire: metrics.ObserveLockWait}
	} else {
		logger.Warn().Msg("REDIS_URL not set: using database coupon counters and an in-process order lock")
		usage = repo.PostgresUsage{DB: pool}
		local := lock.NewLocalLocker()
		local.OnAcquire = metrics.ObserveLockWait
		locker = local
	}

	engine := &pricing.Engine{
		Discounts: store,
		Shipping:  store,
		Taxes:     store,
		Zones:     store,
		Usage:     usage,
		Rounding:  cfg.Rounding,
		Floor:     cfg.FloorStrategy,
		TaxBasis:  cfg.TaxAddress,
		Log:       logger,
		Metrics:   metrics,
		Tracer:    obs.Tracer(),
	}

	var priced *order.Order
	if opts.save {
		svc := &cart.Service{
			Store:   store,
			Catalog: purchasables,
			Populator: &lineitem.Populator{
				Prices:                    &catalog.Resolver{Rules: store, Rounding: cfg.Rounding},
				DefaultTaxCategoryID:      cfg.DefaultTaxCategoryID,
				DefaultShippingCategoryID: cfg.DefaultShippingCategoryID,
			},
			Engine:   engine,
			Locker:   locker,
			Events:   &events.Bus{Store: store, Notifiers: []events.Notifier{events.LogNotifier{Log: logger}}},
			Log:      logger,
			Currency: cfg.Currency,
			LockTTL:  cfg.OrderLockTTL,
		}
		priced, err = svc.Refresh(ctx, opts.orderID)
		if err != nil {
			return err
		}
	} else {
		current, err := store.GetOrder(ctx, opts.orderID)
		if err != nil {
			return err
		}
		if current.IsCompleted() {
			// completed orders are frozen; report what was stored
			priced = current
		} else {
			res, err := engine.Recalculate(ctx, current)
			if err != nil {
				return err
			}
			priced = res.Order
		}
	}

	out := report{
		OrderID:     priced.ID,
		Version:     priced.Version,
		Saved:       opts.save,
		Totals:      priced.Totals,
		Adjustments: priced.Adjustments,
		Notices:     priced.Notices,
	}
	if opts.withOptions && !priced.IsCompleted() {
		out.ShippingOptions, err = engine.ShippingOptions(ctx, priced)
		if err != nil {
			return err
		}
	}
	return writeReport(stdout, out)
}
