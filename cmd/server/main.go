package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/optvault/vault-engine/internal/api"
	"github.com/optvault/vault-engine/internal/asset"
	"github.com/optvault/vault-engine/internal/catalogue"
	"github.com/optvault/vault-engine/internal/config"
	"github.com/optvault/vault-engine/internal/events"
	"github.com/optvault/vault-engine/internal/exposure"
	"github.com/optvault/vault-engine/internal/feed"
	"github.com/optvault/vault-engine/internal/hedging"
	"github.com/optvault/vault-engine/internal/logging"
	"github.com/optvault/vault-engine/internal/margin"
	"github.com/optvault/vault-engine/internal/metrics"
	"github.com/optvault/vault-engine/internal/pool"
	"github.com/optvault/vault-engine/internal/pricing"
	"github.com/optvault/vault-engine/internal/settlement"
	"github.com/optvault/vault-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger, flush := logging.New(cfg.App.IsProduction())
	defer flush()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("vault-engine exited", "err", err)
		flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.Postgres.URL != "" {
		db, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, db.Close)
		pg := store.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				return err
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	snap, err := st.Load(ctx)
	if err != nil {
		return err
	}
	if err := pool.Restorable(snap); err != nil {
		return fmt.Errorf("%w; settle open series and remove hedging reactors before restarting", err)
	}

	// --- Events ---
	hub := events.NewHub()
	go hub.Run(ctx)
	publishers := events.Multi{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() { kp.Close() })
		publishers = append(publishers, kp)
		slog.Info("Kafka publisher enabled", "topic", cfg.Kafka.Topic)
	}

	// --- Core ---
	pc := cfg.Pool
	collateral := asset.NewLedger("COLLATERAL")
	prices := pricing.NewManualPriceFeed()
	if cfg.Pricing.Spot.IsPositive() {
		prices.SetRate(pc.Underlying, pc.StrikeAsset, cfg.Pricing.Spot)
	}
	vols := pricing.NewVolatilityFeed(time.Now)
	engine := margin.NewMemoryEngine(collateral, prices, pc.Custody, time.Now)
	engine.SetCallMultiplier(pc.CallMultiplier)

	lp, err := pool.New(pool.Config{
		Address:          pc.Address,
		Governor:         pc.Governor,
		Underlying:       pc.Underlying,
		StrikeAsset:      pc.StrikeAsset,
		CollateralAsset:  pc.CollateralAsset,
		CollateralCap:    pc.CollateralCap,
		BufferPercentage: pc.BufferPercent,
		Keepers:          pc.Keepers,
		Handlers:         []common.Address{pc.SettlementAddress, pc.FeedAddress},
	}, collateral, engine, st, publishers)
	if err != nil {
		return err
	}
	lp.Load(snap)
	// The ledger stands in for the collateral token; the pool's holding is
	// rebuilt from the persisted balance.
	if bal := lp.State().CollateralBalance; bal.IsPositive() {
		if err := collateral.Mint(pc.Address, bal); err != nil {
			return err
		}
	}
	if pc.HedgingReactor != (common.Address{}) {
		reactor := hedging.NewSpotReactor(pc.HedgingReactor, pc.Address, pc.Underlying, pc.StrikeAsset, collateral, prices)
		if err := lp.SetHedgingReactor(ctx, pc.Governor, reactor); err != nil {
			return err
		}
		slog.Info("spot hedging reactor enabled", "reactor", pc.HedgingReactor.Hex())
	}

	exposures := exposure.NewLedger()
	exposures.Load(snap.Exposures)

	pricer, err := pricing.NewPricer(cfg.Pricing.Apply(pricing.DefaultConfig()), prices, vols, exposures, engine, nil)
	if err != nil {
		return err
	}

	pvf := feed.New(lp, pc.FeedAddress, pricer, prices, exposures, pc.Fulfillers)
	lp.SetFeed(pvf)

	cat := catalogue.New()
	eng := settlement.New(settlement.Config{
		Address:      pc.SettlementAddress,
		Router:       pc.Router,
		FeeRecipient: pc.FeeRecipient,
		OptionParams: cfg.Options.Params(),
	}, lp, collateral, cat, exposures, pricer)

	srv := api.New(api.Deps{
		Pool:       lp,
		Settlement: eng,
		Feed:       pvf,
		Catalogue:  cat,
		Exposures:  exposures,
		Collateral: collateral,
		Store:      st,
		Hub:        hub,
		Prices:     prices,
		Vols:       vols,
		Expiries:   engine,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"vault-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api/v1", srv.Routes)

	// --- Server ---
	httpSrv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("vault-engine listening",
			"port", cfg.Server.Port,
			"pool", pc.Address.Hex(),
			"deposit_epoch", lp.State().DepositEpoch,
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	slog.Info("shutting down vault-engine...")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("vault-engine stopped")
	return nil
}
