package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/GooferByte/portfolio-ledger/internal/background"
	"github.com/GooferByte/portfolio-ledger/internal/config"
	"github.com/GooferByte/portfolio-ledger/internal/http"
	"github.com/GooferByte/portfolio-ledger/internal/importer"
	"github.com/GooferByte/portfolio-ledger/internal/jobs"
	"github.com/GooferByte/portfolio-ledger/internal/logger"
	"github.com/GooferByte/portfolio-ledger/internal/pricing"
	"github.com/GooferByte/portfolio-ledger/internal/repository"
	"github.com/GooferByte/portfolio-ledger/internal/repository/memory"
	"github.com/GooferByte/portfolio-ledger/internal/repository/postgres"
	"github.com/GooferByte/portfolio-ledger/internal/repository/rediscache"
	"github.com/GooferByte/portfolio-ledger/internal/service"
)

const (
	backgroundTimeout = 5 * time.Second
	jobTimeout        = 2 * time.Minute
	priceRetention    = 24 * time.Hour
	mostViewedRefresh = 50
	shutdownTimeout   = 10 * time.Second
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store repository.Store
	if cfg.UseInMemoryStore {
		log.Warn("DATABASE_URL not set, using in-memory store. Data will reset on restart.")
		store = memory.New()
	} else {
		db, err := sql.Open("postgres", cfg.DBURL)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to postgres")
		}
		if err := db.PingContext(ctx); err != nil {
			log.WithError(err).Fatal("postgres ping failed")
		}
		defer db.Close()
		pg := postgres.New(db)
		if err := pg.Migrate(ctx); err != nil {
			log.WithError(err).Fatal("postgres migration failed")
		}
		store = pg
		log.Info("connected to postgres")
	}

	var prices repository.PriceRepository = store
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("redis ping failed")
		}
		defer rdb.Close()
		prices = rediscache.NewPriceStore(rdb, priceRetention)
		log.Info("price cache backed by redis")
	}

	var source pricing.Source = pricing.NewSimulatedSource()
	if cfg.PriceSourceURL != "" {
		source = pricing.NewHTTPSource(cfg.PriceSourceURL, cfg.PriceFetchTimeout, cfg.PriceSourceRPS, log)
		log.WithField("url", cfg.PriceSourceURL).Info("using http price source")
	} else {
		log.Warn("PRICE_SOURCE_URL not set, using simulated prices")
	}

	bg := background.NewRunner(backgroundTimeout, log)
	cache := pricing.NewCache(prices, source, cfg.PriceTTL, bg, log)
	tracker := service.NewMissingISINTracker(store, bg)
	portfolioSvc := service.NewPortfolioService(store, importer.NewParser(), cfg.ReconciliationTTL, log)
	valuationSvc := service.NewValuationService(store, cache, tracker, log)

	registry := jobs.NewRegistry()
	registry.Register(jobs.NewPriceRefreshJob(store, prices, cache, mostViewedRefresh, log))

	var scheduler *jobs.Scheduler
	if cfg.RefreshSchedule != "" {
		scheduler = jobs.NewScheduler(registry, jobTimeout, log)
		if err := scheduler.AddJob(cfg.RefreshSchedule, jobs.PriceRefreshJobName); err != nil {
			log.WithError(err).Fatal("invalid PRICE_REFRESH_SCHEDULE")
		}
		scheduler.Start()
		log.WithField("schedule", cfg.RefreshSchedule).Info("price refresh scheduled")
	}

	router := http.Router(http.Services{
		Portfolio: portfolioSvc,
		Valuation: valuationSvc,
		Prices:    cache,
		Missing:   tracker,
		Jobs:      registry,
	}, log)

	srv := &nethttp.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("portfolio ledger service listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			log.WithError(err).Error("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	shutdown(srv, scheduler, bg, log)
}

func shutdown(srv *nethttp.Server, scheduler *jobs.Scheduler, bg *background.Runner, log *logrus.Logger) {
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	bg.Wait()
}
