package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/cyclebot/config"
	"github.com/vadiminshakov/cyclebot/internal/domain"
	"github.com/vadiminshakov/cyclebot/internal/logger"
	"github.com/vadiminshakov/cyclebot/internal/metrics"
	"github.com/vadiminshakov/cyclebot/internal/services/cycle"
	"github.com/vadiminshakov/cyclebot/internal/services/engine"
	"github.com/vadiminshakov/cyclebot/internal/services/exchange"
	"github.com/vadiminshakov/cyclebot/internal/services/guard"
	"github.com/vadiminshakov/cyclebot/internal/storage"
	"github.com/vadiminshakov/cyclebot/internal/storage/decisions"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Get()
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("failed to get configuration", zap.Error(err))
	}

	l := logger.New(cfg.Log)
	defer l.Sync()

	apikey := os.Getenv("APIKEY")
	if len(apikey) == 0 {
		l.Fatal("APIKEY env is not set")
	}
	secretkey := os.Getenv("SECRETKEY")
	if len(secretkey) == 0 {
		l.Fatal("SECRETKEY env is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l, apikey, secretkey); err != nil && err != context.Canceled {
		l.Fatal("bot stopped with error", zap.Error(err))
	}
	l.Info("bot stopped")
}

func run(ctx context.Context, cfg config.Config, l *zap.Logger, apikey, secretkey string) error {
	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	tx := storage.NewTxManager(store, l, cfg.TransactionTimeout)
	m := metrics.New()

	// roll back order intents left pending by a previous crash before any
	// new state is derived from the database
	recovered, err := tx.RecoverIncompleteTransactions(ctx, cfg.BotID)
	if err != nil {
		return err
	}
	if recovered > 0 {
		m.ObserveRecoveries(recovered)
		l.Warn("startup recovery rolled back incomplete order intents",
			zap.Int("count", recovered))
	}

	manager := cycle.NewManager(store, tx, l, cycle.Config{
		BotID:          cfg.BotID,
		InitialCapital: cfg.InitialCapital,
		MaxPurchases:   cfg.MaxPurchases,
		MinBuyUSDT:     cfg.MinBuyUSDT,
		RetryPolicy: storage.RetryPolicy{
			MaxRetries:        cfg.MaxRetries,
			Delay:             cfg.RetryBackoff,
			BackoffMultiplier: 2.0,
		},
	})

	c, err := manager.Initialize(ctx)
	if err != nil {
		return err
	}
	m.ObserveCycle(c)

	ex := exchange.NewBinanceClient(apikey, secretkey)
	if err := ex.Ping(ctx); err != nil {
		return err
	}

	g := guard.New(store, tx, ex, l, guard.Config{
		BotID:          cfg.BotID,
		Pair:           cfg.Pair,
		DriftThreshold: cfg.DriftThreshold,
		MaxPurchases:   cfg.MaxPurchases,
		MinBuyUSDT:     cfg.MinBuyUSDT,
	})

	journal, err := decisions.NewJournal(cfg.WALDir)
	if err != nil {
		return err
	}
	defer journal.Close()

	eng := engine.New(manager, g, ex, tx, journal, m, l, engine.Config{
		BotID:          cfg.BotID,
		Pair:           cfg.Pair,
		CandleInterval: cfg.CandleInterval,
		Trigger: domain.TriggerConfig{
			DropPercent:         cfg.DropPercent,
			RisePercent:         cfg.RisePercent,
			DriftThreshold:      cfg.DriftThreshold,
			MinBuyUSDT:          cfg.MinBuyUSDT,
			ExchangeMinNotional: cfg.ExchangeMinNotional,
			MaxPurchases:        cfg.MaxPurchases,
		},
		DriftCheckInterval: cfg.DriftCheckInterval,
	})

	group, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		group.Go(func() error {
			l.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		return eng.Run(ctx, cfg.PollPriceInterval)
	})

	return group.Wait()
}
