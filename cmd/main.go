// Command sniper watches a DEX factory for new pools, buys viable tokens and
// sells them once the configured profit is reached.
//
// Usage:
//
//	sniper -config config.yaml [-autostart]
//	sniper -setup (interactive configuration wizard)
//
// Required environment variables (or a .env file):
//
//	PRIVATE_KEY  wallet key, hex with optional 0x prefix
//	RPC_URL      overrides network.rpc_url from the config
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/sniper/config"
	"github.com/vadiminshakov/sniper/internal"
	"github.com/vadiminshakov/sniper/internal/setup"
	"github.com/vadiminshakov/sniper/internal/storage/logs"
	"github.com/vadiminshakov/sniper/internal/storage/trades"
	"github.com/vadiminshakov/sniper/internal/web"
)

func main() {
	conf, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	if conf.RunSetup {
		if err := setup.RunTUI(conf.Path); err != nil {
			log.Fatal(err)
		}
		autostart := conf.AutoStart
		if conf, err = config.Load(conf.Path); err != nil {
			log.Fatal(err)
		}
		conf.AutoStart = autostart
	}

	logStore, err := logs.Open(conf.Settings.LogDir)
	if err != nil {
		log.Fatal(err)
	}
	defer logStore.Close()

	logger, err := newLogger(logStore)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ledger, err := trades.Open(conf.Settings.LedgerDSN, logger.Named("ledger"))
	if err != nil {
		logger.Fatal("failed to open trade ledger", zap.Error(err))
	}
	defer ledger.Close()

	settings := config.NewStore(conf, logger.Named("settings"))
	bot := internal.NewTradingBotFromConfig(conf, settings, ledger, logger.Named("bot"))
	server := web.NewServer(conf.HTTPAddr, bot, settings, ledger, logStore, logger.Named("web"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("sniper configured", zap.Stringer("config", conf))

	if conf.AutoStart {
		if err := bot.Start(ctx); err != nil {
			logger.Error("bot did not start, retry with POST /api/start", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return bot.Stop()
	})

	if err := g.Wait(); err != nil {
		logger.Error("shutdown with error", zap.Error(err))
	}
	logger.Info("bye")
}

// newLogger tees the production console output into the log store.
func newLogger(store *logs.Store) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	console, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	core := zapcore.NewTee(console.Core(), logs.NewCore(store, level))
	return zap.New(core, zap.AddCaller()), nil
}
