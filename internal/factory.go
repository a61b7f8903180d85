package internal

import (
	"go.uber.org/zap"

	"github.com/vadiminshakov/sniper/config"
	"github.com/vadiminshakov/sniper/internal/services/chain"
	"github.com/vadiminshakov/sniper/internal/services/evaluator"
	"github.com/vadiminshakov/sniper/internal/services/pricer"
	"github.com/vadiminshakov/sniper/internal/services/prober"
	"github.com/vadiminshakov/sniper/internal/services/trader"
	"github.com/vadiminshakov/sniper/internal/storage/trades"
)

// NewTradingBotFromConfig builds the chain-backed pipeline for conf.
func NewTradingBotFromConfig(conf config.Config, settings *config.Store, ledger *trades.Ledger, logger *zap.Logger) *TradingBot {
	gateway := chain.NewGateway(chain.Options{
		URL:            conf.RPCURL,
		PrivateKey:     conf.PrivateKey,
		Factory:        conf.Factory,
		Router:         conf.Router,
		BaseToken:      conf.BaseToken,
		ConfirmTimeout: conf.ConfirmTimeout,
	}, logger.Named("chain"))

	gas := pricer.NewGasPricer(gateway, logger.Named("gas"))
	exec := trader.NewExecutor(gateway, gas, ledger, logger.Named("executor"))

	return NewTradingBot(
		gateway,
		evaluator.NewEvaluator(gateway, conf.BaseToken, logger.Named("evaluator")),
		exec,
		prober.NewProber(gateway, exec, logger.Named("prober")),
		pricer.NewRouterPricer(gateway),
		settings,
		conf.BaseToken,
		conf.Workers,
		logger,
	)
}
