package pricer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sniper/internal/services/chain"
)

var (
	// DefaultMaxFee is used when the network fee cannot be sampled.
	DefaultMaxFee = big.NewInt(100 * params.GWei)
	// DefaultPriorityFee is used when the network fee cannot be sampled.
	DefaultPriorityFee = big.NewInt(2 * params.GWei)

	basisPoints = big.NewInt(10_000)
)

type feeSource interface {
	FeeEstimate(ctx context.Context) (chain.FeeEstimate, error)
}

// GasPricer scales sampled network fees by a percentage multiplier.
type GasPricer struct {
	source feeSource
	logger *zap.Logger
}

// NewGasPricer creates a new GasPricer.
func NewGasPricer(source feeSource, logger *zap.Logger) *GasPricer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GasPricer{source: source, logger: logger}
}

// AdjustedFee returns max fee and priority fee multiplied by multiplierPercent/100.
// When sampling fails the conservative defaults are returned unscaled.
func (p *GasPricer) AdjustedFee(ctx context.Context, multiplierPercent decimal.Decimal) (maxFee, priority *big.Int) {
	fee, err := p.source.FeeEstimate(ctx)
	if err != nil || fee.MaxFee == nil || fee.Priority == nil {
		p.logger.Warn("fee estimate unavailable, using defaults",
			zap.Error(err),
			zap.String("max_fee", DefaultMaxFee.String()),
			zap.String("priority_fee", DefaultPriorityFee.String()))
		return new(big.Int).Set(DefaultMaxFee), new(big.Int).Set(DefaultPriorityFee)
	}

	return Scale(fee.MaxFee, multiplierPercent), Scale(fee.Priority, multiplierPercent)
}

// Scale multiplies fee by percent/100 in integer arithmetic. The percentage is
// rounded to two decimals and the product is truncated to whole wei.
func Scale(fee *big.Int, percent decimal.Decimal) *big.Int {
	if percent.IsNegative() {
		percent = decimal.Zero
	}
	bps := percent.Mul(decimal.NewFromInt(100)).Round(0).BigInt()
	out := new(big.Int).Mul(fee, bps)
	return out.Quo(out, basisPoints)
}
