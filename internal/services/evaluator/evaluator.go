// Package evaluator decides whether a newly created pool is worth trading.
package evaluator

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sniper/config"
	"github.com/vadiminshakov/sniper/internal/domain"
)

// baseDecimals of the wrapped native base asset.
const baseDecimals = 18

type chainReader interface {
	HasCode(ctx context.Context, addr common.Address) (bool, error)
	PoolTokens(ctx context.Context, pool common.Address) (common.Address, common.Address, error)
	Reserves(ctx context.Context, pool common.Address) (*big.Int, *big.Int, error)
}

// Verdict is the outcome of evaluating a pool.
type Verdict struct {
	Viable bool
	// Candidate the non-base token of the pool, zero if the pool has no base side.
	Candidate   common.Address
	Reason      string
	BaseReserve *big.Int
}

// Evaluator runs the pool gates in order. It only reads from the chain.
type Evaluator struct {
	chain  chainReader
	base   common.Address
	logger *zap.Logger
}

// NewEvaluator creates a new Evaluator for pools paired with base.
func NewEvaluator(chain chainReader, base common.Address, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{chain: chain, base: base, logger: logger}
}

// Evaluate applies the gates to ev with the given settings snapshot. The first failing
// gate rejects the pool; read failures reject it as well and are never returned.
func (e *Evaluator) Evaluate(ctx context.Context, s config.Settings, ev domain.PoolCreatedEvent) Verdict {
	logger := e.logger.With(zap.String("pool", ev.Pool.Hex()))

	candidate, ok := ev.Candidate(e.base)
	if !ok {
		return e.reject(logger, Verdict{}, "pool does not include base asset")
	}
	v := Verdict{Candidate: candidate}
	logger = logger.With(zap.String("token", candidate.Hex()))

	deployed, err := e.chain.HasCode(ctx, ev.Pool)
	if err != nil {
		return e.fail(logger, v, domain.Wrap(domain.KindEvaluation, err, "check pool code"))
	}
	if !deployed {
		return e.reject(logger, v, "no contract deployed at pool address")
	}

	token0, token1, err := e.chain.PoolTokens(ctx, ev.Pool)
	if err != nil {
		return e.fail(logger, v, domain.Wrap(domain.KindEvaluation, err, "read pool tokens"))
	}
	if token0 != ev.Token0 || token1 != ev.Token1 {
		logger.Warn("pool tokens differ from event",
			zap.String("event_token0", ev.Token0.Hex()), zap.String("event_token1", ev.Token1.Hex()),
			zap.String("pool_token0", token0.Hex()), zap.String("pool_token1", token1.Hex()))
		return e.reject(logger, v, "pool token mismatch")
	}

	reserve0, reserve1, err := e.chain.Reserves(ctx, ev.Pool)
	if err != nil {
		return e.fail(logger, v, domain.Wrap(domain.KindEvaluation, err, "read reserves"))
	}
	v.BaseReserve = reserve1
	if token0 == e.base {
		v.BaseReserve = reserve0
	}

	minimum := s.MinBaseReserve.Shift(baseDecimals).BigInt()
	if v.BaseReserve.Cmp(minimum) < 0 {
		logger.Info("insufficient base reserve",
			zap.String("reserve", v.BaseReserve.String()),
			zap.String("minimum", minimum.String()))
		return e.reject(logger, v, "base reserve below minimum")
	}

	if s.Denied(candidate) {
		return e.reject(logger, v, "token is deny-listed")
	}
	if !s.Allowed(candidate) {
		return e.reject(logger, v, "token is not allow-listed")
	}

	v.Viable = true
	logger.Info("pool is viable", zap.String("base_reserve", v.BaseReserve.String()))
	return v
}

func (e *Evaluator) reject(logger *zap.Logger, v Verdict, reason string) Verdict {
	v.Viable = false
	v.Reason = reason
	logger.Info("pool rejected", zap.String("reason", reason))
	return v
}

func (e *Evaluator) fail(logger *zap.Logger, v Verdict, err error) Verdict {
	v.Viable = false
	v.Reason = err.Error()
	logger.Warn("pool evaluation failed", zap.Error(err))
	return v
}
