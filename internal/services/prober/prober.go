// Package prober detects tokens that cannot be sold by simulating a sell.
package prober

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sniper/config"
	"github.com/vadiminshakov/sniper/internal/domain"
	"github.com/vadiminshakov/sniper/internal/services/chain"
)

const probeDeadline = 20 * time.Minute

type chainSimulator interface {
	Wallet() common.Address
	Router() common.Address
	BaseToken() common.Address
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	EstimateGas(ctx context.Context, call chain.CallSpec) (uint64, error)
}

type approver interface {
	EnsureAllowance(ctx context.Context, s config.Settings, token common.Address, amount *big.Int) error
}

// Result is the classification of a token.
type Result struct {
	Sellable bool
	Reason   string
	Gas      uint64
}

// Prober estimates gas for selling half of the held balance without broadcasting.
type Prober struct {
	chain    chainSimulator
	approver approver
	logger   *zap.Logger
	now      func() time.Time
}

// NewProber creates a new Prober.
func NewProber(chain chainSimulator, approver approver, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{chain: chain, approver: approver, logger: logger, now: time.Now}
}

// Probe classifies token. A failed simulation is a honeypot signal and is reported
// in the result; only failures to set up the simulation are returned as errors.
func (p *Prober) Probe(ctx context.Context, s config.Settings, token common.Address) (Result, error) {
	logger := p.logger.With(zap.String("token", token.Hex()))
	wallet := p.chain.Wallet()

	balance, err := p.chain.BalanceOf(ctx, token, wallet)
	if err != nil {
		return Result{}, domain.Wrap(domain.KindSafetyProbe, err, "read token balance")
	}
	if balance.Sign() <= 0 {
		logger.Warn("token balance is zero, treating as honeypot")
		return Result{Reason: "zero balance"}, nil
	}

	if err := p.approver.EnsureAllowance(ctx, s, token, balance); err != nil {
		return Result{}, domain.Wrap(domain.KindSafetyProbe, err, "approve router for probe")
	}

	amount := new(big.Int).Rsh(balance, 1)
	if amount.Sign() == 0 {
		amount = balance
	}
	pair := domain.Pair{Base: p.chain.BaseToken(), Token: token}
	deadline := big.NewInt(p.now().Add(probeDeadline).Unix())

	data, err := chain.PackSwapExactTokensForETH(amount, new(big.Int), pair.SellPath(), wallet, deadline)
	if err != nil {
		return Result{}, domain.Wrap(domain.KindSafetyProbe, err, "pack probe sell")
	}

	gas, err := p.chain.EstimateGas(ctx, chain.CallSpec{To: p.chain.Router(), Data: data})
	if err != nil {
		probeErr := domain.Wrap(domain.KindSafetyProbe, err, "simulate sell")
		logger.Warn("sell simulation failed, token is a honeypot", zap.Error(probeErr))
		return Result{Reason: probeErr.Error()}, nil
	}

	logger.Info("token is sellable", zap.Uint64("estimated_gas", gas))
	return Result{Sellable: true, Gas: gas}, nil
}
