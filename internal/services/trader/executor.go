// Package trader submits swaps through the router and records them in the ledger.
package trader

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sniper/config"
	"github.com/vadiminshakov/sniper/internal/domain"
	"github.com/vadiminshakov/sniper/internal/services/chain"
)

const (
	buyGasLimit     = 300_000
	sellGasLimit    = 300_000
	approveGasLimit = 100_000

	baseDecimals = 18
	gweiDecimals = 9
)

type chainWriter interface {
	Wallet() common.Address
	Router() common.Address
	BaseToken() common.Address
	AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error)
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Submit(ctx context.Context, call chain.CallSpec) (*types.Receipt, error)
}

type gasPricer interface {
	AdjustedFee(ctx context.Context, multiplierPercent decimal.Decimal) (maxFee, priority *big.Int)
}

type tradeRecorder interface {
	InsertTrade(ctx context.Context, trade *domain.Trade) error
}

// Executor buys and sells candidate tokens against the base asset.
type Executor struct {
	chain  chainWriter
	gas    gasPricer
	ledger tradeRecorder
	logger *zap.Logger
	now    func() time.Time
}

// NewExecutor creates a new Executor.
func NewExecutor(chain chainWriter, gas gasPricer, ledger tradeRecorder, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{chain: chain, gas: gas, ledger: ledger, logger: logger, now: time.Now}
}

// Buy swaps s.SwapAmount of the base asset for token and records the trade.
// Nothing is recorded unless the swap confirms.
func (e *Executor) Buy(ctx context.Context, s config.Settings, pool, token common.Address) (*domain.Trade, error) {
	logger := e.logger.With(zap.String("token", token.Hex()), zap.String("pool", pool.Hex()))

	amountIn := s.SwapAmount.Shift(baseDecimals).BigInt()
	if amountIn.Sign() <= 0 {
		return nil, domain.Errorf(domain.KindTransaction, "swap amount must be positive")
	}

	pair := domain.Pair{Base: e.chain.BaseToken(), Token: token}
	minOut := new(big.Int)
	if s.EnforceSlippage {
		amounts, err := e.chain.AmountsOut(ctx, amountIn, pair.BuyPath())
		if err != nil {
			return nil, domain.Wrap(domain.KindTransaction, err, "quote buy")
		}
		minOut = withSlippage(amounts[len(amounts)-1], s.SlippageTolerance)
	}

	maxFee, priority := e.gas.AdjustedFee(ctx, s.GasMultiplier)
	if limit := s.MaxGasPrice.Shift(gweiDecimals).BigInt(); limit.Sign() > 0 && maxFee.Cmp(limit) > 0 {
		return nil, domain.Errorf(domain.KindTransaction, "max fee %s wei exceeds max gas price %s gwei", maxFee, s.MaxGasPrice)
	}

	data, err := chain.PackSwapExactETHForTokens(minOut, pair.BuyPath(), e.chain.Wallet(), e.deadline(s))
	if err != nil {
		return nil, domain.Wrap(domain.KindTransaction, err, "pack buy")
	}

	logger.Info("submitting buy",
		zap.String("amount_in", s.SwapAmount.String()),
		zap.String("min_out", minOut.String()),
		zap.String("max_fee", maxFee.String()))

	receipt, err := e.chain.Submit(ctx, chain.CallSpec{
		To:       e.chain.Router(),
		Data:     data,
		Value:    amountIn,
		GasLimit: buyGasLimit,
		MaxFee:   maxFee,
		Priority: priority,
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindTransaction, err, "buy")
	}

	trade := &domain.Trade{
		Timestamp:  e.now(),
		Token:      token,
		Pool:       pool,
		BaseAmount: s.SwapAmount,
		TxHash:     receipt.TxHash,
		Direction:  domain.DirectionBuy,
	}
	if balance, err := e.chain.BalanceOf(ctx, token, e.chain.Wallet()); err == nil {
		trade.TokenAmount = balance
	} else {
		logger.Warn("failed to read balance after buy", zap.Error(err))
	}

	e.record(ctx, logger, trade)
	return trade, nil
}

// Sell swaps the whole wallet balance of the position's token back to the base asset,
// approving the router first when needed.
func (e *Executor) Sell(ctx context.Context, s config.Settings, pos *domain.Position) (*domain.Trade, error) {
	logger := e.logger.With(zap.String("token", pos.Token.Hex()), zap.String("position", pos.ID))

	balance, err := e.chain.BalanceOf(ctx, pos.Token, e.chain.Wallet())
	if err != nil {
		return nil, domain.Wrap(domain.KindTransaction, err, "read token balance")
	}
	if balance.Sign() <= 0 {
		return nil, domain.Wrap(domain.KindTransaction, domain.ErrNothingToSell, pos.Token.Hex())
	}

	if err := e.EnsureAllowance(ctx, s, pos.Token, balance); err != nil {
		return nil, err
	}

	pair := pos.Pair(e.chain.BaseToken())
	var expected *big.Int
	if amounts, err := e.chain.AmountsOut(ctx, balance, pair.SellPath()); err == nil {
		expected = amounts[len(amounts)-1]
	} else {
		logger.Warn("failed to quote sell", zap.Error(err))
	}

	minOut := new(big.Int)
	if s.EnforceSlippage {
		if expected == nil {
			return nil, domain.Errorf(domain.KindTransaction, "cannot derive minimum output without a quote")
		}
		minOut = withSlippage(expected, s.SlippageTolerance)
	}

	data, err := chain.PackSwapExactTokensForETH(balance, minOut, pair.SellPath(), e.chain.Wallet(), e.deadline(s))
	if err != nil {
		return nil, domain.Wrap(domain.KindTransaction, err, "pack sell")
	}

	maxFee, priority := e.gas.AdjustedFee(ctx, s.GasMultiplier)
	logger.Info("submitting sell",
		zap.String("amount", balance.String()),
		zap.String("min_out", minOut.String()))

	receipt, err := e.chain.Submit(ctx, chain.CallSpec{
		To:       e.chain.Router(),
		Data:     data,
		GasLimit: sellGasLimit,
		MaxFee:   maxFee,
		Priority: priority,
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindTransaction, err, "sell")
	}

	received, ok := chain.WithdrawnAmount(receipt, e.chain.BaseToken(), e.chain.Router())
	if !ok {
		received = expected
	}
	if received == nil {
		received = new(big.Int)
	}

	trade := &domain.Trade{
		Timestamp:   e.now(),
		Token:       pos.Token,
		Pool:        pos.Pool,
		BaseAmount:  decimal.NewFromBigInt(received, -baseDecimals),
		TokenAmount: balance,
		TxHash:      receipt.TxHash,
		Direction:   domain.DirectionSell,
	}

	e.record(ctx, logger, trade)
	return trade, nil
}

// EnsureAllowance approves the router for the maximum amount when its allowance is below amount
// and waits for the approval to confirm.
func (e *Executor) EnsureAllowance(ctx context.Context, s config.Settings, token common.Address, amount *big.Int) error {
	router := e.chain.Router()
	allowance, err := e.chain.Allowance(ctx, token, e.chain.Wallet(), router)
	if err != nil {
		return domain.Wrap(domain.KindTransaction, err, "read allowance")
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	data, err := chain.PackApprove(router, math.MaxBig256)
	if err != nil {
		return domain.Wrap(domain.KindTransaction, err, "pack approve")
	}

	maxFee, priority := e.gas.AdjustedFee(ctx, s.GasMultiplier)
	receipt, err := e.chain.Submit(ctx, chain.CallSpec{
		To:       token,
		Data:     data,
		GasLimit: approveGasLimit,
		MaxFee:   maxFee,
		Priority: priority,
	})
	if err != nil {
		return domain.Wrap(domain.KindTransaction, err, "approve router")
	}

	e.logger.Info("router approved",
		zap.String("token", token.Hex()),
		zap.String("tx", receipt.TxHash.Hex()))
	return nil
}

func (e *Executor) deadline(s config.Settings) *big.Int {
	return big.NewInt(e.now().Add(s.DeadlineBuffer).Unix())
}

func (e *Executor) record(ctx context.Context, logger *zap.Logger, trade *domain.Trade) {
	if err := e.ledger.InsertTrade(ctx, trade); err != nil {
		logger.Error("failed to record trade", zap.String("tx", trade.TxHash.Hex()), zap.Error(err))
		return
	}
	logger.Info("trade recorded",
		zap.String("direction", trade.Direction.String()),
		zap.String("tx", trade.TxHash.Hex()),
		zap.String("base_amount", trade.BaseAmount.String()))
}

// withSlippage returns quote reduced by tolerancePercent.
func withSlippage(quote *big.Int, tolerancePercent decimal.Decimal) *big.Int {
	keep := decimal.NewFromInt(100).Sub(tolerancePercent)
	if keep.IsNegative() {
		return new(big.Int)
	}
	bps := keep.Mul(decimal.NewFromInt(100)).Round(0).BigInt()
	out := new(big.Int).Mul(quote, bps)
	return out.Quo(out, big.NewInt(10_000))
}
