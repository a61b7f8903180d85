package trader

import (
	"bytes"
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sniper/config"
	"github.com/vadiminshakov/sniper/internal/domain"
	"github.com/vadiminshakov/sniper/internal/services/chain"
)

var (
	wallet = common.HexToAddress("0x000000000000000000000000000000000000a11e")
	router = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	weth   = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	token  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	pool   = common.HexToAddress("0x00000000000000000000000000000000000000bb")

	approveSelector = crypto.Keccak256([]byte("approve(address,uint256)"))[:4]
	buySelector     = crypto.Keccak256([]byte("swapExactETHForTokens(uint256,address[],address,uint256)"))[:4]
	sellSelector    = crypto.Keccak256([]byte("swapExactTokensForETHSupportingFeeOnTransferTokens(uint256,uint256,address[],address,uint256)"))[:4]
)

type mockChain struct {
	mu        sync.Mutex
	balance   *big.Int
	allowance *big.Int
	quote     *big.Int
	submitErr error
	hashes    []common.Hash
	submitted []chain.CallSpec
}

func (m *mockChain) Wallet() common.Address    { return wallet }
func (m *mockChain) Router() common.Address    { return router }
func (m *mockChain) BaseToken() common.Address { return weth }

func (m *mockChain) AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	if m.quote == nil {
		return nil, errors.New("execution reverted")
	}
	return []*big.Int{amountIn, m.quote}, nil
}

func (m *mockChain) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return m.balance, nil
}

func (m *mockChain) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return m.allowance, nil
}

func (m *mockChain) Submit(ctx context.Context, call chain.CallSpec) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	m.submitted = append(m.submitted, call)
	hash := common.BigToHash(big.NewInt(int64(len(m.submitted))))
	if len(m.hashes) >= len(m.submitted) {
		hash = m.hashes[len(m.submitted)-1]
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash}, nil
}

type mockGas struct{}

func (mockGas) AdjustedFee(ctx context.Context, multiplier decimal.Decimal) (*big.Int, *big.Int) {
	return big.NewInt(36_000_000_000), big.NewInt(2_400_000_000)
}

type memLedger struct {
	trades []*domain.Trade
	err    error
}

func (l *memLedger) InsertTrade(ctx context.Context, trade *domain.Trade) error {
	if l.err != nil {
		return l.err
	}
	l.trades = append(l.trades, trade)
	return nil
}

func (l *memLedger) count(d domain.Direction) int {
	n := 0
	for _, t := range l.trades {
		if t.Direction == d {
			n++
		}
	}
	return n
}

func newExecutor(c *mockChain, l *memLedger) *Executor {
	e := NewExecutor(c, mockGas{}, l, zap.NewNop())
	e.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return e
}

func TestExecutor_Buy(t *testing.T) {
	c := &mockChain{balance: big.NewInt(5_000), hashes: []common.Hash{common.HexToHash("0xabc")}}
	l := &memLedger{}
	s := config.DefaultSettings()

	trade, err := newExecutor(c, l).Buy(context.Background(), s, pool, token)
	require.NoError(t, err)

	assert.Equal(t, common.HexToHash("0xabc"), trade.TxHash)
	assert.Equal(t, domain.DirectionBuy, trade.Direction)
	assert.Equal(t, pool, trade.Pool)
	assert.True(t, s.SwapAmount.Equal(trade.BaseAmount))
	assert.Equal(t, big.NewInt(5_000), trade.TokenAmount)

	require.Len(t, l.trades, 1)
	assert.Equal(t, common.HexToHash("0xabc"), l.trades[0].TxHash)
	assert.Equal(t, 1, l.count(domain.DirectionBuy))
	assert.Zero(t, l.count(domain.DirectionSell))

	require.Len(t, c.submitted, 1)
	call := c.submitted[0]
	assert.Equal(t, router, call.To)
	assert.Equal(t, "100000000000000000", call.Value.String())
	assert.Equal(t, uint64(buyGasLimit), call.GasLimit)
	assert.True(t, bytes.HasPrefix(call.Data, buySelector))
	assert.Equal(t, int64(36_000_000_000), call.MaxFee.Int64())
}

func TestExecutor_Buy_FailureRecordsNothing(t *testing.T) {
	c := &mockChain{submitErr: domain.Errorf(domain.KindTransaction, "transaction 0xdef reverted")}
	l := &memLedger{}

	trade, err := newExecutor(c, l).Buy(context.Background(), config.DefaultSettings(), pool, token)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransaction)
	assert.Nil(t, trade)
	assert.Empty(t, l.trades)
}

func TestExecutor_Buy_MaxGasPrice(t *testing.T) {
	c := &mockChain{}
	l := &memLedger{}
	s := config.DefaultSettings()
	s.MaxGasPrice = decimal.NewFromInt(30)

	_, err := newExecutor(c, l).Buy(context.Background(), s, pool, token)
	assert.ErrorIs(t, err, domain.ErrTransaction)
	assert.Empty(t, c.submitted)

	s.MaxGasPrice = decimal.Zero
	_, err = newExecutor(c, l).Buy(context.Background(), s, pool, token)
	assert.NoError(t, err)
}

func TestExecutor_Buy_Slippage(t *testing.T) {
	s := config.DefaultSettings()
	s.EnforceSlippage = true

	_, err := newExecutor(&mockChain{}, &memLedger{}).Buy(context.Background(), s, pool, token)
	assert.ErrorIs(t, err, domain.ErrTransaction, "no quote means no minimum")

	c := &mockChain{quote: big.NewInt(1_000_000)}
	_, err = newExecutor(c, &memLedger{}).Buy(context.Background(), s, pool, token)
	require.NoError(t, err)
	require.Len(t, c.submitted, 1)
}

func TestExecutor_Sell_ApprovesFirst(t *testing.T) {
	c := &mockChain{balance: big.NewInt(1_000), allowance: big.NewInt(10), quote: big.NewInt(2e17)}
	l := &memLedger{}
	pos := &domain.Position{ID: "p1", Token: token, Pool: pool}

	trade, err := newExecutor(c, l).Sell(context.Background(), config.DefaultSettings(), pos)
	require.NoError(t, err)

	require.Len(t, c.submitted, 2)
	assert.Equal(t, token, c.submitted[0].To)
	assert.True(t, bytes.HasPrefix(c.submitted[0].Data, approveSelector))
	assert.Equal(t, uint64(approveGasLimit), c.submitted[0].GasLimit)
	assert.Equal(t, router, c.submitted[1].To)
	assert.True(t, bytes.HasPrefix(c.submitted[1].Data, sellSelector))
	assert.Equal(t, uint64(sellGasLimit), c.submitted[1].GasLimit)

	assert.Equal(t, domain.DirectionSell, trade.Direction)
	assert.True(t, decimal.RequireFromString("0.2").Equal(trade.BaseAmount), "got %s", trade.BaseAmount)
	assert.Equal(t, big.NewInt(1_000), trade.TokenAmount)
	assert.Equal(t, 1, l.count(domain.DirectionSell))
}

func TestExecutor_Sell_SufficientAllowance(t *testing.T) {
	c := &mockChain{balance: big.NewInt(1_000), allowance: big.NewInt(1_000)}
	l := &memLedger{}

	trade, err := newExecutor(c, l).Sell(context.Background(), config.DefaultSettings(), &domain.Position{Token: token})
	require.NoError(t, err)
	require.Len(t, c.submitted, 1)
	assert.True(t, trade.BaseAmount.IsZero(), "no quote and no withdrawal log")
}

func TestExecutor_Sell_NoBalance(t *testing.T) {
	c := &mockChain{balance: big.NewInt(0), allowance: big.NewInt(0)}
	l := &memLedger{}

	_, err := newExecutor(c, l).Sell(context.Background(), config.DefaultSettings(), &domain.Position{Token: token})
	assert.ErrorIs(t, err, domain.ErrTransaction)
	assert.ErrorIs(t, err, domain.ErrNothingToSell)
	assert.Empty(t, c.submitted)
	assert.Empty(t, l.trades)
}

func TestExecutor_LedgerFailureKeepsTrade(t *testing.T) {
	c := &mockChain{balance: big.NewInt(1)}
	l := &memLedger{err: errors.New("disk full")}

	trade, err := newExecutor(c, l).Buy(context.Background(), config.DefaultSettings(), pool, token)
	require.NoError(t, err)
	assert.NotNil(t, trade)
}

func TestWithSlippage(t *testing.T) {
	tests := []struct {
		quote     int64
		tolerance string
		want      int64
	}{
		{10_000, "5", 9_500},
		{10_000, "0", 10_000},
		{10_000, "100", 0},
		{10_000, "0.5", 9_950},
		{999, "1", 989},
		{10_000, "150", 0},
	}
	for _, tt := range tests {
		got := withSlippage(big.NewInt(tt.quote), decimal.RequireFromString(tt.tolerance))
		assert.Equal(t, tt.want, got.Int64(), "quote %d tolerance %s", tt.quote, tt.tolerance)
	}
}
