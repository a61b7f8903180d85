package monitor

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vadiminshakov/sniper/config"
	"github.com/vadiminshakov/sniper/internal/domain"
)

var (
	weth  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	token = common.HexToAddress("0x0000000000000000000000000000000000000abc")
)

type staticSettings struct {
	mu sync.Mutex
	s  config.Settings
}

func (f *staticSettings) Get() config.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s
}

func (f *staticSettings) set(fn func(*config.Settings)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.s)
}

func newSettings() *staticSettings {
	s := config.DefaultSettings()
	s.PollInterval = 2 * time.Millisecond
	s.ProfitThreshold = decimal.NewFromInt(5)
	return &staticSettings{s: s}
}

// scriptedPricer replays prices; a nil entry is a failed sample. After the script it blocks until ctx ends.
type scriptedPricer struct {
	mu     sync.Mutex
	prices []*decimal.Decimal
	calls  int
	called chan int
}

func newScriptedPricer(prices ...*decimal.Decimal) *scriptedPricer {
	return &scriptedPricer{prices: prices, called: make(chan int, 100)}
}

func (p *scriptedPricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()
	select {
	case p.called <- idx + 1:
	default:
	}

	if idx >= len(p.prices) {
		<-ctx.Done()
		return decimal.Decimal{}, ctx.Err()
	}
	if p.prices[idx] == nil {
		return decimal.Decimal{}, errors.New("rpc timeout")
	}
	return *p.prices[idx], nil
}

func (p *scriptedPricer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeSeller struct {
	mu    sync.Mutex
	calls int
	fails int
	err   error
}

func (s *fakeSeller) Sell(ctx context.Context, st config.Settings, pos *domain.Position) (*domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.calls <= s.fails {
		return nil, errors.New("execution reverted")
	}
	return &domain.Trade{Token: pos.Token, Direction: domain.DirectionSell, TxHash: common.HexToHash("0x5e11")}, nil
}

func (s *fakeSeller) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func price(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func position(t *testing.T) *domain.Position {
	t.Helper()
	buy := domain.Trade{Token: token, Direction: domain.DirectionBuy, Timestamp: time.Now()}
	pos, err := domain.NewPosition(buy, decimal.NewFromInt(100), big.NewInt(1000))
	require.NoError(t, err)
	return pos
}

func fastRetry(retries int) Option {
	return WithSellRetry(time.Millisecond, retries)
}

func waitCalls(t *testing.T, p *scriptedPricer, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-p.called:
			if c >= n {
				return
			}
		case <-deadline:
			t.Fatalf("pricer was called fewer than %d times", n)
		}
	}
}

func TestMonitorSellsOnceAtThreshold(t *testing.T) {
	pricer := newScriptedPricer(price("103"), price("104.99"), price("105"), price("110"))
	seller := &fakeSeller{}
	m := New(position(t), weth, pricer, seller, newSettings(), zap.NewNop(), fastRetry(0))

	final := m.Run(context.Background())

	assert.Equal(t, domain.PositionClosed, final)
	assert.Equal(t, 1, seller.Calls())
	assert.Equal(t, 3, pricer.Calls(), "no samples after the threshold is crossed")

	snap := m.Snapshot()
	assert.Equal(t, 3, snap.Samples)
	assert.True(t, snap.Change.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, common.HexToHash("0x5e11"), snap.SellTx)
}

func TestMonitorSampleFailuresKeepPositionActive(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	pricer := newScriptedPricer(nil, nil, nil)
	seller := &fakeSeller{}
	m := New(position(t), weth, pricer, seller, newSettings(), zap.New(core))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan domain.PositionState)
	go func() { done <- m.Run(ctx) }()

	waitCalls(t, pricer, 4)
	assert.Equal(t, domain.PositionActive, m.State())

	cancel()
	assert.Equal(t, domain.PositionCancelled, <-done)
	assert.Zero(t, seller.Calls())
	assert.Equal(t, 3, logs.FilterMessage("price sampling failed").Len())
}

func TestMonitorSampleFailureCap(t *testing.T) {
	st := newSettings()
	st.set(func(s *config.Settings) { s.MaxSampleFailures = 2 })
	pricer := newScriptedPricer(nil, nil, price("200"))
	seller := &fakeSeller{}
	m := New(position(t), weth, pricer, seller, st, zap.NewNop())

	assert.Equal(t, domain.PositionCancelled, m.Run(context.Background()))
	assert.Equal(t, 2, pricer.Calls())
	assert.Zero(t, seller.Calls())
}

func TestMonitorFailureCounterResetsOnSuccess(t *testing.T) {
	st := newSettings()
	st.set(func(s *config.Settings) { s.MaxSampleFailures = 2 })
	pricer := newScriptedPricer(nil, price("101"), nil, price("106"))
	seller := &fakeSeller{}
	m := New(position(t), weth, pricer, seller, st, zap.NewNop(), fastRetry(0))

	assert.Equal(t, domain.PositionClosed, m.Run(context.Background()))
	assert.Equal(t, 1, seller.Calls())
}

func TestMonitorCancelledStopsSampling(t *testing.T) {
	pricer := newScriptedPricer(price("100"), price("101"))
	seller := &fakeSeller{}
	m := New(position(t), weth, pricer, seller, newSettings(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan domain.PositionState)
	go func() { done <- m.Run(ctx) }()

	waitCalls(t, pricer, 3)
	cancel()
	assert.Equal(t, domain.PositionCancelled, <-done)

	calls := pricer.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, pricer.Calls())

	assert.False(t, m.transition(domain.PositionSelling, "late sample"))
	assert.Equal(t, domain.PositionCancelled, m.State())
}

func TestMonitorSellRetriesThenCloses(t *testing.T) {
	pricer := newScriptedPricer(price("120"))
	seller := &fakeSeller{fails: 2}
	m := New(position(t), weth, pricer, seller, newSettings(), zap.NewNop(), fastRetry(2))

	assert.Equal(t, domain.PositionClosed, m.Run(context.Background()))
	assert.Equal(t, 3, seller.Calls())
}

func TestMonitorSellExhaustedFails(t *testing.T) {
	pricer := newScriptedPricer(price("120"))
	seller := &fakeSeller{fails: 10}
	m := New(position(t), weth, pricer, seller, newSettings(), zap.NewNop(), fastRetry(2))

	assert.Equal(t, domain.PositionFailed, m.Run(context.Background()))
	assert.Equal(t, 3, seller.Calls())
	assert.False(t, m.transition(domain.PositionCancelled, "stop"))
}

func TestMonitorSellStopsWhenNothingToSell(t *testing.T) {
	pricer := newScriptedPricer(price("120"))
	seller := &fakeSeller{err: domain.Wrap(domain.KindTransaction, domain.ErrNothingToSell, token.Hex())}
	m := New(position(t), weth, pricer, seller, newSettings(), zap.NewNop(), fastRetry(2))

	assert.Equal(t, domain.PositionFailed, m.Run(context.Background()))
	assert.Equal(t, 1, seller.Calls())
}

func TestMonitorCancelsDeniedToken(t *testing.T) {
	st := newSettings()
	prices := make([]*decimal.Decimal, 1000)
	for i := range prices {
		prices[i] = price("100")
	}
	pricer := newScriptedPricer(prices...)
	seller := &fakeSeller{}
	m := New(position(t), weth, pricer, seller, st, zap.NewNop())

	done := make(chan domain.PositionState)
	go func() { done <- m.Run(context.Background()) }()

	waitCalls(t, pricer, 1)
	st.set(func(s *config.Settings) { s.Denylist = []common.Address{token} })

	assert.Equal(t, domain.PositionCancelled, <-done)
	assert.Zero(t, seller.Calls())
}

func TestMonitorCancelsWhenDroppedFromAllowlist(t *testing.T) {
	st := newSettings()
	st.set(func(s *config.Settings) {
		s.Allowlist = []common.Address{common.HexToAddress("0x01")}
	})
	pricer := newScriptedPricer(price("200"))
	m := New(position(t), weth, pricer, &fakeSeller{}, st, zap.NewNop())

	assert.Equal(t, domain.PositionCancelled, m.Run(context.Background()))
	assert.Zero(t, pricer.Calls())
}

func TestMonitorDurationElapsed(t *testing.T) {
	st := newSettings()
	st.set(func(s *config.Settings) {
		s.MonitorDuration = 5 * time.Millisecond
		s.ProfitThreshold = decimal.NewFromInt(50)
	})
	prices := make([]*decimal.Decimal, 1000)
	for i := range prices {
		prices[i] = price("100")
	}
	m := New(position(t), weth, newScriptedPricer(prices...), &fakeSeller{}, st, zap.NewNop())

	assert.Equal(t, domain.PositionCancelled, m.Run(context.Background()))
}
