package internal

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

	"github.com/vadiminshakov/sniper/config"
	"github.com/vadiminshakov/sniper/internal/domain"
	"github.com/vadiminshakov/sniper/internal/services/evaluator"
	"github.com/vadiminshakov/sniper/internal/services/prober"
)

var weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

type fakeGateway struct {
	mu         sync.Mutex
	connectErr error
	block      chan struct{}
	connects   int
	closes     int
	handler    func(domain.PoolCreatedEvent)
	subscribed chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{subscribed: make(chan struct{}, 10)}
}

func (g *fakeGateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	g.connects++
	block, err := g.block, g.connectErr
	g.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (g *fakeGateway) Subscribe(ctx context.Context, handler func(domain.PoolCreatedEvent)) error {
	g.mu.Lock()
	g.handler = handler
	g.mu.Unlock()
	g.subscribed <- struct{}{}
	<-ctx.Done()
	return nil
}

func (g *fakeGateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes++
}

func (g *fakeGateway) emit(t *testing.T, ev domain.PoolCreatedEvent) {
	t.Helper()
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	require.NotNil(t, h)
	h(ev)
}

type fakeEvaluator struct {
	mu    sync.Mutex
	calls int
}

func (e *fakeEvaluator) Evaluate(ctx context.Context, s config.Settings, ev domain.PoolCreatedEvent) evaluator.Verdict {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	candidate, ok := ev.Candidate(weth)
	if !ok {
		return evaluator.Verdict{Reason: "pool does not include base asset"}
	}
	return evaluator.Verdict{Viable: true, Candidate: candidate}
}

type fakeExecutor struct {
	mu     sync.Mutex
	buys   []*domain.Trade
	sells  int
	buyErr error
}

func (e *fakeExecutor) Buy(ctx context.Context, s config.Settings, pool, token common.Address) (*domain.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buyErr != nil {
		return nil, e.buyErr
	}
	trade := &domain.Trade{
		Timestamp:   time.Now(),
		Token:       token,
		Pool:        pool,
		BaseAmount:  s.SwapAmount,
		TokenAmount: big.NewInt(1000),
		TxHash:      common.HexToHash("0xabc"),
		Direction:   domain.DirectionBuy,
	}
	e.buys = append(e.buys, trade)
	return trade, nil
}

func (e *fakeExecutor) Sell(ctx context.Context, s config.Settings, pos *domain.Position) (*domain.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sells++
	return &domain.Trade{Token: pos.Token, Direction: domain.DirectionSell}, nil
}

func (e *fakeExecutor) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buys), e.sells
}

type fakeProber struct {
	sellable bool
}

func (p *fakeProber) Probe(ctx context.Context, s config.Settings, token common.Address) (prober.Result, error) {
	if !p.sellable {
		return prober.Result{Reason: "execution reverted"}, nil
	}
	return prober.Result{Sellable: true}, nil
}

type flatPricer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *flatPricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return decimal.Decimal{}, p.err
	}
	return decimal.NewFromInt(100), nil
}

func (p *flatPricer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type staticSettings struct{ s config.Settings }

func (f staticSettings) Get() config.Settings { return f.s }

type botFixture struct {
	bot      *TradingBot
	gateway  *fakeGateway
	eval     *fakeEvaluator
	executor *fakeExecutor
	prober   *fakeProber
	pricer   *flatPricer
}

func newBotFixture() *botFixture {
	s := config.DefaultSettings()
	s.PollInterval = 2 * time.Millisecond

	f := &botFixture{
		gateway:  newFakeGateway(),
		eval:     &fakeEvaluator{},
		executor: &fakeExecutor{},
		prober:   &fakeProber{sellable: true},
		pricer:   &flatPricer{},
	}
	f.bot = NewTradingBot(f.gateway, f.eval, f.executor, f.prober, f.pricer, staticSettings{s}, weth, 2, zap.NewNop())
	return f
}

func (f *botFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.bot.Start(context.Background()))
	select {
	case <-f.gateway.subscribed:
	case <-time.After(time.Second):
		t.Fatal("bot did not subscribe")
	}
}

func pool(n int64) domain.PoolCreatedEvent {
	return domain.PoolCreatedEvent{
		Token0: weth,
		Token1: common.BigToAddress(big.NewInt(0x1000 + n)),
		Pool:   common.BigToAddress(big.NewInt(0x2000 + n)),
	}
}

func TestStartFailureLeavesBotStopped(t *testing.T) {
	f := newBotFixture()
	f.gateway.connectErr = domain.Errorf(domain.KindFatalInit, "dial node")

	err := f.bot.Start(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrFatalInit))
	assert.Equal(t, StateStopped, f.bot.Status())
}

func TestStartIsIdempotent(t *testing.T) {
	f := newBotFixture()
	f.start(t)
	defer f.bot.Stop()

	require.NoError(t, f.bot.Start(context.Background()))
	assert.Equal(t, StateRunning, f.bot.Status())
	assert.Equal(t, 1, f.gateway.connects)
}

func TestStartWhileStarting(t *testing.T) {
	f := newBotFixture()
	release := make(chan struct{})
	f.gateway.block = release

	started := make(chan error, 1)
	go func() { started <- f.bot.Start(context.Background()) }()
	require.Eventually(t, func() bool { return f.bot.Status() == StateStarting }, time.Second, time.Millisecond)

	assert.ErrorIs(t, f.bot.Start(context.Background()), ErrStarting)
	assert.ErrorIs(t, f.bot.Stop(), ErrStarting)

	close(release)
	require.NoError(t, <-started)
	assert.Equal(t, StateRunning, f.bot.Status())
	assert.Equal(t, 1, f.gateway.connects)
	require.NoError(t, f.bot.Stop())
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	f := newBotFixture()
	assert.NoError(t, f.bot.Stop())
	assert.Equal(t, StateStopped, f.bot.Status())
	assert.Zero(t, f.gateway.closes)
}

func TestStopCancelsActivePositions(t *testing.T) {
	f := newBotFixture()
	f.start(t)

	f.gateway.emit(t, pool(1))
	f.gateway.emit(t, pool(2))

	require.Eventually(t, func() bool { return f.bot.ActivePositions() == 2 }, 2*time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return f.pricer.Calls() > 4 }, 2*time.Second, 2*time.Millisecond)

	require.NoError(t, f.bot.Stop())
	assert.Equal(t, StateStopped, f.bot.Status())
	assert.Equal(t, 1, f.gateway.closes)

	positions := f.bot.Positions()
	require.Len(t, positions, 2)
	for _, p := range positions {
		assert.Equal(t, domain.PositionCancelled, p.State)
	}

	calls := f.pricer.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, f.pricer.Calls())

	buys, sells := f.executor.counts()
	assert.Equal(t, 2, buys)
	assert.Zero(t, sells)
}

func TestDuplicatePoolIsHandledOnce(t *testing.T) {
	f := newBotFixture()
	f.start(t)
	defer f.bot.Stop()

	f.gateway.emit(t, pool(1))
	f.gateway.emit(t, pool(1))

	require.Eventually(t, func() bool { return len(f.bot.DetectedPools()) == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	buys, _ := f.executor.counts()
	assert.Equal(t, 1, buys)
	assert.Len(t, f.bot.DetectedPools(), 1)
}

func TestSeenPoolsAreBounded(t *testing.T) {
	f := newBotFixture()
	first := pool(0).Pool

	require.True(t, f.bot.markSeen(first))
	assert.False(t, f.bot.markSeen(first))
	for i := int64(1); i <= seenPoolsCap; i++ {
		require.True(t, f.bot.markSeen(pool(i).Pool))
	}

	assert.Len(t, f.bot.seen, seenPoolsCap)
	assert.True(t, f.bot.markSeen(first), "oldest pool should have been evicted")
	assert.False(t, f.bot.markSeen(pool(seenPoolsCap).Pool))
}

func TestNonViablePoolIsRecorded(t *testing.T) {
	f := newBotFixture()
	f.start(t)
	defer f.bot.Stop()

	ev := pool(3)
	ev.Token0 = common.HexToAddress("0x01")
	f.gateway.emit(t, ev)

	require.Eventually(t, func() bool { return len(f.bot.DetectedPools()) == 1 }, time.Second, 2*time.Millisecond)
	detected := f.bot.DetectedPools()[0]
	assert.False(t, detected.Viable)
	assert.Equal(t, "pool does not include base asset", detected.Reason)

	buys, _ := f.executor.counts()
	assert.Zero(t, buys)
}

func TestUnsellableTokenOpensNoPosition(t *testing.T) {
	f := newBotFixture()
	f.prober.sellable = false
	f.start(t)
	defer f.bot.Stop()

	f.gateway.emit(t, pool(4))

	require.Eventually(t, func() bool {
		buys, _ := f.executor.counts()
		return buys == 1
	}, time.Second, 2*time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	assert.Empty(t, f.bot.Positions())
}

func TestFailedBuyKeepsListening(t *testing.T) {
	f := newBotFixture()
	f.executor.buyErr = domain.Errorf(domain.KindTransaction, "execution reverted")
	f.start(t)
	defer f.bot.Stop()

	f.gateway.emit(t, pool(5))
	f.gateway.emit(t, pool(6))

	require.Eventually(t, func() bool { return len(f.bot.DetectedPools()) == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, StateRunning, f.bot.Status())
	assert.Empty(t, f.bot.Positions())
}

func TestRestartAfterStop(t *testing.T) {
	f := newBotFixture()
	f.start(t)
	require.NoError(t, f.bot.Stop())

	f.start(t)
	defer f.bot.Stop()

	assert.Equal(t, StateRunning, f.bot.Status())
	assert.Equal(t, 2, f.gateway.connects)
}

func TestFillPrice(t *testing.T) {
	trade := &domain.Trade{BaseAmount: decimal.RequireFromString("0.1"), TokenAmount: big.NewInt(1000)}
	assert.True(t, fillPrice(trade).Equal(decimal.RequireFromString("100000000000000")))

	assert.True(t, fillPrice(&domain.Trade{BaseAmount: decimal.NewFromInt(1)}).IsZero())
}
