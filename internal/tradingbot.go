package internal

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/sniper/config"
	"github.com/vadiminshakov/sniper/internal/domain"
	"github.com/vadiminshakov/sniper/internal/services/evaluator"
	"github.com/vadiminshakov/sniper/internal/services/monitor"
	"github.com/vadiminshakov/sniper/internal/services/prober"
)

const (
	queueSize        = 256
	detectedPoolsCap = 100
	seenPoolsCap     = 10_000
	baseDecimals     = 18
)

var (
	// ErrStopping is returned by Start while a previous run is shutting down.
	ErrStopping = errors.New("bot is stopping")
	// ErrStarting is returned by Start and Stop while another Start is connecting.
	ErrStarting = errors.New("bot is starting")
)

// BotState is the lifecycle state of the bot.
type BotState int

const (
	StateStopped BotState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s BotState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s BotState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type poolSource interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, handler func(domain.PoolCreatedEvent)) error
	Close()
}

type poolEvaluator interface {
	Evaluate(ctx context.Context, s config.Settings, ev domain.PoolCreatedEvent) evaluator.Verdict
}

type executor interface {
	Buy(ctx context.Context, s config.Settings, pool, token common.Address) (*domain.Trade, error)
	Sell(ctx context.Context, s config.Settings, pos *domain.Position) (*domain.Trade, error)
}

type safetyProber interface {
	Probe(ctx context.Context, s config.Settings, token common.Address) (prober.Result, error)
}

// Pricer defines an interface for getting the price of a token.
type Pricer interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}

// settingsSource provides the current settings snapshot.
type settingsSource interface {
	Get() config.Settings
}

// TradingBot wires pool detection to evaluation, execution and position monitoring.
type TradingBot struct {
	gateway   poolSource
	evaluator poolEvaluator
	executor  executor
	prober    safetyProber
	pricer    Pricer
	settings  settingsSource
	base      common.Address
	workers   int
	logger    *zap.Logger
	monitors  *monitor.Registry

	mu     sync.Mutex
	state  BotState
	cancel context.CancelFunc
	group  *errgroup.Group

	poolsMu  sync.Mutex
	seen     map[common.Address]struct{}
	seenFIFO []common.Address
	detected []domain.DetectedPool
}

// NewTradingBot creates a stopped bot.
func NewTradingBot(
	gateway poolSource,
	evaluator poolEvaluator,
	executor executor,
	prober safetyProber,
	pricer Pricer,
	settings settingsSource,
	base common.Address,
	workers int,
	logger *zap.Logger,
) *TradingBot {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	return &TradingBot{
		gateway:   gateway,
		evaluator: evaluator,
		executor:  executor,
		prober:    prober,
		pricer:    pricer,
		settings:  settings,
		base:      base,
		workers:   workers,
		logger:    logger,
		monitors:  monitor.NewRegistry(logger),
		seen:      make(map[common.Address]struct{}),
	}
}

// Status returns the current lifecycle state.
func (b *TradingBot) Status() BotState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *TradingBot) setState(s BotState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Start connects to the node and begins listening for new pools. It is a no-op when
// the bot is already running. Connection failures leave the bot stopped.
func (b *TradingBot) Start(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateRunning:
		b.mu.Unlock()
		return nil
	case StateStarting:
		b.mu.Unlock()
		return ErrStarting
	case StateStopping:
		b.mu.Unlock()
		return ErrStopping
	}
	b.state = StateStarting
	b.mu.Unlock()

	b.logger.Info("starting bot")

	if err := b.gateway.Connect(ctx); err != nil {
		b.setState(StateStopped)
		b.logger.Error("failed to start bot", zap.Error(err))
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	queue := make(chan domain.PoolCreatedEvent, queueSize)

	g.Go(func() error {
		return b.gateway.Subscribe(gctx, func(ev domain.PoolCreatedEvent) {
			select {
			case queue <- ev:
			default:
				b.logger.Error("pool queue is full, dropping pool", zap.String("pool", ev.Pool.Hex()))
			}
		})
	})
	for i := 0; i < b.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case ev := <-queue:
					b.handlePool(gctx, ev)
				}
			}
		})
	}

	b.mu.Lock()
	b.cancel = cancel
	b.group = g
	b.state = StateRunning
	b.mu.Unlock()

	b.logger.Info("bot is running", zap.Int("workers", b.workers))
	return nil
}

// Stop unsubscribes, waits for in-flight pools, cancels all active monitors and
// closes the node connection. Transactions already submitted are awaited, not cancelled.
func (b *TradingBot) Stop() error {
	b.mu.Lock()
	switch b.state {
	case StateStopped, StateStopping:
		b.mu.Unlock()
		return nil
	case StateStarting:
		b.mu.Unlock()
		return ErrStarting
	}
	b.state = StateStopping
	cancel, group := b.cancel, b.group
	b.mu.Unlock()

	b.logger.Info("stopping bot")

	cancel()
	if err := group.Wait(); err != nil {
		b.logger.Warn("pipeline exited with error", zap.Error(err))
	}
	b.monitors.CancelAll()
	b.gateway.Close()

	b.mu.Lock()
	b.cancel, b.group = nil, nil
	b.state = StateStopped
	b.mu.Unlock()

	b.logger.Info("bot stopped")
	return nil
}

// Positions returns running and finished positions.
func (b *TradingBot) Positions() []monitor.Snapshot {
	return b.monitors.Snapshots()
}

// Position returns the snapshot of one running or finished position.
func (b *TradingBot) Position(id string) (monitor.Snapshot, bool) {
	return b.monitors.Get(id)
}

// PositionStates counts known positions by state.
func (b *TradingBot) PositionStates() map[domain.PositionState]int {
	return b.monitors.States()
}

// ActivePositions returns the number of running monitors.
func (b *TradingBot) ActivePositions() int {
	return b.monitors.Active()
}

// DetectedPools returns the most recent evaluated pools, newest first.
func (b *TradingBot) DetectedPools() []domain.DetectedPool {
	b.poolsMu.Lock()
	defer b.poolsMu.Unlock()

	out := make([]domain.DetectedPool, len(b.detected))
	for i, p := range b.detected {
		out[len(b.detected)-1-i] = p
	}
	return out
}

// markSeen reports false when the pool was already handled. Only the last
// seenPoolsCap pools are remembered.
func (b *TradingBot) markSeen(pool common.Address) bool {
	b.poolsMu.Lock()
	defer b.poolsMu.Unlock()
	if _, ok := b.seen[pool]; ok {
		return false
	}
	b.seen[pool] = struct{}{}
	b.seenFIFO = append(b.seenFIFO, pool)
	if len(b.seenFIFO) > seenPoolsCap {
		delete(b.seen, b.seenFIFO[0])
		b.seenFIFO = b.seenFIFO[1:]
	}
	return true
}

func (b *TradingBot) recordDetected(p domain.DetectedPool) {
	b.poolsMu.Lock()
	defer b.poolsMu.Unlock()
	b.detected = append(b.detected, p)
	if len(b.detected) > detectedPoolsCap {
		b.detected = b.detected[len(b.detected)-detectedPoolsCap:]
	}
}

// handlePool runs evaluate -> buy -> probe -> monitor for one pool. Errors end the
// pool's pipeline and are logged; they never reach the controller.
func (b *TradingBot) handlePool(ctx context.Context, ev domain.PoolCreatedEvent) {
	logger := b.logger.With(zap.String("pool", ev.Pool.Hex()))

	if !b.markSeen(ev.Pool) {
		logger.Debug("pool already handled")
		return
	}

	s := b.settings.Get()
	verdict := b.evaluator.Evaluate(ctx, s, ev)
	b.recordDetected(domain.DetectedPool{
		Event:     ev,
		Viable:    verdict.Viable,
		Candidate: verdict.Candidate,
		Reason:    verdict.Reason,
	})
	if !verdict.Viable {
		return
	}

	token := verdict.Candidate
	logger = logger.With(zap.String("token", token.Hex()))

	// a stop must not abandon a transaction halfway
	txCtx := context.WithoutCancel(ctx)

	trade, err := b.executor.Buy(txCtx, s, ev.Pool, token)
	if err != nil {
		logger.Error("buy failed", zap.Error(err))
		return
	}

	result, err := b.prober.Probe(txCtx, s, token)
	if err != nil {
		logger.Error("safety probe failed, stranded position", zap.String("buy_tx", trade.TxHash.Hex()), zap.Error(err))
		return
	}
	if !result.Sellable {
		logger.Error("token is not sellable, stranded position",
			zap.String("buy_tx", trade.TxHash.Hex()),
			zap.String("reason", result.Reason))
		return
	}

	entry, err := b.pricer.GetPrice(txCtx, domain.Pair{Base: b.base, Token: token})
	if err != nil {
		logger.Warn("entry price quote failed, using fill price", zap.Error(err))
		entry = fillPrice(trade)
	}

	pos, err := domain.NewPosition(*trade, entry, trade.TokenAmount)
	if err != nil {
		logger.Error("cannot open position", zap.String("buy_tx", trade.TxHash.Hex()), zap.Error(err))
		return
	}

	b.monitors.Start(ctx, monitor.New(pos, b.base, b.pricer, b.executor, b.settings, b.logger))
}

// fillPrice derives the entry price from the buy itself, in base smallest units per token smallest unit.
func fillPrice(t *domain.Trade) decimal.Decimal {
	if t.TokenAmount == nil || t.TokenAmount.Sign() <= 0 {
		return decimal.Zero
	}
	return t.BaseAmount.Shift(baseDecimals).DivRound(decimal.NewFromBigInt(t.TokenAmount, 0), 40)
}
