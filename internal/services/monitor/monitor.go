// Package monitor tracks acquired positions and sells them once the profit target is reached.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sniper/config"
	"github.com/vadiminshakov/sniper/internal/domain"
	"github.com/vadiminshakov/sniper/pkg/retrier"
)

const (
	sellRetries       = 2
	sellRetryInterval = 5 * time.Second
)

// Pricer defines an interface for getting the price of a token.
type Pricer interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}

// Seller closes a position.
type Seller interface {
	Sell(ctx context.Context, s config.Settings, pos *domain.Position) (*domain.Trade, error)
}

// SettingsSource provides the current settings snapshot.
type SettingsSource interface {
	Get() config.Settings
}

// Snapshot is a point-in-time view of a monitored position.
type Snapshot struct {
	Position  domain.Position      `json:"position"`
	State     domain.PositionState `json:"state"`
	LastPrice decimal.Decimal      `json:"lastPrice"`
	Change    decimal.Decimal      `json:"changePercent"`
	Samples   int                  `json:"samples"`
	SellTx    common.Hash          `json:"sellTx,omitempty"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSellRetry overrides the interval and number of retries used while selling.
func WithSellRetry(interval time.Duration, retries int) Option {
	return func(m *Monitor) {
		m.sellRetrier = newSellRetrier(interval, retries)
	}
}

// newSellRetrier retries failed sells, except when there is nothing left to sell.
func newSellRetrier(interval time.Duration, retries int) *retrier.Retrier {
	return retrier.Fixed(interval,
		retrier.WithMaxRetries(retries),
		retrier.WithRetryable(func(err error) bool {
			return !errors.Is(err, domain.ErrNothingToSell)
		}))
}

// Monitor owns one position: Active -> Selling -> Closed|Failed, or Active -> Cancelled.
type Monitor struct {
	pos         *domain.Position
	pair        domain.Pair
	pricer      Pricer
	seller      Seller
	settings    SettingsSource
	logger      *zap.Logger
	sellRetrier *retrier.Retrier

	mu        sync.Mutex
	state     domain.PositionState
	lastPrice decimal.Decimal
	samples   int
	sellTx    common.Hash
}

// New creates a monitor for pos in the Active state.
func New(pos *domain.Position, base common.Address, pricer Pricer, seller Seller, settings SettingsSource, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		pos:         pos,
		pair:        pos.Pair(base),
		pricer:      pricer,
		seller:      seller,
		settings:    settings,
		logger:      logger.With(zap.String("position", pos.ID), zap.String("token", pos.Token.Hex())),
		state:       domain.PositionActive,
		lastPrice:   pos.EntryPrice,
		sellRetrier: newSellRetrier(sellRetryInterval, sellRetries),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the position id.
func (m *Monitor) ID() string { return m.pos.ID }

// State returns the current state.
func (m *Monitor) State() domain.PositionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current view of the position.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Position:  *m.pos,
		State:     m.state,
		LastPrice: m.lastPrice,
		Change:    m.pos.ChangePercent(m.lastPrice),
		Samples:   m.samples,
		SellTx:    m.sellTx,
	}
}

// transition moves to next unless the current state is terminal.
func (m *Monitor) transition(next domain.PositionState, reason string) bool {
	m.mu.Lock()
	prev := m.state
	if prev.Terminal() || (next == domain.PositionCancelled && prev != domain.PositionActive) {
		m.mu.Unlock()
		return false
	}
	m.state = next
	m.mu.Unlock()

	m.logger.Info("position state changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
		zap.String("reason", reason))
	return true
}

// Run samples the price every poll interval until the position is sold or ctx is cancelled.
// Cancellation is only observed between samples; a sell in progress always completes.
func (m *Monitor) Run(ctx context.Context) domain.PositionState {
	started := time.Now()
	failures := 0

	timer := time.NewTimer(m.settings.Get().PollInterval)
	defer timer.Stop()

	m.logger.Info("monitoring position", zap.String("entry_price", m.pos.EntryPrice.String()))

	for {
		select {
		case <-ctx.Done():
			m.transition(domain.PositionCancelled, "bot stopped")
			return m.State()
		case <-timer.C:
		}

		s := m.settings.Get()

		if s.Denied(m.pos.Token) || !s.Allowed(m.pos.Token) {
			m.transition(domain.PositionCancelled, "token is no longer of interest")
			return m.State()
		}
		if s.MonitorDuration > 0 && time.Since(started) >= s.MonitorDuration {
			m.transition(domain.PositionCancelled, "monitor duration elapsed")
			return m.State()
		}

		price, err := m.pricer.GetPrice(ctx, m.pair)
		if ctx.Err() != nil {
			m.transition(domain.PositionCancelled, "bot stopped")
			return m.State()
		}
		if err != nil {
			failures++
			m.logger.Warn("price sampling failed", zap.Int("consecutive_failures", failures), zap.Error(err))
			if s.MaxSampleFailures > 0 && failures >= s.MaxSampleFailures {
				m.transition(domain.PositionCancelled, "too many failed price samples")
				return m.State()
			}
			timer.Reset(s.PollInterval)
			continue
		}
		failures = 0

		change := m.pos.ChangePercent(price)
		m.mu.Lock()
		m.lastPrice = price
		m.samples++
		m.mu.Unlock()

		m.logger.Debug("price sampled",
			zap.String("price", price.String()),
			zap.String("change_percent", change.StringFixed(2)))

		if change.GreaterThanOrEqual(s.ProfitThreshold) {
			if !m.transition(domain.PositionSelling, "profit threshold reached") {
				return m.State()
			}
			return m.sell(context.WithoutCancel(ctx), change)
		}

		timer.Reset(s.PollInterval)
	}
}

func (m *Monitor) sell(ctx context.Context, change decimal.Decimal) domain.PositionState {
	m.logger.Info("selling position", zap.String("change_percent", change.StringFixed(2)))

	trade, err := retrier.DoWithData(m.sellRetrier, ctx, func(ctx context.Context) (*domain.Trade, error) {
		trade, err := m.seller.Sell(ctx, m.settings.Get(), m.pos)
		if err != nil {
			m.logger.Warn("sell attempt failed", zap.Error(err))
		}
		return trade, err
	})
	if err != nil {
		m.logger.Error("sell failed, position is stranded", zap.Error(err))
		m.mu.Lock()
		m.state = domain.PositionFailed
		m.mu.Unlock()
		return domain.PositionFailed
	}

	m.mu.Lock()
	m.sellTx = trade.TxHash
	m.state = domain.PositionClosed
	m.mu.Unlock()

	m.logger.Info("position closed", zap.String("tx", trade.TxHash.Hex()))
	return domain.PositionClosed
}
