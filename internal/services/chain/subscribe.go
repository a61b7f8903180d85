package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sniper/internal/domain"
	"github.com/vadiminshakov/sniper/pkg/retrier"
)

const logBuffer = 128

// Subscribe delivers every PairCreated event emitted by the factory to handler
// until ctx is cancelled. When the subscription fails the gateway redials every
// ReconnectDelay and resubscribes; events emitted while disconnected are not replayed.
func (g *Gateway) Subscribe(ctx context.Context, handler func(domain.PoolCreatedEvent)) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{g.opts.Factory},
		Topics:    [][]common.Hash{{PairCreatedTopic}},
	}

	for {
		err := g.session(ctx, query, handler)
		if ctx.Err() != nil {
			return nil
		}

		g.logger.Warn("pool subscription lost, events until resubscription are missed",
			zap.Error(err),
			zap.Duration("backoff", g.opts.ReconnectDelay))

		if err := g.reconnect(ctx); err != nil {
			return nil
		}
	}
}

func (g *Gateway) session(ctx context.Context, query ethereum.FilterQuery, handler func(domain.PoolCreatedEvent)) error {
	backend, err := g.client()
	if err != nil {
		return err
	}

	logs := make(chan types.Log, logBuffer)
	sub, err := backend.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return domain.Wrap(domain.KindConnection, err, "subscribe to factory logs")
	}
	defer sub.Unsubscribe()

	g.logger.Info("subscribed to pool creation", zap.String("factory", g.opts.Factory.Hex()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				return domain.Errorf(domain.KindConnection, "subscription closed")
			}
			return domain.Wrap(domain.KindConnection, err, "subscription error")
		case lg := <-logs:
			if lg.Removed {
				g.logger.Debug("skipping removed log", zap.String("tx", lg.TxHash.Hex()))
				continue
			}
			ev, err := DecodePairCreated(lg)
			if err != nil {
				g.logger.Warn("undecodable factory log", zap.String("tx", lg.TxHash.Hex()), zap.Error(err))
				continue
			}
			ev.ObservedAt = time.Now()
			handler(ev)
		}
	}
}

// reconnect waits ReconnectDelay between dial attempts until one succeeds or ctx ends.
func (g *Gateway) reconnect(ctx context.Context) error {
	r := retrier.Fixed(g.opts.ReconnectDelay,
		retrier.WithMaxRetries(retrier.Unlimited),
		retrier.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			g.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err), zap.Duration("retry_in", wait))
		}))

	timer := time.NewTimer(g.opts.ReconnectDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
	}

	return r.Do(ctx, func(ctx context.Context) error {
		backend, err := g.opts.Dialer(ctx, g.opts.URL)
		if err != nil {
			return domain.Wrap(domain.KindConnection, err, "redial node")
		}

		g.mu.Lock()
		old := g.backend
		g.backend = backend
		g.mu.Unlock()
		if old != nil {
			old.Close()
		}

		g.logger.Info("reconnected to node")
		return nil
	})
}
