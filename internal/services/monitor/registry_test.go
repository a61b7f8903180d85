package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sniper/internal/domain"
)

func TestRegistryCancelAll(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	st := newSettings()

	p1 := newScriptedPricer(price("100"))
	p2 := newScriptedPricer(price("99"))
	seller := &fakeSeller{}
	m1 := New(position(t), weth, p1, seller, st, zap.NewNop())
	m2 := New(position(t), weth, p2, seller, st, zap.NewNop())

	reg.Start(context.Background(), m1)
	reg.Start(context.Background(), m2)
	waitCalls(t, p1, 2)
	waitCalls(t, p2, 2)
	assert.Equal(t, 2, reg.Active())

	reg.CancelAll()

	assert.Zero(t, reg.Active())
	assert.Equal(t, domain.PositionCancelled, m1.State())
	assert.Equal(t, domain.PositionCancelled, m2.State())

	c1, c2 := p1.Calls(), p2.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, c1, p1.Calls())
	assert.Equal(t, c2, p2.Calls())
	assert.Zero(t, seller.Calls())

	states := reg.States()
	assert.Equal(t, 2, states[domain.PositionCancelled])

	snap, ok := reg.Get(m1.ID())
	assert.True(t, ok)
	assert.Equal(t, domain.PositionCancelled, snap.State)
}

func TestRegistryKeepsFinishedPositions(t *testing.T) {
	reg := NewRegistry(nil)
	m := New(position(t), weth, newScriptedPricer(price("150")), &fakeSeller{}, newSettings(), zap.NewNop(), fastRetry(0))

	reg.Start(context.Background(), m)
	assert.Eventually(t, func() bool {
		s, ok := reg.Get(m.ID())
		return ok && s.State == domain.PositionClosed && reg.Active() == 0
	}, time.Second, 2*time.Millisecond)

	snaps := reg.Snapshots()
	assert.Len(t, snaps, 1)
	assert.True(t, snaps[0].LastPrice.Equal(decimal.NewFromInt(150)))
}

func TestRegistryBoundsFinishedPositions(t *testing.T) {
	reg := NewRegistry(nil)
	var first string
	for i := 0; i < closedLimit+5; i++ {
		m := New(position(t), weth, newScriptedPricer(price("150")), &fakeSeller{}, newSettings(), zap.NewNop(), fastRetry(0))
		if i == 0 {
			first = m.ID()
		}
		reg.Start(context.Background(), m)
		assert.Eventually(t, func() bool { return reg.Active() == 0 }, time.Second, time.Millisecond)
	}

	assert.Len(t, reg.Snapshots(), closedLimit)
	_, ok := reg.Get(first)
	assert.False(t, ok)
	assert.Equal(t, closedLimit, reg.States()[domain.PositionClosed])
}
