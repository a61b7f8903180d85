package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PositionState is the lifecycle state of a monitored position.
type PositionState int

const (
	PositionActive PositionState = iota
	PositionSelling
	PositionClosed
	PositionCancelled
	// PositionFailed the sell could not be completed; the holding is stranded.
	PositionFailed
)

// String returns the string representation of the state.
func (s PositionState) String() string {
	switch s {
	case PositionActive:
		return "active"
	case PositionSelling:
		return "selling"
	case PositionClosed:
		return "closed"
	case PositionCancelled:
		return "cancelled"
	case PositionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s PositionState) Terminal() bool {
	return s == PositionClosed || s == PositionCancelled || s == PositionFailed
}

// MarshalText implements encoding.TextMarshaler.
func (s PositionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Position is a holding acquired by a confirmed buy.
type Position struct {
	ID         string          `json:"id"`
	Token      common.Address  `json:"token"`
	Pool       common.Address  `json:"pool"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	// Amount raw token balance received from the buy.
	Amount     *big.Int    `json:"amount"`
	AcquiredAt time.Time   `json:"acquiredAt"`
	BuyTxHash  common.Hash `json:"buyTxHash"`
}

// NewPosition constructs a position from a confirmed buy.
func NewPosition(buy Trade, entryPrice decimal.Decimal, amount *big.Int) (*Position, error) {
	if buy.Direction != DirectionBuy {
		return nil, errors.New("position must be opened by a buy trade")
	}
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("entry price must be greater than zero")
	}

	return &Position{
		ID:         uuid.NewString(),
		Token:      buy.Token,
		Pool:       buy.Pool,
		EntryPrice: entryPrice,
		Amount:     amount,
		AcquiredAt: buy.Timestamp,
		BuyTxHash:  buy.TxHash,
	}, nil
}

// ChangePercent returns (current-entry)/entry*100.
func (p *Position) ChangePercent(current decimal.Decimal) decimal.Decimal {
	if p == nil || p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return current.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(decimal.NewFromInt(100))
}

// Pair returns the swap route for the position's token.
func (p *Position) Pair(base common.Address) Pair {
	return Pair{Base: base, Token: p.Token}
}
