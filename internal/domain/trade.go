package domain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Trade is an executed swap appended to the ledger.
type Trade struct {
	ID        uint64         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Token     common.Address `json:"tokenAddress"`
	// Pool is empty for legacy records.
	Pool common.Address `json:"pairAddress"`
	// BaseAmount base asset spent on a buy or received from a sell, in whole units.
	BaseAmount decimal.Decimal `json:"amountIn"`
	// TokenAmount raw token amount bought or sold, when known.
	TokenAmount *big.Int    `json:"tokenAmount,omitempty"`
	TxHash      common.Hash `json:"txHash"`
	Direction   Direction   `json:"type"`
}

// String returns a human-readable string representation.
func (t *Trade) String() string {
	return fmt.Sprintf("%s %s amount: %s tx: %s", t.Direction, t.Token.Hex(), t.BaseAmount.String(), t.TxHash.Hex())
}
