// Package domain defines core data structures used throughout the sniper.
package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pair is a swap route between the base asset and a candidate token.
type Pair struct {
	// Base reference asset (wrapped native currency).
	Base common.Address
	// Token candidate token acquired by the bot.
	Token common.Address
}

// String returns the string representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.Base.Hex(), p.Token.Hex())
}

// BuyPath returns the router path base -> token.
func (p Pair) BuyPath() []common.Address {
	return []common.Address{p.Base, p.Token}
}

// SellPath returns the router path token -> base.
func (p Pair) SellPath() []common.Address {
	return []common.Address{p.Token, p.Base}
}
