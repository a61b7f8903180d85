// Package pricer quotes token prices through the router and prices gas.
package pricer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/sniper/internal/domain"
)

// pricePrecision keeps enough digits for tokens quoted at 1e30+ units per base unit.
const pricePrecision = 40

type quoter interface {
	AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error)
}

// RouterPricer quotes one whole base unit into the token and inverts the rate,
// giving the base asset paid per smallest token unit.
type RouterPricer struct {
	quoter quoter
}

// NewRouterPricer creates a new RouterPricer.
func NewRouterPricer(q quoter) *RouterPricer {
	return &RouterPricer{quoter: q}
}

// GetPrice returns the current token price in base asset smallest units per token smallest unit.
func (p *RouterPricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	unit := big.NewInt(params.Ether)
	amounts, err := p.quoter.AmountsOut(ctx, unit, pair.BuyPath())
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "quote %s", pair.String())
	}
	if len(amounts) == 0 {
		return decimal.Decimal{}, errors.Errorf("router returned no amounts for %s", pair.String())
	}
	out := amounts[len(amounts)-1]
	if out == nil || out.Sign() <= 0 {
		return decimal.Decimal{}, errors.Errorf("router quoted zero output for %s", pair.String())
	}

	return decimal.NewFromBigInt(unit, 0).DivRound(decimal.NewFromBigInt(out, 0), pricePrecision), nil
}
