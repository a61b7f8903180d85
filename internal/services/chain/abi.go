package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/sniper/internal/domain"
)

const factoryABIJSON = `[
	{"anonymous":false,"type":"event","name":"PairCreated","inputs":[
		{"indexed":true,"name":"token0","type":"address"},
		{"indexed":true,"name":"token1","type":"address"},
		{"indexed":false,"name":"pair","type":"address"},
		{"indexed":false,"name":"","type":"uint256"}]}
]`

const pairABIJSON = `[
	{"type":"function","name":"token0","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"token1","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"getReserves","stateMutability":"view","inputs":[],"outputs":[
		{"name":"reserve0","type":"uint112"},
		{"name":"reserve1","type":"uint112"},
		{"name":"blockTimestampLast","type":"uint32"}]}
]`

const routerABIJSON = `[
	{"type":"function","name":"getAmountsOut","stateMutability":"view","inputs":[
		{"name":"amountIn","type":"uint256"},
		{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"type":"function","name":"swapExactETHForTokens","stateMutability":"payable","inputs":[
		{"name":"amountOutMin","type":"uint256"},
		{"name":"path","type":"address[]"},
		{"name":"to","type":"address"},
		{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"type":"function","name":"swapExactTokensForETHSupportingFeeOnTransferTokens","stateMutability":"nonpayable","inputs":[
		{"name":"amountIn","type":"uint256"},
		{"name":"amountOutMin","type":"uint256"},
		{"name":"path","type":"address[]"},
		{"name":"to","type":"address"},
		{"name":"deadline","type":"uint256"}],"outputs":[]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},
		{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
		{"name":"spender","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const wethABIJSON = `[
	{"anonymous":false,"type":"event","name":"Withdrawal","inputs":[
		{"indexed":true,"name":"src","type":"address"},
		{"indexed":false,"name":"wad","type":"uint256"}]}
]`

var (
	factoryABI = mustParseABI(factoryABIJSON)
	pairABI    = mustParseABI(pairABIJSON)
	routerABI  = mustParseABI(routerABIJSON)
	erc20ABI   = mustParseABI(erc20ABIJSON)
	wethABI    = mustParseABI(wethABIJSON)

	// PairCreatedTopic is the topic0 of the factory pool creation event.
	PairCreatedTopic = factoryABI.Events["PairCreated"].ID
	withdrawalTopic  = wethABI.Events["Withdrawal"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// PackSwapExactETHForTokens encodes a buy of path[len-1] paying msg.value of path[0].
func PackSwapExactETHForTokens(amountOutMin *big.Int, path []common.Address, to common.Address, deadline *big.Int) ([]byte, error) {
	return routerABI.Pack("swapExactETHForTokens", amountOutMin, path, to, deadline)
}

// PackSwapExactTokensForETH encodes a fee-on-transfer tolerant sell of amountIn tokens.
func PackSwapExactTokensForETH(amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline *big.Int) ([]byte, error) {
	return routerABI.Pack("swapExactTokensForETHSupportingFeeOnTransferTokens", amountIn, amountOutMin, path, to, deadline)
}

// PackApprove encodes an ERC20 approve call.
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// DecodePairCreated extracts a pool creation event from a factory log.
func DecodePairCreated(lg types.Log) (domain.PoolCreatedEvent, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != PairCreatedTopic {
		return domain.PoolCreatedEvent{}, errors.Errorf("log %s:%d is not a PairCreated event", lg.TxHash.Hex(), lg.Index)
	}

	values, err := factoryABI.Unpack("PairCreated", lg.Data)
	if err != nil {
		return domain.PoolCreatedEvent{}, errors.Wrap(err, "unpack PairCreated data")
	}
	pool, ok := values[0].(common.Address)
	if !ok {
		return domain.PoolCreatedEvent{}, errors.Errorf("unexpected pair type %T", values[0])
	}

	return domain.PoolCreatedEvent{
		Token0:      common.BytesToAddress(lg.Topics[1].Bytes()),
		Token1:      common.BytesToAddress(lg.Topics[2].Bytes()),
		Pool:        pool,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
	}, nil
}

// WithdrawnAmount sums wrapped-native withdrawals made by src in the receipt.
// A router sell unwraps the output before paying it out, so this is the base asset received.
func WithdrawnAmount(receipt *types.Receipt, weth, src common.Address) (*big.Int, bool) {
	if receipt == nil {
		return nil, false
	}
	total := new(big.Int)
	found := false
	for _, lg := range receipt.Logs {
		if lg.Address != weth || len(lg.Topics) != 2 || lg.Topics[0] != withdrawalTopic {
			continue
		}
		if common.BytesToAddress(lg.Topics[1].Bytes()) != src {
			continue
		}
		values, err := wethABI.Unpack("Withdrawal", lg.Data)
		if err != nil || len(values) != 1 {
			continue
		}
		if wad, ok := values[0].(*big.Int); ok {
			total.Add(total, wad)
			found = true
		}
	}
	return total, found
}
