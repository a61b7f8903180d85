// Package chain is the gateway to the ledger node: pool subscriptions,
// contract reads, fee sampling and serialized transaction submission.
package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/sniper/internal/domain"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultConfirmTimeout = 2 * time.Minute
	defaultReceiptPoll    = time.Second
)

// Backend is the subset of the node client used by the gateway. *ethclient.Client implements it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// Dialer opens a Backend for url.
type Dialer func(ctx context.Context, url string) (Backend, error)

// DialEthclient dials a websocket or http node endpoint.
func DialEthclient(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Options configure a Gateway.
type Options struct {
	URL        string
	PrivateKey string
	Factory    common.Address
	Router     common.Address
	BaseToken  common.Address

	ConfirmTimeout time.Duration
	ReconnectDelay time.Duration
	ReceiptPoll    time.Duration
	Dialer         Dialer
}

// CallSpec describes a transaction or a simulated call from the bot wallet.
type CallSpec struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	MaxFee   *big.Int
	Priority *big.Int
}

// FeeEstimate is a sampled EIP-1559 fee.
type FeeEstimate struct {
	BaseFee  *big.Int
	MaxFee   *big.Int
	Priority *big.Int
}

// Gateway owns the node connection and the wallet.
type Gateway struct {
	opts   Options
	logger *zap.Logger

	mu      sync.RWMutex
	backend Backend
	chainID *big.Int
	key     *ecdsa.PrivateKey
	wallet  common.Address

	// txMu serializes nonce assignment, signing and broadcast.
	txMu       sync.Mutex
	nextNonce  uint64
	nonceKnown bool
}

// NewGateway creates a gateway. No connection is made until Connect.
func NewGateway(opts Options, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaultConfirmTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.ReceiptPoll <= 0 {
		opts.ReceiptPoll = defaultReceiptPoll
	}
	if opts.Dialer == nil {
		opts.Dialer = DialEthclient
	}
	return &Gateway{opts: opts, logger: logger}
}

// Connect loads the wallet key and dials the node. Failures are fatal init errors.
func (g *Gateway) Connect(ctx context.Context) error {
	keyHex := strings.TrimPrefix(strings.TrimSpace(g.opts.PrivateKey), "0x")
	if keyHex == "" {
		return domain.Errorf(domain.KindFatalInit, "private key is not configured")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return domain.Wrap(domain.KindFatalInit, err, "parse private key")
	}

	backend, err := g.opts.Dialer(ctx, g.opts.URL)
	if err != nil {
		return domain.Wrap(domain.KindFatalInit, err, "dial node")
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		backend.Close()
		return domain.Wrap(domain.KindFatalInit, err, "query chain id")
	}
	head, err := backend.BlockNumber(ctx)
	if err != nil {
		backend.Close()
		return domain.Wrap(domain.KindFatalInit, err, "query block number")
	}

	g.mu.Lock()
	if g.backend != nil {
		g.backend.Close()
	}
	g.backend = backend
	g.chainID = chainID
	g.key = key
	g.wallet = crypto.PubkeyToAddress(key.PublicKey)
	g.mu.Unlock()

	g.txMu.Lock()
	g.nonceKnown = false
	g.txMu.Unlock()

	g.logger.Info("connected to node",
		zap.String("chain_id", chainID.String()),
		zap.Uint64("block", head),
		zap.String("wallet", g.wallet.Hex()))

	return nil
}

// Close releases the node connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.backend != nil {
		g.backend.Close()
		g.backend = nil
	}
}

// Wallet returns the bot wallet address.
func (g *Gateway) Wallet() common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.wallet
}

// Router returns the configured router address.
func (g *Gateway) Router() common.Address { return g.opts.Router }

// BaseToken returns the configured base asset address.
func (g *Gateway) BaseToken() common.Address { return g.opts.BaseToken }

func (g *Gateway) client() (Backend, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.backend == nil {
		return nil, domain.Errorf(domain.KindConnection, "not connected")
	}
	return g.backend, nil
}

func (g *Gateway) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	backend, err := g.client()
	if err != nil {
		return nil, err
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s on %s", method, to.Hex())
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	return values, nil
}

func (g *Gateway) callBigInt(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (*big.Int, error) {
	values, err := g.call(ctx, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errors.Errorf("%s returned no values", method)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.Errorf("%s returned %T", method, values[0])
	}
	return v, nil
}

func (g *Gateway) callAddress(ctx context.Context, contract abi.ABI, to common.Address, method string) (common.Address, error) {
	values, err := g.call(ctx, contract, to, method)
	if err != nil {
		return common.Address{}, err
	}
	if len(values) == 0 {
		return common.Address{}, errors.Errorf("%s returned no values", method)
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, errors.Errorf("%s returned %T", method, values[0])
	}
	return addr, nil
}

// HasCode reports whether a contract is deployed at addr.
func (g *Gateway) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	backend, err := g.client()
	if err != nil {
		return false, err
	}
	code, err := backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, errors.Wrapf(err, "get code at %s", addr.Hex())
	}
	return len(code) > 0, nil
}

// PoolTokens reads token0 and token1 from the pool contract.
func (g *Gateway) PoolTokens(ctx context.Context, pool common.Address) (common.Address, common.Address, error) {
	token0, err := g.callAddress(ctx, pairABI, pool, "token0")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	token1, err := g.callAddress(ctx, pairABI, pool, "token1")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return token0, token1, nil
}

// Reserves reads the pool reserves in token0, token1 order.
func (g *Gateway) Reserves(ctx context.Context, pool common.Address) (*big.Int, *big.Int, error) {
	values, err := g.call(ctx, pairABI, pool, "getReserves")
	if err != nil {
		return nil, nil, err
	}
	if len(values) < 2 {
		return nil, nil, errors.New("getReserves returned too few values")
	}
	r0, ok0 := values[0].(*big.Int)
	r1, ok1 := values[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, errors.Errorf("getReserves returned %T, %T", values[0], values[1])
	}
	return r0, r1, nil
}

// AmountsOut quotes a swap of amountIn along path through the router.
func (g *Gateway) AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	values, err := g.call(ctx, routerABI, g.opts.Router, "getAmountsOut", amountIn, path)
	if err != nil {
		return nil, err
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok {
		return nil, errors.Errorf("getAmountsOut returned %T", values[0])
	}
	if len(amounts) != len(path) {
		return nil, errors.Errorf("getAmountsOut returned %d amounts for path of %d", len(amounts), len(path))
	}
	return amounts, nil
}

// BalanceOf reads an ERC20 balance.
func (g *Gateway) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return g.callBigInt(ctx, erc20ABI, token, "balanceOf", owner)
}

// Allowance reads an ERC20 allowance.
func (g *Gateway) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return g.callBigInt(ctx, erc20ABI, token, "allowance", owner, spender)
}

// FeeEstimate samples the latest base fee and the suggested priority fee.
// MaxFee is 2*base+priority.
func (g *Gateway) FeeEstimate(ctx context.Context) (FeeEstimate, error) {
	backend, err := g.client()
	if err != nil {
		return FeeEstimate{}, err
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return FeeEstimate{}, errors.Wrap(err, "fetch latest header")
	}
	if head.BaseFee == nil {
		return FeeEstimate{}, errors.New("latest header has no base fee")
	}
	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return FeeEstimate{}, errors.Wrap(err, "suggest gas tip cap")
	}

	maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)

	return FeeEstimate{BaseFee: new(big.Int).Set(head.BaseFee), MaxFee: maxFee, Priority: tip}, nil
}

// EstimateGas simulates call from the wallet without broadcasting it.
func (g *Gateway) EstimateGas(ctx context.Context, call CallSpec) (uint64, error) {
	backend, err := g.client()
	if err != nil {
		return 0, err
	}
	to := call.To
	gas, err := backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.Wallet(),
		To:    &to,
		Value: call.Value,
		Data:  call.Data,
	})
	if err != nil {
		return 0, errors.Wrapf(err, "estimate gas for call to %s", to.Hex())
	}
	return gas, nil
}

// Submit signs and broadcasts call, then blocks until it is mined.
// A reverted or unconfirmed transaction is a transaction error.
func (g *Gateway) Submit(ctx context.Context, call CallSpec) (*types.Receipt, error) {
	backend, err := g.client()
	if err != nil {
		return nil, domain.Wrap(domain.KindTransaction, err, "submit")
	}

	tx, err := g.signAndSend(ctx, backend, call)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransaction, err, "broadcast transaction")
	}
	g.logger.Info("transaction broadcast",
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("nonce", tx.Nonce()),
		zap.String("to", call.To.Hex()))

	receipt, err := g.waitMined(ctx, tx.Hash())
	if err != nil {
		// the node may have dropped the transaction; resync the nonce from it
		g.txMu.Lock()
		g.nonceKnown = false
		g.txMu.Unlock()
		return nil, domain.Wrap(domain.KindTransaction, err, "wait for "+tx.Hash().Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, domain.Errorf(domain.KindTransaction, "transaction %s reverted", tx.Hash().Hex())
	}

	g.logger.Info("transaction confirmed",
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("gas_used", receipt.GasUsed))

	return receipt, nil
}

func (g *Gateway) signAndSend(ctx context.Context, backend Backend, call CallSpec) (*types.Transaction, error) {
	g.mu.RLock()
	key, chainID, wallet := g.key, g.chainID, g.wallet
	g.mu.RUnlock()
	if key == nil || chainID == nil {
		return nil, errors.New("wallet is not initialized")
	}
	if call.MaxFee == nil || call.Priority == nil {
		return nil, errors.New("fee is not set")
	}

	g.txMu.Lock()
	defer g.txMu.Unlock()

	pending, err := backend.PendingNonceAt(ctx, wallet)
	if err != nil {
		return nil, errors.Wrap(err, "fetch pending nonce")
	}
	nonce := pending
	if g.nonceKnown && g.nextNonce > pending {
		nonce = g.nextNonce
	}

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	to := call.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: call.Priority,
		GasFeeCap: call.MaxFee,
		Gas:       call.GasLimit,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, errors.Wrap(err, "sign transaction")
	}

	if err := backend.SendTransaction(ctx, signed); err != nil {
		g.nonceKnown = false
		return nil, errors.Wrap(err, "send transaction")
	}

	g.nextNonce = nonce + 1
	g.nonceKnown = true

	return signed, nil
}

// waitMined polls for the receipt through whichever backend is current, so a reconnect
// in the middle of the wait does not lose the transaction.
func (g *Gateway) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.opts.ReceiptPoll)
	defer ticker.Stop()

	for {
		var (
			receipt *types.Receipt
			err     error
		)
		backend, err := g.client()
		if err == nil {
			receipt, err = backend.TransactionReceipt(ctx, hash)
		}
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			g.logger.Debug("receipt lookup failed", zap.String("tx", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "receipt not available")
		case <-ticker.C:
		}
	}
}
