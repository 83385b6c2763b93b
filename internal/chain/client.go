package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"intent-relayer/internal/executor"
)

// ErrReverted is returned when a mined transaction has a failed receipt status.
var ErrReverted = errors.New("transaction reverted")

// ErrConfirmationTimeout is returned when no receipt shows up in time.
var ErrConfirmationTimeout = errors.New("timed out waiting for confirmation")

// Backend is the subset of ethclient.Client the adapter relies on.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Options parameterise the chain adapter.
type Options struct {
	RPCURL         string
	ChainID        uint64
	RequestTimeout time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Client wraps a single RPC endpoint.
type Client struct {
	opts    Options
	backend Backend
	chainID *big.Int
	closer  func()
	logger  zerolog.Logger

	// per-account submission locks, keyed by common.Address
	sendLocks sync.Map
}

// Submission describes a contract call to sign and broadcast.
type Submission struct {
	Signer    executor.Signer
	To        common.Address
	Data      []byte
	Gas       uint64
	GasFeeCap *big.Int
	GasTipCap *big.Int
	Legacy    bool
}

// Dial connects to opts.RPCURL and checks the endpoint serves the configured chain.
func Dial(ctx context.Context, opts Options, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(opts.RPCURL) == "" {
		return nil, errors.New("chain rpc url not configured")
	}

	eth, err := ethclient.DialContext(ctx, opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	c := New(eth, opts, logger)
	c.closer = eth.Close

	rpcChainID, err := c.fetchChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, err
	}
	if opts.ChainID == 0 {
		c.chainID = rpcChainID
		c.logger.Info().Str("chain_id", rpcChainID.String()).Msg("auto-detected chain id")
	} else if rpcChainID.Uint64() != opts.ChainID {
		eth.Close()
		return nil, fmt.Errorf("rpc endpoint serves chain %s, configured %d", rpcChainID, opts.ChainID)
	}
	return c, nil
}

// New wraps an existing backend. Zero durations fall back to defaults.
func New(backend Backend, opts Options, logger zerolog.Logger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Client{
		opts:    opts,
		backend: backend,
		chainID: new(big.Int).SetUint64(opts.ChainID),
		logger:  logger.With().Str("component", "chain").Logger(),
	}
}

// Close releases the underlying connection when the client owns one.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// ChainID returns the chain the client is bound to.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *Client) fetchChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	return id, nil
}

// LatestBaseFee returns the base fee of the latest header, or nil when the
// chain does not expose one.
func (c *Client) LatestBaseFee(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch latest header: %w", err)
	}
	if head == nil || head.BaseFee == nil {
		return nil, nil
	}
	return new(big.Int).Set(head.BaseFee), nil
}

// GasPrice returns the node's legacy gas price suggestion.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return price, nil
}

// EstimateGas estimates msg. Reverts during estimation surface as *RevertError.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, asRevert(err)
	}
	return gas, nil
}

// Simulate performs a state-simulating eth_call against the latest block.
// A revert comes back as *RevertError carrying the decoded reason.
func (c *Client) Simulate(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	out, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, asRevert(err)
	}
	return out, nil
}

// Balance returns the latest balance of account in wei.
func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	bal, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	return bal, nil
}

// Submit signs and broadcasts sub. Submissions from the same account are
// serialised from nonce lookup through broadcast so concurrent callers never
// reuse a nonce.
func (c *Client) Submit(ctx context.Context, sub Submission) (*types.Transaction, error) {
	if sub.Signer == nil {
		return nil, errors.New("submission has no signer")
	}
	from := sub.Signer.From()

	lock := c.sendLock(from)
	lock.Lock()
	defer lock.Unlock()

	reqCtx, cancel := c.requestContext(ctx)
	nonce, err := c.backend.PendingNonceAt(reqCtx, from)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch nonce for %s: %w", from.Hex(), err)
	}

	to := sub.To
	var txData types.TxData
	if sub.Legacy {
		txData = &types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    big.NewInt(0),
			Gas:      sub.Gas,
			GasPrice: sub.GasFeeCap,
			Data:     sub.Data,
		}
	} else {
		txData = &types.DynamicFeeTx{
			ChainID:   c.ChainID(),
			Nonce:     nonce,
			To:        &to,
			Value:     big.NewInt(0),
			Gas:       sub.Gas,
			GasTipCap: sub.GasTipCap,
			GasFeeCap: sub.GasFeeCap,
			Data:      sub.Data,
		}
	}

	signed, err := sub.Signer.SignTx(ctx, types.NewTx(txData))
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}

	reqCtx, cancel = c.requestContext(ctx)
	defer cancel()
	if err := c.backend.SendTransaction(reqCtx, signed); err != nil {
		return nil, fmt.Errorf("send tx %s: %w", signed.Hash().Hex(), err)
	}

	c.logger.Info().
		Str("tx_hash", signed.Hash().Hex()).
		Str("from", from.Hex()).
		Str("to", to.Hex()).
		Uint64("nonce", nonce).
		Uint64("gas_limit", sub.Gas).
		Msg("transaction submitted")
	return signed, nil
}

// WaitConfirmed polls for the receipt of hash until it is mined or the
// confirmation timeout elapses. A mined transaction with failed status
// returns the receipt together with ErrReverted.
func (c *Client) WaitConfirmed(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("tx %s: %w", hash.Hex(), ErrReverted)
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Str("tx_hash", hash.Hex()).Msg("receipt lookup failed, retrying")
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("tx %s: %w", hash.Hex(), ErrConfirmationTimeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) sendLock(addr common.Address) *sync.Mutex {
	lock, _ := c.sendLocks.LoadOrStore(addr, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.RequestTimeout)
}
