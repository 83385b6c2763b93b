// Package chaintest provides an in-memory chain.Backend for tests.
package chaintest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend records every call and answers from its configured fields.
// A nil BaseFee models a chain without EIP-1559 headers.
type Backend struct {
	mu sync.Mutex

	ChainIDValue  *big.Int
	BaseFee       *big.Int
	GasPriceValue *big.Int
	GasEstimate   uint64
	Balance       *big.Int

	HeaderErr   error
	EstimateErr error
	CallErr     error
	SendErr     error
	ReceiptErr  error

	// ReceiptStatus applies to every mined transaction.
	ReceiptStatus uint64
	// PendingPolls makes the first N receipt lookups report NotFound.
	PendingPolls int
	// NeverMine keeps every transaction pending.
	NeverMine bool
	// AfterSend runs once a transaction has been accepted.
	AfterSend func()

	Headers   int
	Estimates []ethereum.CallMsg
	Calls     []ethereum.CallMsg
	Sent      []*types.Transaction
	Receipts  int

	nonces map[common.Address]uint64
}

// NewBackend returns a backend on chainID with a 1 gwei base fee that mines
// every transaction successfully.
func NewBackend(chainID int64) *Backend {
	return &Backend{
		ChainIDValue:  big.NewInt(chainID),
		BaseFee:       big.NewInt(1_000_000_000),
		GasPriceValue: big.NewInt(2_000_000_000),
		GasEstimate:   100_000,
		Balance:       big.NewInt(1_000_000_000_000_000_000),
		ReceiptStatus: types.ReceiptStatusSuccessful,
		nonces:        make(map[common.Address]uint64),
	}
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.ChainIDValue), nil
}

func (b *Backend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Headers++
	if b.HeaderErr != nil {
		return nil, b.HeaderErr
	}
	h := &types.Header{Number: big.NewInt(100)}
	if b.BaseFee != nil {
		h.BaseFee = new(big.Int).Set(b.BaseFee)
	}
	return h, nil
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.GasPriceValue), nil
}

func (b *Backend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Estimates = append(b.Estimates, msg)
	if b.EstimateErr != nil {
		return 0, b.EstimateErr
	}
	return b.GasEstimate, nil
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, msg)
	if b.CallErr != nil {
		return nil, b.CallErr
	}
	return nil, nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SendErr != nil {
		return b.SendErr
	}
	from, err := types.Sender(types.LatestSignerForChainID(b.ChainIDValue), tx)
	if err != nil {
		return err
	}
	b.nonces[from] = tx.Nonce() + 1
	b.Sent = append(b.Sent, tx)
	if b.AfterSend != nil {
		b.AfterSend()
	}
	return nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Receipts++
	if b.ReceiptErr != nil {
		return nil, b.ReceiptErr
	}
	if b.NeverMine || b.PendingPolls > 0 {
		b.PendingPolls--
		return nil, ethereum.NotFound
	}
	for _, tx := range b.Sent {
		if tx.Hash() == txHash {
			return &types.Receipt{
				TxHash:      txHash,
				Status:      b.ReceiptStatus,
				BlockNumber: big.NewInt(101),
				GasUsed:     tx.Gas() / 2,
			}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (b *Backend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return new(big.Int).Set(b.Balance), nil
}

// SentCount returns the number of broadcast transactions.
func (b *Backend) SentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Sent)
}

// LastSent returns the most recent broadcast transaction.
func (b *Backend) LastSent() *types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Sent) == 0 {
		return nil
	}
	return b.Sent[len(b.Sent)-1]
}

// CallCount returns the number of eth_call simulations performed.
func (b *Backend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}

// HeaderCount returns the number of header lookups performed.
func (b *Backend) HeaderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Headers
}
