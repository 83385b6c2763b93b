package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer abstracts transaction signing for an executor account.
type Signer interface {
	From() common.Address
	SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

// LocalSigner signs transactions with an in-memory secp256k1 key.
type LocalSigner struct {
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
}

func NewLocalSigner(chainID *big.Int, key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{
		chainID: new(big.Int).Set(chainID),
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (s *LocalSigner) From() common.Address { return s.from }

func (s *LocalSigner) SignTx(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
}

// ParseKeys builds one signer per hex private key. Blank items are ignored so
// a trailing comma in the environment does not break startup.
func ParseKeys(keys []string, chainID *big.Int) ([]Signer, error) {
	signers := make([]Signer, 0, len(keys))
	for i, raw := range keys {
		hexKey := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
		if hexKey == "" {
			continue
		}
		key, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return nil, fmt.Errorf("parse executor key #%d: %w", i, err)
		}
		signers = append(signers, NewLocalSigner(chainID, key))
	}
	return signers, nil
}

var _ Signer = (*LocalSigner)(nil)
