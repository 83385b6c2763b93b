// Package fees derives gas pricing and gas limits for outgoing transactions.
package fees

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	DefaultMaxFeeMultiplier = 3
	DefaultLegacyMultiplier = 1
	DefaultGasMarginPct     = 20
)

// Source supplies the network fee inputs. *chain.Client satisfies it.
type Source interface {
	LatestBaseFee(ctx context.Context) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
}

// Params are the fee fields for one submission. Legacy marks chains without a
// base fee, where MaxFeePerGas is used as the gas price.
type Params struct {
	MaxFeePerGas      *big.Int
	PriorityFeePerGas *big.Int
	Legacy            bool
}

// Options tune the policy. Non-positive multipliers select the defaults; a
// negative GasMarginPct selects the default margin, zero means no margin.
type Options struct {
	MaxFeeMultiplier int64
	LegacyMultiplier int64
	GasMarginPct     int64
}

// Policy computes Params and gas limits.
type Policy struct {
	source     Source
	multiplier int64
	legacyMul  int64
	marginPct  uint64
}

// DefaultOptions returns the stock multipliers and margin.
func DefaultOptions() Options {
	return Options{
		MaxFeeMultiplier: DefaultMaxFeeMultiplier,
		LegacyMultiplier: DefaultLegacyMultiplier,
		GasMarginPct:     DefaultGasMarginPct,
	}
}

func NewPolicy(source Source, opts Options) *Policy {
	p := &Policy{
		source:     source,
		multiplier: opts.MaxFeeMultiplier,
		legacyMul:  opts.LegacyMultiplier,
		marginPct:  DefaultGasMarginPct,
	}
	if p.multiplier <= 0 {
		p.multiplier = DefaultMaxFeeMultiplier
	}
	if p.legacyMul <= 0 {
		p.legacyMul = DefaultLegacyMultiplier
	}
	if opts.GasMarginPct >= 0 {
		p.marginPct = uint64(opts.GasMarginPct)
	}
	return p
}

// Suggest reads the latest base fee and returns max fee = multiplier x base
// with a zero priority fee. Without a base fee it falls back to the node's gas
// price scaled by the legacy multiplier, since a legacy gas price is paid in
// full rather than capped.
func (p *Policy) Suggest(ctx context.Context) (Params, error) {
	base, err := p.source.LatestBaseFee(ctx)
	if err != nil {
		return Params{}, err
	}
	multiplier := p.multiplier
	legacy := false
	if base == nil {
		base, err = p.source.GasPrice(ctx)
		if err != nil {
			return Params{}, err
		}
		multiplier = p.legacyMul
		legacy = true
	}
	if base == nil || base.Sign() < 0 {
		return Params{}, fmt.Errorf("invalid base fee %v", base)
	}
	return Params{
		MaxFeePerGas:      new(big.Int).Mul(base, big.NewInt(multiplier)),
		PriorityFeePerGas: big.NewInt(0),
		Legacy:            legacy,
	}, nil
}

// GasLimit adds the safety margin to an estimate, rounding down.
func (p *Policy) GasLimit(estimate uint64) uint64 {
	return estimate + estimate*p.marginPct/100
}

// CallMsg builds an estimation/simulation message carrying the same fee
// fields the transaction will be sent with.
func CallMsg(from, to common.Address, data []byte, params Params) ethereum.CallMsg {
	msg := ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	}
	if params.Legacy {
		msg.GasPrice = params.MaxFeePerGas
		return msg
	}
	msg.GasFeeCap = params.MaxFeePerGas
	msg.GasTipCap = params.PriorityFeePerGas
	return msg
}

var gweiExp = int32(-9)

// GweiDecimal converts wei to gwei. A nil amount is zero.
func GweiDecimal(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, gweiExp)
}

// Gwei renders a wei amount in gwei for logs and reports.
func Gwei(wei *big.Int) string {
	if wei == nil {
		return "-"
	}
	return GweiDecimal(wei).String()
}

// Ether renders a wei amount in ether.
func Ether(wei *big.Int) string {
	if wei == nil {
		return "-"
	}
	return decimal.NewFromBigInt(wei, -18).StringFixed(6)
}
