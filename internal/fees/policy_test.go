package fees

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type stubSource struct {
	base     *big.Int
	price    *big.Int
	baseErr  error
	priceErr error
	priceHit int
}

func (s *stubSource) LatestBaseFee(context.Context) (*big.Int, error) { return s.base, s.baseErr }

func (s *stubSource) GasPrice(context.Context) (*big.Int, error) {
	s.priceHit++
	return s.price, s.priceErr
}

func TestSuggestUsesBaseFee(t *testing.T) {
	src := &stubSource{base: big.NewInt(7_000_000_000), price: big.NewInt(1)}
	params, err := NewPolicy(src, Options{}).Suggest(context.Background())
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if params.MaxFeePerGas.Cmp(big.NewInt(21_000_000_000)) != 0 {
		t.Fatalf("expected 3x base fee, got %s", params.MaxFeePerGas)
	}
	if params.PriorityFeePerGas.Sign() != 0 {
		t.Fatalf("expected zero tip, got %s", params.PriorityFeePerGas)
	}
	if params.Legacy || src.priceHit != 0 {
		t.Fatal("gas price should not be consulted when a base fee exists")
	}
}

func TestSuggestFallsBackToGasPrice(t *testing.T) {
	src := &stubSource{price: big.NewInt(5)}
	params, err := NewPolicy(src, Options{MaxFeeMultiplier: 3}).Suggest(context.Background())
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if !params.Legacy || params.MaxFeePerGas.Int64() != 5 {
		t.Fatalf("legacy gas price should not take the max fee multiplier: %+v", params)
	}

	params, err = NewPolicy(src, Options{LegacyMultiplier: 2}).Suggest(context.Background())
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if params.MaxFeePerGas.Int64() != 10 {
		t.Fatalf("expected 2x gas price, got %s", params.MaxFeePerGas)
	}
}

func TestSuggestPropagatesErrors(t *testing.T) {
	boom := errors.New("rpc down")
	if _, err := NewPolicy(&stubSource{baseErr: boom}, Options{}).Suggest(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected base fee error, got %v", err)
	}
	if _, err := NewPolicy(&stubSource{priceErr: boom}, Options{}).Suggest(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected gas price error, got %v", err)
	}
}

func TestGasLimit(t *testing.T) {
	cases := []struct {
		margin   int64
		estimate uint64
		want     uint64
	}{
		{-1, 100_000, 120_000},
		{0, 100_000, 100_000},
		{20, 21_000, 25_200},
		{50, 10, 15},
		{20, 7, 8},
	}
	for _, tc := range cases {
		got := NewPolicy(&stubSource{}, Options{GasMarginPct: tc.margin}).GasLimit(tc.estimate)
		if got != tc.want {
			t.Fatalf("margin %d estimate %d: got %d want %d", tc.margin, tc.estimate, got, tc.want)
		}
	}
}

func TestCallMsgCarriesFees(t *testing.T) {
	from := common.HexToAddress("0x01")
	to := common.HexToAddress("0x02")
	params := Params{MaxFeePerGas: big.NewInt(9), PriorityFeePerGas: big.NewInt(0)}

	msg := CallMsg(from, to, []byte{0xaa}, params)
	if msg.GasFeeCap.Int64() != 9 || msg.GasTipCap.Sign() != 0 || msg.GasPrice != nil {
		t.Fatalf("unexpected dynamic fee msg %+v", msg)
	}
	if msg.From != from || *msg.To != to {
		t.Fatal("addresses not applied")
	}

	params.Legacy = true
	msg = CallMsg(from, to, nil, params)
	if msg.GasPrice.Int64() != 9 || msg.GasFeeCap != nil {
		t.Fatalf("unexpected legacy msg %+v", msg)
	}
}

func TestGwei(t *testing.T) {
	if got := Gwei(big.NewInt(1_500_000_000)); got != "1.5" {
		t.Fatalf("got %s", got)
	}
	if got := Gwei(nil); got != "-" {
		t.Fatalf("got %s", got)
	}
	if got := Ether(big.NewInt(1_000_000_000_000_000_000)); got != "1.000000" {
		t.Fatalf("got %s", got)
	}
}
