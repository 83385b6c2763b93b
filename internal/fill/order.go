// Package fill executes individually signed orders through the relay
// contract after rewriting their embedded router multicall.
package fill

import (
	"bytes"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"intent-relayer/internal/contracts"
	"intent-relayer/internal/errs"
)

// OrderPayload is the wire shape of an order inside a fill request.
type OrderPayload struct {
	InfoPayload      string `json:"infoPayload"`
	Signature        string `json:"signature"`
	MulticallPayload string `json:"multicallPayload"`
	TokenInAddress   string `json:"tokenInAddress"`
	TokenOutAddress  string `json:"tokenOutAddress"`
	Account          string `json:"account"`

	// TypedData is the EIP-712 form of the order. When present the signature
	// must recover to Account before anything touches the chain.
	TypedData *apitypes.TypedData `json:"typedData,omitempty"`
}

// Request is the body of a fill call.
type Request struct {
	Order   *OrderPayload `json:"order"`
	ChainID *int64        `json:"chainId"`
}

// Order is a validated, decoded signed order.
type Order struct {
	InfoPayload      []byte
	Signature        []byte
	MulticallPayload []byte
	TokenIn          common.Address
	TokenOut         common.Address
	Account          common.Address
}

// Parse validates the request against the chain this process serves.
// Malformed fields fail with INVALID_ARGUMENT; a chain the process has no
// route for fails with UNAVAILABLE.
func (r Request) Parse(chainID *big.Int) (Order, error) {
	if r.Order == nil {
		return Order{}, errs.New(errs.CodeInvalidArgument, "missing order")
	}
	if r.ChainID == nil {
		return Order{}, errs.New(errs.CodeInvalidArgument, "missing or invalid chainId")
	}
	if chainID == nil || big.NewInt(*r.ChainID).Cmp(chainID) != 0 {
		return Order{}, errs.Newf(errs.CodeUnavailable, "no rpc route for chain %d", *r.ChainID)
	}

	o := r.Order
	var (
		order Order
		err   error
	)
	if order.InfoPayload, err = decodeHexField("infoPayload", o.InfoPayload); err != nil {
		return Order{}, err
	}
	if order.Signature, err = decodeHexField("signature", o.Signature); err != nil {
		return Order{}, err
	}
	if order.MulticallPayload, err = decodeHexField("multicallPayload", o.MulticallPayload); err != nil {
		return Order{}, err
	}
	if order.TokenIn, err = parseAddressField("tokenInAddress", o.TokenInAddress); err != nil {
		return Order{}, err
	}
	if order.TokenOut, err = parseAddressField("tokenOutAddress", o.TokenOutAddress); err != nil {
		return Order{}, err
	}
	if order.Account, err = parseAddressField("account", o.Account); err != nil {
		return Order{}, err
	}
	if order.Account == (common.Address{}) {
		return Order{}, errs.New(errs.CodeInvalidArgument, "account cannot be the zero address")
	}
	if o.TypedData != nil {
		if err := VerifyTypedSignature(order.Account, *o.TypedData, order.Signature); err != nil {
			return Order{}, err
		}
	}
	return order, nil
}

func decodeHexField(name, value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errs.Newf(errs.CodeInvalidArgument, "missing %s", name)
	}
	raw, err := hexutil.Decode(value)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidArgument, err, "invalid "+name)
	}
	if len(raw) == 0 {
		return nil, errs.Newf(errs.CodeInvalidArgument, "empty %s", name)
	}
	return raw, nil
}

func parseAddressField(name, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, errs.Newf(errs.CodeInvalidArgument, "missing or invalid %s", name)
	}
	return common.HexToAddress(value), nil
}

// RewriteMulticall checks the multicall selector, decodes the inner calls
// and replaces every occurrence of account's 20 address bytes with relay.
// The selector is checked before any decoding.
func RewriteMulticall(payload []byte, account, relay common.Address) ([][]byte, error) {
	if !contracts.HasMulticallSelector(payload) {
		return nil, errs.Newf(errs.CodeInvalidPayload, "invalid multicall calldata: expected selector %s", hexutil.Encode(contracts.MulticallSelector))
	}
	mc, err := contracts.DecodeMulticall(payload)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidPayload, err, "invalid multicall calldata")
	}

	out := make([][]byte, len(mc.Calls))
	for i, call := range mc.Calls {
		out[i] = bytes.ReplaceAll(call, account.Bytes(), relay.Bytes())
	}
	return out, nil
}

// CallbackData builds the relay callback: the router approves tokenIn, the
// reactor approves tokenIn and tokenOut, followed by the rewritten calls.
func CallbackData(order Order, calls [][]byte) ([]byte, error) {
	data, err := contracts.EncodeCallback(
		[]common.Address{order.TokenIn},
		[]common.Address{order.TokenIn, order.TokenOut},
		calls,
	)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidPayload, err, "encode callback")
	}
	return data, nil
}
