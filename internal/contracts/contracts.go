// Package contracts holds the ABI definitions and calldata codecs for the
// batch contract, the order relay and the swap router multicall.
package contracts

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const batchABIJSON = `[
  {"type":"function","name":"executeIntent","stateMutability":"nonpayable",
   "inputs":[{"name":"users","type":"address[]"}],"outputs":[]}
]`

const relayABIJSON = `[
  {"type":"function","name":"execute","stateMutability":"nonpayable",
   "inputs":[
     {"name":"order","type":"tuple","components":[
       {"name":"order","type":"bytes"},
       {"name":"sig","type":"bytes"}]},
     {"name":"callbackData","type":"bytes"}],
   "outputs":[]}
]`

const multicallABIJSON = `[
  {"type":"function","name":"multicall","stateMutability":"payable",
   "inputs":[{"name":"deadline","type":"uint256"},{"name":"data","type":"bytes[]"}],
   "outputs":[{"name":"results","type":"bytes[]"}]}
]`

// MulticallSelector is the 4-byte selector of multicall(uint256,bytes[]).
var MulticallSelector = []byte{0x5a, 0xe4, 0x01, 0xdc}

var (
	BatchABI     = mustParse(batchABIJSON)
	RelayABI     = mustParse(relayABIJSON)
	MulticallABI = mustParse(multicallABIJSON)

	callbackArgs = mustArguments("address[]", "address[]", "bytes[]")
)

// SignedOrder mirrors the relay's (bytes order, bytes sig) tuple.
type SignedOrder struct {
	Order []byte
	Sig   []byte
}

// Multicall is a decoded multicall(uint256 deadline, bytes[] data) call.
type Multicall struct {
	Deadline *big.Int
	Calls    [][]byte
}

// PackExecuteIntent encodes executeIntent(users).
func PackExecuteIntent(users []common.Address) ([]byte, error) {
	data, err := BatchABI.Pack("executeIntent", users)
	if err != nil {
		return nil, fmt.Errorf("pack executeIntent: %w", err)
	}
	return data, nil
}

// PackExecute encodes execute((order, sig), callbackData).
func PackExecute(order SignedOrder, callbackData []byte) ([]byte, error) {
	data, err := RelayABI.Pack("execute", order, callbackData)
	if err != nil {
		return nil, fmt.Errorf("pack execute: %w", err)
	}
	return data, nil
}

// HasMulticallSelector reports whether calldata starts with the multicall selector.
func HasMulticallSelector(calldata []byte) bool {
	return bytes.HasPrefix(calldata, MulticallSelector)
}

// DecodeMulticall decodes multicall calldata. The caller checks the selector first.
func DecodeMulticall(calldata []byte) (Multicall, error) {
	if len(calldata) < 4 {
		return Multicall{}, fmt.Errorf("calldata too short: %d bytes", len(calldata))
	}
	method := MulticallABI.Methods["multicall"]
	values, err := method.Inputs.Unpack(calldata[4:])
	if err != nil {
		return Multicall{}, fmt.Errorf("decode multicall: %w", err)
	}
	if len(values) != 2 {
		return Multicall{}, fmt.Errorf("decode multicall: expected 2 values, got %d", len(values))
	}
	deadline, ok := values[0].(*big.Int)
	if !ok {
		return Multicall{}, fmt.Errorf("decode multicall: unexpected deadline type %T", values[0])
	}
	calls, ok := values[1].([][]byte)
	if !ok {
		return Multicall{}, fmt.Errorf("decode multicall: unexpected data type %T", values[1])
	}
	return Multicall{Deadline: deadline, Calls: calls}, nil
}

// PackMulticall encodes multicall(deadline, calls) including the selector.
func PackMulticall(deadline *big.Int, calls [][]byte) ([]byte, error) {
	data, err := MulticallABI.Pack("multicall", deadline, calls)
	if err != nil {
		return nil, fmt.Errorf("pack multicall: %w", err)
	}
	return data, nil
}

// EncodeCallback encodes the relay callback payload:
// abi.encode(address[] approveSwapRouter, address[] approveReactor, bytes[] calls).
func EncodeCallback(approveRouter, approveReactor []common.Address, calls [][]byte) ([]byte, error) {
	data, err := callbackArgs.Pack(approveRouter, approveReactor, calls)
	if err != nil {
		return nil, fmt.Errorf("encode callback: %w", err)
	}
	return data, nil
}

// DecodeCallback is the inverse of EncodeCallback.
func DecodeCallback(data []byte) ([]common.Address, []common.Address, [][]byte, error) {
	values, err := callbackArgs.Unpack(data)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode callback: %w", err)
	}
	router, ok1 := values[0].([]common.Address)
	reactor, ok2 := values[1].([]common.Address)
	calls, ok3 := values[2].([][]byte)
	if !ok1 || !ok2 || !ok3 {
		return nil, nil, nil, fmt.Errorf("decode callback: unexpected value types")
	}
	return router, reactor, calls, nil
}

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(fmt.Sprintf("abi type %s: %v", t, err))
		}
		args[i] = abi.Argument{Type: typ}
	}
	return args
}
