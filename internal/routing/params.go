package routing

import (
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"intent-relayer/internal/errs"
)

// Defaults fill swap parameters the caller leaves out.
type Defaults struct {
	ChainID     uint64
	SlippageBps int64
	Deadline    time.Duration
}

// SwapParams is a validated quote request.
type SwapParams struct {
	ChainID        uint64
	InputToken     common.Address
	OutputToken    common.Address
	InputDecimals  int
	OutputDecimals int
	InputSymbol    string
	OutputSymbol   string
	AmountIn       *big.Int
	Recipient      common.Address
	SlippageBps    int64
	Deadline       time.Time
	ExactIn        bool
}

// SlippagePercent renders the tolerance in percent, e.g. 50 bps -> 0.5.
func (p SwapParams) SlippagePercent() decimal.Decimal {
	return decimal.New(p.SlippageBps, -2)
}

// ValuesFromQuery flattens query parameters to their first value.
func ValuesFromQuery(q url.Values) map[string]any {
	out := make(map[string]any, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// ParseSwapParams validates raw swap parameters from a query string or JSON
// body. Missing optional values take the supplied defaults.
func ParseSwapParams(src map[string]any, now time.Time, d Defaults) (SwapParams, error) {
	inputToken := str(src, "inputTokenAddress")
	outputToken := str(src, "outputTokenAddress")
	amountIn := str(src, "amountIn")
	recipient := str(src, "recipient")
	if inputToken == "" || outputToken == "" || amountIn == "" || recipient == "" {
		return SwapParams{}, errs.New(errs.CodeInvalidArgument,
			"Missing required parameters: inputTokenAddress, outputTokenAddress, amountIn, recipient")
	}
	if !common.IsHexAddress(recipient) || common.HexToAddress(recipient) == (common.Address{}) {
		return SwapParams{}, errs.New(errs.CodeInvalidArgument, "Invalid recipient address")
	}
	if !common.IsHexAddress(inputToken) || !common.IsHexAddress(outputToken) {
		return SwapParams{}, errs.New(errs.CodeInvalidArgument, "Invalid token address")
	}

	amount, ok := new(big.Int).SetString(amountIn, 10)
	if !ok || amount.Sign() <= 0 {
		return SwapParams{}, errs.Newf(errs.CodeInvalidArgument, "invalid amountIn %q", amountIn)
	}

	p := SwapParams{
		InputToken:   common.HexToAddress(inputToken),
		OutputToken:  common.HexToAddress(outputToken),
		AmountIn:     amount,
		Recipient:    common.HexToAddress(recipient),
		InputSymbol:  strOr(src, "inputTokenSymbol", "INPUT"),
		OutputSymbol: strOr(src, "outputTokenSymbol", "OUTPUT"),
		ExactIn:      parseBool(src, "isExactIn", true),
	}

	var err error
	if p.InputDecimals, err = intOr(src, "inputTokenDecimals", 18); err != nil {
		return SwapParams{}, err
	}
	if p.OutputDecimals, err = intOr(src, "outputTokenDecimals", 18); err != nil {
		return SwapParams{}, err
	}

	slippage, err := intOr(src, "slippageTolerance", int(d.SlippageBps))
	if err != nil {
		return SwapParams{}, err
	}
	if slippage < 0 || slippage > 10000 {
		return SwapParams{}, errs.Newf(errs.CodeInvalidArgument, "slippageTolerance %d out of range", slippage)
	}
	p.SlippageBps = int64(slippage)

	deadlineMinutes, err := intOr(src, "deadlineMinutes", int(d.Deadline/time.Minute))
	if err != nil {
		return SwapParams{}, err
	}
	p.Deadline = now.Add(time.Duration(deadlineMinutes) * time.Minute).Truncate(time.Second)

	chainID, err := intOr(src, "chainId", int(d.ChainID))
	if err != nil {
		return SwapParams{}, err
	}
	if chainID <= 0 {
		return SwapParams{}, errs.New(errs.CodeInvalidArgument, "missing chainId")
	}
	p.ChainID = uint64(chainID)

	return p, nil
}

func str(src map[string]any, key string) string {
	switch v := src[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func strOr(src map[string]any, key, fallback string) string {
	if v := str(src, key); v != "" {
		return v
	}
	return fallback
}

func intOr(src map[string]any, key string, fallback int) (int, error) {
	raw := str(src, key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.Newf(errs.CodeInvalidArgument, "invalid %s %q", key, raw)
	}
	return n, nil
}

// parseBool accepts booleans and the strings "true" and "1"; any other
// string is false.
func parseBool(src map[string]any, key string, fallback bool) bool {
	switch v := src[key].(type) {
	case nil:
		return fallback
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true") || v == "1"
	case float64:
		return v != 0
	default:
		return fallback
	}
}
