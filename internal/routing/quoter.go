// Package routing delegates swap route discovery to an external routing
// service and carries the serialized route it returns.
package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const quotePath = "/quote"

// ErrNoRoute is returned when the routing service finds no route.
var ErrNoRoute = errors.New("no route found")

// Token is a serialized route token.
type Token struct {
	ChainID  uint64 `json:"chainId"`
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// Pool is a serialized route hop. V2 pairs report fee 3000.
type Pool struct {
	Token0  Token  `json:"token0"`
	Token1  Token  `json:"token1"`
	Fee     int    `json:"fee"`
	Address string `json:"address,omitempty"`
}

// Route describes the best route: protocol is V2, V3 or MIXED.
type Route struct {
	Protocol  string  `json:"protocol"`
	TokenPath []Token `json:"tokenPath"`
	Pools     []Pool  `json:"pools"`
	MidPrice  string  `json:"midPrice"`
}

// BestPath carries the router calldata for the chosen route.
type BestPath struct {
	Input             string `json:"input"`
	Output            string `json:"output"`
	Calldata          string `json:"calldata"`
	Value             string `json:"value"`
	Route             Route  `json:"route"`
	SwapRouterAddress string `json:"swapRouterAddress"`
}

// Quote is the swap endpoint's response body.
type Quote struct {
	Recipient string   `json:"recipient"`
	BestPath  BestPath `json:"bestPath"`
}

// Quoter finds a route for a swap.
type Quoter interface {
	Quote(ctx context.Context, params SwapParams) (*Quote, error)
}

// Options parameterise the HTTP quoter.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// HTTPQuoter asks an external routing service for quotes.
type HTTPQuoter struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPQuoter constructs a quoter against opts.BaseURL.
func NewHTTPQuoter(opts Options, logger zerolog.Logger) *HTTPQuoter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPQuoter{
		opts:    opts,
		logger:  logger.With().Str("component", "routing").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Quote posts params to {base}/quote.
func (q *HTTPQuoter) Quote(ctx context.Context, params SwapParams) (*Quote, error) {
	reqPayload := quoteRequest{
		ChainID:             params.ChainID,
		InputTokenAddress:   params.InputToken.Hex(),
		OutputTokenAddress:  params.OutputToken.Hex(),
		InputTokenDecimals:  params.InputDecimals,
		OutputTokenDecimals: params.OutputDecimals,
		InputTokenSymbol:    params.InputSymbol,
		OutputTokenSymbol:   params.OutputSymbol,
		AmountIn:            params.AmountIn.String(),
		Recipient:           params.Recipient.Hex(),
		SlippageBps:         params.SlippageBps,
		Deadline:            params.Deadline.Unix(),
		IsExactIn:           params.ExactIn,
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+quotePath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(q.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "intent-relayer/1.0")
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoRoute
	case resp.StatusCode != http.StatusOK:
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var quote Quote
	if err := json.Unmarshal(payload, &quote); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	if quote.BestPath.Calldata == "" {
		return nil, ErrNoRoute
	}

	q.logger.Debug().
		Str("input", quote.BestPath.Input).
		Str("output", quote.BestPath.Output).
		Str("protocol", quote.BestPath.Route.Protocol).
		Int("hops", len(quote.BestPath.Route.Pools)).
		Msg("route found")
	return &quote, nil
}

type quoteRequest struct {
	ChainID             uint64 `json:"chainId"`
	InputTokenAddress   string `json:"inputTokenAddress"`
	OutputTokenAddress  string `json:"outputTokenAddress"`
	InputTokenDecimals  int    `json:"inputTokenDecimals"`
	OutputTokenDecimals int    `json:"outputTokenDecimals"`
	InputTokenSymbol    string `json:"inputTokenSymbol"`
	OutputTokenSymbol   string `json:"outputTokenSymbol"`
	AmountIn            string `json:"amountIn"`
	Recipient           string `json:"recipient"`
	SlippageBps         int64  `json:"slippageBps"`
	Deadline            int64  `json:"deadline"`
	IsExactIn           bool   `json:"isExactIn"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("routing api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("routing api error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("routing api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("routing api error (%d)", status)
}

var _ Quoter = (*HTTPQuoter)(nil)
