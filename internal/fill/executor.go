package fill

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"intent-relayer/internal/alerting"
	"intent-relayer/internal/chain"
	"intent-relayer/internal/contracts"
	"intent-relayer/internal/errs"
	"intent-relayer/internal/executor"
	"intent-relayer/internal/fees"
	"intent-relayer/internal/metrics"
	"intent-relayer/internal/storage"
)

// Chain is the slice of *chain.Client the fill path needs.
type Chain interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	Simulate(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	Submit(ctx context.Context, sub chain.Submission) (*types.Transaction, error)
	WaitConfirmed(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Options carries the relay target and optional collaborators.
type Options struct {
	Relay    common.Address
	ChainID  *big.Int
	Recorder storage.SettlementRecorder
	Notifier alerting.Notifier
	Metrics  *metrics.Metrics

	// DedupTTL keeps confirmed fills so a resubmitted order returns the
	// original transaction instead of reaching the chain again. Zero disables.
	DedupTTL  time.Duration
	DedupSize int
}

// Result describes a confirmed fill.
type Result struct {
	RequestID string
	TxHash    common.Hash
	Executor  common.Address
	Receipt   *types.Receipt
}

// Executor fills orders and is safe for concurrent use. The only state it
// keeps is the set of orders in flight and recently confirmed.
type Executor struct {
	chain  Chain
	fees   *fees.Policy
	pool   *executor.Pool
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	inflight map[common.Hash]struct{}
	filled   *expirable.LRU[common.Hash, Result]
}

func New(client Chain, policy *fees.Policy, pool *executor.Pool, opts Options, logger zerolog.Logger) *Executor {
	e := &Executor{
		chain:    client,
		fees:     policy,
		pool:     pool,
		opts:     opts,
		logger:   logger.With().Str("component", "fill").Logger(),
		inflight: make(map[common.Hash]struct{}),
	}
	if opts.DedupTTL > 0 {
		size := opts.DedupSize
		if size <= 0 {
			size = 4096
		}
		e.filled = expirable.NewLRU[common.Hash, Result](size, nil, opts.DedupTTL)
	}
	return e
}

// OrderKey identifies a signed order by its payload and signature.
func OrderKey(order Order) common.Hash {
	return crypto.Keccak256Hash(order.InfoPayload, order.Signature)
}

// claim marks order as in flight. It returns the cached result when the
// order was already confirmed.
func (e *Executor) claim(key common.Hash) (Result, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.filled != nil {
		if res, ok := e.filled.Get(key); ok {
			return res, true, nil
		}
	}
	if _, busy := e.inflight[key]; busy {
		return Result{}, false, errs.New(errs.CodeInvalidArgument, "order is already being filled")
	}
	e.inflight[key] = struct{}{}
	return Result{}, false, nil
}

func (e *Executor) release(key common.Hash, res *Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
	if res != nil && e.filled != nil {
		e.filled.Add(key, *res)
	}
}

// ChainID returns the chain fill requests must target.
func (e *Executor) ChainID() *big.Int { return e.opts.ChainID }

// Handle parses req and fills the order.
func (e *Executor) Handle(ctx context.Context, req Request) (Result, error) {
	order, err := req.Parse(e.opts.ChainID)
	if err != nil {
		return Result{}, err
	}
	return e.Fill(ctx, order)
}

// Fill rewrites the order's multicall to run against the relay, dry-runs
// execute(order, callback) and, only if the dry run succeeds, submits it and
// waits for the receipt.
func (e *Executor) Fill(ctx context.Context, order Order) (Result, error) {
	key := OrderKey(order)
	cached, done, err := e.claim(key)
	if err != nil {
		return Result{}, err
	}
	if done {
		e.logger.Info().Str("request_id", cached.RequestID).Str("tx_hash", cached.TxHash.Hex()).Msg("order already filled")
		return cached, nil
	}

	res, err := e.fill(ctx, order)
	if err != nil {
		e.release(key, nil)
		return Result{}, err
	}
	e.release(key, &res)
	return res, nil
}

func (e *Executor) fill(ctx context.Context, order Order) (Result, error) {
	requestID := uuid.NewString()
	logger := e.logger.With().
		Str("request_id", requestID).
		Str("account", order.Account.Hex()).
		Logger()

	calls, err := RewriteMulticall(order.MulticallPayload, order.Account, e.opts.Relay)
	if err != nil {
		return Result{}, err
	}
	callback, err := CallbackData(order, calls)
	if err != nil {
		return Result{}, err
	}
	data, err := contracts.PackExecute(contracts.SignedOrder{Order: order.InfoPayload, Sig: order.Signature}, callback)
	if err != nil {
		return Result{}, errs.Wrap(errs.CodeInvalidPayload, err, "encode relay call")
	}

	binding := e.pool.Next()
	from := binding.Signer.From()
	rec := storage.Settlement{
		RequestID: requestID,
		Kind:      storage.KindFill,
		Executor:  from.Hex(),
		Contract:  e.opts.Relay.Hex(),
		Users:     []string{order.Account.Hex()},
	}

	relay := e.opts.Relay
	dryRun := ethereum.CallMsg{From: from, To: &relay, Value: big.NewInt(0), Data: data}
	if _, err := e.chain.Simulate(ctx, dryRun); err != nil {
		return Result{}, e.simulationFailure(ctx, logger, rec, err)
	}
	logger.Debug().Str("executor", from.Hex()).Int("calls", len(calls)).Msg("dry run succeeded")

	params, err := e.fees.Suggest(ctx)
	if err != nil {
		return Result{}, e.submissionFailure(ctx, logger, rec, err, "fetch fee parameters")
	}
	rec.MaxFeeGwei = fees.GweiDecimal(params.MaxFeePerGas)

	estimate, err := e.chain.EstimateGas(ctx, fees.CallMsg(from, e.opts.Relay, data, params))
	if err != nil {
		if _, reverted := chain.RevertReason(err); reverted {
			return Result{}, e.simulationFailure(ctx, logger, rec, err)
		}
		return Result{}, e.submissionFailure(ctx, logger, rec, err, "estimate gas")
	}
	gasLimit := e.fees.GasLimit(estimate)
	rec.GasLimit = int64(gasLimit)

	tx, err := e.chain.Submit(ctx, chain.Submission{
		Signer:    binding.Signer,
		To:        e.opts.Relay,
		Data:      data,
		Gas:       gasLimit,
		GasFeeCap: params.MaxFeePerGas,
		GasTipCap: params.PriorityFeePerGas,
		Legacy:    params.Legacy,
	})
	if err != nil {
		return Result{}, e.submissionFailure(ctx, logger, rec, err, "submit fill")
	}
	hash := tx.Hash()
	hashHex := hash.Hex()
	rec.TxHash = &hashHex
	logger.Info().Str("tx_hash", hashHex).Str("executor", from.Hex()).Msg("processing order")

	// 交易已广播：调用方断开也要等到回执，WaitConfirmed 自带 ConfirmTimeout
	ctx = context.WithoutCancel(ctx)
	sentAt := time.Now()
	receipt, err := e.chain.WaitConfirmed(ctx, hash)
	e.opts.Metrics.ObserveConfirmation(storage.KindFill, time.Since(sentAt))
	if receipt != nil {
		rec.SetReceipt(receipt.GasUsed, receipt.BlockNumber)
	}
	if err != nil {
		if errors.Is(err, chain.ErrReverted) {
			rec.Status = storage.StatusReverted
		}
		return Result{}, e.submissionFailure(ctx, logger, rec, err, "confirm fill")
	}

	rec.Status = storage.StatusConfirmed
	e.record(ctx, logger, rec)
	e.opts.Metrics.FillSettled(rec.Status)
	logger.Info().Str("tx_hash", hashHex).Uint64("block", receipt.BlockNumber.Uint64()).Msg("order filled")

	return Result{RequestID: requestID, TxHash: hash, Executor: from, Receipt: receipt}, nil
}

func (e *Executor) simulationFailure(ctx context.Context, logger zerolog.Logger, rec storage.Settlement, cause error) error {
	reason, ok := chain.RevertReason(cause)
	if !ok {
		// node unreachable during the dry run; nothing was sent
		return e.submissionFailure(ctx, logger, rec, cause, "dry run")
	}
	rec.Status = storage.StatusSimulationFailed
	rec.Error = &reason
	e.record(ctx, logger, rec)
	e.opts.Metrics.FillSettled(rec.Status)
	logger.Warn().Str("reason", reason).Msg("dry run reverted, order not submitted")
	return errs.New(errs.CodeSimulationFailed, "dry run reverted: "+reason)
}

func (e *Executor) submissionFailure(ctx context.Context, logger zerolog.Logger, rec storage.Settlement, cause error, stage string) error {
	if rec.Status == "" {
		rec.Status = storage.StatusFailed
	}
	msg := cause.Error()
	rec.Error = &msg
	e.record(ctx, logger, rec)
	e.opts.Metrics.FillSettled(rec.Status)
	logger.Error().Err(cause).Str("stage", stage).Msg("fill failed")

	if e.opts.Notifier != nil {
		note := alerting.Notification{
			Kind:       storage.KindFill,
			RequestID:  rec.RequestID,
			Executor:   rec.Executor,
			Contract:   rec.Contract,
			Users:      rec.Users,
			Status:     rec.Status,
			Reason:     stage + ": " + msg,
			OccurredAt: time.Now(),
		}
		if rec.TxHash != nil {
			note.TxHash = *rec.TxHash
		}
		if err := e.opts.Notifier.Notify(context.WithoutCancel(ctx), note); err != nil {
			logger.Error().Err(err).Msg("failed to dispatch alert")
		}
	}
	return errs.Wrap(errs.CodeSubmissionFailed, cause, stage+" failed")
}

func (e *Executor) record(ctx context.Context, logger zerolog.Logger, rec storage.Settlement) {
	if e.opts.Recorder == nil {
		return
	}
	if _, err := e.opts.Recorder.RecordSettlement(context.WithoutCancel(ctx), rec); err != nil {
		logger.Error().Err(err).Msg("failed to persist settlement")
	}
}
