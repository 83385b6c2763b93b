package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"intent-relayer/internal/alerting"
	"intent-relayer/internal/chain"
	"intent-relayer/internal/config"
	"intent-relayer/internal/contracts"
	"intent-relayer/internal/executor"
	"intent-relayer/internal/fees"
	"intent-relayer/internal/intent"
	"intent-relayer/internal/metrics"
	"intent-relayer/internal/scheduler"
	"intent-relayer/internal/storage"
)

// Chain is the slice of *chain.Client the batch path needs.
type Chain interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	Submit(ctx context.Context, sub chain.Submission) (*types.Transaction, error)
	WaitConfirmed(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Service drains the intent registry into batched executeIntent calls.
type Service struct {
	scheduler *scheduler.Scheduler
	registry  *intent.Registry
	pool      *executor.Pool
	chain     Chain
	fees      *fees.Policy
	recorder  storage.SettlementRecorder
	notifier  alerting.Notifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	chunkSize int
	locker    storage.AdvisoryLocker
	lockKey   int64
}

// New constructs the batch service. recorder and notifier may be nil.
func New(cfg *config.Config, sched *scheduler.Scheduler, registry *intent.Registry, pool *executor.Pool, client Chain, policy *fees.Policy, recorder storage.SettlementRecorder, notifier alerting.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := recorder.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler: sched,
		registry:  registry,
		pool:      pool,
		chain:     client,
		fees:      policy,
		recorder:  recorder,
		notifier:  notifier,
		metrics:   m,
		logger:    logger.With().Str("component", "service").Logger(),
		chunkSize: cfg.Scheduler.ChunkSize,
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the batch loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick 执行单次批量结算：取出一批意图，提交并根据回执结算或回滚。
func (s *Service) ProcessTick(ctx context.Context, at time.Time) error {
	if s.registry.Len() == 0 {
		return nil
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("at", at).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	batch := s.registry.DrainChunk(s.chunkSize)
	if len(batch) == 0 {
		return nil
	}
	s.metrics.SetPending(s.registry.Len())

	rec, err := s.executeBatch(ctx, batch)
	if err != nil {
		restored := s.registry.Restore(batch)
		s.metrics.SetPending(s.registry.Len())
		s.onFailure(ctx, rec, batch, restored, err)
		return fmt.Errorf("batch %s: %w", rec.RequestID, err)
	}

	completed := s.registry.Settle(batch)
	s.metrics.SetPending(s.registry.Len())
	s.metrics.BatchSettled(rec.Status, len(batch))
	s.record(ctx, rec)

	s.logger.Info().
		Str("request_id", rec.RequestID).
		Str("tx_hash", deref(rec.TxHash)).
		Str("executor", rec.Executor).
		Int("users", len(batch)).
		Int("completed", len(completed)).
		Int("pending", s.registry.Len()).
		Msg("batch confirmed")
	return nil
}

func (s *Service) executeBatch(ctx context.Context, batch []intent.Entry) (storage.Settlement, error) {
	users := intent.UserIDs(batch)
	binding := s.pool.Next()
	from := binding.Signer.From()

	rec := storage.Settlement{
		RequestID: uuid.NewString(),
		Kind:      storage.KindBatch,
		Executor:  from.Hex(),
		Contract:  binding.Contract.Hex(),
		Users:     users,
		Status:    storage.StatusFailed,
	}

	addrs := make([]common.Address, len(users))
	for i, u := range users {
		addrs[i] = common.HexToAddress(u)
	}
	data, err := contracts.PackExecuteIntent(addrs)
	if err != nil {
		return rec, err
	}

	params, err := s.fees.Suggest(ctx)
	if err != nil {
		return rec, fmt.Errorf("fee parameters: %w", err)
	}
	rec.MaxFeeGwei = fees.GweiDecimal(params.MaxFeePerGas)

	estimate, err := s.chain.EstimateGas(ctx, fees.CallMsg(from, binding.Contract, data, params))
	if err != nil {
		return rec, fmt.Errorf("estimate gas: %w", err)
	}
	gasLimit := s.fees.GasLimit(estimate)
	rec.GasLimit = int64(gasLimit)

	tx, err := s.chain.Submit(ctx, chain.Submission{
		Signer:    binding.Signer,
		To:        binding.Contract,
		Data:      data,
		Gas:       gasLimit,
		GasFeeCap: params.MaxFeePerGas,
		GasTipCap: params.PriorityFeePerGas,
		Legacy:    params.Legacy,
	})
	if err != nil {
		return rec, fmt.Errorf("submit batch: %w", err)
	}
	hash := tx.Hash().Hex()
	rec.TxHash = &hash
	s.logger.Debug().
		Str("request_id", rec.RequestID).
		Str("tx_hash", hash).
		Int("users", len(users)).
		Str("max_fee_gwei", rec.MaxFeeGwei.String()).
		Msg("batch submitted")

	sentAt := time.Now()
	receipt, err := s.chain.WaitConfirmed(ctx, tx.Hash())
	s.metrics.ObserveConfirmation(storage.KindBatch, time.Since(sentAt))
	if receipt != nil {
		rec.SetReceipt(receipt.GasUsed, receipt.BlockNumber)
	}
	if err != nil {
		if errors.Is(err, chain.ErrReverted) {
			rec.Status = storage.StatusReverted
		}
		return rec, fmt.Errorf("confirm batch: %w", err)
	}

	rec.Status = storage.StatusConfirmed
	return rec, nil
}

func (s *Service) onFailure(ctx context.Context, rec storage.Settlement, batch []intent.Entry, restored int, cause error) {
	msg := cause.Error()
	if reason, ok := chain.RevertReason(cause); ok {
		msg = reason
	}
	rec.Error = &msg

	s.metrics.BatchSettled(rec.Status, len(batch))
	s.record(ctx, rec)

	s.logger.Error().Err(cause).
		Str("request_id", rec.RequestID).
		Str("executor", rec.Executor).
		Str("status", rec.Status).
		Int("users", len(batch)).
		Int("restored", restored).
		Msg("batch failed, intents restored")

	if s.notifier == nil {
		return
	}
	note := alerting.Notification{
		Kind:       storage.KindBatch,
		RequestID:  rec.RequestID,
		Executor:   rec.Executor,
		Contract:   rec.Contract,
		TxHash:     deref(rec.TxHash),
		Users:      rec.Users,
		Status:     rec.Status,
		Reason:     msg,
		OccurredAt: time.Now(),
	}
	if err := s.notifier.Notify(context.WithoutCancel(ctx), note); err != nil {
		s.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to dispatch alert")
	}
}

func (s *Service) record(ctx context.Context, rec storage.Settlement) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.RecordSettlement(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to persist settlement")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
