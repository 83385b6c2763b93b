package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"intent-relayer/internal/alerting"
	"intent-relayer/internal/api"
	"intent-relayer/internal/chain"
	"intent-relayer/internal/config"
	"intent-relayer/internal/executor"
	"intent-relayer/internal/fees"
	"intent-relayer/internal/fill"
	"intent-relayer/internal/intent"
	"intent-relayer/internal/metrics"
	"intent-relayer/internal/routing"
	"intent-relayer/internal/scheduler"
	"intent-relayer/internal/service"
	"intent-relayer/internal/storage"
	"intent-relayer/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.App.Environment, a.Config.Alerting.Timeout, a.Logger)
	}
	return nil
}

func (a *App) newQuoter() routing.Quoter {
	if a.Config.Routing.BaseURL == "" {
		return nil
	}
	return routing.NewHTTPQuoter(routing.Options{
		BaseURL:   a.Config.Routing.BaseURL,
		Timeout:   a.Config.Routing.RequestTimeout,
		UserAgent: a.Config.Routing.UserAgent,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, a.Config.App.Name)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) dialChain(ctx context.Context) (*chain.Client, error) {
	return chain.Dial(ctx, chain.Options{
		RPCURL:         a.Config.Chain.RPCURL,
		ChainID:        a.Config.Chain.ChainID,
		RequestTimeout: a.Config.Chain.RequestTimeout,
		ConfirmTimeout: a.Config.Chain.ConfirmTimeout,
		PollInterval:   a.Config.Chain.ReceiptPollInterval,
	}, a.Logger)
}

// newPool binds every configured key to the batch contract.
func (a *App) newPool(client *chain.Client) (*executor.Pool, error) {
	signers, err := executor.ParseKeys(a.Config.ExecutorKeys(), client.ChainID())
	if err != nil {
		return nil, err
	}
	return executor.NewPool(executor.Bind(common.HexToAddress(a.Config.Executors.BatchContract), signers...)...)
}

// Run starts the HTTP API and the batch loop and blocks until a signal
// arrives or either fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Config.ValidateRuntime(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	// a typed nil *Store must not leak into the interface
	var recorder storage.SettlementRecorder
	if store != nil {
		if a.Config.Database.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}
		}
		recorder = store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; settlement audit log disabled")
	}

	client, err := a.dialChain(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	pool, err := a.newPool(client)
	if err != nil {
		return err
	}
	for _, b := range pool.Bindings() {
		a.Logger.Info().Str("executor", b.Signer.From().Hex()).Str("contract", b.Contract.Hex()).Msg("executor bound")
	}

	m := metrics.New()
	registry := intent.NewRegistry()
	notifier := a.newNotifier()
	policy := fees.NewPolicy(client, fees.Options{
		MaxFeeMultiplier: a.Config.Fees.MaxFeeMultiplier,
		LegacyMultiplier: a.Config.Fees.LegacyMultiplier,
		GasMarginPct:     a.Config.Fees.GasMarginPct,
	})

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToStart,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		OnDrop:       m.TickDropped,
	}, a.Logger)
	svc := service.New(a.Config, sched, registry, pool, client, policy, recorder, notifier, m, a.Logger)

	filler := fill.New(client, policy, pool, fill.Options{
		Relay:    common.HexToAddress(a.Config.Fill.RelayAddress),
		ChainID:  client.ChainID(),
		Recorder: recorder,
		Notifier: notifier,
		Metrics:  m,

		DedupTTL:  a.Config.Fill.DedupTTL,
		DedupSize: a.Config.Fill.DedupSize,
	}, a.Logger)

	server := api.NewServer(api.Options{
		Address:           a.Config.Server.Address,
		ReadHeaderTimeout: a.Config.Server.ReadHeaderTimeout,
		ShutdownTimeout:   a.Config.Server.ShutdownTimeout,
		MaxBodyBytes:      a.Config.Server.MaxBodyBytes,
		SwapDefaults: routing.Defaults{
			ChainID:     client.ChainID().Uint64(),
			SlippageBps: a.Config.Routing.DefaultSlippage,
			Deadline:    a.Config.Routing.DefaultDeadline,
		},
	}, registry, filler, a.newQuoter(), m, a.Logger)

	a.Logger.Info().
		Str("chain_id", client.ChainID().String()).
		Int("executors", pool.Size()).
		Dur("interval", a.Config.Scheduler.Interval).
		Int("chunk_size", a.Config.Scheduler.ChunkSize).
		Str("version", version.Version).
		Msg("starting intent relayer")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return svc.Run(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("relayer terminated with error")
		return err
	}
	if pending := registry.Len(); pending > 0 {
		a.Logger.Warn().Int("pending_users", pending).Msg("pending intents discarded on shutdown")
	}

	a.Logger.Info().Msg("intent relayer stopped")
	return nil
}

// NotifyTest sends a synthetic failure notification through the configured channel.
func (a *App) NotifyTest(ctx context.Context) error {
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel enabled; set alerting.enabled and alerting.telegram.enabled")
	}

	note := alerting.Notification{
		Kind:       storage.KindBatch,
		RequestID:  "notify-test",
		Executor:   common.Address{}.Hex(),
		Contract:   a.Config.Executors.BatchContract,
		Users:      []string{common.Address{}.Hex()},
		Status:     storage.StatusFailed,
		Reason:     "test notification",
		OccurredAt: time.Now().UTC(),
	}
	if err := notifier.Notify(ctx, note); err != nil {
		return fmt.Errorf("send test notification: %w", err)
	}
	fmt.Fprintln(a.Out, "test notification sent")
	return nil
}

// ExportOptions hold parameters for exporting settlement history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	Kind      string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	Kind  string
}

// PruneOptions configure audit log retention.
type PruneOptions struct {
	OlderThan time.Duration
	DryRun    bool
}
