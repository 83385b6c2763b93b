package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"intent-relayer/internal/storage"
)

// Prune deletes audit rows older than opts.OlderThan.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	if opts.OlderThan <= 0 {
		return errors.New("--older-than must be greater than zero")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法清理")
	}
	if closeStore != nil {
		defer closeStore()
	}
	return a.prune(ctx, store, opts, time.Now().UTC())
}

func (a *App) prune(ctx context.Context, store storage.SettlementStore, opts PruneOptions, now time.Time) error {
	cutoff := now.Add(-opts.OlderThan)
	if opts.DryRun {
		count, err := store.CountSettlementsBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		a.Logger.Warn().Msg("prune dry-run：不会删除任何记录")
		fmt.Fprintf(a.Out, "%d settlements older than %s would be deleted\n", count, cutoff.Format(time.RFC3339))
		return nil
	}

	deleted, err := store.DeleteSettlementsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("清理完成")
	fmt.Fprintf(a.Out, "deleted %d settlements older than %s\n", deleted, cutoff.Format(time.RFC3339))
	return nil
}
