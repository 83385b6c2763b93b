package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"intent-relayer/internal/storage"
)

// Show prints recent settlements and the per-status totals.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show settlements")
	}
	if closeStore != nil {
		defer closeStore()
	}
	return a.show(ctx, store, opts)
}

func (a *App) show(ctx context.Context, store storage.SettlementStore, opts ShowOptions) error {
	settlements, err := store.ListRecentSettlements(ctx, opts.Limit, opts.Kind)
	if err != nil {
		return err
	}
	if len(settlements) == 0 {
		fmt.Fprintln(a.Out, "no settlements found")
		return nil
	}
	renderSettlements(a.Out, settlements)

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.Out)
	renderCounts(a.Out, counts)
	return nil
}

func renderSettlements(out io.Writer, settlements []storage.Settlement) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tUsers\tExecutor\tTx\tGas Used\tMax Fee (gwei)\tStatus\tError")

	for _, s := range settlements {
		txHash := "-"
		if s.TxHash != nil {
			txHash = shortHex(*s.TxHash)
		}
		gasUsed := "-"
		if s.GasUsed != nil {
			gasUsed = fmt.Sprintf("%d", *s.GasUsed)
		}
		errMsg := ""
		if s.Error != nil {
			errMsg = sanitizeInline(*s.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.CreatedAt.UTC().Format(time.RFC3339),
			s.Kind,
			len(s.Users),
			shortHex(s.Executor),
			txHash,
			gasUsed,
			s.MaxFeeGwei.StringFixed(3),
			s.Status,
			errMsg,
		)
	}

	writer.Flush()
}

func renderCounts(out io.Writer, counts map[string]int64) {
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Status\tCount")
	for _, status := range statuses {
		fmt.Fprintf(writer, "%s\t%d\n", status, counts[status])
	}
	writer.Flush()
}

// shortHex 将长十六进制串缩写为 0x1234…abcd。
func shortHex(v string) string {
	if len(v) <= 14 {
		return v
	}
	return v[:6] + "…" + v[len(v)-4:]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
