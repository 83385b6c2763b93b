package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"intent-relayer/internal/storage"
)

// Export renders the settlement audit log as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	settlements, err := store.ListSettlementsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	settlements = filterKind(settlements, opts.Kind)
	if len(settlements) == 0 {
		a.Logger.Info().Msg("no settlements found for export window")
		return nil
	}

	downsampled := downsampleSettlements(settlements, opts.MaxPoints)
	a.Logger.Info().Int("total", len(settlements)).Int("exported", len(downsampled)).Msg("exporting settlements")

	if opts.CSVPath != "" {
		if err := writeSettlementsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSettlementsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSettlements(settlements []storage.Settlement, max int) []storage.Settlement {
	if max <= 0 || len(settlements) <= max {
		return settlements
	}
	if max == 1 {
		return settlements[len(settlements)-1:]
	}

	result := make([]storage.Settlement, 0, max)
	step := float64(len(settlements)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(settlements) {
			idx = len(settlements) - 1
		}
		result = append(result, settlements[idx])
	}
	return result
}

func writeSettlementsCSV(path string, settlements []storage.Settlement) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "request_id", "kind", "status", "tx_hash", "executor", "contract", "users", "gas_limit", "gas_used", "block_number", "max_fee_gwei", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range settlements {
		record := []string{
			s.CreatedAt.UTC().Format(time.RFC3339),
			s.RequestID,
			s.Kind,
			s.Status,
			derefString(s.TxHash),
			s.Executor,
			s.Contract,
			strings.Join(s.Users, " "),
			strconv.FormatInt(s.GasLimit, 10),
			formatOptionalInt(s.GasUsed),
			formatOptionalInt(s.BlockNumber),
			s.MaxFeeGwei.String(),
			derefString(s.Error),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeSettlementsPNG plots gas used per settlement with batch sizes on the
// secondary axis.
func writeSettlementsPNG(path string, settlements []storage.Settlement) error {
	if len(settlements) < 2 {
		return errors.New("at least two settlements are required to render a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(settlements))
	gasUsed := make([]float64, len(settlements))
	users := make([]float64, len(settlements))

	for i, s := range settlements {
		x[i] = s.CreatedAt
		if s.GasUsed != nil {
			gasUsed[i] = float64(*s.GasUsed)
		}
		users[i] = float64(len(s.Users))
	}

	intFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Gas used",
			ValueFormatter: intFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Users per settlement",
			ValueFormatter: intFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Gas used",
				XValues: x,
				YValues: gasUsed,
			},
			chart.TimeSeries{
				Name:    "Users",
				XValues: x,
				YValues: users,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

// filterKind keeps settlements of the given kind; empty keeps all.
func filterKind(settlements []storage.Settlement, kind string) []storage.Settlement {
	if kind == "" {
		return settlements
	}
	out := settlements[:0:0]
	for _, s := range settlements {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func formatOptionalInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
