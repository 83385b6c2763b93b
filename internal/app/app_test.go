package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"intent-relayer/internal/config"
	"intent-relayer/internal/storage"
)

func testApp(cfg *config.Config) (*App, *bytes.Buffer) {
	var out bytes.Buffer
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &out
	return a, &out
}

func sampleSettlements(n int) []storage.Settlement {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.Settlement, n)
	for i := range out {
		hash := "0x" + strings.Repeat("ab", 32)
		used := int64(50_000 + i)
		out[i] = storage.Settlement{
			RequestID:  "req",
			Kind:       storage.KindBatch,
			TxHash:     &hash,
			Executor:   "0x00000000000000000000000000000000000000e1",
			Contract:   "0x00000000000000000000000000000000000000b1",
			Users:      []string{"0x01", "0x02", "0x03"}[:i%3+1],
			GasLimit:   120_000,
			GasUsed:    &used,
			MaxFeeGwei: decimal.RequireFromString("3"),
			Status:     storage.StatusConfirmed,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func TestDownsampleSettlements(t *testing.T) {
	all := sampleSettlements(10)

	if got := downsampleSettlements(all, 0); len(got) != 10 {
		t.Fatalf("max 0 should keep everything, got %d", len(got))
	}
	got := downsampleSettlements(all, 4)
	if len(got) != 4 {
		t.Fatalf("expected 4 points, got %d", len(got))
	}
	if !got[0].CreatedAt.Equal(all[0].CreatedAt) || !got[3].CreatedAt.Equal(all[9].CreatedAt) {
		t.Fatal("downsampling should keep both ends")
	}
	if one := downsampleSettlements(all, 1); len(one) != 1 || !one[0].CreatedAt.Equal(all[9].CreatedAt) {
		t.Fatalf("max 1 should keep the newest point, got %+v", one)
	}
}

func TestWriteSettlementsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "settlements.csv")
	rows := sampleSettlements(2)
	reason := "paused"
	rows[1].Status = storage.StatusFailed
	rows[1].Error = &reason
	rows[1].GasUsed = nil

	if err := writeSettlementsCSV(path, rows); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(records))
	}
	if records[0][0] != "created_at" || records[1][7] != "0x01" || records[1][9] != "50000" {
		t.Fatalf("unexpected rows %v", records[:2])
	}
	if records[2][3] != storage.StatusFailed || records[2][9] != "" || records[2][12] != "paused" {
		t.Fatalf("unexpected failure row %v", records[2])
	}
}

func TestWriteSettlementsPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chart.png")
	if err := writeSettlementsPNG(path, sampleSettlements(1)); err == nil {
		t.Fatal("a single point should be rejected")
	}
	if err := writeSettlementsPNG(path, sampleSettlements(5)); err != nil {
		t.Fatalf("render png: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatal("output is not a png")
	}
}

func TestRenderSettlements(t *testing.T) {
	rows := sampleSettlements(1)
	reason := "line one\nline two"
	rows[0].Error = &reason

	var buf bytes.Buffer
	renderSettlements(&buf, rows)
	out := buf.String()
	if !strings.Contains(out, "0xabab…abab") || !strings.Contains(out, "3.000") {
		t.Fatalf("unexpected table:\n%s", out)
	}
	if !strings.Contains(out, "line one line two") {
		t.Fatalf("error should be flattened to one line:\n%s", out)
	}

	buf.Reset()
	renderCounts(&buf, map[string]int64{"reverted": 1, "confirmed": 7})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "confirmed") {
		t.Fatalf("counts should be sorted by status:\n%s", buf.String())
	}
}

func TestShortHex(t *testing.T) {
	if got := shortHex("0x1234"); got != "0x1234" {
		t.Fatalf("short values should pass through, got %s", got)
	}
	if got := shortHex("0x00000000000000000000000000000000000000e1"); got != "0x0000…00e1" {
		t.Fatalf("unexpected abbreviation %s", got)
	}
}

func TestNotifierSelection(t *testing.T) {
	cfg := &config.Config{}
	a, _ := testApp(cfg)
	if a.newNotifier() != nil {
		t.Fatal("alerting disabled should yield no notifier")
	}
	cfg.Alerting.Enabled = true
	if a.newNotifier() != nil {
		t.Fatal("no channel enabled should yield no notifier")
	}
	cfg.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c"}
	if a.newNotifier() == nil {
		t.Fatal("telegram channel should be built")
	}
}

func TestQuoterSelection(t *testing.T) {
	cfg := &config.Config{}
	a, _ := testApp(cfg)
	if a.newQuoter() != nil {
		t.Fatal("no base url should leave routing disabled")
	}
	cfg.Routing.BaseURL = "http://router.local"
	if a.newQuoter() == nil {
		t.Fatal("expected a quoter")
	}
}

func TestNotifyTest(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.App.Environment = "staging"
	cfg.Alerting.Enabled = true
	cfg.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "token", ChatID: "42", APIBase: srv.URL}
	a, out := testApp(cfg)

	if err := a.NotifyTest(context.Background()); err != nil {
		t.Fatalf("notify-test: %v", err)
	}
	if payload["chat_id"] != "42" || !strings.Contains(payload["text"], "test notification") {
		t.Fatalf("unexpected payload %v", payload)
	}
	if !strings.Contains(payload["text"], "(staging)") {
		t.Fatalf("environment missing from message: %s", payload["text"])
	}
	if !strings.Contains(out.String(), "sent") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestNotifyTestWithoutChannel(t *testing.T) {
	a, _ := testApp(&config.Config{})
	if err := a.NotifyTest(context.Background()); err == nil {
		t.Fatal("expected an error without an alert channel")
	}
}

func TestCommandsRequireDatabase(t *testing.T) {
	a, _ := testApp(&config.Config{Export: config.ExportConfig{MaxDataPoints: 10}})
	ctx := context.Background()

	if err := a.Show(ctx, ShowOptions{Limit: 5}); err == nil {
		t.Fatal("show should fail without a database")
	}
	if err := a.Export(ctx, ExportOptions{CSVPath: "x.csv"}); err == nil {
		t.Fatal("export should fail without a database")
	}
	if err := a.Export(ctx, ExportOptions{}); err == nil {
		t.Fatal("export should require an output path")
	}
	if err := a.Prune(ctx, PruneOptions{}); err == nil {
		t.Fatal("prune should require a retention window")
	}
	if err := a.Prune(ctx, PruneOptions{OlderThan: time.Hour}); err == nil {
		t.Fatal("prune should fail without a database")
	}
}

func TestRunValidatesRuntimeConfig(t *testing.T) {
	a, _ := testApp(&config.Config{})
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("run should refuse to start without chain settings")
	}
}

func TestFilterKind(t *testing.T) {
	rows := sampleSettlements(4)
	rows[1].Kind = storage.KindFill
	rows[3].Kind = storage.KindFill

	if got := filterKind(rows, ""); len(got) != 4 {
		t.Fatalf("empty kind should keep all, got %d", len(got))
	}
	fills := filterKind(rows, storage.KindFill)
	if len(fills) != 2 || fills[0].Kind != storage.KindFill {
		t.Fatalf("unexpected fills %+v", fills)
	}
	if rows[0].Kind != storage.KindBatch {
		t.Fatal("filtering must not modify the input")
	}
}

type settlementStoreStub struct {
	recent      []storage.Settlement
	recentKind  string
	recentLimit int
	counted     time.Time
	deleted     time.Time
	listedRange bool
}

func (s *settlementStoreStub) RecordSettlement(_ context.Context, rec storage.Settlement) (storage.Settlement, error) {
	return rec, nil
}

func (s *settlementStoreStub) ListSettlementsBetween(context.Context, time.Time, time.Time) ([]storage.Settlement, error) {
	s.listedRange = true
	return nil, nil
}

func (s *settlementStoreStub) ListRecentSettlements(_ context.Context, limit int, kind string) ([]storage.Settlement, error) {
	s.recentLimit, s.recentKind = limit, kind
	return s.recent, nil
}

func (s *settlementStoreStub) CountByStatus(context.Context) (map[string]int64, error) {
	return map[string]int64{storage.StatusConfirmed: int64(len(s.recent))}, nil
}

func (s *settlementStoreStub) CountSettlementsBefore(_ context.Context, olderThan time.Time) (int64, error) {
	s.counted = olderThan
	return 42, nil
}

func (s *settlementStoreStub) DeleteSettlementsBefore(_ context.Context, olderThan time.Time) (int64, error) {
	s.deleted = olderThan
	return 7, nil
}

func TestShowFiltersKindInQuery(t *testing.T) {
	rows := sampleSettlements(3)
	for i := range rows {
		rows[i].Kind = storage.KindFill
	}
	store := &settlementStoreStub{recent: rows}
	a, out := testApp(&config.Config{})

	if err := a.show(context.Background(), store, ShowOptions{Limit: 3, Kind: storage.KindFill}); err != nil {
		t.Fatalf("show: %v", err)
	}
	if store.recentKind != storage.KindFill || store.recentLimit != 3 {
		t.Fatalf("kind and limit should reach the query, got %q/%d", store.recentKind, store.recentLimit)
	}
	if got := strings.Count(out.String(), "fill"); got < 3 {
		t.Fatalf("expected a full page of fills:\n%s", out.String())
	}
}

func TestPruneDryRunCountsInDatabase(t *testing.T) {
	store := &settlementStoreStub{}
	a, out := testApp(&config.Config{})
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := a.prune(context.Background(), store, PruneOptions{OlderThan: 24 * time.Hour, DryRun: true}, now); err != nil {
		t.Fatalf("prune dry-run: %v", err)
	}
	if store.listedRange || !store.deleted.IsZero() {
		t.Fatal("dry-run must not load rows or delete anything")
	}
	if !store.counted.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("unexpected cutoff %s", store.counted)
	}
	if !strings.HasPrefix(out.String(), "42 settlements") {
		t.Fatalf("unexpected output %q", out.String())
	}

	out.Reset()
	if err := a.prune(context.Background(), store, PruneOptions{OlderThan: time.Hour}, now); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !store.deleted.Equal(now.Add(-time.Hour)) || !strings.HasPrefix(out.String(), "deleted 7") {
		t.Fatalf("unexpected delete cutoff %s output %q", store.deleted, out.String())
	}
}
