package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"intent-relayer/internal/errs"
	"intent-relayer/internal/fill"
	"intent-relayer/internal/intent"
	"intent-relayer/internal/metrics"
	"intent-relayer/internal/routing"
)

type fillerStub struct {
	res  fill.Result
	err  error
	reqs []fill.Request
}

func (f *fillerStub) Handle(_ context.Context, req fill.Request) (fill.Result, error) {
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

type quoterStub struct {
	quote  *routing.Quote
	err    error
	params []routing.SwapParams
}

func (q *quoterStub) Quote(_ context.Context, p routing.SwapParams) (*routing.Quote, error) {
	q.params = append(q.params, p)
	return q.quote, q.err
}

func newTestServer(filler Filler, quoter routing.Quoter) (*Server, *intent.Registry) {
	registry := intent.NewRegistry()
	srv := NewServer(Options{
		MaxBodyBytes: 512,
		SwapDefaults: routing.Defaults{ChainID: 8453, SlippageBps: 50, Deadline: 20 * time.Minute},
	}, registry, filler, quoter, metrics.New(), zerolog.Nop())
	return srv, registry
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestSignalQueuesAndOverwrites(t *testing.T) {
	srv, registry := newTestServer(nil, nil)
	h := srv.Handler()
	user := "0x00000000000000000000000000000000000000aa"
	want := common.HexToAddress(user).Hex()

	rec := do(t, h, http.MethodPost, "/signal", `{"userId":"`+user+`","numberOfCalls":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["status"] != "queued" || body["userId"] != want || body["pendingCount"] != float64(3) {
		t.Fatalf("unexpected body %v", body)
	}

	rec = do(t, h, http.MethodPost, "/signal", `{"userId":"`+strings.ToUpper(user[2:])+`","numberOfCalls":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("userId without 0x prefix should be rejected, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/signal", `{"userId":"0x`+strings.ToUpper(user[2:])+`","numberOfCalls":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if registry.Len() != 1 {
		t.Fatalf("address spellings should share one entry, got %v", registry.Snapshot())
	}
	if n, _ := registry.Get(want); n != 1 {
		t.Fatalf("registration should overwrite, got %d", n)
	}
}

func TestSignalRejectsBadInput(t *testing.T) {
	srv, registry := newTestServer(nil, nil)
	h := srv.Handler()

	cases := map[string]string{
		"malformed json":  `{"userId":`,
		"missing user":    `{"numberOfCalls":1}`,
		"not hex":         `{"userId":"0xzz","numberOfCalls":1}`,
		"too long":        `{"userId":"0x` + strings.Repeat("a", 41) + `","numberOfCalls":1}`,
		"zero calls":      `{"userId":"0x01","numberOfCalls":0}`,
		"negative calls":  `{"userId":"0x01","numberOfCalls":-2}`,
		"fractional call": `{"userId":"0x01","numberOfCalls":1.5}`,
	}
	for name, body := range cases {
		rec := do(t, h, http.MethodPost, "/signal", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
		if _, ok := decode(t, rec)["error"]; !ok {
			t.Fatalf("%s: missing error field", name)
		}
	}
	if registry.Len() != 0 {
		t.Fatalf("rejected signals must not register, got %v", registry.Snapshot())
	}
}

func TestSignalBodyTooLarge(t *testing.T) {
	srv, _ := newTestServer(nil, nil)
	body := `{"userId":"0x01","numberOfCalls":1,"pad":"` + strings.Repeat("x", 1024) + `"}`
	rec := do(t, srv.Handler(), http.MethodPost, "/signal", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestSignalStatus(t *testing.T) {
	srv, registry := newTestServer(nil, nil)
	h := srv.Handler()
	user := common.HexToAddress("0xAAA").Hex()
	if err := registry.Register(user, 2); err != nil {
		t.Fatal(err)
	}

	rec := do(t, h, http.MethodGet, "/signal/0xaaa", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if body := decode(t, rec); body["pendingCount"] != float64(2) || body["userId"] != user {
		t.Fatalf("unexpected body %v", body)
	}

	if rec := do(t, h, http.MethodGet, "/signal/0xbbb", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/signal/bob", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid user, got %d", rec.Code)
	}
}

func TestFillSuccess(t *testing.T) {
	hash := common.HexToHash("0xabc")
	filler := &fillerStub{res: fill.Result{TxHash: hash}}
	srv, _ := newTestServer(filler, nil)

	rec := do(t, srv.Handler(), http.MethodPost, "/fill", `{"order":{"account":"0x01"},"chainId":8453}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["status"] != "success" || body["transactionId"] != hash.Hex() {
		t.Fatalf("unexpected body %v", body)
	}
	if len(filler.reqs) != 1 || filler.reqs[0].ChainID == nil || *filler.reqs[0].ChainID != 8453 {
		t.Fatalf("request not forwarded: %+v", filler.reqs)
	}
	if filler.reqs[0].Order == nil || filler.reqs[0].Order.Account != "0x01" {
		t.Fatalf("order not decoded: %+v", filler.reqs[0].Order)
	}
}

func TestFillErrorStatuses(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"invalid argument", errs.New(errs.CodeInvalidArgument, "missing order"), http.StatusBadRequest, "missing order"},
		{"invalid payload", errs.New(errs.CodeInvalidPayload, "invalid multicall calldata"), http.StatusBadRequest, "invalid multicall calldata"},
		{"unavailable", errs.New(errs.CodeUnavailable, "no rpc route for chain 1"), http.StatusBadRequest, "no rpc route for chain 1"},
		{"simulation", errs.New(errs.CodeSimulationFailed, "dry run reverted: expired"), http.StatusUnprocessableEntity, "dry run reverted: expired"},
		{"submission", errs.Wrap(errs.CodeSubmissionFailed, errors.New("nonce too low"), "submit failed"), http.StatusBadGateway, "submit failed: nonce too low"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "boom"},
	}
	for _, tc := range cases {
		srv, _ := newTestServer(&fillerStub{err: tc.err}, nil)
		rec := do(t, srv.Handler(), http.MethodPost, "/fill", `{"chainId":1}`)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, rec.Code)
		}
		if got := decode(t, rec)["error"]; got != tc.msg {
			t.Fatalf("%s: unexpected message %q", tc.name, got)
		}
	}
}

func TestFillWithoutExecutor(t *testing.T) {
	srv, _ := newTestServer(nil, nil)
	if rec := do(t, srv.Handler(), http.MethodPost, "/fill", `{}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

const swapQuery = "inputTokenAddress=0x5555555555555555555555555555555555555555" +
	"&outputTokenAddress=0x6666666666666666666666666666666666666666" +
	"&amountIn=1000&recipient=0x7777777777777777777777777777777777777777"

func TestSwapGetAndPost(t *testing.T) {
	quoter := &quoterStub{quote: &routing.Quote{
		Recipient: "0x7777777777777777777777777777777777777777",
		BestPath:  routing.BestPath{Calldata: "0x5ae401dc", Route: routing.Route{Protocol: "V2"}},
	}}
	srv, _ := newTestServer(nil, quoter)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/swap?"+swapQuery+"&isExactIn=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var quote routing.Quote
	if err := json.Unmarshal(rec.Body.Bytes(), &quote); err != nil {
		t.Fatal(err)
	}
	if quote.BestPath.Route.Protocol != "V2" {
		t.Fatalf("unexpected quote %+v", quote)
	}

	body := `{"inputTokenAddress":"0x5555555555555555555555555555555555555555",
	  "outputTokenAddress":"0x6666666666666666666666666666666666666666",
	  "amountIn":"1000","recipient":"0x7777777777777777777777777777777777777777","isExactIn":false}`
	if rec := do(t, h, http.MethodPost, "/swap", body); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	if len(quoter.params) != 2 || !quoter.params[0].ExactIn || quoter.params[1].ExactIn {
		t.Fatalf("unexpected forwarded params %+v", quoter.params)
	}
	if quoter.params[0].ChainID != 8453 || quoter.params[0].SlippageBps != 50 {
		t.Fatalf("defaults not applied: %+v", quoter.params[0])
	}
}

func TestSwapErrors(t *testing.T) {
	srv, _ := newTestServer(nil, &quoterStub{err: routing.ErrNoRoute})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/swap?"+swapQuery, "")
	if rec.Code != http.StatusNotFound || decode(t, rec)["error"] != "No route found" {
		t.Fatalf("expected 404 No route found, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/swap?amountIn=1", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing params, got %d", rec.Code)
	}

	srv, _ = newTestServer(nil, &quoterStub{err: errors.New("routing api error (500)")})
	if rec := do(t, srv.Handler(), http.MethodGet, "/swap?"+swapQuery, ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for upstream failure, got %d", rec.Code)
	}

	srv, _ = newTestServer(nil, nil)
	if rec := do(t, srv.Handler(), http.MethodGet, "/swap?"+swapQuery, ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without routing, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, registry := newTestServer(nil, nil)
	h := srv.Handler()
	_ = registry.Register("0x01", 1)

	rec := do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || decode(t, rec)["pendingUsers"] != float64(1) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}

	do(t, h, http.MethodPost, "/signal", `{"userId":"0x02","numberOfCalls":1}`)
	rec = do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "intent_relayer_registry_signals_total 1") {
		t.Fatalf("signal counter missing from exposition:\n%s", rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(nil, nil)
	if rec := do(t, srv.Handler(), http.MethodGet, "/signal", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
