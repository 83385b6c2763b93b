// Package api exposes the relayer's inbound HTTP surface: intent
// registration, order fills, swap quotes, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"intent-relayer/internal/errs"
	"intent-relayer/internal/fill"
	"intent-relayer/internal/intent"
	"intent-relayer/internal/metrics"
	"intent-relayer/internal/routing"
)

const defaultMaxBodyBytes = 1 << 20

// Filler executes a parsed fill request.
type Filler interface {
	Handle(ctx context.Context, req fill.Request) (fill.Result, error)
}

// Options configure the HTTP server.
type Options struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	MaxBodyBytes      int64
	SwapDefaults      routing.Defaults
}

// Server 负责暴露 REST 接口。quoter 为空时 /swap 返回 501。
type Server struct {
	opts     Options
	registry *intent.Registry
	filler   Filler
	quoter   routing.Quoter
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewServer wires the handlers. filler, quoter and m may be nil.
func NewServer(opts Options, registry *intent.Registry, filler Filler, quoter routing.Quoter, m *metrics.Metrics, logger zerolog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 5 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		opts:     opts,
		registry: registry,
		filler:   filler,
		quoter:   quoter,
		metrics:  m,
		logger:   logger.With().Str("component", "api").Logger(),
		now:      time.Now,
	}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /signal", s.handleSignal)
	mux.HandleFunc("GET /signal/{userId}", s.handleSignalStatus)
	mux.HandleFunc("POST /fill", s.handleFill)
	mux.HandleFunc("GET /swap", s.handleSwap)
	mux.HandleFunc("POST /swap", s.handleSwap)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return s.withLogging(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.opts.Address).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("http server shutdown incomplete")
		}
		return nil
	case err := <-errCh:
		return err
	}
}

type signalRequest struct {
	UserID        string `json:"userId"`
	NumberOfCalls int    `json:"numberOfCalls"`
}

type signalResponse struct {
	Status       string `json:"status,omitempty"`
	UserID       string `json:"userId"`
	PendingCount int    `json:"pendingCount"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.registry.Register(userID, req.NumberOfCalls); err != nil {
		writeError(w, statusFor(err), errorMessage(err))
		return
	}
	s.metrics.SignalAccepted()
	s.metrics.SetPending(s.registry.Len())

	count, _ := s.registry.Get(userID)
	writeJSON(w, http.StatusOK, signalResponse{Status: "queued", UserID: userID, PendingCount: count})
}

func (s *Server) handleSignalStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := normalizeUserID(r.PathValue("userId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	count, ok := s.registry.Get(userID)
	if !ok {
		writeError(w, http.StatusNotFound, "no pending intents for "+userID)
		return
	}
	writeJSON(w, http.StatusOK, signalResponse{UserID: userID, PendingCount: count})
}

type fillResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
}

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	if s.filler == nil {
		writeError(w, http.StatusServiceUnavailable, "fill executor not configured")
		return
	}
	var req fill.Request
	if !s.decodeBody(w, r, &req) {
		return
	}

	res, err := s.filler.Handle(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), errorMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, fillResponse{Status: "success", TransactionID: res.TxHash.Hex()})
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	if s.quoter == nil {
		writeError(w, http.StatusNotImplemented, "routing service not configured")
		return
	}

	var src map[string]any
	if r.Method == http.MethodGet {
		src = routing.ValuesFromQuery(r.URL.Query())
	} else if !s.decodeBody(w, r, &src) {
		return
	}

	params, err := routing.ParseSwapParams(src, s.now(), s.opts.SwapDefaults)
	if err != nil {
		writeError(w, statusFor(err), errorMessage(err))
		return
	}

	quote, err := s.quoter.Quote(r.Context(), params)
	switch {
	case errors.Is(err, routing.ErrNoRoute):
		writeError(w, http.StatusNotFound, "No route found")
		return
	case err != nil:
		s.logger.Error().Err(err).Msg("routing service failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pendingUsers": s.registry.Len()})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// normalizeUserID accepts a 0x-prefixed hex address of up to 20 bytes and
// returns its checksummed form, so every spelling of an address maps to a
// single registry entry.
func normalizeUserID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errs.New(errs.CodeInvalidArgument, "userId is required")
	}
	hex := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(hex) == len(raw) || len(hex) == 0 || len(hex) > 2*common.AddressLength || !isHex(hex) {
		return "", errs.Newf(errs.CodeInvalidArgument, "invalid userId %q", raw)
	}
	return common.HexToAddress(hex).Hex(), nil
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// statusFor maps coded errors onto HTTP statuses.
func statusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalidArgument, errs.CodeInvalidPayload, errs.CodeUnavailable:
		return http.StatusBadRequest
	case errs.CodeSimulationFailed:
		return http.StatusUnprocessableEntity
	case errs.CodeSubmissionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	var coded *errs.Error
	if errors.As(err, &coded) && errs.CodeOf(err) != errs.CodeSubmissionFailed {
		return coded.Message()
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
