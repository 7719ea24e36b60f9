package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"htlcbridge/core/events"
	"htlcbridge/core/state"
	"htlcbridge/native/fees"
	"htlcbridge/native/htlc"
	"htlcbridge/observability"
	"htlcbridge/services/htlcd/api"
	"htlcbridge/services/htlcd/archive"
)

const maxBodyBytes = 1 << 20

// Ledger is the escrow engine surface served over HTTP.
type Ledger interface {
	TransferOut(ctx context.Context, caller [20]byte, p htlc.OutboundParams) (*htlc.OutboundTransfer, error)
	TransferIn(ctx context.Context, caller [20]byte, p htlc.InboundParams) (*htlc.InboundTransfer, error)
	ConfirmTransferOut(ctx context.Context, caller [20]byte, id, preimage [32]byte) (*htlc.OutboundTransfer, error)
	ConfirmTransferIn(ctx context.Context, caller [20]byte, id, preimage [32]byte) (*htlc.InboundTransfer, error)
	RefundTransferOut(ctx context.Context, id [32]byte) (*htlc.OutboundTransfer, error)
	RefundTransferIn(ctx context.Context, id [32]byte) (*htlc.InboundTransfer, error)
	Outbound(ctx context.Context, id [32]byte) (*htlc.OutboundTransfer, error)
	Inbound(ctx context.Context, id [32]byte) (*htlc.InboundTransfer, error)
	FeeSchedule(ctx context.Context) (fees.Schedule, error)
	SetFeeRate(ctx context.Context, caller [20]byte, bps uint32) (fees.Schedule, error)
	SetFeeBeneficiary(ctx context.Context, caller [20]byte, beneficiary [20]byte) (fees.Schedule, error)
}

// Vault exposes balances, operator funding and the party index.
type Vault interface {
	Balance(ctx context.Context, asset, holder [20]byte) (*big.Int, error)
	Credit(ctx context.Context, asset, holder [20]byte, amount *big.Int) error
	HTLCTransfersByParty(ctx context.Context, family state.Family, party [20]byte) ([][32]byte, error)
}

// EventLog is the queryable event archive.
type EventLog interface {
	Query(ctx context.Context, filter archive.Filter) ([]archive.Record, error)
	FeeTotals(ctx context.Context) ([]fees.Totals, error)
}

// Stream fans committed events out to websocket subscribers.
type Stream interface {
	Subscribe(ctx context.Context, cursor string) (<-chan events.Update, func(), []events.Update)
	Subscribers() int
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress   string
	Admin           [20]byte
	Auth            AuthConfig
	RateLimit       RateLimit
	ShutdownTimeout time.Duration
	// OriginPatterns restricts websocket origins. Empty allows any origin.
	OriginPatterns []string
	// IdempotencyTTL bounds how long cached mutation responses are replayed.
	IdempotencyTTL time.Duration
}

// Deps are the collaborators the server drives. Archive and Stream are
// optional; their routes answer 503 when absent. Without Responses the
// Idempotency-Key header is ignored.
type Deps struct {
	Ledger    Ledger
	Vault     Vault
	Archive   EventLog
	Stream    Stream
	Responses ResponseCache
}

// Server hosts the public escrow API.
type Server struct {
	cfg       Config
	ledger    Ledger
	vault     Vault
	archive   EventLog
	stream    Stream
	responses ResponseCache
	auth      *Authenticator
	limiter   *RateLimiter
	logger    *slog.Logger
	metrics   *observability.LedgerMetrics
}

// New constructs a new HTTP server.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if deps.Vault == nil {
		return nil, fmt.Errorf("vault required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	auth, err := NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("configure auth: %w", err)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotency
	}
	return &Server{
		cfg:       cfg,
		ledger:    deps.Ledger,
		vault:     deps.Vault,
		archive:   deps.Archive,
		stream:    deps.Stream,
		responses: deps.Responses,
		auth:      auth,
		limiter:   NewRateLimiter(cfg.RateLimit),
		logger:    logger,
		metrics:   observability.Ledger(),
	}, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/transfers/out/{id}", s.handleGetOutbound)
		r.Get("/transfers/in/{id}", s.handleGetInbound)
		r.Get("/parties/{address}/transfers", s.handlePartyTransfers)
		r.Get("/balances/{asset}/{holder}", s.handleBalance)
		r.Get("/fees", s.handleGetFees)
		r.Get("/fees/totals", s.handleFeeTotals)
		r.Get("/events", s.handleEvents)
		r.Get("/events/stream", s.handleStream)

		// Refunds need no identity: anyone may return funds to the depositor.
		r.With(s.limiter.Middleware("refund")).Post("/transfers/out/{id}/refund", s.handleRefundOutbound)
		r.With(s.limiter.Middleware("refund")).Post("/transfers/in/{id}/refund", s.handleRefundInbound)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware())
			r.Use(s.limiter.Middleware("transfers"))
			r.Use(s.idempotent)
			r.Post("/transfers/out", s.handleCreateOutbound)
			r.Post("/transfers/in", s.handleCreateInbound)
		})

		// Confirm is open to anyone holding the preimage. Without a token the
		// caller is anonymous and only the public window applies.
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Optional())
			r.Use(s.limiter.Middleware("confirm"))
			r.Use(s.idempotent)
			r.Post("/transfers/out/{id}/confirm", s.handleConfirmOutbound)
			r.Post("/transfers/in/{id}/confirm", s.handleConfirmInbound)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(ScopeAdmin))
			r.Put("/fees/rate", s.handleSetFeeRate)
			r.Put("/fees/beneficiary", s.handleSetFeeBeneficiary)
			r.Post("/vault/credit", s.handleCredit)
		})
	})
	return r
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(s.Handler(), "htlcd"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("addr", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack keeps websocket upgrades working through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// Unwrap lets http.ResponseController and the websocket upgrade reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		observability.HTTP().Observe(route, r.Method, rec.status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("decode body: %v", err))
		return false
	}
	return true
}

func callerFrom(w http.ResponseWriter, r *http.Request) ([20]byte, bool) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return [20]byte{}, false
	}
	return principal.Address, true
}

func pathHash(w http.ResponseWriter, r *http.Request, param string) ([32]byte, bool) {
	value, err := parseHashParam(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return value, false
	}
	return value, true
}

func parseHashParam(raw string) ([32]byte, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	return api.ParseHash("id", raw, true)
}
