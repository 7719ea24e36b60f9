package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"htlcbridge/services/htlcd/idempotency"
)

const (
	headerIdempotency  = "Idempotency-Key"
	headerReplay       = "X-Idempotency-Cache"
	defaultIdempotency = 24 * time.Hour
	maxIdempotencyKey  = 128
)

// ResponseCache stores responses keyed by caller, route and Idempotency-Key.
type ResponseCache interface {
	Get(key, fingerprint string, now time.Time) (idempotency.Record, bool, error)
	Put(key string, record idempotency.Record) error
}

// bufferedResponse captures a handler's response so it can be cached.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

// idempotent replays cached responses for retried mutations. Requests
// without the header pass straight through. Only successful responses are
// cached: ledger rejections such as not_in_op_window or not_unlock depend on
// the clock and balances, so a retry must reach the engine again.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idem := strings.TrimSpace(r.Header.Get(headerIdempotency))
		if s.responses == nil || idem == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(idem) > maxIdempotencyKey {
			writeError(w, http.StatusBadRequest, "invalid_request", "Idempotency-Key too long")
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var caller [20]byte
		if principal, ok := PrincipalFromContext(r.Context()); ok {
			caller = principal.Address
		}
		key := fmt.Sprintf("%s|%s|%s|%s", common.Address(caller).Hex(), r.Method, r.URL.Path, idem)
		fingerprint := ethcrypto.Keccak256Hash(body).Hex()
		now := time.Now()

		record, found, err := s.responses.Get(key, fingerprint, now)
		switch {
		case errors.Is(err, idempotency.ErrConflict):
			writeError(w, http.StatusUnprocessableEntity, "idempotency_conflict", err.Error())
			return
		case err != nil:
			s.logger.Warn("idempotency lookup failed", "route", r.URL.Path, "error", err)
		case found:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(headerReplay, "hit")
			w.WriteHeader(record.StatusCode)
			_, _ = w.Write(record.Body)
			return
		}

		buf := &bufferedResponse{header: w.Header()}
		next.ServeHTTP(buf, r)
		if buf.status == 0 {
			buf.status = http.StatusOK
		}
		if buf.status >= http.StatusOK && buf.status < http.StatusMultipleChoices {
			if err := s.responses.Put(key, idempotency.Record{
				StatusCode:  buf.status,
				Body:        buf.body.Bytes(),
				Fingerprint: fingerprint,
				StoredAt:    now,
				ExpiresAt:   now.Add(s.cfg.IdempotencyTTL),
			}); err != nil {
				s.logger.Warn("idempotency store failed", "route", r.URL.Path, "error", err)
			}
		}
		w.WriteHeader(buf.status)
		_, _ = w.Write(buf.body.Bytes())
	})
}
