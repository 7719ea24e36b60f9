package server

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"htlcbridge/core/state"
	"htlcbridge/native/fees"
	"htlcbridge/native/htlc"
	"htlcbridge/observability/logging"
	telemetry "htlcbridge/observability/otel"
	"htlcbridge/services/htlcd/api"
	"htlcbridge/services/htlcd/archive"
)

// track runs one ledger call inside a span and records its outcome.
func (s *Server) track(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := telemetry.Tracer().Start(ctx, "htlc."+op)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	code, _ := classify(err)
	s.metrics.Observe(op, code, time.Since(start))
	span.SetAttributes(attribute.String("htlc.code", code))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
	}
	return err
}

func (s *Server) recordFees(asset [20]byte, amount *big.Int, bps uint32) {
	if _, fee, err := fees.Split(amount, bps); err == nil {
		s.metrics.RecordFee(common.Address(asset).Hex(), fee)
	}
}

func (s *Server) handleCreateOutbound(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req api.OutboundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	params, err := req.Params(caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var record *htlc.OutboundTransfer
	err = s.track(r.Context(), "transfer_out", func(ctx context.Context) error {
		var err error
		record, err = s.ledger.TransferOut(ctx, caller, params)
		return err
	})
	if err != nil {
		s.logger.Info("transfer out rejected", slog.String("sender", common.Address(caller).Hex()), slog.Any("error", err))
		writeLedgerError(w, err)
		return
	}
	s.logger.Info("transfer out created",
		slog.String("id", common.Hash(record.ID).Hex()),
		slog.String("sender", common.Address(record.Sender).Hex()),
		slog.String("amount", record.Amount.String()))
	writeJSON(w, http.StatusCreated, api.NewOutbound(record))
}

func (s *Server) handleCreateInbound(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req api.InboundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	params, err := req.Params(caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var record *htlc.InboundTransfer
	err = s.track(r.Context(), "transfer_in", func(ctx context.Context) error {
		var err error
		record, err = s.ledger.TransferIn(ctx, caller, params)
		return err
	})
	if err != nil {
		s.logger.Info("transfer in rejected", slog.String("sender", common.Address(caller).Hex()), slog.Any("error", err))
		writeLedgerError(w, err)
		return
	}
	s.logger.Info("transfer in created",
		slog.String("id", common.Hash(record.ID).Hex()),
		slog.String("sender", common.Address(record.Sender).Hex()),
		slog.String("amount", record.Amount.String()))
	writeJSON(w, http.StatusCreated, api.NewInbound(record))
}

func (s *Server) decodeConfirm(w http.ResponseWriter, r *http.Request) (caller [20]byte, id, preimage [32]byte, ok bool) {
	caller = htlc.Anonymous
	if principal, found := PrincipalFromContext(r.Context()); found {
		caller = principal.Address
	}
	if id, ok = pathHash(w, r, "id"); !ok {
		return
	}
	var req api.ConfirmRequest
	if ok = decodeBody(w, r, &req); !ok {
		return
	}
	var err error
	if preimage, err = api.ParseHash("preimage", req.Preimage, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return caller, id, preimage, false
	}
	return caller, id, preimage, true
}

func (s *Server) handleConfirmOutbound(w http.ResponseWriter, r *http.Request) {
	caller, id, preimage, ok := s.decodeConfirm(w, r)
	if !ok {
		return
	}
	var record *htlc.OutboundTransfer
	err := s.track(r.Context(), "confirm_out", func(ctx context.Context) error {
		var err error
		record, err = s.ledger.ConfirmTransferOut(ctx, caller, id, preimage)
		return err
	})
	if err != nil {
		s.logger.Info("confirm out rejected",
			slog.String("id", common.Hash(id).Hex()),
			logging.MaskField("preimage", common.Hash(preimage).Hex()),
			slog.Any("error", err))
		writeLedgerError(w, err)
		return
	}
	s.recordFees(record.Asset, record.Amount, record.FeeBps)
	s.logger.Info("transfer out confirmed", slog.String("id", common.Hash(id).Hex()))
	writeJSON(w, http.StatusOK, api.NewOutbound(record))
}

func (s *Server) handleConfirmInbound(w http.ResponseWriter, r *http.Request) {
	caller, id, preimage, ok := s.decodeConfirm(w, r)
	if !ok {
		return
	}
	var record *htlc.InboundTransfer
	err := s.track(r.Context(), "confirm_in", func(ctx context.Context) error {
		var err error
		record, err = s.ledger.ConfirmTransferIn(ctx, caller, id, preimage)
		return err
	})
	if err != nil {
		s.logger.Info("confirm in rejected",
			slog.String("id", common.Hash(id).Hex()),
			logging.MaskField("preimage", common.Hash(preimage).Hex()),
			slog.Any("error", err))
		writeLedgerError(w, err)
		return
	}
	s.recordFees(record.Asset, record.Amount, record.FeeBps)
	s.recordFees(htlc.NativeAsset, record.NativeAmount, record.FeeBps)
	s.logger.Info("transfer in confirmed", slog.String("id", common.Hash(id).Hex()))
	writeJSON(w, http.StatusOK, api.NewInbound(record))
}

func (s *Server) handleRefundOutbound(w http.ResponseWriter, r *http.Request) {
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	var record *htlc.OutboundTransfer
	err := s.track(r.Context(), "refund_out", func(ctx context.Context) error {
		var err error
		record, err = s.ledger.RefundTransferOut(ctx, id)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.logger.Info("transfer out refunded", slog.String("id", common.Hash(id).Hex()))
	writeJSON(w, http.StatusOK, api.NewOutbound(record))
}

func (s *Server) handleRefundInbound(w http.ResponseWriter, r *http.Request) {
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	var record *htlc.InboundTransfer
	err := s.track(r.Context(), "refund_in", func(ctx context.Context) error {
		var err error
		record, err = s.ledger.RefundTransferIn(ctx, id)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.logger.Info("transfer in refunded", slog.String("id", common.Hash(id).Hex()))
	writeJSON(w, http.StatusOK, api.NewInbound(record))
}

func (s *Server) handleGetOutbound(w http.ResponseWriter, r *http.Request) {
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	record, err := s.ledger.Outbound(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewOutbound(record))
}

func (s *Server) handleGetInbound(w http.ResponseWriter, r *http.Request) {
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	record, err := s.ledger.Inbound(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewInbound(record))
}

func (s *Server) handlePartyTransfers(w http.ResponseWriter, r *http.Request) {
	party, err := api.ParseAddress("address", chi.URLParam(r, "address"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	list := api.TransferList{Party: common.Address(party).Hex(), Outbound: []string{}, Inbound: []string{}}
	for _, family := range []state.Family{state.FamilyOutbound, state.FamilyInbound} {
		ids, err := s.vault.HTLCTransfersByParty(r.Context(), family, party)
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		for _, id := range ids {
			if family == state.FamilyOutbound {
				list.Outbound = append(list.Outbound, common.Hash(id).Hex())
			} else {
				list.Inbound = append(list.Inbound, common.Hash(id).Hex())
			}
		}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	asset, err := api.ParseAddress("asset", chi.URLParam(r, "asset"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	holder, err := api.ParseAddress("holder", chi.URLParam(r, "holder"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	balance, err := s.vault.Balance(r.Context(), asset, holder)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.Balance{
		Asset:  common.Address(asset).Hex(),
		Holder: common.Address(holder).Hex(),
		Amount: api.FormatAmount(balance),
	})
}

func (s *Server) handleGetFees(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.ledger.FeeSchedule(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NewFeeSchedule(schedule))
}

func (s *Server) handleFeeTotals(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event archive disabled")
		return
	}
	totals, err := s.archive.FeeTotals(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	out := make([]api.FeeTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, api.NewFeeTotal(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetFeeRate(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req api.FeeRateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var schedule fees.Schedule
	err := s.track(r.Context(), "set_fee_rate", func(ctx context.Context) error {
		var err error
		schedule, err = s.ledger.SetFeeRate(ctx, caller, req.Bps)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.logger.Info("fee rate updated", slog.Uint64("bps", uint64(schedule.Bps)))
	writeJSON(w, http.StatusOK, api.NewFeeSchedule(schedule))
}

func (s *Server) handleSetFeeBeneficiary(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req api.FeeBeneficiaryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	beneficiary, err := api.ParseAddress("beneficiary", req.Beneficiary, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	var schedule fees.Schedule
	err = s.track(r.Context(), "set_fee_beneficiary", func(ctx context.Context) error {
		var err error
		schedule, err = s.ledger.SetFeeBeneficiary(ctx, caller, beneficiary)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.logger.Info("fee beneficiary updated", slog.String("beneficiary", common.Address(schedule.Beneficiary).Hex()))
	writeJSON(w, http.StatusOK, api.NewFeeSchedule(schedule))
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	if caller != s.cfg.Admin || caller == ([20]byte{}) {
		writeError(w, http.StatusForbidden, "unauthorized", "caller is not the admin")
		return
	}
	var req api.CreditRequest
	if !decodeBody(w, r, &req) {
		return
	}
	asset, err := api.ParseAddress("asset", req.Asset, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	holder, err := api.ParseAddress("holder", req.Holder, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	amount, err := api.ParseAmount("amount", req.Amount)
	if err != nil || amount == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "amount is required")
		return
	}
	err = s.track(r.Context(), "credit", func(ctx context.Context) error {
		return s.vault.Credit(ctx, asset, holder, amount)
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	balance, err := s.vault.Balance(r.Context(), asset, holder)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.Balance{
		Asset:  common.Address(asset).Hex(),
		Holder: common.Address(holder).Hex(),
		Amount: api.FormatAmount(balance),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event archive disabled")
		return
	}
	q := r.URL.Query()
	filter := archive.Filter{TransferID: q.Get("transfer"), Type: q.Get("type")}
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be a sequence number")
			return
		}
		filter.AfterSequence = after
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	records, err := s.archive.Query(r.Context(), filter)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	out := make([]api.Event, 0, len(records))
	for _, record := range records {
		evt, err := record.Event()
		if err != nil {
			writeLedgerError(w, err)
			return
		}
		out = append(out, api.Event{
			ID:         record.ID.String(),
			Sequence:   record.Sequence,
			Type:       record.Type,
			Attributes: evt.Attributes,
			RecordedAt: record.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

