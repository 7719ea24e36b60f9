package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"htlcbridge/core/state"
	"htlcbridge/native/fees"
	"htlcbridge/native/htlc"
)

type errorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Op       string `json:"op,omitempty"`
	Deadline uint64 `json:"deadline,omitempty"`
	Start    uint64 `json:"start,omitempty"`
	End      uint64 `json:"end,omitempty"`
}

var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{htlc.ErrInvalidAmount, "invalid_amount", http.StatusBadRequest},
	{htlc.ErrInvalidRefundTime, "invalid_refund_time", http.StatusBadRequest},
	{htlc.ErrAlreadyExists, "already_exists", http.StatusConflict},
	{htlc.ErrNotFound, "not_found", http.StatusNotFound},
	{htlc.ErrInvalidStatus, "invalid_status", http.StatusConflict},
	{htlc.ErrInvalidHashlock, "invalid_hashlock", http.StatusUnprocessableEntity},
	{htlc.ErrExpiredOp, "expired_op", http.StatusUnprocessableEntity},
	{htlc.ErrNotInOpWindow, "not_in_op_window", http.StatusUnprocessableEntity},
	{htlc.ErrNotUnlock, "not_unlock", http.StatusUnprocessableEntity},
	{htlc.ErrUnauthorized, "unauthorized", http.StatusForbidden},
	{htlc.ErrTimelockOverflow, "invalid_refund_time", http.StatusBadRequest},
	{fees.ErrInvalidRate, "invalid_rate", http.StatusBadRequest},
	{state.ErrInsufficientFunds, "insufficient_funds", http.StatusUnprocessableEntity},
	{state.ErrBalanceOverflow, "balance_overflow", http.StatusUnprocessableEntity},
	{state.ErrInvalidAmount, "invalid_amount", http.StatusBadRequest},
}

// classify maps a ledger error onto its stable code and HTTP status.
func classify(err error) (string, int) {
	if err == nil {
		return "ok", http.StatusOK
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code, entry.status
		}
	}
	return "internal", http.StatusInternalServerError
}

func writeLedgerError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	body := errorBody{Code: code, Message: err.Error()}
	if status == http.StatusInternalServerError {
		body.Message = "internal error"
	}
	var expired *htlc.ExpiredOpError
	var window *htlc.NotInOpWindowError
	var locked *htlc.NotUnlockError
	switch {
	case errors.As(err, &expired):
		body.Op = expired.Op.String()
		body.Deadline = expired.Deadline
	case errors.As(err, &window):
		body.Op = window.Op.String()
		body.Start = window.Start
		body.End = window.End
	case errors.As(err, &locked):
		body.Op = locked.Op.String()
		body.Deadline = locked.UnlockAt
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
