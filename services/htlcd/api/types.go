// Package api holds the JSON wire types served by htlcd and consumed by
// htlc-cli. Amounts travel as base-10 strings, addresses and hashes as 0x hex.
package api

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"htlcbridge/native/fees"
	"htlcbridge/native/htlc"
)

var ErrInvalidField = errors.New("api: invalid field")

// Timelock is the wire form of the four timing parameters.
type Timelock struct {
	AgreementReachedTime   uint64 `json:"agreementReachedTime"`
	ExpectedSingleStepTime uint64 `json:"expectedSingleStepTime"`
	TolerantSingleStepTime uint64 `json:"tolerantSingleStepTime"`
	EarliestRefundTime     uint64 `json:"earliestRefundTime"`
}

func (t Timelock) toTimelock() htlc.Timelock {
	return htlc.Timelock{
		AgreedAt:  t.AgreementReachedTime,
		StepTime:  t.ExpectedSingleStepTime,
		Tolerance: t.TolerantSingleStepTime,
		RefundAt:  t.EarliestRefundTime,
	}
}

func timelockFrom(t htlc.Timelock) Timelock {
	return Timelock{
		AgreementReachedTime:   t.AgreedAt,
		ExpectedSingleStepTime: t.StepTime,
		TolerantSingleStepTime: t.Tolerance,
		EarliestRefundTime:     t.RefundAt,
	}
}

// OutboundRequest creates an outbound record. The sender is the
// authenticated caller.
type OutboundRequest struct {
	Receiver        string `json:"receiver"`
	Asset           string `json:"asset"`
	Amount          string `json:"amount"`
	Hashlock        string `json:"hashlock"`
	Timelock
	DstChainID      uint64 `json:"dstChainId"`
	DstAddress      string `json:"dstAddress"`
	BidID           string `json:"bidId"`
	DstAsset        string `json:"dstAsset"`
	DstAmount       string `json:"dstAmount"`
	DstNativeAmount string `json:"dstNativeAmount"`
	Requestor       string `json:"requestor"`
	LPID            string `json:"lpId"`
	UserSign        string `json:"userSign"`
	LPSign          string `json:"lpSign"`
}

// Params converts the request into engine parameters for sender.
func (r OutboundRequest) Params(sender [20]byte) (htlc.OutboundParams, error) {
	p := htlc.OutboundParams{
		Sender:            sender,
		Timelock:          r.Timelock.toTimelock(),
		DstChainID:        r.DstChainID,
		RequestorIdentity: r.Requestor,
		LPIdentity:        r.LPID,
		UserSignature:     r.UserSign,
		LPSignature:       r.LPSign,
	}
	var err error
	if p.Receiver, err = ParseAddress("receiver", r.Receiver, true); err != nil {
		return p, err
	}
	if p.Asset, err = ParseAddress("asset", r.Asset, false); err != nil {
		return p, err
	}
	if p.Amount, err = ParseAmount("amount", r.Amount); err != nil {
		return p, err
	}
	if p.Hashlock, err = ParseHash("hashlock", r.Hashlock, true); err != nil {
		return p, err
	}
	if p.DstAddress, err = ParseAddress("dstAddress", r.DstAddress, false); err != nil {
		return p, err
	}
	if p.BidID, err = ParseHash("bidId", r.BidID, false); err != nil {
		return p, err
	}
	if p.DstAsset, err = ParseAddress("dstAsset", r.DstAsset, false); err != nil {
		return p, err
	}
	if p.DstAmount, err = ParseAmount("dstAmount", r.DstAmount); err != nil {
		return p, err
	}
	if p.DstNativeAmount, err = ParseAmount("dstNativeAmount", r.DstNativeAmount); err != nil {
		return p, err
	}
	return p, nil
}

// InboundRequest creates an inbound record. The sender is the authenticated
// caller, normally the LP.
type InboundRequest struct {
	Receiver      string `json:"receiver"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	NativeAmount  string `json:"nativeAmount"`
	Hashlock      string `json:"hashlock"`
	Timelock
	SrcChainID    uint64 `json:"srcChainId"`
	SrcTransferID string `json:"srcTransferId"`
}

// Params converts the request into engine parameters for sender.
func (r InboundRequest) Params(sender [20]byte) (htlc.InboundParams, error) {
	p := htlc.InboundParams{
		Sender:     sender,
		Timelock:   r.Timelock.toTimelock(),
		SrcChainID: r.SrcChainID,
	}
	var err error
	if p.Receiver, err = ParseAddress("receiver", r.Receiver, true); err != nil {
		return p, err
	}
	if p.Asset, err = ParseAddress("asset", r.Asset, false); err != nil {
		return p, err
	}
	if p.Amount, err = ParseAmount("amount", r.Amount); err != nil {
		return p, err
	}
	if p.NativeAmount, err = ParseAmount("nativeAmount", r.NativeAmount); err != nil {
		return p, err
	}
	if p.Hashlock, err = ParseHash("hashlock", r.Hashlock, true); err != nil {
		return p, err
	}
	if p.SrcTransferID, err = ParseHash("srcTransferId", r.SrcTransferID, false); err != nil {
		return p, err
	}
	return p, nil
}

// ConfirmRequest reveals the preimage.
type ConfirmRequest struct {
	Preimage string `json:"preimage"`
}

// Outbound is the wire view of an outbound record.
type Outbound struct {
	ID              string         `json:"id"`
	Sender          string         `json:"sender"`
	Receiver        string         `json:"receiver"`
	Asset           string         `json:"asset"`
	Amount          string         `json:"amount"`
	Hashlock        string         `json:"hashlock"`
	Timelock
	DstChainID      uint64         `json:"dstChainId"`
	DstAddress      string         `json:"dstAddress"`
	BidID           string         `json:"bidId"`
	DstAsset        string         `json:"dstAsset"`
	DstAmount       string         `json:"dstAmount"`
	DstNativeAmount string         `json:"dstNativeAmount"`
	Requestor       string         `json:"requestor,omitempty"`
	LPID            string         `json:"lpId,omitempty"`
	UserSign        string         `json:"userSign,omitempty"`
	LPSign          string         `json:"lpSign,omitempty"`
	FeeBps          uint32         `json:"feeBps"`
	FeeBeneficiary  string         `json:"feeBeneficiary"`
	Status          string         `json:"status"`
	CreatedAt       uint64         `json:"createdAt"`
	Deadlines       htlc.Deadlines `json:"deadlines"`
}

// NewOutbound renders t. Deadlines are omitted when they overflow, which a
// persisted record cannot do.
func NewOutbound(t *htlc.OutboundTransfer) Outbound {
	view := Outbound{
		ID:              common.Hash(t.ID).Hex(),
		Sender:          common.Address(t.Sender).Hex(),
		Receiver:        common.Address(t.Receiver).Hex(),
		Asset:           common.Address(t.Asset).Hex(),
		Amount:          FormatAmount(t.Amount),
		Hashlock:        common.Hash(t.Hashlock).Hex(),
		Timelock:        timelockFrom(t.Timelock),
		DstChainID:      t.DstChainID,
		DstAddress:      common.Address(t.DstAddress).Hex(),
		BidID:           common.Hash(t.BidID).Hex(),
		DstAsset:        common.Address(t.DstAsset).Hex(),
		DstAmount:       FormatAmount(t.DstAmount),
		DstNativeAmount: FormatAmount(t.DstNativeAmount),
		Requestor:       t.RequestorIdentity,
		LPID:            t.LPIdentity,
		UserSign:        t.UserSignature,
		LPSign:          t.LPSignature,
		FeeBps:          t.FeeBps,
		FeeBeneficiary:  common.Address(t.FeeBeneficiary).Hex(),
		Status:          t.Status.String(),
		CreatedAt:       t.CreatedAt,
	}
	if d, err := t.Timelock.Deadlines(); err == nil {
		view.Deadlines = d
	}
	return view
}

// Inbound is the wire view of an inbound record.
type Inbound struct {
	ID             string         `json:"id"`
	Sender         string         `json:"sender"`
	Receiver       string         `json:"receiver"`
	Asset          string         `json:"asset"`
	Amount         string         `json:"amount"`
	NativeAmount   string         `json:"nativeAmount"`
	Hashlock       string         `json:"hashlock"`
	Timelock
	SrcChainID     uint64         `json:"srcChainId"`
	SrcTransferID  string         `json:"srcTransferId"`
	FeeBps         uint32         `json:"feeBps"`
	FeeBeneficiary string         `json:"feeBeneficiary"`
	Status         string         `json:"status"`
	CreatedAt      uint64         `json:"createdAt"`
	Deadlines      htlc.Deadlines `json:"deadlines"`
}

// NewInbound renders t.
func NewInbound(t *htlc.InboundTransfer) Inbound {
	view := Inbound{
		ID:             common.Hash(t.ID).Hex(),
		Sender:         common.Address(t.Sender).Hex(),
		Receiver:       common.Address(t.Receiver).Hex(),
		Asset:          common.Address(t.Asset).Hex(),
		Amount:         FormatAmount(t.Amount),
		NativeAmount:   FormatAmount(t.NativeAmount),
		Hashlock:       common.Hash(t.Hashlock).Hex(),
		Timelock:       timelockFrom(t.Timelock),
		SrcChainID:     t.SrcChainID,
		SrcTransferID:  common.Hash(t.SrcTransferID).Hex(),
		FeeBps:         t.FeeBps,
		FeeBeneficiary: common.Address(t.FeeBeneficiary).Hex(),
		Status:         t.Status.String(),
		CreatedAt:      t.CreatedAt,
	}
	if d, err := t.Timelock.Deadlines(); err == nil {
		view.Deadlines = d
	}
	return view
}

// FeeSchedule is the wire view of the current schedule.
type FeeSchedule struct {
	Bps         uint32 `json:"bps"`
	Beneficiary string `json:"beneficiary"`
}

// NewFeeSchedule renders s.
func NewFeeSchedule(s fees.Schedule) FeeSchedule {
	return FeeSchedule{Bps: s.Bps, Beneficiary: common.Address(s.Beneficiary).Hex()}
}

// FeeRateRequest updates the rate.
type FeeRateRequest struct {
	Bps uint32 `json:"bps"`
}

// FeeBeneficiaryRequest updates the beneficiary.
type FeeBeneficiaryRequest struct {
	Beneficiary string `json:"beneficiary"`
}

// FeeTotal is the settled volume for one asset.
type FeeTotal struct {
	Asset string `json:"asset"`
	Gross string `json:"gross"`
	Fee   string `json:"fee"`
	Net   string `json:"net"`
}

// NewFeeTotal renders t.
func NewFeeTotal(t fees.Totals) FeeTotal {
	return FeeTotal{
		Asset: common.Address(t.Asset).Hex(),
		Gross: FormatAmount(t.Gross),
		Fee:   FormatAmount(t.Fee),
		Net:   FormatAmount(t.Net),
	}
}

// CreditRequest funds a holder's vault balance.
type CreditRequest struct {
	Asset  string `json:"asset"`
	Holder string `json:"holder"`
	Amount string `json:"amount"`
}

// Balance is a vault balance.
type Balance struct {
	Asset  string `json:"asset"`
	Holder string `json:"holder"`
	Amount string `json:"amount"`
}

// TransferList is the set of record ids a party appears in.
type TransferList struct {
	Party    string   `json:"party"`
	Outbound []string `json:"outbound"`
	Inbound  []string `json:"inbound"`
}

// Event is an archived ledger event.
type Event struct {
	ID         string            `json:"id"`
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// ParseAddress decodes a 0x address. Empty input is allowed unless required
// and yields the zero address, which is also the native asset.
func ParseAddress(field, raw string, required bool) ([20]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if required {
			return [20]byte{}, fmt.Errorf("%w: %s is required", ErrInvalidField, field)
		}
		return [20]byte{}, nil
	}
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("%w: %s is not an address", ErrInvalidField, field)
	}
	return common.HexToAddress(trimmed), nil
}

// ParseHash decodes a 0x-prefixed 32-byte value.
func ParseHash(field, raw string, required bool) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if required {
			return out, fmt.Errorf("%w: %s is required", ErrInvalidField, field)
		}
		return out, nil
	}
	decoded, err := hexutil.Decode(trimmed)
	if err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrInvalidField, field, err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("%w: %s must be 32 bytes", ErrInvalidField, field)
	}
	copy(out[:], decoded)
	return out, nil
}

// ParseAmount decodes a base-10 amount. Empty input yields nil, which the
// engine treats as zero for optional fields and rejects for required ones.
func ParseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a base-10 integer", ErrInvalidField, field)
	}
	return value, nil
}

// FormatAmount renders an amount, treating nil as zero.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
