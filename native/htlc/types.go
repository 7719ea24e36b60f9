package htlc

import (
	"fmt"
	"math/big"
	"strings"
)

// NativeAsset identifies the ledger's native coin. Token assets are addressed
// by their contract address.
var NativeAsset = [20]byte{}

// Status represents the lifecycle state of an HTLC record. Created is the
// only non-terminal state.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusCreated
	StatusConfirmed
	StatusRefunded
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusConfirmed, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the record can no longer transition.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusRefunded
}

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusConfirmed:
		return "confirmed"
	case StatusRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// ParseStatus converts the textual status form back into a Status.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "created":
		return StatusCreated, nil
	case "confirmed":
		return StatusConfirmed, nil
	case "refunded":
		return StatusRefunded, nil
	default:
		return StatusUnknown, fmt.Errorf("htlc: unknown status %q", raw)
	}
}

// Timelock holds the timing parameters agreed between the user and the LP.
// All values are unix seconds except StepTime and Tolerance which are
// durations in seconds.
type Timelock struct {
	// AgreedAt is the agreement time A.
	AgreedAt uint64
	// StepTime is the expected single step time E.
	StepTime uint64
	// Tolerance is the tolerant single step time Tol.
	Tolerance uint64
	// RefundAt is the earliest refund time R.
	RefundAt uint64
}

// Deadlines derives the named deadlines from the timelock parameters.
func (t Timelock) Deadlines() (Deadlines, error) {
	d, err := NewDeadlines(t.AgreedAt, t.StepTime, t.Tolerance)
	if err != nil {
		return Deadlines{}, err
	}
	d.RefundAt = t.RefundAt
	return d, nil
}

// Validate enforces R > A+3E+3Tol.
func (t Timelock) Validate() error {
	d, err := t.Deadlines()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRefundTime, err)
	}
	if t.RefundAt <= d.PublicConfirmOut {
		return fmt.Errorf("%w: refund time %d must be after %d", ErrInvalidRefundTime, t.RefundAt, d.PublicConfirmOut)
	}
	return nil
}

// OutboundParams describes an outbound escrow request: the user locks value on
// this ledger for the LP, who pays out on the destination chain.
type OutboundParams struct {
	Sender          [20]byte
	Receiver        [20]byte
	Asset           [20]byte
	Amount          *big.Int
	Hashlock        [32]byte
	Timelock        Timelock
	DstChainID      uint64
	DstAddress      [20]byte
	BidID           [32]byte
	DstAsset        [20]byte
	DstAmount       *big.Int
	DstNativeAmount *big.Int
	// Identity and signature strings are carried for the counterparty and are
	// not interpreted by the ledger.
	RequestorIdentity string
	LPIdentity        string
	UserSignature     string
	LPSignature       string
}

// OutboundTransfer is the stored outbound record.
type OutboundTransfer struct {
	ID [32]byte
	OutboundParams
	FeeBps         uint32
	FeeBeneficiary [20]byte
	Status         Status
	CreatedAt      uint64
}

// Clone returns a deep copy of the record so callers can safely mutate the
// copy without affecting the stored instance.
func (t *OutboundTransfer) Clone() *OutboundTransfer {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Amount = cloneBigInt(t.Amount)
	clone.DstAmount = cloneBigInt(t.DstAmount)
	clone.DstNativeAmount = cloneBigInt(t.DstNativeAmount)
	return &clone
}

// InboundParams describes an inbound escrow request: the LP locks value on
// this ledger for the user after observing the outbound record on the source
// chain.
type InboundParams struct {
	Sender        [20]byte
	Receiver      [20]byte
	Asset         [20]byte
	Amount        *big.Int
	NativeAmount  *big.Int
	Hashlock      [32]byte
	Timelock      Timelock
	SrcChainID    uint64
	SrcTransferID [32]byte
}

// InboundTransfer is the stored inbound record.
type InboundTransfer struct {
	ID [32]byte
	InboundParams
	FeeBps         uint32
	FeeBeneficiary [20]byte
	Status         Status
	CreatedAt      uint64
}

// Clone returns a deep copy of the record.
func (t *InboundTransfer) Clone() *InboundTransfer {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Amount = cloneBigInt(t.Amount)
	clone.NativeAmount = cloneBigInt(t.NativeAmount)
	return &clone
}

// SanitizeOutbound validates the structural invariants of a stored outbound
// record and returns a normalised clone with non-nil amounts.
func SanitizeOutbound(t *OutboundTransfer) (*OutboundTransfer, error) {
	if t == nil {
		return nil, fmt.Errorf("htlc: nil outbound transfer")
	}
	clone := t.Clone()
	if clone.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if clone.DstAmount.Sign() < 0 || clone.DstNativeAmount.Sign() < 0 {
		return nil, fmt.Errorf("%w: destination amounts must be non-negative", ErrInvalidAmount)
	}
	if clone.FeeBps > 10_000 {
		return nil, fmt.Errorf("htlc: fee bps out of range: %d", clone.FeeBps)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("htlc: invalid status: %d", clone.Status)
	}
	return clone, nil
}

// SanitizeInbound validates the structural invariants of a stored inbound
// record and returns a normalised clone with non-nil amounts.
func SanitizeInbound(t *InboundTransfer) (*InboundTransfer, error) {
	if t == nil {
		return nil, fmt.Errorf("htlc: nil inbound transfer")
	}
	clone := t.Clone()
	if clone.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if clone.NativeAmount.Sign() < 0 {
		return nil, fmt.Errorf("%w: native amount must be non-negative", ErrInvalidAmount)
	}
	if clone.FeeBps > 10_000 {
		return nil, fmt.Errorf("htlc: fee bps out of range: %d", clone.FeeBps)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("htlc: invalid status: %d", clone.Status)
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
