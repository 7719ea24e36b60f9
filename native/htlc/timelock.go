package htlc

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/math"
)

// Operation labels the escrow operations gated by the timelock authorizer.
type Operation uint8

const (
	OpTransferOut Operation = iota + 1
	OpTransferIn
	OpConfirmOut
	OpConfirmIn
	OpRefundOut
	OpRefundIn
)

func (op Operation) String() string {
	switch op {
	case OpTransferOut:
		return "transfer out"
	case OpTransferIn:
		return "transfer in"
	case OpConfirmOut:
		return "confirm out"
	case OpConfirmIn:
		return "confirm in"
	case OpRefundOut:
		return "refund out"
	case OpRefundIn:
		return "refund in"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Role distinguishes the party that originally locked the value (primary)
// from everybody else.
type Role uint8

const (
	RoleAny Role = iota
	RolePrimary
	RolePublic
)

// Anonymous is the caller recorded for unauthenticated requests. No record
// can be created with it as sender, so it always resolves to RolePublic.
var Anonymous = [20]byte{}

// RoleOf returns RolePrimary when caller is the record sender.
func RoleOf(caller, sender [20]byte) Role {
	if caller == sender {
		return RolePrimary
	}
	return RolePublic
}

// Deadlines are the absolute unix-second deadlines derived from a timelock.
type Deadlines struct {
	AgreedAt uint64 `json:"agreedAt"`
	// CreateOut is D1 = A+E.
	CreateOut uint64 `json:"createOut"`
	// CreateIn is D2 = A+2E.
	CreateIn uint64 `json:"createIn"`
	// ConfirmOut is D3 = A+3E, the last second the user may confirm outbound.
	ConfirmOut uint64 `json:"confirmOut"`
	// ConfirmIn is D4 = D3+Tol, the last second the LP may confirm inbound.
	ConfirmIn uint64 `json:"confirmIn"`
	// PublicConfirmIn is D5 = D4+Tol, the end of the public inbound window.
	PublicConfirmIn uint64 `json:"publicConfirmIn"`
	// PublicConfirmOut is D6 = D5+Tol, the end of the public outbound window.
	PublicConfirmOut uint64 `json:"publicConfirmOut"`
	// RefundAt is R, zero when derived without a refund time.
	RefundAt uint64 `json:"refundAt"`
}

// NewDeadlines computes D1..D6 from the agreement time, the expected step time
// and the tolerance. It fails with ErrTimelockOverflow when any deadline does
// not fit in 64 bits.
func NewDeadlines(agreedAt, step, tolerance uint64) (Deadlines, error) {
	d := Deadlines{AgreedAt: agreedAt}
	overflow := false
	add := func(x, y uint64) uint64 {
		sum, o := math.SafeAdd(x, y)
		overflow = overflow || o
		return sum
	}
	d.CreateOut = add(agreedAt, step)
	d.CreateIn = add(d.CreateOut, step)
	d.ConfirmOut = add(d.CreateIn, step)
	d.ConfirmIn = add(d.ConfirmOut, tolerance)
	d.PublicConfirmIn = add(d.ConfirmIn, tolerance)
	d.PublicConfirmOut = add(d.PublicConfirmIn, tolerance)
	if overflow {
		return Deadlines{}, fmt.Errorf("%w: agreed=%d step=%d tolerance=%d", ErrTimelockOverflow, agreedAt, step, tolerance)
	}
	return d, nil
}

type bound uint8

const (
	boundNone bound = iota
	boundCreateOut
	boundCreateIn
	boundConfirmOut
	boundConfirmIn
	boundPublicConfirmIn
	boundPublicConfirmOut
	boundRefund
)

func (d Deadlines) at(b bound) uint64 {
	switch b {
	case boundCreateOut:
		return d.CreateOut
	case boundCreateIn:
		return d.CreateIn
	case boundConfirmOut:
		return d.ConfirmOut
	case boundConfirmIn:
		return d.ConfirmIn
	case boundPublicConfirmIn:
		return d.PublicConfirmIn
	case boundPublicConfirmOut:
		return d.PublicConfirmOut
	case boundRefund:
		return d.RefundAt
	default:
		return 0
	}
}

// rule allows op for role while after < now, from <= now and now <= until.
// boundNone leaves the corresponding side open.
type rule struct {
	op    Operation
	role  Role
	after bound
	from  bound
	until bound
}

var authorizationTable = []rule{
	{op: OpTransferOut, role: RoleAny, until: boundCreateOut},
	{op: OpTransferIn, role: RoleAny, until: boundCreateIn},
	{op: OpConfirmOut, role: RolePrimary, until: boundConfirmOut},
	{op: OpConfirmOut, role: RolePublic, after: boundPublicConfirmIn, until: boundPublicConfirmOut},
	{op: OpConfirmIn, role: RolePrimary, until: boundConfirmIn},
	{op: OpConfirmIn, role: RolePublic, after: boundConfirmIn, until: boundPublicConfirmIn},
	{op: OpRefundOut, role: RoleAny, from: boundRefund},
	{op: OpRefundIn, role: RoleAny, from: boundRefund},
}

func lookupRule(op Operation, role Role) (rule, bool) {
	for _, r := range authorizationTable {
		if r.op == op && (r.role == RoleAny || r.role == role) {
			return r, true
		}
	}
	return rule{}, false
}

// Authorize evaluates the timelock decision table. A nil result means the
// operation is allowed; otherwise the error is an *ExpiredOpError,
// *NotInOpWindowError or *NotUnlockError describing the violated window.
func (d Deadlines) Authorize(op Operation, role Role, now uint64) error {
	r, ok := lookupRule(op, role)
	if !ok {
		return fmt.Errorf("%w: %s not permitted for role %d", ErrUnauthorized, op, role)
	}
	if r.until != boundNone && now > d.at(r.until) {
		if r.after == boundNone {
			return &ExpiredOpError{Op: op, Deadline: d.at(r.until)}
		}
		return &NotInOpWindowError{Op: op, Start: d.at(r.after), End: d.at(r.until)}
	}
	if r.after != boundNone && now <= d.at(r.after) {
		return &NotInOpWindowError{Op: op, Start: d.at(r.after), End: d.at(r.until)}
	}
	if r.from != boundNone && now < d.at(r.from) {
		return &NotUnlockError{Op: op, UnlockAt: d.at(r.from)}
	}
	return nil
}
