package htlc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount     = errors.New("htlc: invalid amount")
	ErrInvalidRefundTime = errors.New("htlc: invalid refund time")
	ErrAlreadyExists     = errors.New("htlc: transfer already exists")
	ErrNotFound          = errors.New("htlc: transfer not found")
	ErrInvalidStatus     = errors.New("htlc: invalid status")
	ErrInvalidHashlock   = errors.New("htlc: invalid hashlock")
	ErrExpiredOp         = errors.New("htlc: operation expired")
	ErrNotInOpWindow     = errors.New("htlc: not in operation window")
	ErrNotUnlock         = errors.New("htlc: not unlocked")
	ErrUnauthorized      = errors.New("htlc: unauthorized")
	ErrTimelockOverflow  = errors.New("htlc: timelock overflow")
	ErrStateUnavailable  = errors.New("htlc: state not configured")
	ErrMoverUnavailable  = errors.New("htlc: asset mover not configured")
)

// ExpiredOpError reports that op was attempted after its deadline.
type ExpiredOpError struct {
	Op       Operation
	Deadline uint64
}

func (e *ExpiredOpError) Error() string {
	return fmt.Sprintf("htlc: %s expired at %d", e.Op, e.Deadline)
}

// Is lets errors.Is match the ErrExpiredOp sentinel.
func (e *ExpiredOpError) Is(target error) bool { return target == ErrExpiredOp }

// NotInOpWindowError reports that op was attempted outside (Start, End].
type NotInOpWindowError struct {
	Op    Operation
	Start uint64
	End   uint64
}

func (e *NotInOpWindowError) Error() string {
	return fmt.Sprintf("htlc: %s only allowed in window (%d, %d]", e.Op, e.Start, e.End)
}

// Is lets errors.Is match the ErrNotInOpWindow sentinel.
func (e *NotInOpWindowError) Is(target error) bool { return target == ErrNotInOpWindow }

// NotUnlockError reports that a refund was attempted before UnlockAt.
type NotUnlockError struct {
	Op       Operation
	UnlockAt uint64
}

func (e *NotUnlockError) Error() string {
	return fmt.Sprintf("htlc: %s locked until %d", e.Op, e.UnlockAt)
}

// Is lets errors.Is match the ErrNotUnlock sentinel.
func (e *NotUnlockError) Is(target error) bool { return target == ErrNotUnlock }
