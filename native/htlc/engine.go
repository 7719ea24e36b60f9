package htlc

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"htlcbridge/core/events"
	"htlcbridge/core/types"
	"htlcbridge/native/fees"
)

// EventTypeFeeScheduleUpdated is emitted when the admin changes the fee rate or
// beneficiary.
const EventTypeFeeScheduleUpdated = "htlc.fees.updated"

type engineState interface {
	// Atomic runs fn as one indivisible unit. A call made while a unit is
	// already carried by ctx joins that unit.
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
	HTLCOutboundGet(ctx context.Context, id [32]byte) (*OutboundTransfer, bool, error)
	HTLCOutboundPut(ctx context.Context, t *OutboundTransfer) error
	HTLCInboundGet(ctx context.Context, id [32]byte) (*InboundTransfer, bool, error)
	HTLCInboundPut(ctx context.Context, t *InboundTransfer) error
	HTLCFeeSchedule(ctx context.Context) (fees.Schedule, error)
	HTLCSetFeeSchedule(ctx context.Context, s fees.Schedule) error
}

// AssetMover custodies and releases value on behalf of the engine. Each call
// either fully succeeds or fully fails and must join the unit carried by ctx.
type AssetMover interface {
	// Custody moves amount of asset, plus native of the native coin, from the
	// depositor into escrow custody.
	Custody(ctx context.Context, asset, from [20]byte, amount, native *big.Int) error
	// Release moves amount of asset out of escrow custody to the recipient.
	Release(ctx context.Context, asset, to [20]byte, amount *big.Int) error
}

type htlcEvent struct {
	evt *types.Event
}

func (e htlcEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e htlcEvent) Event() *types.Event { return e.evt }

// Engine drives the outbound and inbound HTLC state machines. State writes
// and asset movements of a single call share one atomic unit; events are
// published after the unit commits.
type Engine struct {
	state   engineState
	mover   AssetMover
	emitter events.Emitter
	chainID uint64
	admin   [20]byte
	nowFn   func() int64
}

// NewEngine creates an engine with a no-op emitter and the wall clock.
func NewEngine(chainID uint64) *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		chainID: chainID,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetMover configures the asset mover used for custody and release.
func (e *Engine) SetMover(mover AssetMover) { e.mover = mover }

// SetAdmin configures the address allowed to change the fee schedule.
func (e *Engine) SetAdmin(addr [20]byte) { e.admin = addr }

// ChainID returns the ledger identifier mixed into transfer ids.
func (e *Engine) ChainID() uint64 { return e.chainID }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) now() uint64 {
	var ts int64
	if e == nil || e.nowFn == nil {
		ts = time.Now().Unix()
	} else {
		ts = e.nowFn()
	}
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return ErrStateUnavailable
	}
	if e.mover == nil {
		return ErrMoverUnavailable
	}
	return nil
}

// atomic runs fn inside a state unit with an event buffer. Only the outermost
// caller publishes the buffered events, and only after a successful commit.
func (e *Engine) atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, buf, owned := events.WithBuffer(ctx)
	err := e.state.Atomic(ctx, fn)
	if !owned {
		return err
	}
	if err != nil {
		buf.Reset()
		return err
	}
	buf.Flush(e.emitter)
	return nil
}

func (e *Engine) release(ctx context.Context, asset, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := e.mover.Release(ctx, asset, to, amount); err != nil {
		return fmt.Errorf("htlc: release %s to %x: %w", amount, to, err)
	}
	return nil
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 || !fitsWord(amount) {
		return ErrInvalidAmount
	}
	return nil
}

func validateOptionalAmount(amount *big.Int, field string) error {
	if !fitsWord(amount) {
		return fmt.Errorf("%w: %s out of range", ErrInvalidAmount, field)
	}
	return nil
}

// TransferOut locks the caller's value for the LP. The caller must be the
// record sender.
func (e *Engine) TransferOut(ctx context.Context, caller [20]byte, p OutboundParams) (*OutboundTransfer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	now := e.now()
	if caller != p.Sender {
		return nil, fmt.Errorf("%w: caller is not the sender", ErrUnauthorized)
	}
	if p.Sender == Anonymous {
		return nil, fmt.Errorf("%w: zero sender", ErrUnauthorized)
	}
	if err := validateAmount(p.Amount); err != nil {
		return nil, err
	}
	if err := validateOptionalAmount(p.DstAmount, "destination amount"); err != nil {
		return nil, err
	}
	if err := validateOptionalAmount(p.DstNativeAmount, "destination native amount"); err != nil {
		return nil, err
	}
	if err := p.Timelock.Validate(); err != nil {
		return nil, err
	}
	deadlines, err := p.Timelock.Deadlines()
	if err != nil {
		return nil, err
	}
	if err := deadlines.Authorize(OpTransferOut, RolePrimary, now); err != nil {
		return nil, err
	}

	record := &OutboundTransfer{
		ID:             OutboundID(e.chainID, p),
		OutboundParams: p,
		Status:         StatusCreated,
		CreatedAt:      now,
	}
	record = record.Clone()

	var created *OutboundTransfer
	err = e.atomic(ctx, func(ctx context.Context) error {
		if _, exists, err := e.state.HTLCOutboundGet(ctx, record.ID); err != nil {
			return err
		} else if exists {
			return ErrAlreadyExists
		}
		schedule, err := e.state.HTLCFeeSchedule(ctx)
		if err != nil {
			return err
		}
		snapshot := schedule.Snapshot()
		record.FeeBps = snapshot.Bps
		record.FeeBeneficiary = snapshot.Beneficiary
		if err := e.state.HTLCOutboundPut(ctx, record); err != nil {
			return err
		}
		if err := e.mover.Custody(ctx, record.Asset, caller, record.Amount, nil); err != nil {
			return fmt.Errorf("htlc: custody: %w", err)
		}
		events.Record(ctx, htlcEvent{evt: NewTransferOutCreatedEvent(record)})
		created = record.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// TransferIn locks the LP's value for the user. The caller must be the record
// sender.
func (e *Engine) TransferIn(ctx context.Context, caller [20]byte, p InboundParams) (*InboundTransfer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	now := e.now()
	if caller != p.Sender {
		return nil, fmt.Errorf("%w: caller is not the sender", ErrUnauthorized)
	}
	if p.Sender == Anonymous {
		return nil, fmt.Errorf("%w: zero sender", ErrUnauthorized)
	}
	if err := validateAmount(p.Amount); err != nil {
		return nil, err
	}
	if err := validateOptionalAmount(p.NativeAmount, "native amount"); err != nil {
		return nil, err
	}
	if err := p.Timelock.Validate(); err != nil {
		return nil, err
	}
	deadlines, err := p.Timelock.Deadlines()
	if err != nil {
		return nil, err
	}
	if err := deadlines.Authorize(OpTransferIn, RolePrimary, now); err != nil {
		return nil, err
	}

	record := &InboundTransfer{
		ID:            InboundID(e.chainID, p),
		InboundParams: p,
		Status:        StatusCreated,
		CreatedAt:     now,
	}
	record = record.Clone()

	var created *InboundTransfer
	err = e.atomic(ctx, func(ctx context.Context) error {
		if _, exists, err := e.state.HTLCInboundGet(ctx, record.ID); err != nil {
			return err
		} else if exists {
			return ErrAlreadyExists
		}
		schedule, err := e.state.HTLCFeeSchedule(ctx)
		if err != nil {
			return err
		}
		snapshot := schedule.Snapshot()
		record.FeeBps = snapshot.Bps
		record.FeeBeneficiary = snapshot.Beneficiary
		if err := e.state.HTLCInboundPut(ctx, record); err != nil {
			return err
		}
		if err := e.mover.Custody(ctx, record.Asset, caller, record.Amount, record.NativeAmount); err != nil {
			return fmt.Errorf("htlc: custody: %w", err)
		}
		events.Record(ctx, htlcEvent{evt: NewTransferInCreatedEvent(record)})
		created = record.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ConfirmTransferOut releases an outbound record to the LP once the preimage
// is revealed. The user may confirm until D3; anyone may confirm in (D5, D6].
// The net amount and the fee are released as two mover calls. A zero fee
// (zero rate or waived by a zero beneficiary) releases the net leg only.
func (e *Engine) ConfirmTransferOut(ctx context.Context, caller [20]byte, id, preimage [32]byte) (*OutboundTransfer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	now := e.now()
	var confirmed *OutboundTransfer
	err := e.atomic(ctx, func(ctx context.Context) error {
		record, err := e.loadOutbound(ctx, id)
		if err != nil {
			return err
		}
		if record.Status != StatusCreated {
			return fmt.Errorf("%w: %s", ErrInvalidStatus, record.Status)
		}
		if !VerifyPreimage(record.Hashlock, preimage) {
			return ErrInvalidHashlock
		}
		deadlines, err := record.Timelock.Deadlines()
		if err != nil {
			return err
		}
		if err := deadlines.Authorize(OpConfirmOut, RoleOf(caller, record.Sender), now); err != nil {
			return err
		}
		net, fee, err := fees.Split(record.Amount, record.FeeBps)
		if err != nil {
			return err
		}
		record.Status = StatusConfirmed
		if err := e.state.HTLCOutboundPut(ctx, record); err != nil {
			return err
		}
		if err := e.release(ctx, record.Asset, record.Receiver, net); err != nil {
			return err
		}
		if err := e.release(ctx, record.Asset, record.FeeBeneficiary, fee); err != nil {
			return err
		}
		settlement := Settlement{Net: net, Fee: fee}
		events.Record(ctx, htlcEvent{evt: NewTransferOutConfirmedEvent(record, preimage, settlement)})
		confirmed = record.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

// ConfirmTransferIn releases an inbound record to the user once the preimage
// is revealed. The LP may confirm until D4; anyone may confirm in (D4, D5].
// Token and native amounts are each released as a net and a fee leg; legs of
// zero value, including every fee leg when the fee is waived, are skipped.
func (e *Engine) ConfirmTransferIn(ctx context.Context, caller [20]byte, id, preimage [32]byte) (*InboundTransfer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	now := e.now()
	var confirmed *InboundTransfer
	err := e.atomic(ctx, func(ctx context.Context) error {
		record, err := e.loadInbound(ctx, id)
		if err != nil {
			return err
		}
		if record.Status != StatusCreated {
			return fmt.Errorf("%w: %s", ErrInvalidStatus, record.Status)
		}
		if !VerifyPreimage(record.Hashlock, preimage) {
			return ErrInvalidHashlock
		}
		deadlines, err := record.Timelock.Deadlines()
		if err != nil {
			return err
		}
		if err := deadlines.Authorize(OpConfirmIn, RoleOf(caller, record.Sender), now); err != nil {
			return err
		}
		net, fee, err := fees.Split(record.Amount, record.FeeBps)
		if err != nil {
			return err
		}
		nativeNet, nativeFee, err := fees.Split(record.NativeAmount, record.FeeBps)
		if err != nil {
			return err
		}
		record.Status = StatusConfirmed
		if err := e.state.HTLCInboundPut(ctx, record); err != nil {
			return err
		}
		if err := e.release(ctx, record.Asset, record.Receiver, net); err != nil {
			return err
		}
		if err := e.release(ctx, record.Asset, record.FeeBeneficiary, fee); err != nil {
			return err
		}
		if err := e.release(ctx, NativeAsset, record.Receiver, nativeNet); err != nil {
			return err
		}
		if err := e.release(ctx, NativeAsset, record.FeeBeneficiary, nativeFee); err != nil {
			return err
		}
		settlement := Settlement{Net: net, Fee: fee, NativeNet: nativeNet, NativeFee: nativeFee}
		events.Record(ctx, htlcEvent{evt: NewTransferInConfirmedEvent(record, preimage, settlement)})
		confirmed = record.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

// RefundTransferOut returns the full outbound amount to the sender once R has
// passed. Any caller may trigger the refund.
func (e *Engine) RefundTransferOut(ctx context.Context, id [32]byte) (*OutboundTransfer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	now := e.now()
	var refunded *OutboundTransfer
	err := e.atomic(ctx, func(ctx context.Context) error {
		record, err := e.loadOutbound(ctx, id)
		if err != nil {
			return err
		}
		if record.Status != StatusCreated {
			return fmt.Errorf("%w: %s", ErrInvalidStatus, record.Status)
		}
		deadlines, err := record.Timelock.Deadlines()
		if err != nil {
			return err
		}
		if err := deadlines.Authorize(OpRefundOut, RoleAny, now); err != nil {
			return err
		}
		record.Status = StatusRefunded
		if err := e.state.HTLCOutboundPut(ctx, record); err != nil {
			return err
		}
		if err := e.release(ctx, record.Asset, record.Sender, record.Amount); err != nil {
			return err
		}
		events.Record(ctx, htlcEvent{evt: NewTransferOutRefundedEvent(record)})
		refunded = record.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refunded, nil
}

// RefundTransferIn returns the full inbound amount and native amount to the LP
// once R has passed. Any caller may trigger the refund.
func (e *Engine) RefundTransferIn(ctx context.Context, id [32]byte) (*InboundTransfer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	now := e.now()
	var refunded *InboundTransfer
	err := e.atomic(ctx, func(ctx context.Context) error {
		record, err := e.loadInbound(ctx, id)
		if err != nil {
			return err
		}
		if record.Status != StatusCreated {
			return fmt.Errorf("%w: %s", ErrInvalidStatus, record.Status)
		}
		deadlines, err := record.Timelock.Deadlines()
		if err != nil {
			return err
		}
		if err := deadlines.Authorize(OpRefundIn, RoleAny, now); err != nil {
			return err
		}
		record.Status = StatusRefunded
		if err := e.state.HTLCInboundPut(ctx, record); err != nil {
			return err
		}
		if err := e.release(ctx, record.Asset, record.Sender, record.Amount); err != nil {
			return err
		}
		if err := e.release(ctx, NativeAsset, record.Sender, record.NativeAmount); err != nil {
			return err
		}
		events.Record(ctx, htlcEvent{evt: NewTransferInRefundedEvent(record)})
		refunded = record.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refunded, nil
}

// Outbound returns the outbound record stored under id.
func (e *Engine) Outbound(ctx context.Context, id [32]byte) (*OutboundTransfer, error) {
	if e == nil || e.state == nil {
		return nil, ErrStateUnavailable
	}
	return e.loadOutbound(ctx, id)
}

// Inbound returns the inbound record stored under id.
func (e *Engine) Inbound(ctx context.Context, id [32]byte) (*InboundTransfer, error) {
	if e == nil || e.state == nil {
		return nil, ErrStateUnavailable
	}
	return e.loadInbound(ctx, id)
}

// FeeSchedule returns the schedule applied to newly created records.
func (e *Engine) FeeSchedule(ctx context.Context) (fees.Schedule, error) {
	if e == nil || e.state == nil {
		return fees.Schedule{}, ErrStateUnavailable
	}
	return e.state.HTLCFeeSchedule(ctx)
}

// SetFeeRate updates the basis-point rate applied to records created after
// the call. Only the admin may change the rate.
func (e *Engine) SetFeeRate(ctx context.Context, caller [20]byte, bps uint32) (fees.Schedule, error) {
	if err := fees.ValidateRate(bps); err != nil {
		return fees.Schedule{}, err
	}
	return e.updateSchedule(ctx, caller, func(s *fees.Schedule) { s.Bps = bps })
}

// SetFeeBeneficiary updates the fee recipient for records created after the
// call. Only the admin may change the beneficiary.
func (e *Engine) SetFeeBeneficiary(ctx context.Context, caller [20]byte, beneficiary [20]byte) (fees.Schedule, error) {
	return e.updateSchedule(ctx, caller, func(s *fees.Schedule) { s.Beneficiary = beneficiary })
}

func (e *Engine) updateSchedule(ctx context.Context, caller [20]byte, apply func(*fees.Schedule)) (fees.Schedule, error) {
	if e == nil || e.state == nil {
		return fees.Schedule{}, ErrStateUnavailable
	}
	if e.admin == ([20]byte{}) || caller != e.admin {
		return fees.Schedule{}, fmt.Errorf("%w: caller is not the fee admin", ErrUnauthorized)
	}
	var updated fees.Schedule
	err := e.atomic(ctx, func(ctx context.Context) error {
		schedule, err := e.state.HTLCFeeSchedule(ctx)
		if err != nil {
			return err
		}
		apply(&schedule)
		if err := schedule.Validate(); err != nil {
			return err
		}
		if err := e.state.HTLCSetFeeSchedule(ctx, schedule); err != nil {
			return err
		}
		events.Record(ctx, htlcEvent{evt: newFeeScheduleEvent(schedule)})
		updated = schedule
		return nil
	})
	if err != nil {
		return fees.Schedule{}, err
	}
	return updated, nil
}

func (e *Engine) loadOutbound(ctx context.Context, id [32]byte) (*OutboundTransfer, error) {
	record, ok, err := e.state.HTLCOutboundGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok || record == nil {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (e *Engine) loadInbound(ctx context.Context, id [32]byte) (*InboundTransfer, error) {
	record, ok, err := e.state.HTLCInboundGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok || record == nil {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func newFeeScheduleEvent(s fees.Schedule) *types.Event {
	return &types.Event{
		Type: EventTypeFeeScheduleUpdated,
		Attributes: map[string]string{
			"feeBps":         strconv.FormatUint(uint64(s.Bps), 10),
			"feeBeneficiary": formatAddress(s.Beneficiary),
		},
	}
}
