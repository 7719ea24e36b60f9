package htlc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"htlcbridge/core/events"
	"htlcbridge/native/fees"
)

type txKey struct{}

type moverCall struct {
	kind   string
	asset  [20]byte
	party  [20]byte
	amount *big.Int
}

type mockState struct {
	outbound  map[[32]byte]*OutboundTransfer
	inbound   map[[32]byte]*InboundTransfer
	schedule  fees.Schedule
	balances  map[[20]byte]map[[20]byte]*big.Int
	calls     []moverCall
	escrow    [20]byte
	failOn    string
	onRelease func(ctx context.Context)
}

func newMockState() *mockState {
	return &mockState{
		outbound: make(map[[32]byte]*OutboundTransfer),
		inbound:  make(map[[32]byte]*InboundTransfer),
		balances: make(map[[20]byte]map[[20]byte]*big.Int),
		escrow:   newTestAddress(0xEE),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type mockSnapshot struct {
	outbound map[[32]byte]*OutboundTransfer
	inbound  map[[32]byte]*InboundTransfer
	schedule fees.Schedule
	balances map[[20]byte]map[[20]byte]*big.Int
	calls    int
}

func (m *mockState) snapshot() mockSnapshot {
	snap := mockSnapshot{
		outbound: make(map[[32]byte]*OutboundTransfer, len(m.outbound)),
		inbound:  make(map[[32]byte]*InboundTransfer, len(m.inbound)),
		schedule: m.schedule,
		balances: make(map[[20]byte]map[[20]byte]*big.Int, len(m.balances)),
		calls:    len(m.calls),
	}
	for id, rec := range m.outbound {
		snap.outbound[id] = rec.Clone()
	}
	for id, rec := range m.inbound {
		snap.inbound[id] = rec.Clone()
	}
	for asset, holders := range m.balances {
		copied := make(map[[20]byte]*big.Int, len(holders))
		for holder, bal := range holders {
			copied[holder] = new(big.Int).Set(bal)
		}
		snap.balances[asset] = copied
	}
	return snap
}

func (m *mockState) restore(snap mockSnapshot) {
	m.outbound = snap.outbound
	m.inbound = snap.inbound
	m.schedule = snap.schedule
	m.balances = snap.balances
	m.calls = m.calls[:snap.calls]
}

func (m *mockState) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *mockState) HTLCOutboundGet(_ context.Context, id [32]byte) (*OutboundTransfer, bool, error) {
	rec, ok := m.outbound[id]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *mockState) HTLCOutboundPut(_ context.Context, t *OutboundTransfer) error {
	m.outbound[t.ID] = t.Clone()
	return nil
}

func (m *mockState) HTLCInboundGet(_ context.Context, id [32]byte) (*InboundTransfer, bool, error) {
	rec, ok := m.inbound[id]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *mockState) HTLCInboundPut(_ context.Context, t *InboundTransfer) error {
	m.inbound[t.ID] = t.Clone()
	return nil
}

func (m *mockState) HTLCFeeSchedule(context.Context) (fees.Schedule, error) { return m.schedule, nil }

func (m *mockState) HTLCSetFeeSchedule(_ context.Context, s fees.Schedule) error {
	m.schedule = s
	return nil
}

func (m *mockState) balance(asset, holder [20]byte) *big.Int {
	if holders, ok := m.balances[asset]; ok {
		if bal, ok := holders[holder]; ok {
			return new(big.Int).Set(bal)
		}
	}
	return big.NewInt(0)
}

func (m *mockState) credit(asset, holder [20]byte, amount *big.Int) {
	holders, ok := m.balances[asset]
	if !ok {
		holders = make(map[[20]byte]*big.Int)
		m.balances[asset] = holders
	}
	holders[holder] = new(big.Int).Add(m.balance(asset, holder), amount)
}

func (m *mockState) move(asset, from, to [20]byte, amount *big.Int) error {
	if m.balance(asset, from).Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance")
	}
	m.credit(asset, from, new(big.Int).Neg(amount))
	m.credit(asset, to, amount)
	return nil
}

func (m *mockState) Custody(_ context.Context, asset, from [20]byte, amount, native *big.Int) error {
	if m.failOn == "custody" {
		return errors.New("custody failed")
	}
	if err := m.move(asset, from, m.escrow, amount); err != nil {
		return err
	}
	m.calls = append(m.calls, moverCall{kind: "custody", asset: asset, party: from, amount: new(big.Int).Set(amount)})
	if native != nil && native.Sign() > 0 {
		if err := m.move(NativeAsset, from, m.escrow, native); err != nil {
			return err
		}
		m.calls = append(m.calls, moverCall{kind: "custody", asset: NativeAsset, party: from, amount: new(big.Int).Set(native)})
	}
	return nil
}

func (m *mockState) Release(ctx context.Context, asset, to [20]byte, amount *big.Int) error {
	if m.failOn == "release" {
		return errors.New("release failed")
	}
	if err := m.move(asset, m.escrow, to, amount); err != nil {
		return err
	}
	m.calls = append(m.calls, moverCall{kind: "release", asset: asset, party: to, amount: new(big.Int).Set(amount)})
	if m.onRelease != nil {
		hook := m.onRelease
		m.onRelease = nil
		hook(ctx)
	}
	return nil
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

func (c *captureEmitter) types() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

var (
	user        = newTestAddress(0x01)
	lp          = newTestAddress(0x02)
	relayer     = newTestAddress(0x03)
	beneficiary = newTestAddress(0x04)
	admin       = newTestAddress(0x05)
	token       = newTestAddress(0x10)
)

type harness struct {
	engine  *Engine
	state   *mockState
	emitter *captureEmitter
	now     int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{state: newMockState(), emitter: &captureEmitter{}}
	h.engine = NewEngine(7)
	h.engine.SetState(h.state)
	h.engine.SetMover(h.state)
	h.engine.SetEmitter(h.emitter)
	h.engine.SetAdmin(admin)
	h.engine.SetNowFunc(func() int64 { return h.now })
	return h
}

func oneEther() *big.Int {
	v, _ := new(big.Int).SetString("1000000000000000000", 10)
	return v
}

// A=1000, E=100, Tol=50: D1=1100 D2=1200 D3=1300 D4=1350 D5=1400 D6=1450.
func testTimelock() Timelock {
	return Timelock{AgreedAt: 1000, StepTime: 100, Tolerance: 50, RefundAt: 1451}
}

func secret(fill byte) (preimage, hashlock [32]byte) {
	copy(preimage[:], bytes.Repeat([]byte{fill}, 32))
	return preimage, Hashlock(preimage)
}

func outboundParams(hashlock [32]byte, amount *big.Int) OutboundParams {
	return OutboundParams{
		Sender:          user,
		Receiver:        lp,
		Asset:           token,
		Amount:          amount,
		Hashlock:        hashlock,
		Timelock:        testTimelock(),
		DstChainID:      60,
		DstAddress:      newTestAddress(0x21),
		BidID:           [32]byte{0x42},
		DstAsset:        newTestAddress(0x22),
		DstAmount:       big.NewInt(5),
		DstNativeAmount: big.NewInt(0),
		LPIdentity:      "lp-1",
	}
}

func inboundParams(hashlock [32]byte, asset [20]byte, amount, native *big.Int) InboundParams {
	return InboundParams{
		Sender:        lp,
		Receiver:      user,
		Asset:         asset,
		Amount:        amount,
		NativeAmount:  native,
		Hashlock:      hashlock,
		Timelock:      testTimelock(),
		SrcChainID:    60,
		SrcTransferID: [32]byte{0x99},
	}
}

func (h *harness) setFee(t *testing.T, bps uint32) {
	t.Helper()
	if _, err := h.engine.SetFeeBeneficiary(context.Background(), admin, beneficiary); err != nil {
		t.Fatalf("set beneficiary: %v", err)
	}
	if _, err := h.engine.SetFeeRate(context.Background(), admin, bps); err != nil {
		t.Fatalf("set rate: %v", err)
	}
}

func (h *harness) createOut(t *testing.T, hashlock [32]byte, amount *big.Int) *OutboundTransfer {
	t.Helper()
	h.state.credit(token, user, amount)
	h.now = 1000
	rec, err := h.engine.TransferOut(context.Background(), user, outboundParams(hashlock, amount))
	if err != nil {
		t.Fatalf("transfer out: %v", err)
	}
	return rec
}

func (h *harness) createIn(t *testing.T, hashlock [32]byte, asset [20]byte, amount, native *big.Int) *InboundTransfer {
	t.Helper()
	total := new(big.Int).Set(amount)
	if asset == NativeAsset {
		total.Add(total, native)
	} else {
		h.state.credit(NativeAsset, lp, native)
	}
	h.state.credit(asset, lp, total)
	h.now = 1100
	rec, err := h.engine.TransferIn(context.Background(), lp, inboundParams(hashlock, asset, amount, native))
	if err != nil {
		t.Fatalf("transfer in: %v", err)
	}
	return rec
}

func TestTransferOutCreatesRecord(t *testing.T) {
	h := newHarness(t)
	h.setFee(t, 1000)
	_, hashlock := secret(0xAB)
	rec := h.createOut(t, hashlock, big.NewInt(1000))

	if rec.Status != StatusCreated {
		t.Fatalf("expected created status, got %s", rec.Status)
	}
	if rec.ID != OutboundID(7, outboundParams(hashlock, big.NewInt(1000))) {
		t.Fatalf("unexpected transfer id")
	}
	if rec.FeeBps != 1000 || rec.FeeBeneficiary != beneficiary {
		t.Fatalf("fee schedule not snapshotted: %+v", rec)
	}
	if rec.CreatedAt != 1000 {
		t.Fatalf("expected creation time 1000, got %d", rec.CreatedAt)
	}
	if got := h.state.balance(token, h.state.escrow); got.Int64() != 1000 {
		t.Fatalf("expected 1000 in custody, got %s", got)
	}
	if got := h.state.balance(token, user); got.Sign() != 0 {
		t.Fatalf("expected sender drained, got %s", got)
	}
	types := h.emitter.types()
	if types[len(types)-1] != EventTypeTransferOutCreated {
		t.Fatalf("expected created event, got %v", types)
	}
	flat := events.Flatten(h.emitter.events[len(h.emitter.events)-1])
	if flat.Attributes["id"] != formatHash(rec.ID) || flat.Attributes["lpId"] != "lp-1" {
		t.Fatalf("created event missing fields: %+v", flat.Attributes)
	}
}

func TestTransferOutValidation(t *testing.T) {
	_, hashlock := secret(0x01)
	cases := []struct {
		name   string
		caller [20]byte
		now    int64
		mutate func(*OutboundParams)
		want   error
	}{
		{name: "zero amount", caller: user, now: 1000, mutate: func(p *OutboundParams) { p.Amount = big.NewInt(0) }, want: ErrInvalidAmount},
		{name: "negative amount", caller: user, now: 1000, mutate: func(p *OutboundParams) { p.Amount = big.NewInt(-1) }, want: ErrInvalidAmount},
		{name: "refund at public window end", caller: user, now: 1000, mutate: func(p *OutboundParams) { p.Timelock.RefundAt = 1450 }, want: ErrInvalidRefundTime},
		{name: "overflowing timelock", caller: user, now: 1000, mutate: func(p *OutboundParams) { p.Timelock.StepTime = ^uint64(0) / 2 }, want: ErrInvalidRefundTime},
		{name: "created after D1", caller: user, now: 1101, want: ErrExpiredOp},
		{name: "caller is not sender", caller: relayer, now: 1000, want: ErrUnauthorized},
		{name: "zero sender", caller: Anonymous, now: 1000, mutate: func(p *OutboundParams) { p.Sender = Anonymous }, want: ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.state.credit(token, user, big.NewInt(100))
			params := outboundParams(hashlock, big.NewInt(100))
			if tc.mutate != nil {
				tc.mutate(&params)
			}
			h.now = tc.now
			_, err := h.engine.TransferOut(context.Background(), tc.caller, params)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(h.state.outbound) != 0 || len(h.emitter.events) != 0 {
				t.Fatalf("failed call left state behind")
			}
		})
	}
}

func TestTransferOutRefundBoundary(t *testing.T) {
	h := newHarness(t)
	_, hashlock := secret(0x02)
	h.state.credit(token, user, big.NewInt(10))
	params := outboundParams(hashlock, big.NewInt(10))
	h.now = 1100

	params.Timelock.RefundAt = 1450
	if _, err := h.engine.TransferOut(context.Background(), user, params); !errors.Is(err, ErrInvalidRefundTime) {
		t.Fatalf("expected ErrInvalidRefundTime at A+3E+3Tol, got %v", err)
	}
	params.Timelock.RefundAt = 1451
	if _, err := h.engine.TransferOut(context.Background(), user, params); err != nil {
		t.Fatalf("expected success at A+3E+3Tol+1 and now=D1, got %v", err)
	}
}

func TestTransferOutExpiredCarriesDeadline(t *testing.T) {
	h := newHarness(t)
	_, hashlock := secret(0x03)
	h.now = 1101
	_, err := h.engine.TransferOut(context.Background(), user, outboundParams(hashlock, big.NewInt(1)))
	var expired *ExpiredOpError
	if !errors.As(err, &expired) {
		t.Fatalf("expected ExpiredOpError, got %v", err)
	}
	if expired.Op != OpTransferOut || expired.Deadline != 1100 || expired.Op.String() != "transfer out" {
		t.Fatalf("unexpected expiry detail: %+v", expired)
	}
}

func TestTransferOutDuplicate(t *testing.T) {
	h := newHarness(t)
	_, hashlock := secret(0x04)
	h.createOut(t, hashlock, big.NewInt(10))
	h.state.credit(token, user, big.NewInt(10))
	_, err := h.engine.TransferOut(context.Background(), user, outboundParams(hashlock, big.NewInt(10)))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if got := h.state.balance(token, user); got.Int64() != 10 {
		t.Fatalf("duplicate creation moved funds: %s", got)
	}
}

func TestTransferOutCustodyFailureLeavesNoRecord(t *testing.T) {
	h := newHarness(t)
	_, hashlock := secret(0x05)
	h.now = 1000
	_, err := h.engine.TransferOut(context.Background(), user, outboundParams(hashlock, big.NewInt(10)))
	if err == nil {
		t.Fatalf("expected custody failure without balance")
	}
	if len(h.state.outbound) != 0 || len(h.emitter.events) != 0 {
		t.Fatalf("custody failure left a record or event behind")
	}
}

func TestTransferInDeadline(t *testing.T) {
	h := newHarness(t)
	_, hashlock := secret(0x06)
	h.state.credit(token, lp, big.NewInt(10))
	params := inboundParams(hashlock, token, big.NewInt(10), big.NewInt(0))

	h.now = 1201
	_, err := h.engine.TransferIn(context.Background(), lp, params)
	var expired *ExpiredOpError
	if !errors.As(err, &expired) || expired.Op != OpTransferIn || expired.Deadline != 1200 {
		t.Fatalf("expected transfer in expiry at 1200, got %v", err)
	}
	h.now = 1200
	if _, err := h.engine.TransferIn(context.Background(), lp, params); err != nil {
		t.Fatalf("expected success at D2, got %v", err)
	}
}

func TestConfirmTransferOutSplitsFee(t *testing.T) {
	h := newHarness(t)
	h.setFee(t, 1000)
	preimage, hashlock := secret(0x07)
	rec := h.createOut(t, hashlock, oneEther())
	h.state.calls = nil

	h.now = 1300
	confirmed, err := h.engine.ConfirmTransferOut(context.Background(), user, rec.ID, preimage)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
	if len(h.state.calls) != 2 {
		t.Fatalf("expected two release calls, got %d", len(h.state.calls))
	}
	if h.state.calls[0].party != lp || h.state.calls[0].amount.String() != "900000000000000000" {
		t.Fatalf("unexpected receiver leg: %+v", h.state.calls[0])
	}
	if h.state.calls[1].party != beneficiary || h.state.calls[1].amount.String() != "100000000000000000" {
		t.Fatalf("unexpected fee leg: %+v", h.state.calls[1])
	}
	last := events.Flatten(h.emitter.events[len(h.emitter.events)-1])
	if last.Type != EventTypeTransferOutConfirmed || last.Attributes["preimage"] != formatHash(preimage) {
		t.Fatalf("unexpected confirm event: %+v", last)
	}
	if h.state.balance(token, h.state.escrow).Sign() != 0 {
		t.Fatalf("custody not drained after confirm")
	}
}

func TestConfirmRejectsEveryBitFlip(t *testing.T) {
	h := newHarness(t)
	preimage, hashlock := secret(0x08)
	rec := h.createOut(t, hashlock, big.NewInt(10))
	h.now = 1200
	for i := 0; i < 32; i++ {
		for bit := 0; bit < 8; bit++ {
			flipped := preimage
			flipped[i] ^= 1 << bit
			if _, err := h.engine.ConfirmTransferOut(context.Background(), user, rec.ID, flipped); !errors.Is(err, ErrInvalidHashlock) {
				t.Fatalf("byte %d bit %d: expected ErrInvalidHashlock, got %v", i, bit, err)
			}
		}
	}
	if _, err := h.engine.ConfirmTransferOut(context.Background(), user, rec.ID, preimage); err != nil {
		t.Fatalf("correct preimage rejected: %v", err)
	}
}

func TestConfirmTransferOutWindows(t *testing.T) {
	cases := []struct {
		name      string
		caller    [20]byte
		now       int64
		want      error
		wantStart uint64
		wantEnd   uint64
	}{
		{name: "primary at D3", caller: user, now: 1300},
		{name: "primary after D3", caller: user, now: 1301, want: ErrExpiredOp, wantEnd: 1300},
		{name: "public before D5", caller: relayer, now: 1301, want: ErrNotInOpWindow, wantStart: 1400, wantEnd: 1450},
		{name: "public at D5", caller: relayer, now: 1400, want: ErrNotInOpWindow, wantStart: 1400, wantEnd: 1450},
		{name: "public after D5", caller: relayer, now: 1401},
		{name: "public at D6", caller: relayer, now: 1450},
		{name: "public after D6", caller: relayer, now: 1451, want: ErrNotInOpWindow, wantStart: 1400, wantEnd: 1450},
		{name: "receiver counts as public", caller: lp, now: 1300, want: ErrNotInOpWindow, wantStart: 1400, wantEnd: 1450},
		{name: "anonymous before D5", caller: Anonymous, now: 1300, want: ErrNotInOpWindow, wantStart: 1400, wantEnd: 1450},
		{name: "anonymous after D5", caller: Anonymous, now: 1401},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			preimage, hashlock := secret(0x09)
			rec := h.createOut(t, hashlock, big.NewInt(10))
			h.now = tc.now
			_, err := h.engine.ConfirmTransferOut(context.Background(), tc.caller, rec.ID, preimage)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var expired *ExpiredOpError
			var window *NotInOpWindowError
			switch {
			case errors.As(err, &expired):
				if expired.Op != OpConfirmOut || expired.Deadline != tc.wantEnd {
					t.Fatalf("unexpected expiry: %+v", expired)
				}
			case errors.As(err, &window):
				if window.Op != OpConfirmOut || window.Start != tc.wantStart || window.End != tc.wantEnd {
					t.Fatalf("unexpected window: %+v", window)
				}
			default:
				t.Fatalf("error carries no window detail: %v", err)
			}
			stored := h.state.outbound[rec.ID]
			if stored.Status != StatusCreated {
				t.Fatalf("failed confirm mutated status to %s", stored.Status)
			}
		})
	}
}

func TestConfirmTransferInWindows(t *testing.T) {
	cases := []struct {
		name   string
		caller [20]byte
		now    int64
		want   error
	}{
		{name: "lp at D4", caller: lp, now: 1350},
		{name: "lp after D4", caller: lp, now: 1351, want: ErrExpiredOp},
		{name: "public at D4", caller: relayer, now: 1350, want: ErrNotInOpWindow},
		{name: "public after D4", caller: relayer, now: 1351},
		{name: "public at D5", caller: relayer, now: 1400},
		{name: "public after D5", caller: relayer, now: 1401, want: ErrNotInOpWindow},
		{name: "user counts as public", caller: user, now: 1360},
		{name: "anonymous after D4", caller: Anonymous, now: 1351},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			preimage, hashlock := secret(0x0A)
			rec := h.createIn(t, hashlock, token, big.NewInt(10), big.NewInt(0))
			h.now = tc.now
			_, err := h.engine.ConfirmTransferIn(context.Background(), tc.caller, rec.ID, preimage)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var window *NotInOpWindowError
			if errors.As(err, &window) && (window.Start != 1350 || window.End != 1400 || window.Op.String() != "confirm in") {
				t.Fatalf("unexpected window: %+v", window)
			}
			var expired *ExpiredOpError
			if errors.As(err, &expired) && expired.Deadline != 1350 {
				t.Fatalf("unexpected expiry: %+v", expired)
			}
		})
	}
}

func TestBoundaryScenario(t *testing.T) {
	h := newHarness(t)
	preimage, hashlock := secret(0x0B)
	rec := h.createOut(t, hashlock, big.NewInt(10))

	h.now = 1301
	if _, err := h.engine.ConfirmTransferOut(context.Background(), user, rec.ID, preimage); !errors.Is(err, ErrExpiredOp) {
		t.Fatalf("sender at D3+1: expected ErrExpiredOp, got %v", err)
	}
	if _, err := h.engine.ConfirmTransferOut(context.Background(), relayer, rec.ID, preimage); !errors.Is(err, ErrNotInOpWindow) {
		t.Fatalf("relayer at D3+1: expected ErrNotInOpWindow, got %v", err)
	}
	h.now = 1401
	if _, err := h.engine.ConfirmTransferOut(context.Background(), relayer, rec.ID, preimage); err != nil {
		t.Fatalf("relayer at D5+1: %v", err)
	}
	h.now = 1451
	if _, err := h.engine.ConfirmTransferOut(context.Background(), relayer, rec.ID, preimage); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("second confirm: expected ErrInvalidStatus, got %v", err)
	}
}

func TestRefundTransferOut(t *testing.T) {
	h := newHarness(t)
	h.setFee(t, 1000)
	preimage, hashlock := secret(0x0C)
	rec := h.createOut(t, hashlock, big.NewInt(1000))

	h.now = 1450
	_, err := h.engine.RefundTransferOut(context.Background(), rec.ID)
	var locked *NotUnlockError
	if !errors.As(err, &locked) || locked.UnlockAt != 1451 || locked.Op != OpRefundOut {
		t.Fatalf("expected NotUnlock until 1451, got %v", err)
	}
	h.now = 1451
	refunded, err := h.engine.RefundTransferOut(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("refund at R: %v", err)
	}
	if refunded.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", refunded.Status)
	}
	if got := h.state.balance(token, user); got.Int64() != 1000 {
		t.Fatalf("expected full refund without fee, got %s", got)
	}
	if got := h.state.balance(token, beneficiary); got.Sign() != 0 {
		t.Fatalf("refund paid a fee: %s", got)
	}
	if _, err := h.engine.RefundTransferOut(context.Background(), rec.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("second refund: expected ErrInvalidStatus, got %v", err)
	}
	h.now = 1300
	if _, err := h.engine.ConfirmTransferOut(context.Background(), user, rec.ID, preimage); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("confirm after refund: expected ErrInvalidStatus, got %v", err)
	}
}

func TestConfirmedRecordCannotRefund(t *testing.T) {
	h := newHarness(t)
	preimage, hashlock := secret(0x0D)
	rec := h.createOut(t, hashlock, big.NewInt(10))
	h.now = 1200
	if _, err := h.engine.ConfirmTransferOut(context.Background(), user, rec.ID, preimage); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	h.now = 5000
	if _, err := h.engine.RefundTransferOut(context.Background(), rec.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestUnknownTransfer(t *testing.T) {
	h := newHarness(t)
	missing := [32]byte{0xFF}
	if _, err := h.engine.ConfirmTransferOut(context.Background(), user, missing, [32]byte{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("confirm out: expected ErrNotFound, got %v", err)
	}
	if _, err := h.engine.ConfirmTransferIn(context.Background(), user, missing, [32]byte{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("confirm in: expected ErrNotFound, got %v", err)
	}
	if _, err := h.engine.RefundTransferOut(context.Background(), missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("refund out: expected ErrNotFound, got %v", err)
	}
	if _, err := h.engine.RefundTransferIn(context.Background(), missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("refund in: expected ErrNotFound, got %v", err)
	}
	if _, err := h.engine.Outbound(context.Background(), missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get out: expected ErrNotFound, got %v", err)
	}
}

func TestFeeChangeIsNotRetroactive(t *testing.T) {
	h := newHarness(t)
	h.setFee(t, 1000)
	preimage, hashlock := secret(0x0E)
	rec := h.createOut(t, hashlock, big.NewInt(10_000))

	if _, err := h.engine.SetFeeRate(context.Background(), admin, 5000); err != nil {
		t.Fatalf("raise fee: %v", err)
	}
	h.now = 1200
	if _, err := h.engine.ConfirmTransferOut(context.Background(), user, rec.ID, preimage); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := h.state.balance(token, beneficiary); got.Int64() != 1000 {
		t.Fatalf("expected fee at snapshotted 1000 bps, got %s", got)
	}
	if got := h.state.balance(token, lp); got.Int64() != 9000 {
		t.Fatalf("expected receiver to get 9000, got %s", got)
	}
}

func TestZeroFeeSkipsBeneficiaryLeg(t *testing.T) {
	h := newHarness(t)
	preimage, hashlock := secret(0x0F)
	rec := h.createOut(t, hashlock, big.NewInt(10))
	h.state.calls = nil
	h.now = 1200
	if _, err := h.engine.ConfirmTransferOut(context.Background(), user, rec.ID, preimage); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if len(h.state.calls) != 1 || h.state.calls[0].party != lp {
		t.Fatalf("expected a single receiver release, got %+v", h.state.calls)
	}
}

func TestInboundNativeAmountLifecycle(t *testing.T) {
	h := newHarness(t)
	h.setFee(t, 1000)
	preimage, hashlock := secret(0x11)
	rec := h.createIn(t, hashlock, token, big.NewInt(1000), big.NewInt(200))

	if got := h.state.balance(NativeAsset, h.state.escrow); got.Int64() != 200 {
		t.Fatalf("expected native amount in custody, got %s", got)
	}
	h.now = 1300
	if _, err := h.engine.ConfirmTransferIn(context.Background(), lp, rec.ID, preimage); err != nil {
		t.Fatalf("confirm in: %v", err)
	}
	if got := h.state.balance(token, user); got.Int64() != 900 {
		t.Fatalf("expected 900 tokens to user, got %s", got)
	}
	if got := h.state.balance(NativeAsset, user); got.Int64() != 180 {
		t.Fatalf("expected 180 native to user, got %s", got)
	}
	if got := h.state.balance(NativeAsset, beneficiary); got.Int64() != 20 {
		t.Fatalf("expected 20 native fee, got %s", got)
	}
	last := events.Flatten(h.emitter.events[len(h.emitter.events)-1])
	if last.Attributes["nativeFee"] != "20" || last.Attributes["fee"] != "100" {
		t.Fatalf("unexpected settlement attributes: %+v", last.Attributes)
	}
}

func TestInboundNativeAssetRefund(t *testing.T) {
	h := newHarness(t)
	_, hashlock := secret(0x12)
	rec := h.createIn(t, hashlock, NativeAsset, big.NewInt(500), big.NewInt(50))
	if got := h.state.balance(NativeAsset, h.state.escrow); got.Int64() != 550 {
		t.Fatalf("expected amount plus native in custody, got %s", got)
	}
	h.now = 1450
	if _, err := h.engine.RefundTransferIn(context.Background(), rec.ID); !errors.Is(err, ErrNotUnlock) {
		t.Fatalf("expected ErrNotUnlock, got %v", err)
	}
	h.now = 1451
	if _, err := h.engine.RefundTransferIn(context.Background(), rec.ID); err != nil {
		t.Fatalf("refund in: %v", err)
	}
	if got := h.state.balance(NativeAsset, lp); got.Int64() != 550 {
		t.Fatalf("expected LP to recover 550, got %s", got)
	}
}

func TestReentrantConfirmObservesCommittedStatus(t *testing.T) {
	h := newHarness(t)
	preimage, hashlock := secret(0x13)
	rec := h.createOut(t, hashlock, big.NewInt(10))
	var reentrantErr error
	h.state.onRelease = func(ctx context.Context) {
		_, reentrantErr = h.engine.ConfirmTransferOut(ctx, user, rec.ID, preimage)
	}
	h.now = 1200
	before := len(h.emitter.events)
	if _, err := h.engine.ConfirmTransferOut(context.Background(), user, rec.ID, preimage); err != nil {
		t.Fatalf("outer confirm: %v", err)
	}
	if !errors.Is(reentrantErr, ErrInvalidStatus) {
		t.Fatalf("expected reentrant ErrInvalidStatus, got %v", reentrantErr)
	}
	if got := len(h.emitter.events) - before; got != 1 {
		t.Fatalf("expected exactly one confirm event, got %d", got)
	}
	if got := h.state.balance(token, lp); got.Int64() != 10 {
		t.Fatalf("receiver paid %s, expected 10", got)
	}
}

func TestReleaseFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	preimage, hashlock := secret(0x14)
	rec := h.createOut(t, hashlock, big.NewInt(10))
	before := len(h.emitter.events)
	h.state.failOn = "release"
	h.now = 1200
	if _, err := h.engine.ConfirmTransferOut(context.Background(), user, rec.ID, preimage); err == nil {
		t.Fatalf("expected release failure")
	}
	if h.state.outbound[rec.ID].Status != StatusCreated {
		t.Fatalf("status changed despite failed release")
	}
	if len(h.emitter.events) != before {
		t.Fatalf("event emitted for a rolled back confirm")
	}
	h.state.failOn = ""
	if _, err := h.engine.ConfirmTransferOut(context.Background(), user, rec.ID, preimage); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestFeeAdministration(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.SetFeeRate(context.Background(), user, 10); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.engine.SetFeeBeneficiary(context.Background(), user, beneficiary); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.engine.SetFeeRate(context.Background(), admin, 10_001); !errors.Is(err, fees.ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
	schedule, err := h.engine.SetFeeRate(context.Background(), admin, 10_000)
	if err != nil || schedule.Bps != 10_000 {
		t.Fatalf("expected max rate accepted, got %+v %v", schedule, err)
	}
	if h.emitter.types()[len(h.emitter.events)-1] != EventTypeFeeScheduleUpdated {
		t.Fatalf("expected fee update event")
	}

	unset := newHarness(t)
	unset.engine.SetAdmin([20]byte{})
	if _, err := unset.engine.SetFeeRate(context.Background(), [20]byte{}, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("zero admin must not authorize anybody, got %v", err)
	}
}

func TestEngineRequiresCollaborators(t *testing.T) {
	engine := NewEngine(1)
	if _, err := engine.TransferOut(context.Background(), user, OutboundParams{}); !errors.Is(err, ErrStateUnavailable) {
		t.Fatalf("expected ErrStateUnavailable, got %v", err)
	}
	engine.SetState(newMockState())
	if _, err := engine.RefundTransferOut(context.Background(), [32]byte{}); !errors.Is(err, ErrMoverUnavailable) {
		t.Fatalf("expected ErrMoverUnavailable, got %v", err)
	}
}
