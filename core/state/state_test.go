package state

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"htlcbridge/core/events"
	"htlcbridge/native/fees"
	"htlcbridge/native/htlc"
	"htlcbridge/storage"
)

var (
	alice = [20]byte{0xA1}
	bob   = [20]byte{0xB0}
	carol = [20]byte{0xC0}
	usdt  = [20]byte{0x55}
)

type recorder struct{ seen []events.Event }

func (r *recorder) Emit(evt events.Event) { r.seen = append(r.seen, evt) }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(func() { _ = db.Close() })
	return NewManager(db)
}

func sampleOutbound() *htlc.OutboundTransfer {
	return &htlc.OutboundTransfer{
		ID: [32]byte{0x01},
		OutboundParams: htlc.OutboundParams{
			Sender:            alice,
			Receiver:          bob,
			Asset:             usdt,
			Amount:            big.NewInt(1000),
			Hashlock:          [32]byte{0x02},
			Timelock:          htlc.Timelock{AgreedAt: 10, StepTime: 20, Tolerance: 5, RefundAt: 100},
			DstChainID:        9,
			DstAddress:        carol,
			BidID:             [32]byte{0x03},
			DstAsset:          usdt,
			DstAmount:         big.NewInt(990),
			RequestorIdentity: "req",
			LPIdentity:        "lp",
			UserSignature:     "usig",
			LPSignature:       "lsig",
		},
		FeeBps:         25,
		FeeBeneficiary: carol,
		Status:         htlc.StatusCreated,
		CreatedAt:      11,
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	record := sampleOutbound()

	_, ok, err := mgr.HTLCOutboundGet(ctx, record.ID)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mgr.HTLCOutboundPut(ctx, record))
	loaded, ok, err := mgr.HTLCOutboundGet(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record.Timelock, loaded.Timelock)
	assert.Equal(t, "lsig", loaded.LPSignature)
	assert.Equal(t, 0, loaded.Amount.Cmp(record.Amount))
	assert.Equal(t, 0, loaded.DstNativeAmount.Sign())
	assert.Equal(t, record.FeeBeneficiary, loaded.FeeBeneficiary)
	assert.Equal(t, htlc.StatusCreated, loaded.Status)

	loaded.Status = htlc.StatusConfirmed
	require.NoError(t, mgr.HTLCOutboundPut(ctx, loaded))
	reloaded, _, err := mgr.HTLCOutboundGet(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, htlc.StatusConfirmed, reloaded.Status)
}

func TestInboundRoundTripAndPartyIndex(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	record := &htlc.InboundTransfer{
		ID: [32]byte{0x10},
		InboundParams: htlc.InboundParams{
			Sender:        bob,
			Receiver:      alice,
			Asset:         htlc.NativeAsset,
			Amount:        big.NewInt(7),
			NativeAmount:  big.NewInt(3),
			Timelock:      htlc.Timelock{AgreedAt: 1, StepTime: 1, Tolerance: 1, RefundAt: 9},
			SrcChainID:    4,
			SrcTransferID: [32]byte{0x01},
		},
		Status: htlc.StatusCreated,
	}
	require.NoError(t, mgr.HTLCInboundPut(ctx, record))
	require.NoError(t, mgr.HTLCInboundPut(ctx, record))

	loaded, ok, err := mgr.HTLCInboundGet(ctx, record.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), loaded.NativeAmount.Int64())
	assert.Equal(t, record.SrcTransferID, loaded.SrcTransferID)

	ids, err := mgr.HTLCTransfersByParty(ctx, FamilyInbound, alice)
	require.NoError(t, err)
	assert.Equal(t, [][32]byte{record.ID}, ids)
	ids, err = mgr.HTLCTransfersByParty(ctx, FamilyOutbound, alice)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFeeSchedulePersistence(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	schedule, err := mgr.HTLCFeeSchedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, fees.Schedule{}, schedule)

	require.NoError(t, mgr.HTLCSetFeeSchedule(ctx, fees.Schedule{Bps: 30, Beneficiary: carol}))
	schedule, err = mgr.HTLCFeeSchedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, fees.Schedule{Bps: 30, Beneficiary: carol}, schedule)

	err = mgr.HTLCSetFeeSchedule(ctx, fees.Schedule{Bps: 10_001})
	assert.ErrorIs(t, err, fees.ErrInvalidRate)
}

func TestSeedFeeScheduleKeepsExisting(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	seeded, err := mgr.HTLCSeedFeeSchedule(ctx, fees.Schedule{Bps: 30, Beneficiary: carol})
	require.NoError(t, err)
	assert.True(t, seeded)

	seeded, err = mgr.HTLCSeedFeeSchedule(ctx, fees.Schedule{Bps: 99})
	require.NoError(t, err)
	assert.False(t, seeded)

	schedule, err := mgr.HTLCFeeSchedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(30), schedule.Bps)
}

func TestVaultCustodyAndRelease(t *testing.T) {
	mgr := newTestManager(t)
	rec := &recorder{}
	mgr.SetEmitter(rec)
	ctx := context.Background()

	require.NoError(t, mgr.Credit(ctx, usdt, alice, big.NewInt(100)))
	require.NoError(t, mgr.Credit(ctx, htlc.NativeAsset, alice, big.NewInt(5)))
	require.NoError(t, mgr.Custody(ctx, usdt, alice, big.NewInt(60), big.NewInt(5)))

	escrowed, err := mgr.Balance(ctx, usdt, mgr.EscrowAccount())
	require.NoError(t, err)
	assert.Equal(t, int64(60), escrowed.Int64())
	native, err := mgr.Balance(ctx, htlc.NativeAsset, mgr.EscrowAccount())
	require.NoError(t, err)
	assert.Equal(t, int64(5), native.Int64())

	require.NoError(t, mgr.Release(ctx, usdt, bob, big.NewInt(60)))
	received, err := mgr.Balance(ctx, usdt, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(60), received.Int64())

	kinds := make([]string, 0, len(rec.seen))
	for _, evt := range rec.seen {
		kinds = append(kinds, evt.EventType())
	}
	assert.Equal(t, []string{
		events.TypeVaultCredited,
		events.TypeVaultCredited,
		events.TypeVaultCustody,
		events.TypeVaultCustody,
		events.TypeVaultRelease,
	}, kinds)
}

func TestVaultCustodyIsAllOrNothing(t *testing.T) {
	mgr := newTestManager(t)
	rec := &recorder{}
	mgr.SetEmitter(rec)
	ctx := context.Background()
	require.NoError(t, mgr.Credit(ctx, usdt, alice, big.NewInt(100)))
	rec.seen = nil

	err := mgr.Custody(ctx, usdt, alice, big.NewInt(50), big.NewInt(1))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	balance, err := mgr.Balance(ctx, usdt, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Int64(), "token leg must roll back with the native leg")
	assert.Empty(t, rec.seen)
}

func TestVaultRejectsInvalidAmounts(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	assert.ErrorIs(t, mgr.Credit(ctx, usdt, alice, big.NewInt(-1)), ErrInvalidAmount)
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	assert.ErrorIs(t, mgr.Credit(ctx, usdt, alice, huge), ErrInvalidAmount)

	max := new(big.Int).Sub(huge, big.NewInt(1))
	require.NoError(t, mgr.Credit(ctx, usdt, alice, max))
	assert.ErrorIs(t, mgr.Credit(ctx, usdt, alice, big.NewInt(1)), ErrBalanceOverflow)
}

func TestNestedFailureAfterWriteAbortsUnit(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.Credit(ctx, usdt, alice, big.NewInt(10)))

	err := mgr.Atomic(ctx, func(ctx context.Context) error {
		nestedErr := mgr.Atomic(ctx, func(ctx context.Context) error {
			if err := mgr.credit(ctx, usdt, bob, mustWord(5)); err != nil {
				return err
			}
			return errors.New("boom")
		})
		require.Error(t, nestedErr)
		return nil
	})
	require.ErrorIs(t, err, ErrUnitAborted)
	balance, err := mgr.Balance(ctx, usdt, bob)
	require.NoError(t, err)
	assert.Equal(t, 0, balance.Sign())
}

func TestNestedReadOnlyFailureKeepsUnit(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	err := mgr.Atomic(ctx, func(ctx context.Context) error {
		if err := mgr.credit(ctx, usdt, bob, mustWord(5)); err != nil {
			return err
		}
		_ = mgr.Atomic(ctx, func(ctx context.Context) error { return errors.New("read-only failure") })
		return nil
	})
	require.NoError(t, err)
	balance, err := mgr.Balance(ctx, usdt, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance.Int64())
}

func TestAtomicHonoursCancelledContext(t *testing.T) {
	mgr := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := mgr.Atomic(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func mustWord(v int64) *uint256.Int {
	word, _ := toWord(big.NewInt(v))
	return word
}
