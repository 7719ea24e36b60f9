package state

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"htlcbridge/native/fees"
	"htlcbridge/native/htlc"
)

// Family selects the outbound or inbound record family.
type Family byte

const (
	FamilyOutbound Family = 'o'
	FamilyInbound  Family = 'i'
)

func htlcOutboundKey(id [32]byte) []byte { return hashedKey(htlcOutboundPrefix, id[:]) }

func htlcInboundKey(id [32]byte) []byte { return hashedKey(htlcInboundPrefix, id[:]) }

func partyIndexPrefix(family Family, party [20]byte) []byte {
	buf := make([]byte, 0, len(htlcPartyIndexPrefix)+1+len(party))
	buf = append(buf, htlcPartyIndexPrefix...)
	buf = append(buf, byte(family))
	return append(buf, party[:]...)
}

func partyIndexKey(family Family, party [20]byte, id [32]byte) []byte {
	return append(partyIndexPrefix(family, party), id[:]...)
}

type storedTimelock struct {
	AgreedAt  uint64
	StepTime  uint64
	Tolerance uint64
	RefundAt  uint64
}

type storedOutbound struct {
	ID                [32]byte
	Sender            [20]byte
	Receiver          [20]byte
	Asset             [20]byte
	Amount            *big.Int
	Hashlock          [32]byte
	Timelock          storedTimelock
	DstChainID        uint64
	DstAddress        [20]byte
	BidID             [32]byte
	DstAsset          [20]byte
	DstAmount         *big.Int
	DstNativeAmount   *big.Int
	RequestorIdentity string
	LPIdentity        string
	UserSignature     string
	LPSignature       string
	FeeBps            uint32
	FeeBeneficiary    [20]byte
	Status            uint8
	CreatedAt         uint64
}

type storedInbound struct {
	ID             [32]byte
	Sender         [20]byte
	Receiver       [20]byte
	Asset          [20]byte
	Amount         *big.Int
	NativeAmount   *big.Int
	Hashlock       [32]byte
	Timelock       storedTimelock
	SrcChainID     uint64
	SrcTransferID  [32]byte
	FeeBps         uint32
	FeeBeneficiary [20]byte
	Status         uint8
	CreatedAt      uint64
}

type storedSchedule struct {
	Bps         uint32
	Beneficiary [20]byte
}

func newStoredTimelock(t htlc.Timelock) storedTimelock {
	return storedTimelock{AgreedAt: t.AgreedAt, StepTime: t.StepTime, Tolerance: t.Tolerance, RefundAt: t.RefundAt}
}

func (s storedTimelock) toTimelock() htlc.Timelock {
	return htlc.Timelock{AgreedAt: s.AgreedAt, StepTime: s.StepTime, Tolerance: s.Tolerance, RefundAt: s.RefundAt}
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func newStoredOutbound(t *htlc.OutboundTransfer) *storedOutbound {
	return &storedOutbound{
		ID:                t.ID,
		Sender:            t.Sender,
		Receiver:          t.Receiver,
		Asset:             t.Asset,
		Amount:            nonNil(t.Amount),
		Hashlock:          t.Hashlock,
		Timelock:          newStoredTimelock(t.Timelock),
		DstChainID:        t.DstChainID,
		DstAddress:        t.DstAddress,
		BidID:             t.BidID,
		DstAsset:          t.DstAsset,
		DstAmount:         nonNil(t.DstAmount),
		DstNativeAmount:   nonNil(t.DstNativeAmount),
		RequestorIdentity: t.RequestorIdentity,
		LPIdentity:        t.LPIdentity,
		UserSignature:     t.UserSignature,
		LPSignature:       t.LPSignature,
		FeeBps:            t.FeeBps,
		FeeBeneficiary:    t.FeeBeneficiary,
		Status:            uint8(t.Status),
		CreatedAt:         t.CreatedAt,
	}
}

func (s *storedOutbound) toTransfer() (*htlc.OutboundTransfer, error) {
	out := &htlc.OutboundTransfer{
		ID: s.ID,
		OutboundParams: htlc.OutboundParams{
			Sender:            s.Sender,
			Receiver:          s.Receiver,
			Asset:             s.Asset,
			Amount:            s.Amount,
			Hashlock:          s.Hashlock,
			Timelock:          s.Timelock.toTimelock(),
			DstChainID:        s.DstChainID,
			DstAddress:        s.DstAddress,
			BidID:             s.BidID,
			DstAsset:          s.DstAsset,
			DstAmount:         s.DstAmount,
			DstNativeAmount:   s.DstNativeAmount,
			RequestorIdentity: s.RequestorIdentity,
			LPIdentity:        s.LPIdentity,
			UserSignature:     s.UserSignature,
			LPSignature:       s.LPSignature,
		},
		FeeBps:         s.FeeBps,
		FeeBeneficiary: s.FeeBeneficiary,
		Status:         htlc.Status(s.Status),
		CreatedAt:      s.CreatedAt,
	}
	return htlc.SanitizeOutbound(out)
}

func newStoredInbound(t *htlc.InboundTransfer) *storedInbound {
	return &storedInbound{
		ID:             t.ID,
		Sender:         t.Sender,
		Receiver:       t.Receiver,
		Asset:          t.Asset,
		Amount:         nonNil(t.Amount),
		NativeAmount:   nonNil(t.NativeAmount),
		Hashlock:       t.Hashlock,
		Timelock:       newStoredTimelock(t.Timelock),
		SrcChainID:     t.SrcChainID,
		SrcTransferID:  t.SrcTransferID,
		FeeBps:         t.FeeBps,
		FeeBeneficiary: t.FeeBeneficiary,
		Status:         uint8(t.Status),
		CreatedAt:      t.CreatedAt,
	}
}

func (s *storedInbound) toTransfer() (*htlc.InboundTransfer, error) {
	out := &htlc.InboundTransfer{
		ID: s.ID,
		InboundParams: htlc.InboundParams{
			Sender:        s.Sender,
			Receiver:      s.Receiver,
			Asset:         s.Asset,
			Amount:        s.Amount,
			NativeAmount:  s.NativeAmount,
			Hashlock:      s.Hashlock,
			Timelock:      s.Timelock.toTimelock(),
			SrcChainID:    s.SrcChainID,
			SrcTransferID: s.SrcTransferID,
		},
		FeeBps:         s.FeeBps,
		FeeBeneficiary: s.FeeBeneficiary,
		Status:         htlc.Status(s.Status),
		CreatedAt:      s.CreatedAt,
	}
	return htlc.SanitizeInbound(out)
}

// HTLCOutboundGet loads the outbound record stored under id.
func (m *Manager) HTLCOutboundGet(ctx context.Context, id [32]byte) (*htlc.OutboundTransfer, bool, error) {
	data, ok, err := m.get(ctx, htlcOutboundKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	stored := new(storedOutbound)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, fmt.Errorf("state: decode outbound %x: %w", id, err)
	}
	record, err := stored.toTransfer()
	if err != nil {
		return nil, false, fmt.Errorf("state: outbound %x: %w", id, err)
	}
	return record, true, nil
}

// HTLCOutboundPut stores the outbound record and indexes it by sender and
// receiver.
func (m *Manager) HTLCOutboundPut(ctx context.Context, t *htlc.OutboundTransfer) error {
	if t == nil {
		return fmt.Errorf("state: nil outbound transfer")
	}
	encoded, err := rlp.EncodeToBytes(newStoredOutbound(t))
	if err != nil {
		return err
	}
	return m.Atomic(ctx, func(ctx context.Context) error {
		if err := m.put(ctx, htlcOutboundKey(t.ID), encoded); err != nil {
			return err
		}
		return m.index(ctx, FamilyOutbound, t.ID, t.Sender, t.Receiver)
	})
}

// HTLCInboundGet loads the inbound record stored under id.
func (m *Manager) HTLCInboundGet(ctx context.Context, id [32]byte) (*htlc.InboundTransfer, bool, error) {
	data, ok, err := m.get(ctx, htlcInboundKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	stored := new(storedInbound)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, fmt.Errorf("state: decode inbound %x: %w", id, err)
	}
	record, err := stored.toTransfer()
	if err != nil {
		return nil, false, fmt.Errorf("state: inbound %x: %w", id, err)
	}
	return record, true, nil
}

// HTLCInboundPut stores the inbound record and indexes it by sender and
// receiver.
func (m *Manager) HTLCInboundPut(ctx context.Context, t *htlc.InboundTransfer) error {
	if t == nil {
		return fmt.Errorf("state: nil inbound transfer")
	}
	encoded, err := rlp.EncodeToBytes(newStoredInbound(t))
	if err != nil {
		return err
	}
	return m.Atomic(ctx, func(ctx context.Context) error {
		if err := m.put(ctx, htlcInboundKey(t.ID), encoded); err != nil {
			return err
		}
		return m.index(ctx, FamilyInbound, t.ID, t.Sender, t.Receiver)
	})
}

func (m *Manager) index(ctx context.Context, family Family, id [32]byte, parties ...[20]byte) error {
	for _, party := range parties {
		key := partyIndexKey(family, party, id)
		if _, ok, err := m.get(ctx, key); err != nil {
			return err
		} else if ok {
			continue
		}
		if err := m.put(ctx, key, nil); err != nil {
			return err
		}
	}
	return nil
}

// HTLCTransfersByParty lists the ids of records in family where party is the
// sender or the receiver, in ascending id order.
func (m *Manager) HTLCTransfersByParty(ctx context.Context, family Family, party [20]byte) ([][32]byte, error) {
	prefix := partyIndexPrefix(family, party)
	keys, err := m.keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([][32]byte, 0, len(keys))
	for _, key := range keys {
		if len(key) != len(prefix)+32 {
			continue
		}
		var id [32]byte
		copy(id[:], key[len(prefix):])
		ids = append(ids, id)
	}
	return ids, nil
}

// HTLCFeeSchedule returns the fee schedule applied to new records. An unset
// schedule charges no fee.
func (m *Manager) HTLCFeeSchedule(ctx context.Context) (fees.Schedule, error) {
	data, ok, err := m.get(ctx, htlcFeeScheduleKey)
	if err != nil || !ok {
		return fees.Schedule{}, err
	}
	stored := new(storedSchedule)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return fees.Schedule{}, fmt.Errorf("state: decode fee schedule: %w", err)
	}
	schedule := fees.Schedule{Bps: stored.Bps, Beneficiary: stored.Beneficiary}
	if err := schedule.Validate(); err != nil {
		return fees.Schedule{}, err
	}
	return schedule, nil
}

// HTLCSetFeeSchedule persists the fee schedule.
func (m *Manager) HTLCSetFeeSchedule(ctx context.Context, s fees.Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(&storedSchedule{Bps: s.Bps, Beneficiary: s.Beneficiary})
	if err != nil {
		return err
	}
	return m.put(ctx, htlcFeeScheduleKey, encoded)
}

// HTLCSeedFeeSchedule stores s only when no schedule has been persisted yet,
// so operator changes made at runtime survive restarts. It reports whether
// the seed was written.
func (m *Manager) HTLCSeedFeeSchedule(ctx context.Context, s fees.Schedule) (bool, error) {
	seeded := false
	err := m.Atomic(ctx, func(ctx context.Context) error {
		_, ok, err := m.get(ctx, htlcFeeScheduleKey)
		if err != nil || ok {
			return err
		}
		seeded = true
		return m.HTLCSetFeeSchedule(ctx, s)
	})
	if err != nil {
		return false, err
	}
	return seeded, nil
}
