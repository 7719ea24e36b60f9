package htlc

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"htlcbridge/core/types"
)

const (
	EventTypeTransferOutCreated   = "htlc.out.created"
	EventTypeTransferOutConfirmed = "htlc.out.confirmed"
	EventTypeTransferOutRefunded  = "htlc.out.refunded"
	EventTypeTransferInCreated    = "htlc.in.created"
	EventTypeTransferInConfirmed  = "htlc.in.confirmed"
	EventTypeTransferInRefunded   = "htlc.in.refunded"
)

// Settlement describes how a confirmed amount was divided between the
// receiver and the fee beneficiary.
type Settlement struct {
	Net       *big.Int
	Fee       *big.Int
	NativeNet *big.Int
	NativeFee *big.Int
}

// NewTransferOutCreatedEvent returns the canonical payload for a new outbound
// record. Every stored field is included.
func NewTransferOutCreatedEvent(t *OutboundTransfer) *types.Event {
	attrs := make(map[string]string)
	if t == nil {
		return &types.Event{Type: EventTypeTransferOutCreated, Attributes: attrs}
	}
	writeCommon(attrs, t.ID, t.Sender, t.Receiver, t.Asset, t.Amount, t.Hashlock, t.Timelock, t.FeeBps, t.FeeBeneficiary, t.CreatedAt)
	attrs["dstChainId"] = strconv.FormatUint(t.DstChainID, 10)
	attrs["dstAddress"] = formatAddress(t.DstAddress)
	attrs["bidId"] = formatHash(t.BidID)
	attrs["dstAsset"] = formatAddress(t.DstAsset)
	attrs["dstAmount"] = formatAmount(t.DstAmount)
	attrs["dstNativeAmount"] = formatAmount(t.DstNativeAmount)
	attrs["requestor"] = t.RequestorIdentity
	attrs["lpId"] = t.LPIdentity
	attrs["userSign"] = t.UserSignature
	attrs["lpSign"] = t.LPSignature
	return &types.Event{Type: EventTypeTransferOutCreated, Attributes: attrs}
}

// NewTransferInCreatedEvent returns the canonical payload for a new inbound
// record. Every stored field is included.
func NewTransferInCreatedEvent(t *InboundTransfer) *types.Event {
	attrs := make(map[string]string)
	if t == nil {
		return &types.Event{Type: EventTypeTransferInCreated, Attributes: attrs}
	}
	writeCommon(attrs, t.ID, t.Sender, t.Receiver, t.Asset, t.Amount, t.Hashlock, t.Timelock, t.FeeBps, t.FeeBeneficiary, t.CreatedAt)
	attrs["nativeAmount"] = formatAmount(t.NativeAmount)
	attrs["srcChainId"] = strconv.FormatUint(t.SrcChainID, 10)
	attrs["srcTransferId"] = formatHash(t.SrcTransferID)
	return &types.Event{Type: EventTypeTransferInCreated, Attributes: attrs}
}

// NewTransferOutConfirmedEvent returns the payload emitted when an outbound
// record is settled. The preimage is published so the counterparty can
// confirm the paired record.
func NewTransferOutConfirmedEvent(t *OutboundTransfer, preimage [32]byte, s Settlement) *types.Event {
	attrs := make(map[string]string)
	if t != nil {
		writeSettlement(attrs, t.ID, t.Receiver, t.Asset, t.FeeBeneficiary, preimage, s)
	}
	return &types.Event{Type: EventTypeTransferOutConfirmed, Attributes: attrs}
}

// NewTransferInConfirmedEvent returns the payload emitted when an inbound
// record is settled.
func NewTransferInConfirmedEvent(t *InboundTransfer, preimage [32]byte, s Settlement) *types.Event {
	attrs := make(map[string]string)
	if t != nil {
		writeSettlement(attrs, t.ID, t.Receiver, t.Asset, t.FeeBeneficiary, preimage, s)
		attrs["nativeNet"] = formatAmount(s.NativeNet)
		attrs["nativeFee"] = formatAmount(s.NativeFee)
	}
	return &types.Event{Type: EventTypeTransferInConfirmed, Attributes: attrs}
}

// NewTransferOutRefundedEvent returns the payload emitted on an outbound refund.
func NewTransferOutRefundedEvent(t *OutboundTransfer) *types.Event {
	attrs := make(map[string]string)
	if t != nil {
		attrs["id"] = formatHash(t.ID)
		attrs["sender"] = formatAddress(t.Sender)
		attrs["asset"] = formatAddress(t.Asset)
		attrs["amount"] = formatAmount(t.Amount)
	}
	return &types.Event{Type: EventTypeTransferOutRefunded, Attributes: attrs}
}

// NewTransferInRefundedEvent returns the payload emitted on an inbound refund.
func NewTransferInRefundedEvent(t *InboundTransfer) *types.Event {
	attrs := make(map[string]string)
	if t != nil {
		attrs["id"] = formatHash(t.ID)
		attrs["sender"] = formatAddress(t.Sender)
		attrs["asset"] = formatAddress(t.Asset)
		attrs["amount"] = formatAmount(t.Amount)
		attrs["nativeAmount"] = formatAmount(t.NativeAmount)
	}
	return &types.Event{Type: EventTypeTransferInRefunded, Attributes: attrs}
}

func writeCommon(attrs map[string]string, id [32]byte, sender, receiver, asset [20]byte, amount *big.Int, hashlock [32]byte, tl Timelock, feeBps uint32, beneficiary [20]byte, createdAt uint64) {
	attrs["id"] = formatHash(id)
	attrs["sender"] = formatAddress(sender)
	attrs["receiver"] = formatAddress(receiver)
	attrs["asset"] = formatAddress(asset)
	attrs["amount"] = formatAmount(amount)
	attrs["hashlock"] = formatHash(hashlock)
	attrs["agreementReachedTime"] = strconv.FormatUint(tl.AgreedAt, 10)
	attrs["expectedSingleStepTime"] = strconv.FormatUint(tl.StepTime, 10)
	attrs["tolerantSingleStepTime"] = strconv.FormatUint(tl.Tolerance, 10)
	attrs["earliestRefundTime"] = strconv.FormatUint(tl.RefundAt, 10)
	attrs["feeBps"] = strconv.FormatUint(uint64(feeBps), 10)
	attrs["feeBeneficiary"] = formatAddress(beneficiary)
	attrs["createdAt"] = strconv.FormatUint(createdAt, 10)
}

func writeSettlement(attrs map[string]string, id [32]byte, receiver, asset, beneficiary [20]byte, preimage [32]byte, s Settlement) {
	attrs["id"] = formatHash(id)
	attrs["preimage"] = formatHash(preimage)
	attrs["receiver"] = formatAddress(receiver)
	attrs["asset"] = formatAddress(asset)
	attrs["feeBeneficiary"] = formatAddress(beneficiary)
	attrs["net"] = formatAmount(s.Net)
	attrs["fee"] = formatAmount(s.Fee)
}

func formatAddress(addr [20]byte) string { return common.Address(addr).Hex() }

func formatHash(h [32]byte) string { return common.Hash(h).Hex() }

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
