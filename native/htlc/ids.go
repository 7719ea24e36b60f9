package htlc

import (
	"encoding/binary"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	outboundIDTag = []byte("htlc/out")
	inboundIDTag  = []byte("htlc/in")
)

// OutboundID derives the transfer id of an outbound record created on the
// ledger identified by chainID.
func OutboundID(chainID uint64, p OutboundParams) [32]byte {
	buf := make([]byte, 0, 512)
	buf = append(buf, outboundIDTag...)
	buf = appendUint64(buf, chainID)
	buf = append(buf, p.Sender[:]...)
	buf = append(buf, p.Receiver[:]...)
	buf = append(buf, p.Asset[:]...)
	buf = appendWord(buf, p.Amount)
	buf = append(buf, p.Hashlock[:]...)
	buf = appendTimelock(buf, p.Timelock)
	buf = appendUint64(buf, p.DstChainID)
	buf = append(buf, p.DstAddress[:]...)
	buf = append(buf, p.BidID[:]...)
	buf = append(buf, p.DstAsset[:]...)
	buf = appendWord(buf, p.DstAmount)
	buf = appendWord(buf, p.DstNativeAmount)
	return ethcrypto.Keccak256Hash(buf)
}

// InboundID derives the transfer id of an inbound record created on the
// ledger identified by chainID.
func InboundID(chainID uint64, p InboundParams) [32]byte {
	buf := make([]byte, 0, 384)
	buf = append(buf, inboundIDTag...)
	buf = appendUint64(buf, chainID)
	buf = append(buf, p.Sender[:]...)
	buf = append(buf, p.Receiver[:]...)
	buf = append(buf, p.Asset[:]...)
	buf = appendWord(buf, p.Amount)
	buf = appendWord(buf, p.NativeAmount)
	buf = append(buf, p.Hashlock[:]...)
	buf = appendTimelock(buf, p.Timelock)
	buf = appendUint64(buf, p.SrcChainID)
	buf = append(buf, p.SrcTransferID[:]...)
	return ethcrypto.Keccak256Hash(buf)
}

// fitsWord reports whether v is a non-negative integer below 2^256.
func fitsWord(v *big.Int) bool {
	if v == nil {
		return true
	}
	if v.Sign() < 0 {
		return false
	}
	_, overflow := uint256.FromBig(v)
	return !overflow
}

func appendWord(buf []byte, v *big.Int) []byte {
	var word [32]byte
	if v != nil && v.Sign() > 0 {
		u, _ := uint256.FromBig(v)
		word = u.Bytes32()
	}
	return append(buf, word[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

func appendTimelock(buf []byte, t Timelock) []byte {
	buf = appendUint64(buf, t.AgreedAt)
	buf = appendUint64(buf, t.StepTime)
	buf = appendUint64(buf, t.Tolerance)
	return appendUint64(buf, t.RefundAt)
}
