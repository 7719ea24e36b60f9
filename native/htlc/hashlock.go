package htlc

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Hashlock returns the keccak256 commitment of the 32-byte preimage.
func Hashlock(preimage [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash(preimage[:])
}

// VerifyPreimage reports whether preimage opens hashlock. The comparison runs
// in constant time.
func VerifyPreimage(hashlock, preimage [32]byte) bool {
	computed := Hashlock(preimage)
	return subtle.ConstantTimeCompare(computed[:], hashlock[:]) == 1
}

// NewSecret draws a random preimage from r (crypto/rand when nil) and returns
// it with its hashlock.
func NewSecret(r io.Reader) (preimage [32]byte, hashlock [32]byte, err error) {
	if r == nil {
		r = rand.Reader
	}
	if _, err = io.ReadFull(r, preimage[:]); err != nil {
		return preimage, hashlock, fmt.Errorf("htlc: read preimage: %w", err)
	}
	return preimage, Hashlock(preimage), nil
}
