package state

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"htlcbridge/core/events"
	"htlcbridge/native/htlc"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the holder balance.
	ErrInsufficientFunds = errors.New("state: insufficient funds")
	// ErrBalanceOverflow is returned when a credit would exceed 2^256-1.
	ErrBalanceOverflow = errors.New("state: balance overflow")
	// ErrInvalidAmount is returned for negative or oversized amounts.
	ErrInvalidAmount = errors.New("state: invalid amount")
)

func vaultBalanceKey(asset, holder [20]byte) []byte {
	return hashedKey(vaultBalancePrefix, asset[:], holder[:])
}

func toWord(amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return uint256.NewInt(0), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	word, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrInvalidAmount
	}
	return word, nil
}

func (m *Manager) loadBalance(ctx context.Context, asset, holder [20]byte) (*uint256.Int, error) {
	data, ok, err := m.get(ctx, vaultBalanceKey(asset, holder))
	if err != nil {
		return nil, err
	}
	if !ok {
		return uint256.NewInt(0), nil
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("state: corrupt balance entry (%d bytes)", len(data))
	}
	return new(uint256.Int).SetBytes(data), nil
}

func (m *Manager) writeBalance(ctx context.Context, asset, holder [20]byte, balance *uint256.Int) error {
	encoded := balance.Bytes32()
	return m.put(ctx, vaultBalanceKey(asset, holder), encoded[:])
}

// Balance returns the vault balance of holder for asset.
func (m *Manager) Balance(ctx context.Context, asset, holder [20]byte) (*big.Int, error) {
	balance, err := m.loadBalance(ctx, asset, holder)
	if err != nil {
		return nil, err
	}
	return balance.ToBig(), nil
}

// Credit adds amount to the holder's balance. It is used by operators to fund
// accounts on development ledgers.
func (m *Manager) Credit(ctx context.Context, asset, holder [20]byte, amount *big.Int) error {
	word, err := toWord(amount)
	if err != nil {
		return err
	}
	return m.Atomic(ctx, func(ctx context.Context) error {
		if err := m.credit(ctx, asset, holder, word); err != nil {
			return err
		}
		events.Record(ctx, events.VaultCredited{Asset: asset, Holder: holder, Amount: word.ToBig()})
		return nil
	})
}

func (m *Manager) credit(ctx context.Context, asset, holder [20]byte, amount *uint256.Int) error {
	balance, err := m.loadBalance(ctx, asset, holder)
	if err != nil {
		return err
	}
	updated, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return ErrBalanceOverflow
	}
	return m.writeBalance(ctx, asset, holder, updated)
}

func (m *Manager) debit(ctx context.Context, asset, holder [20]byte, amount *uint256.Int) error {
	balance, err := m.loadBalance(ctx, asset, holder)
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, balance.Dec(), amount.Dec())
	}
	return m.writeBalance(ctx, asset, holder, new(uint256.Int).Sub(balance, amount))
}

func (m *Manager) transfer(ctx context.Context, asset, from, to [20]byte, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if err := m.debit(ctx, asset, from, amount); err != nil {
		return err
	}
	return m.credit(ctx, asset, to, amount)
}

// Custody moves amount of asset and native of the native coin from the
// depositor into the escrow account. Both legs commit together.
func (m *Manager) Custody(ctx context.Context, asset, from [20]byte, amount, native *big.Int) error {
	word, err := toWord(amount)
	if err != nil {
		return err
	}
	nativeWord, err := toWord(native)
	if err != nil {
		return err
	}
	return m.Atomic(ctx, func(ctx context.Context) error {
		if err := m.transfer(ctx, asset, from, m.escrow, word); err != nil {
			return err
		}
		events.Record(ctx, events.VaultCustody{Asset: asset, From: from, Amount: word.ToBig()})
		if nativeWord.IsZero() {
			return nil
		}
		if err := m.transfer(ctx, htlc.NativeAsset, from, m.escrow, nativeWord); err != nil {
			return err
		}
		events.Record(ctx, events.VaultCustody{Asset: htlc.NativeAsset, From: from, Amount: nativeWord.ToBig()})
		return nil
	})
}

// Release moves amount of asset out of the escrow account to the recipient.
func (m *Manager) Release(ctx context.Context, asset, to [20]byte, amount *big.Int) error {
	word, err := toWord(amount)
	if err != nil {
		return err
	}
	return m.Atomic(ctx, func(ctx context.Context) error {
		if err := m.transfer(ctx, asset, m.escrow, to, word); err != nil {
			return err
		}
		events.Record(ctx, events.VaultRelease{Asset: asset, To: to, Amount: word.ToBig()})
		return nil
	})
}
