package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"htlcbridge/core/types"
)

const (
	TypeVaultCredited = "vault.credited"
	TypeVaultCustody  = "vault.custody"
	TypeVaultRelease  = "vault.release"
)

// VaultCredited is raised when an operator funds a holder's vault balance.
type VaultCredited struct {
	Asset  [20]byte
	Holder [20]byte
	Amount *big.Int
}

func (VaultCredited) EventType() string { return TypeVaultCredited }

func (e VaultCredited) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultCredited,
		Attributes: map[string]string{
			"asset":  common.Address(e.Asset).Hex(),
			"holder": common.Address(e.Holder).Hex(),
			"amount": formatAmount(e.Amount),
		},
	}
}

// VaultCustody is raised when value moves from a depositor into escrow.
type VaultCustody struct {
	Asset  [20]byte
	From   [20]byte
	Amount *big.Int
}

func (VaultCustody) EventType() string { return TypeVaultCustody }

func (e VaultCustody) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultCustody,
		Attributes: map[string]string{
			"asset":  common.Address(e.Asset).Hex(),
			"from":   common.Address(e.From).Hex(),
			"amount": formatAmount(e.Amount),
		},
	}
}

// VaultRelease is raised when value leaves escrow for a recipient.
type VaultRelease struct {
	Asset  [20]byte
	To     [20]byte
	Amount *big.Int
}

func (VaultRelease) EventType() string { return TypeVaultRelease }

func (e VaultRelease) Event() *types.Event {
	return &types.Event{
		Type: TypeVaultRelease,
		Attributes: map[string]string{
			"asset":  common.Address(e.Asset).Hex(),
			"to":     common.Address(e.To).Hex(),
			"amount": formatAmount(e.Amount),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
