package fees

import (
	"errors"
	"fmt"
	"math/big"
)

// MaxBps is the denominator used for basis-point arithmetic. A rate of MaxBps
// routes the entire amount to the beneficiary.
const MaxBps uint32 = 10_000

var (
	// ErrInvalidRate is returned when a basis-point rate exceeds MaxBps.
	ErrInvalidRate = errors.New("fees: rate must be within [0, 10000] bps")
	// ErrNegativeAmount is returned when a split is requested for a negative amount.
	ErrNegativeAmount = errors.New("fees: amount must not be negative")
)

// Schedule captures the rate and beneficiary applied to settlements. A copy of
// the schedule is stored on every record at creation so later administrative
// changes never reach in-flight transfers.
type Schedule struct {
	Bps         uint32
	Beneficiary [20]byte
}

// Validate ensures the rate is inside the supported domain.
func (s Schedule) Validate() error {
	return ValidateRate(s.Bps)
}

// ValidateRate ensures bps is inside [0, MaxBps].
func ValidateRate(bps uint32) error {
	if bps > MaxBps {
		return fmt.Errorf("%w: got %d", ErrInvalidRate, bps)
	}
	return nil
}

// Snapshot returns the schedule that should be copied onto a new record. When
// no beneficiary is configured the fee is waived, as there is nobody to pay.
func (s Schedule) Snapshot() Schedule {
	if s.Beneficiary == ([20]byte{}) {
		return Schedule{}
	}
	return s
}

// Split divides amount into the net leg and the fee leg using floor division:
// fee = amount*bps/10000, net = amount-fee. Nil amounts are treated as zero.
func Split(amount *big.Int, bps uint32) (net *big.Int, fee *big.Int, err error) {
	if err := ValidateRate(bps); err != nil {
		return nil, nil, err
	}
	if amount == nil {
		return big.NewInt(0), big.NewInt(0), nil
	}
	if amount.Sign() < 0 {
		return nil, nil, ErrNegativeAmount
	}
	fee = big.NewInt(0)
	if bps > 0 && amount.Sign() > 0 {
		fee = new(big.Int).Mul(amount, big.NewInt(int64(bps)))
		fee.Div(fee, big.NewInt(int64(MaxBps)))
	}
	net = new(big.Int).Sub(amount, fee)
	return net, fee, nil
}

// Totals aggregates settled fee volume for a single asset.
type Totals struct {
	Asset [20]byte
	Gross *big.Int
	Fee   *big.Int
	Net   *big.Int
}

// Add accumulates a settled split into the totals.
func (t *Totals) Add(net, fee *big.Int) {
	if t.Gross == nil {
		t.Gross = big.NewInt(0)
	}
	if t.Fee == nil {
		t.Fee = big.NewInt(0)
	}
	if t.Net == nil {
		t.Net = big.NewInt(0)
	}
	if net != nil {
		t.Net.Add(t.Net, net)
		t.Gross.Add(t.Gross, net)
	}
	if fee != nil {
		t.Fee.Add(t.Fee, fee)
		t.Gross.Add(t.Gross, fee)
	}
}

// Clone returns a copy of the totals structure with duplicated big.Int values.
func (t Totals) Clone() Totals {
	clone := Totals{Asset: t.Asset}
	if t.Gross != nil {
		clone.Gross = new(big.Int).Set(t.Gross)
	}
	if t.Fee != nil {
		clone.Fee = new(big.Int).Set(t.Fee)
	}
	if t.Net != nil {
		clone.Net = new(big.Int).Set(t.Net)
	}
	return clone
}
