package engine

import "math/big"

// EmissionKind names the active emission policy.
type EmissionKind string

const (
	EmissionTopUp EmissionKind = "topup"
	EmissionFixed EmissionKind = "fixed"
)

// emissionMode is the active reward-emission policy. Exactly one variant is
// active at a time; the variants own their fields so invalid combinations
// cannot be represented.
type emissionMode interface {
	// rateAt returns the instantaneous per-second reward rate at now.
	rateAt(now uint64) *big.Int
	// applicableTime clamps now to the end of the active distribution
	// window: reward time cannot advance past it.
	applicableTime(now uint64) uint64
	kind() EmissionKind
}

// fixedEmission distributes at a constant administrator-declared rate
// inside [windowStart, windowEnd] and zero outside, independent of any
// notified amount.
type fixedEmission struct {
	ratePerSec  *big.Int
	windowStart uint64
	windowEnd   uint64
}

func (f *fixedEmission) rateAt(now uint64) *big.Int {
	if now < f.windowStart || now > f.windowEnd {
		return new(big.Int)
	}
	return f.ratePerSec
}

func (f *fixedEmission) applicableTime(now uint64) uint64 {
	if now < f.windowEnd {
		return now
	}
	return f.windowEnd
}

func (f *fixedEmission) kind() EmissionKind { return EmissionFixed }

// topUpEmission derives its rate from discrete reward notifications spread
// over a declared duration. The rate is returned unconditionally; the
// period-finish clamp is already folded into applicableTime.
//
// The instance persists across mode switches: the penalty reinjector keeps
// writing rewardRate and periodFinish even while a fixed schedule is the
// active variant, so a penalty notified under fixed mode is waiting when
// the pool switches back.
type topUpEmission struct {
	rewardRate   *big.Int
	periodFinish uint64
}

func (t *topUpEmission) rateAt(uint64) *big.Int { return t.rewardRate }

func (t *topUpEmission) applicableTime(now uint64) uint64 {
	if now < t.periodFinish {
		return now
	}
	return t.periodFinish
}

func (t *topUpEmission) kind() EmissionKind { return EmissionTopUp }
