package engine

import (
	"math/big"

	"github.com/flexstake/flexstake-backend/internal/calc"
	"github.com/flexstake/flexstake-backend/internal/token"
)

// AccountView is a read-only projection of one account.
type AccountView struct {
	Address       token.Address `json:"address"`
	Staked        *big.Int      `json:"staked"`
	Earned        *big.Int      `json:"earned"`
	AccruedReward *big.Int      `json:"accruedReward"`
	UnbondCount   int           `json:"unbondCount"`
}

// Snapshot is a consolidated view of global state for diagnostics.
type Snapshot struct {
	Now                 uint64       `json:"now"`
	TotalStaked         *big.Int     `json:"totalStaked"`
	RewardPerUnit       *big.Int     `json:"rewardPerUnit"`
	RewardPerUnitStored *big.Int     `json:"rewardPerUnitStored"`
	LastUpdateTime      uint64       `json:"lastUpdateTime"`
	Mode                EmissionKind `json:"mode"`
	RewardRate          *big.Int     `json:"rewardRate"`
	PeriodFinish        uint64       `json:"periodFinish"`
	FixedRatePerSec     *big.Int     `json:"fixedRatePerSec,omitempty"`
	FixedWindowStart    uint64       `json:"fixedWindowStart,omitempty"`
	FixedWindowEnd      uint64       `json:"fixedWindowEnd,omitempty"`
	Halted              bool         `json:"halted"`
}

// Earned reports the caller's current total claimable reward, including
// accrual not yet settled into a snapshot.
func (e *Engine) Earned(addr token.Address) *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	acc, ok := e.accounts[addr]
	if !ok {
		return new(big.Int)
	}
	per := e.rewardPerUnitLocked(e.clock.Now())
	return calc.EarnedReward(acc.Staked, per, acc.RewardPerUnitPaid, acc.AccruedReward)
}

// RewardPerUnit reports the current cumulative reward-per-unit counter.
func (e *Engine) RewardPerUnit() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rewardPerUnitLocked(e.clock.Now())
}

// TotalStaked reports the global staked total.
func (e *Engine) TotalStaked() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return new(big.Int).Set(e.totalStaked)
}

// StakedOf reports addr's staked balance.
func (e *Engine) StakedOf(addr token.Address) *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if acc, ok := e.accounts[addr]; ok {
		return new(big.Int).Set(acc.Staked)
	}
	return new(big.Int)
}

// UnbondsOf lists addr's pending unbond entries by current index.
func (e *Engine) UnbondsOf(addr token.Address) []UnbondEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	acc, ok := e.accounts[addr]
	if !ok {
		return nil
	}
	out := make([]UnbondEntry, len(acc.Unbonds))
	for i, u := range acc.Unbonds {
		out[i] = UnbondEntry{
			Amount:      new(big.Int).Set(u.Amount),
			ClaimableAt: u.ClaimableAt,
		}
	}
	return out
}

// AccountOf returns a read-only projection of addr.
func (e *Engine) AccountOf(addr token.Address) AccountView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	view := AccountView{
		Address:       addr,
		Staked:        new(big.Int),
		Earned:        new(big.Int),
		AccruedReward: new(big.Int),
	}
	acc, ok := e.accounts[addr]
	if !ok {
		return view
	}
	per := e.rewardPerUnitLocked(e.clock.Now())
	view.Staked.Set(acc.Staked)
	view.AccruedReward.Set(acc.AccruedReward)
	view.Earned = calc.EarnedReward(acc.Staked, per, acc.RewardPerUnitPaid, acc.AccruedReward)
	view.UnbondCount = len(acc.Unbonds)
	return view
}

// Snapshot returns the consolidated global state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	now := e.clock.Now()
	snap := Snapshot{
		Now:                 now,
		TotalStaked:         new(big.Int).Set(e.totalStaked),
		RewardPerUnit:       e.rewardPerUnitLocked(now),
		RewardPerUnitStored: new(big.Int).Set(e.rewardPerUnitStored),
		LastUpdateTime:      e.lastUpdateTime,
		Mode:                e.mode.kind(),
		RewardRate:          new(big.Int).Set(e.topUp.rewardRate),
		PeriodFinish:        e.topUp.periodFinish,
		Halted:              e.gate.Halted(),
	}
	if fixed, ok := e.mode.(*fixedEmission); ok {
		snap.FixedRatePerSec = new(big.Int).Set(fixed.ratePerSec)
		snap.FixedWindowStart = fixed.windowStart
		snap.FixedWindowEnd = fixed.windowEnd
	}
	return snap
}

// TotalStakedFloat reports the total staked as a float64 for gauge export.
// Precision loss is acceptable there.
func (e *Engine) TotalStakedFloat() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, _ := new(big.Float).SetInt(e.totalStaked).Float64()
	return f
}

// CurrentRate is the instantaneous per-second emission rate, zero when the
// active schedule has run out.
func (e *Engine) CurrentRate() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return new(big.Int).Set(e.mode.rateAt(e.clock.Now()))
}
