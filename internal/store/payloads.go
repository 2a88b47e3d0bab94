package store

import (
	"github.com/flexstake/flexstake-backend/internal/engine"
)

// PoolSnapshotView is the cached and published form of a pool snapshot.
// Amounts are decimal strings so browser clients never round them.
type PoolSnapshotView struct {
	Now              uint64 `json:"now"`
	TotalStaked      string `json:"totalStaked"`
	RewardPerUnit    string `json:"rewardPerUnit"`
	Mode             string `json:"mode"`
	RewardRate       string `json:"rewardRate"`
	PeriodFinish     uint64 `json:"periodFinish"`
	FixedRatePerSec  string `json:"fixedRatePerSec,omitempty"`
	FixedWindowStart uint64 `json:"fixedWindowStart,omitempty"`
	FixedWindowEnd   uint64 `json:"fixedWindowEnd,omitempty"`
	Halted           bool   `json:"halted"`
}

func PoolSnapshotViewFrom(snap engine.Snapshot) PoolSnapshotView {
	view := PoolSnapshotView{
		Now:              snap.Now,
		TotalStaked:      snap.TotalStaked.String(),
		RewardPerUnit:    snap.RewardPerUnit.String(),
		Mode:             string(snap.Mode),
		RewardRate:       snap.RewardRate.String(),
		PeriodFinish:     snap.PeriodFinish,
		FixedWindowStart: snap.FixedWindowStart,
		FixedWindowEnd:   snap.FixedWindowEnd,
		Halted:           snap.Halted,
	}
	if snap.FixedRatePerSec != nil {
		view.FixedRatePerSec = snap.FixedRatePerSec.String()
	}
	return view
}

// PoolAPRView is the cached APR payload.
type PoolAPRView struct {
	Now        uint64 `json:"now"`
	AprPercent string `json:"aprPercent"`
}
