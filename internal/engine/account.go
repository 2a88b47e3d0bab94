package engine

import "math/big"

// UnbondEntry is one pending withdrawal request. Created by RequestUnstake,
// reduced in place by partial withdrawal, removed by full withdrawal.
type UnbondEntry struct {
	Amount      *big.Int `json:"amount"`
	ClaimableAt uint64   `json:"claimableAt"`
}

// Account is the per-participant ledger record. Accounts are created
// implicitly on first stake and never deleted; zeroed records persist.
//
// Unbond entries are addressed by position. Positions are NOT stable
// identifiers: a full withdrawal moves the last entry into the vacated
// slot, so an index obtained earlier may refer to a different entry after
// another entry is fully withdrawn. Callers should re-read the queue
// rather than cache indices across operations.
type Account struct {
	Staked            *big.Int
	AccruedReward     *big.Int
	RewardPerUnitPaid *big.Int
	Unbonds           []UnbondEntry
}

func newAccount() *Account {
	return &Account{
		Staked:            new(big.Int),
		AccruedReward:     new(big.Int),
		RewardPerUnitPaid: new(big.Int),
	}
}

// removeUnbond removes the entry at index by swap-with-last-then-shrink.
// It returns the index the filling entry came from, or -1 when the removed
// entry was already last (plain shrink, nothing moved).
func (a *Account) removeUnbond(index int) (movedFrom int) {
	last := len(a.Unbonds) - 1
	movedFrom = -1
	if index != last {
		a.Unbonds[index] = a.Unbonds[last]
		movedFrom = last
	}
	a.Unbonds[last] = UnbondEntry{}
	a.Unbonds = a.Unbonds[:last]
	return movedFrom
}
