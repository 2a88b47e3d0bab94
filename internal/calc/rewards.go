package calc

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is the fixed-point precision of the cumulative reward-per-unit
// counter. All per-unit values carry 18 decimals.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

const secondsPerYear = 365 * 24 * 3600

// AccrueRewardPerUnit advances the cumulative reward-per-unit counter:
// stored + elapsed * ratePerSec * Scale / totalStaked.
// Division is floor (truncating), which can only under-pay by dust and
// therefore never requires the pool to pay out more than it collected.
// With nothing staked the counter does not grow; pending emission simply
// waits for stake to exist.
func AccrueRewardPerUnit(stored, ratePerSec *big.Int, elapsed uint64, totalStaked *big.Int) *big.Int {
	out := new(big.Int)
	if stored != nil {
		out.Set(stored)
	}
	if elapsed == 0 || ratePerSec == nil || ratePerSec.Sign() == 0 {
		return out
	}
	if totalStaked == nil || totalStaked.Sign() == 0 {
		return out
	}

	delta := new(big.Int).SetUint64(elapsed)
	delta.Mul(delta, ratePerSec)
	delta.Mul(delta, Scale)
	delta.Div(delta, totalStaked)
	return out.Add(out, delta)
}

// EarnedReward computes the settled-plus-pending reward of one account:
// staked * (currentPerUnit - paidPerUnit) / Scale + accrued.
func EarnedReward(staked, currentPerUnit, paidPerUnit, accrued *big.Int) *big.Int {
	out := new(big.Int)
	if accrued != nil {
		out.Set(accrued)
	}
	if staked == nil || staked.Sign() == 0 || currentPerUnit == nil {
		return out
	}

	diff := new(big.Int).Set(currentPerUnit)
	if paidPerUnit != nil {
		diff.Sub(diff, paidPerUnit)
	}
	if diff.Sign() <= 0 {
		return out
	}
	diff.Mul(diff, staked)
	diff.Div(diff, Scale)
	return out.Add(out, diff)
}

// PenaltySplit splits a fast-withdraw amount into the penalty kept by the
// pool and the net amount paid out: penalty = amount * penaltyBps / 10000,
// floor division.
func PenaltySplit(amount *big.Int, penaltyBps uint32) (penalty, net *big.Int) {
	penalty = new(big.Int).Mul(amount, big.NewInt(int64(penaltyBps)))
	penalty.Div(penalty, big.NewInt(10000))
	net = new(big.Int).Sub(amount, penalty)
	return penalty, net
}

// RolloverRate computes the per-second rate of a fresh reward period:
// (amount + remaining * currentRate) / duration, floor division. The
// remaining * currentRate term carries the undistributed tail of a
// still-active period into the new one.
func RolloverRate(amount, currentRate *big.Int, remaining, duration uint64) *big.Int {
	total := new(big.Int)
	if amount != nil {
		total.Set(amount)
	}
	if remaining > 0 && currentRate != nil {
		leftover := new(big.Int).SetUint64(remaining)
		leftover.Mul(leftover, currentRate)
		total.Add(total, leftover)
	}
	return total.Div(total, new(big.Int).SetUint64(duration))
}

// EmissionAPR estimates the annualized return percentage of the current
// emission rate against the staked total. Display-only: the ledger itself
// never consumes this value.
func EmissionAPR(ratePerSec, totalStaked *big.Int) decimal.Decimal {
	if totalStaked == nil || totalStaked.Sign() == 0 || ratePerSec == nil {
		return decimal.Zero
	}

	yearly := decimal.NewFromBigInt(ratePerSec, 0).Mul(decimal.NewFromInt(secondsPerYear))
	annualReturn := yearly.Div(decimal.NewFromBigInt(totalStaked, 0))
	return annualReturn.Mul(decimal.NewFromInt(100)) // Convert to percentage
}
