// Package engine implements the reward-accounting and unbonding-queue
// ledger: proportional stake bookkeeping, continuous cumulative-reward
// accrual under two emission policies, a delayed-withdrawal queue and the
// penalty-reinjection path for immediate exits.
//
// Execution is strictly sequential: a transient busy flag is the single
// global mutation point, and any call that arrives while an operation is
// in flight (including reentrant calls triggered by an outbound asset
// transfer) fails immediately with ErrReentrancy.
package engine

import (
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/flexstake/flexstake-backend/internal/calc"
	"github.com/flexstake/flexstake-backend/internal/gate"
	"github.com/flexstake/flexstake-backend/internal/token"
)

// Params are the pool's staking parameters, fixed at construction.
type Params struct {
	// UnbondDelay is the seconds between an unstake request and
	// withdrawal eligibility.
	UnbondDelay uint64
	// PenaltyBps is the fast-withdraw penalty in basis points.
	PenaltyBps uint32
	// ReinjectWindow is the duration in seconds over which a fast-withdraw
	// penalty is redistributed.
	ReinjectWindow uint64
}

// DefaultParams is the base configuration: 7-day unbonding, 25% fast-exit
// penalty redistributed over 7 days.
func DefaultParams() Params {
	return Params{
		UnbondDelay:    7 * 24 * 3600,
		PenaltyBps:     2500,
		ReinjectWindow: 7 * 24 * 3600,
	}
}

// Engine owns the global ledger state. All mutation funnels through its
// exported operations; no other component writes totalStaked, the reward
// counters or the emission configuration.
type Engine struct {
	busy atomic.Bool  // transient reentrancy flag, the single mutation point
	mu   sync.RWMutex // consistency for read-only queries

	clock   Clock
	asset   token.Asset
	receipt token.Receipt
	gate    gate.Gate
	sink    EventSink
	logger  *zap.SugaredLogger

	params Params
	self   token.Address // the pool's own asset account

	mode  emissionMode
	topUp *topUpEmission // persistent top-up period state, owned by notify

	rewardPerUnitStored *big.Int
	lastUpdateTime      uint64
	totalStaked         *big.Int
	accounts            map[token.Address]*Account
}

// New creates a pool engine. Default mode is top-up with a zero rate;
// lastUpdateTime is the creation time.
func New(
	params Params,
	self token.Address,
	asset token.Asset,
	receipt token.Receipt,
	g gate.Gate,
	clock Clock,
	logger *zap.SugaredLogger,
	sink EventSink,
) *Engine {
	topUp := &topUpEmission{rewardRate: new(big.Int)}
	return &Engine{
		clock:               clock,
		asset:               asset,
		receipt:             receipt,
		gate:                g,
		sink:                sink,
		logger:              logger,
		params:              params,
		self:                self,
		mode:                topUp,
		topUp:               topUp,
		rewardPerUnitStored: new(big.Int),
		lastUpdateTime:      clock.Now(),
		totalStaked:         new(big.Int),
		accounts:            make(map[token.Address]*Account),
	}
}

// Params returns the pool's staking parameters.
func (e *Engine) Params() Params { return e.params }

// enter sets the busy flag; any protected call while it is set fails
// immediately. exit clears it on every return path.
func (e *Engine) enter() error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrReentrancy
	}
	return nil
}

func (e *Engine) exit() { e.busy.Store(false) }

func (e *Engine) checkOpen() error {
	if e.gate.Halted() {
		return gate.ErrHalted
	}
	return nil
}

func positive(amount *big.Int, op string) error {
	if err := calc.ValidatePositive(amount, op); err != nil {
		return fmt.Errorf("%s: %w", op, ErrZeroAmount)
	}
	return nil
}

// settleLocked is the settlement guard invoked at the top of every
// mutating operation body: it folds accrual up to now into the stored
// counter, then snapshots the given account against it. An empty address
// settles globals only. Must be called with mu held.
func (e *Engine) settleLocked(now uint64, addr token.Address) {
	per := e.rewardPerUnitLocked(now)
	e.rewardPerUnitStored = per
	if t := e.mode.applicableTime(now); t > e.lastUpdateTime {
		e.lastUpdateTime = t
	}
	if addr == "" {
		return
	}
	acc := e.accountLocked(addr)
	acc.AccruedReward = calc.EarnedReward(acc.Staked, per, acc.RewardPerUnitPaid, acc.AccruedReward)
	acc.RewardPerUnitPaid = new(big.Int).Set(per)
}

// rewardPerUnitLocked computes the current cumulative reward-per-unit
// counter without mutating state. With nothing staked the stored value is
// returned unchanged: rewards are not lost, the counter simply does not
// grow until stake exists.
func (e *Engine) rewardPerUnitLocked(now uint64) *big.Int {
	if e.totalStaked.Sign() == 0 {
		return new(big.Int).Set(e.rewardPerUnitStored)
	}
	applicable := e.mode.applicableTime(now)
	var elapsed uint64
	if applicable > e.lastUpdateTime {
		elapsed = applicable - e.lastUpdateTime
	}
	return calc.AccrueRewardPerUnit(e.rewardPerUnitStored, e.mode.rateAt(now), elapsed, e.totalStaked)
}

func (e *Engine) accountLocked(addr token.Address) *Account {
	acc, ok := e.accounts[addr]
	if !ok {
		acc = newAccount()
		e.accounts[addr] = acc
	}
	return acc
}

// Stake pulls amount from the caller and books the amount actually
// received (the pool balance delta, so fee-on-transfer assets are measured
// honestly), minting receipt balance 1:1. An optional permit credential
// authorizes the pull without a prior approval; an optional delegation
// credential is forwarded verbatim to the receipt token.
func (e *Engine) Stake(
	caller token.Address,
	amount *big.Int,
	permit *token.PermitCredential,
	delegation *token.DelegateSig,
) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := positive(amount, "stake"); err != nil {
		return nil, err
	}
	now := e.clock.Now()

	if delegation != nil {
		if err := e.receipt.DelegateBySig(delegation.Delegatee, delegation.Nonce, delegation.Expiry, delegation.Signature); err != nil {
			return nil, fmt.Errorf("stake delegation: %w", err)
		}
	}
	if permit != nil {
		if permit.Deadline < now {
			return nil, fmt.Errorf("stake: %w", token.ErrPermitExpired)
		}
		p, ok := e.asset.(token.Permitter)
		if !ok {
			return nil, fmt.Errorf("stake: asset has no permit support: %w", token.ErrBadSignature)
		}
		if err := p.Permit(caller, amount, *permit); err != nil {
			return nil, fmt.Errorf("stake permit: %w", err)
		}
	}

	e.mu.Lock()
	e.settleLocked(now, caller)
	e.mu.Unlock()

	// Pull the asset. The received amount is measured, not trusted.
	before := e.asset.BalanceOf(e.self)
	if err := e.asset.TransferFrom(caller, e.self, amount); err != nil {
		return nil, fmt.Errorf("stake pull: %w", err)
	}
	received := new(big.Int).Sub(e.asset.BalanceOf(e.self), before)
	if received.Sign() <= 0 {
		return nil, fmt.Errorf("stake: nothing received: %w", ErrZeroAmount)
	}

	e.mu.Lock()
	acc := e.accountLocked(caller)
	acc.Staked.Add(acc.Staked, received)
	e.totalStaked.Add(e.totalStaked, received)
	e.mu.Unlock()

	if err := e.receipt.Mint(caller, received); err != nil {
		return nil, fmt.Errorf("stake mint: %w", err)
	}

	e.publish(e.newEvent(EventStaked, caller, map[string]string{
		"requested": amount.String(),
		"received":  received.String(),
	}))
	return received, nil
}

// RequestUnstake moves amount from the caller's staked balance into a new
// unbond entry claimable after the fixed delay, burning receipt balance
// 1:1. Returns the new entry's index and maturity time.
func (e *Engine) RequestUnstake(caller token.Address, amount *big.Int) (int, uint64, error) {
	if err := e.enter(); err != nil {
		return 0, 0, err
	}
	defer e.exit()
	if err := e.checkOpen(); err != nil {
		return 0, 0, err
	}
	if err := positive(amount, "unstake"); err != nil {
		return 0, 0, err
	}
	now := e.clock.Now()

	e.mu.Lock()
	e.settleLocked(now, caller)
	acc := e.accountLocked(caller)
	if acc.Staked.Cmp(amount) < 0 {
		e.mu.Unlock()
		return 0, 0, fmt.Errorf("unstake %s of %s staked: %w", amount, acc.Staked, ErrInsufficientBalance)
	}
	if err := e.receipt.Burn(caller, amount); err != nil {
		e.mu.Unlock()
		return 0, 0, fmt.Errorf("unstake burn: %w", err)
	}
	acc.Staked.Sub(acc.Staked, amount)
	e.totalStaked.Sub(e.totalStaked, amount)

	claimableAt := now + e.params.UnbondDelay
	acc.Unbonds = append(acc.Unbonds, UnbondEntry{
		Amount:      new(big.Int).Set(amount),
		ClaimableAt: claimableAt,
	})
	index := len(acc.Unbonds) - 1
	e.mu.Unlock()

	e.publish(e.newEvent(EventUnstakeRequested, caller, map[string]string{
		"amount":      amount.String(),
		"index":       strconv.Itoa(index),
		"claimableAt": strconv.FormatUint(claimableAt, 10),
	}))
	return index, claimableAt, nil
}

// WithdrawUnbond pays out a matured unbond entry. amount == nil or zero
// withdraws the whole entry. A full withdrawal removes the entry by
// swap-with-last-then-shrink, so indices of later entries are not stable.
// The asset transfer happens last.
func (e *Engine) WithdrawUnbond(caller token.Address, index int, amount *big.Int) (*big.Int, bool, error) {
	if err := e.enter(); err != nil {
		return nil, false, err
	}
	defer e.exit()
	if err := e.checkOpen(); err != nil {
		return nil, false, err
	}
	if amount != nil && amount.Sign() < 0 {
		return nil, false, fmt.Errorf("withdraw: %w", ErrZeroAmount)
	}
	now := e.clock.Now()

	e.mu.Lock()
	e.settleLocked(now, caller)
	acc := e.accountLocked(caller)
	if index < 0 || index >= len(acc.Unbonds) {
		e.mu.Unlock()
		return nil, false, fmt.Errorf("withdraw index %d of %d entries: %w", index, len(acc.Unbonds), ErrInvalidUnbondIndex)
	}
	entry := &acc.Unbonds[index]
	if now < entry.ClaimableAt {
		e.mu.Unlock()
		return nil, false, fmt.Errorf("withdraw claimable at %d, now %d: %w", entry.ClaimableAt, now, ErrUnbondNotReady)
	}

	withdrawn := new(big.Int)
	if amount == nil || amount.Sign() == 0 {
		withdrawn.Set(entry.Amount)
	} else {
		withdrawn.Set(amount)
	}
	if withdrawn.Cmp(entry.Amount) > 0 {
		e.mu.Unlock()
		return nil, false, fmt.Errorf("withdraw %s of %s pending: %w", withdrawn, entry.Amount, ErrInsufficientBalance)
	}
	if e.asset.BalanceOf(e.self).Cmp(withdrawn) < 0 {
		e.mu.Unlock()
		return nil, false, fmt.Errorf("withdraw: pool liquidity: %w", ErrInsufficientBalance)
	}

	full := withdrawn.Cmp(entry.Amount) == 0
	claimableAt := entry.ClaimableAt
	movedFrom := -1
	if full {
		movedFrom = acc.removeUnbond(index)
	} else {
		entry.Amount.Sub(entry.Amount, withdrawn)
	}
	e.mu.Unlock()

	if err := e.asset.Transfer(caller, withdrawn); err != nil {
		// A failed payout must leave the entry intact. A restored full
		// entry reappears at the end of the queue, not at its old index.
		e.mu.Lock()
		if full {
			acc.Unbonds = append(acc.Unbonds, UnbondEntry{
				Amount:      new(big.Int).Set(withdrawn),
				ClaimableAt: claimableAt,
			})
		} else {
			entry.Amount.Add(entry.Amount, withdrawn)
		}
		e.mu.Unlock()
		return nil, false, fmt.Errorf("withdraw transfer: %w", err)
	}

	events := []Event{e.newEvent(EventWithdrawn, caller, map[string]string{
		"index":  strconv.Itoa(index),
		"amount": withdrawn.String(),
		"full":   strconv.FormatBool(full),
	})}
	if full {
		events = append(events, e.newEvent(EventUnbondRemoved, caller, map[string]string{
			"removedIndex": strconv.Itoa(index),
			"movedFrom":    strconv.Itoa(movedFrom),
		}))
	}
	e.publish(events...)
	return withdrawn, full, nil
}

// FastWithdraw exits amount immediately, bypassing the unbonding delay.
// The penalty is deducted from the payout and folded into a fresh reward
// period over the configured re-distribution window; receipt balance is
// burned for the full amount. No unbond entry is created.
func (e *Engine) FastWithdraw(caller token.Address, amount *big.Int) (penalty, net *big.Int, err error) {
	if err := e.enter(); err != nil {
		return nil, nil, err
	}
	defer e.exit()
	if err := e.checkOpen(); err != nil {
		return nil, nil, err
	}
	if err := positive(amount, "fast-withdraw"); err != nil {
		return nil, nil, err
	}
	now := e.clock.Now()

	e.mu.Lock()
	e.settleLocked(now, caller)
	acc := e.accountLocked(caller)
	if acc.Staked.Cmp(amount) < 0 {
		e.mu.Unlock()
		return nil, nil, fmt.Errorf("fast-withdraw %s of %s staked: %w", amount, acc.Staked, ErrInsufficientBalance)
	}
	penalty, net = calc.PenaltySplit(amount, e.params.PenaltyBps)
	if e.asset.BalanceOf(e.self).Cmp(net) < 0 {
		e.mu.Unlock()
		return nil, nil, fmt.Errorf("fast-withdraw: pool liquidity: %w", ErrInsufficientBalance)
	}
	if err := e.receipt.Burn(caller, amount); err != nil {
		e.mu.Unlock()
		return nil, nil, fmt.Errorf("fast-withdraw burn: %w", err)
	}
	acc.Staked.Sub(acc.Staked, amount)
	e.totalStaked.Sub(e.totalStaked, amount)

	var rate *big.Int
	var prevRate *big.Int
	var prevFinish, prevLast uint64
	if penalty.Sign() > 0 {
		// The penalty must never evaporate: reinject it as a fresh reward
		// period regardless of the active emission mode.
		prevRate = new(big.Int).Set(e.topUp.rewardRate)
		prevFinish = e.topUp.periodFinish
		prevLast = e.lastUpdateTime
		rate = e.notifyLocked(now, penalty, e.params.ReinjectWindow)
	}
	e.mu.Unlock()

	if net.Sign() > 0 {
		if err := e.asset.Transfer(caller, net); err != nil {
			// A failed payout must leave the stake and the emission
			// schedule as they were before the exit.
			e.mu.Lock()
			acc.Staked.Add(acc.Staked, amount)
			e.totalStaked.Add(e.totalStaked, amount)
			if rate != nil {
				e.topUp.rewardRate = prevRate
				e.topUp.periodFinish = prevFinish
				e.lastUpdateTime = prevLast
			}
			e.mu.Unlock()
			if mintErr := e.receipt.Mint(caller, amount); mintErr != nil {
				e.logger.Errorw("fast-withdraw rollback mint failed",
					"account", caller, "amount", amount.String(), "error", mintErr)
			}
			return nil, nil, fmt.Errorf("fast-withdraw transfer: %w", err)
		}
	}

	events := []Event{e.newEvent(EventFastWithdraw, caller, map[string]string{
		"gross":   amount.String(),
		"penalty": penalty.String(),
		"net":     net.String(),
	})}
	if rate != nil {
		events = append(events, e.newEvent(EventRewardPeriodStarted, "", map[string]string{
			"amount":   penalty.String(),
			"duration": strconv.FormatUint(e.params.ReinjectWindow, 10),
			"rate":     rate.String(),
		}))
	}
	e.publish(events...)
	return penalty, net, nil
}

// Claim transfers the caller's settled reward and zeroes it. A zero-reward
// claim is a no-op, not an error.
func (e *Engine) Claim(caller token.Address) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	now := e.clock.Now()

	e.mu.Lock()
	e.settleLocked(now, caller)
	acc := e.accountLocked(caller)
	paid := new(big.Int).Set(acc.AccruedReward)
	if paid.Sign() == 0 {
		e.mu.Unlock()
		return paid, nil
	}
	if e.asset.BalanceOf(e.self).Cmp(paid) < 0 {
		e.mu.Unlock()
		return nil, fmt.Errorf("claim: pool liquidity: %w", ErrInsufficientBalance)
	}
	acc.AccruedReward = new(big.Int)
	e.mu.Unlock()

	if err := e.asset.Transfer(caller, paid); err != nil {
		// A failed payout must not consume the reward.
		e.mu.Lock()
		acc.AccruedReward.Add(acc.AccruedReward, paid)
		e.mu.Unlock()
		return nil, fmt.Errorf("claim transfer: %w", err)
	}

	e.publish(e.newEvent(EventRewardPaid, caller, map[string]string{
		"amount": paid.String(),
	}))
	return paid, nil
}

// ClaimAndStake compounds the caller's settled reward back into stake.
// The reward asset and the staked asset are the same, so no transfer
// round-trip happens; receipt balance is minted for the compounded amount.
func (e *Engine) ClaimAndStake(caller token.Address) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	now := e.clock.Now()

	e.mu.Lock()
	e.settleLocked(now, caller)
	acc := e.accountLocked(caller)
	reward := new(big.Int).Set(acc.AccruedReward)
	if reward.Sign() == 0 {
		e.mu.Unlock()
		return reward, nil
	}
	if err := e.receipt.Mint(caller, reward); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("compound mint: %w", err)
	}
	acc.AccruedReward = new(big.Int)
	acc.Staked.Add(acc.Staked, reward)
	e.totalStaked.Add(e.totalStaked, reward)
	e.mu.Unlock()

	e.publish(e.newEvent(EventCompounded, caller, map[string]string{
		"amount": reward.String(),
	}))
	return reward, nil
}

// notifyLocked starts a fresh reward period: any undistributed tail of a
// still-active period is rolled into the new rate. Callers must have
// settled the global reward state first. Must be called with mu held.
func (e *Engine) notifyLocked(now uint64, amount *big.Int, duration uint64) *big.Int {
	var remaining uint64
	if e.topUp.periodFinish > now {
		remaining = e.topUp.periodFinish - now
	}
	rate := calc.RolloverRate(amount, e.topUp.rewardRate, remaining, duration)
	e.topUp.rewardRate = rate
	e.topUp.periodFinish = now + duration
	// The new period starts now. Settlement may have clamped lastUpdateTime
	// at the old periodFinish (or a fixed window edge); left there, the new
	// rate would be applied retroactively across the dead gap and pay out
	// more than was notified.
	e.lastUpdateTime = now
	return rate
}

// NotifyReward is the administrator top-up: it distributes amount over
// duration seconds, rolling in any leftover from a still-active period.
// Only valid in top-up mode.
func (e *Engine) NotifyReward(caller token.Address, amount *big.Int, duration uint64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := e.gate.RequireRole(caller, gate.RoleAdmin); err != nil {
		return err
	}
	if duration == 0 {
		return fmt.Errorf("notify reward: zero duration: %w", ErrInvalidEmissionPeriod)
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("notify reward: %w", ErrZeroAmount)
	}
	if e.mode.kind() != EmissionTopUp {
		return fmt.Errorf("notify reward: %w", ErrNotTopUpMode)
	}
	now := e.clock.Now()

	e.mu.Lock()
	e.settleLocked(now, "")
	rate := e.notifyLocked(now, amount, duration)
	e.mu.Unlock()

	e.publish(e.newEvent(EventRewardPeriodStarted, "", map[string]string{
		"amount":   amount.String(),
		"duration": strconv.FormatUint(duration, 10),
		"rate":     rate.String(),
	}))
	return nil
}

// SetFixedEmission switches to the fixed schedule (ratePerSec inside
// [windowStart, windowEnd], zero outside). Pending accrual is settled under
// the old mode first, so the switch never rewrites history.
func (e *Engine) SetFixedEmission(caller token.Address, ratePerSec *big.Int, windowStart, windowEnd uint64) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := e.gate.RequireRole(caller, gate.RoleAdmin); err != nil {
		return err
	}
	if err := calc.ValidateWindow(windowStart, windowEnd); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidEmissionPeriod)
	}
	if ratePerSec == nil || ratePerSec.Sign() < 0 {
		return fmt.Errorf("fixed emission rate: %w", ErrZeroAmount)
	}
	now := e.clock.Now()

	e.mu.Lock()
	e.settleLocked(now, "")
	e.mode = &fixedEmission{
		ratePerSec:  new(big.Int).Set(ratePerSec),
		windowStart: windowStart,
		windowEnd:   windowEnd,
	}
	e.mu.Unlock()

	e.publish(e.newEvent(EventEmissionModeChanged, "", map[string]string{
		"mode":        string(EmissionFixed),
		"ratePerSec":  ratePerSec.String(),
		"windowStart": strconv.FormatUint(windowStart, 10),
		"windowEnd":   strconv.FormatUint(windowEnd, 10),
	}))
	return nil
}

// SetTopUpEmission switches back to the notification-driven mode. The
// persistent top-up period state becomes active again as-is.
func (e *Engine) SetTopUpEmission(caller token.Address) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := e.gate.RequireRole(caller, gate.RoleAdmin); err != nil {
		return err
	}
	now := e.clock.Now()

	e.mu.Lock()
	e.settleLocked(now, "")
	e.mode = e.topUp
	e.mu.Unlock()

	e.publish(e.newEvent(EventEmissionModeChanged, "", map[string]string{
		"mode": string(EmissionTopUp),
	}))
	return nil
}

// SetHalted flips the pause gate.
func (e *Engine) SetHalted(caller token.Address, halted bool) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := e.gate.RequireRole(caller, gate.RoleAdmin); err != nil {
		return err
	}
	e.gate.SetHalted(halted)
	e.publish(e.newEvent(EventHaltChanged, caller, map[string]string{
		"halted": strconv.FormatBool(halted),
	}))
	return nil
}

// EmergencySweep transfers the pool's entire asset balance to `to`. Only
// valid while halted; per-account ledger records are untouched.
func (e *Engine) EmergencySweep(caller, to token.Address) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := e.gate.RequireRole(caller, gate.RoleAdmin); err != nil {
		return nil, err
	}
	if !e.gate.Halted() {
		return nil, fmt.Errorf("sweep: %w", ErrNotHalted)
	}

	balance := e.asset.BalanceOf(e.self)
	if balance.Sign() > 0 {
		if err := e.asset.Transfer(to, balance); err != nil {
			return nil, fmt.Errorf("sweep transfer: %w", err)
		}
	}

	e.publish(e.newEvent(EventSwept, caller, map[string]string{
		"to":     string(to),
		"amount": balance.String(),
	}))
	return balance, nil
}
