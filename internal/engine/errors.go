package engine

import "errors"

// Every rejection is fail-fast: the whole operation aborts with no state
// change and the caller may retry with corrected inputs. Halt and
// authorization rejections surface the gate package's sentinels.
var (
	ErrZeroAmount            = errors.New("amount must be positive")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInvalidUnbondIndex    = errors.New("invalid unbond index")
	ErrUnbondNotReady        = errors.New("unbond entry not yet claimable")
	ErrInvalidEmissionPeriod = errors.New("invalid emission period")
	ErrNotTopUpMode          = errors.New("not in top-up emission mode")
	ErrNotHalted             = errors.New("pool is not halted")
	ErrReentrancy            = errors.New("reentrant call rejected")
)
