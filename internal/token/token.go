package token

import (
	"errors"
	"math/big"
)

// Address identifies a participant account. The ledger does not interpret
// the string beyond equality; API layers are expected to pass checksummed
// hex addresses.
type Address string

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrPermitExpired         = errors.New("permit expired")
	ErrBadSignature          = errors.New("bad signature")
	ErrBadNonce              = errors.New("bad nonce")
)

// Asset is the underlying fungible asset the pool custodies. Implementations
// may charge a transfer fee, so callers that need the amount actually
// received must measure it via BalanceOf deltas rather than trusting the
// requested amount.
type Asset interface {
	// BalanceOf returns the current balance of addr.
	BalanceOf(addr Address) *big.Int

	// Transfer moves amount from the holder's own account to `to`.
	Transfer(to Address, amount *big.Int) error

	// TransferFrom moves amount from `from` to `to` against a prior
	// approval granted to the holder.
	TransferFrom(from, to Address, amount *big.Int) error
}

// Permitter is the optional gasless-approval surface of an Asset: a signed
// permission object authorizes the pull without a separate approval step.
type Permitter interface {
	// Permit verifies the credential and grants the holder an allowance of
	// `amount` over `owner`'s balance.
	Permit(owner Address, amount *big.Int, credential PermitCredential) error
}

// Receipt is the 1:1 receipt-balance token minted on stake and burned on
// unstake. Supply is constrained only by the pool that drives it.
type Receipt interface {
	Mint(to Address, amount *big.Int) error
	Burn(from Address, amount *big.Int) error

	// DelegateBySig assigns the signer's voting weight to delegatee. The
	// delegator is recovered from the signature.
	DelegateBySig(delegatee Address, nonce uint64, expiry uint64, signature []byte) error
}
