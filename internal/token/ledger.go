package token

import (
	"fmt"
	"math/big"
	"sync"
)

// Ledger is an in-memory fungible-asset ledger implementing Asset and
// Permitter. It backs tests and localnet deployments; against a real chain
// the Asset interface is satisfied by an RPC-backed adapter instead.
//
// A non-zero feeBps makes the ledger a fee-on-transfer asset: every
// transfer credits the recipient amount - amount*feeBps/10000. The pool
// engine must tolerate this by measuring balance deltas.
type Ledger struct {
	mu         sync.Mutex
	holder     Address // account debited by Transfer and credited allowances
	feeBps     uint32
	balances   map[Address]*big.Int
	allowances map[Address]*big.Int // owner -> allowance granted to holder
}

// NewLedger creates an asset ledger whose Transfer debits `holder`.
func NewLedger(holder Address, feeBps uint32) *Ledger {
	return &Ledger{
		holder:     holder,
		feeBps:     feeBps,
		balances:   make(map[Address]*big.Int),
		allowances: make(map[Address]*big.Int),
	}
}

// Issue credits freshly issued units to addr. Issuance is out of scope of
// the pool engine; the ledger exposes it for seeding balances.
func (l *Ledger) Issue(addr Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(addr, amount)
}

// Approve grants the holder an allowance over owner's balance.
func (l *Ledger) Approve(owner Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[owner] = new(big.Int).Set(amount)
}

func (l *Ledger) BalanceOf(addr Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (l *Ledger) Transfer(to Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(l.holder, to, amount)
}

func (l *Ledger) TransferFrom(from, to Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	allowance, ok := l.allowances[from]
	if !ok || allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s -> %s", ErrInsufficientAllowance, from, l.holder)
	}
	if err := l.move(from, to, amount); err != nil {
		return err
	}
	allowance.Sub(allowance, amount)
	return nil
}

// Permit verifies the signed permission and grants the holder an allowance
// of amount over owner's balance. Deadlines are unix seconds compared
// against the credential's own deadline by the caller; the ledger rejects
// signatures from anyone but owner.
func (l *Ledger) Permit(owner Address, amount *big.Int, credential PermitCredential) error {
	digest := PermitDigest(owner, l.holder, amount, credential.Deadline)
	signer, err := RecoverSigner(digest, credential.Signature)
	if err != nil {
		return err
	}
	if signer != owner {
		return fmt.Errorf("%w: signed by %s, want %s", ErrBadSignature, signer, owner)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[owner] = new(big.Int).Set(amount)
	return nil
}

func (l *Ledger) move(from, to Address, amount *big.Int) error {
	bal, ok := l.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, from)
	}
	bal.Sub(bal, amount)

	received := new(big.Int).Set(amount)
	if l.feeBps > 0 {
		fee := new(big.Int).Mul(amount, big.NewInt(int64(l.feeBps)))
		fee.Div(fee, big.NewInt(10000))
		received.Sub(received, fee) // fee units are burned
	}
	l.credit(to, received)
	return nil
}

func (l *Ledger) credit(addr Address, amount *big.Int) {
	if b, ok := l.balances[addr]; ok {
		b.Add(b, amount)
		return
	}
	l.balances[addr] = new(big.Int).Set(amount)
}

// ReceiptBook is the in-memory receipt token: balances kept 1:1 with staked
// amounts by the pool engine, plus the voting-delegation surface.
type ReceiptBook struct {
	mu        sync.Mutex
	balances  map[Address]*big.Int
	delegates map[Address]Address
	nonces    map[Address]uint64
	now       func() uint64
}

// NewReceiptBook creates a receipt token. now supplies unix seconds for
// delegation-expiry checks.
func NewReceiptBook(now func() uint64) *ReceiptBook {
	return &ReceiptBook{
		balances:  make(map[Address]*big.Int),
		delegates: make(map[Address]Address),
		nonces:    make(map[Address]uint64),
		now:       now,
	}
}

func (r *ReceiptBook) BalanceOf(addr Address) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// DelegateOf returns the current delegatee of addr, or addr itself when no
// delegation is set.
func (r *ReceiptBook) DelegateOf(addr Address) Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.delegates[addr]; ok {
		return d
	}
	return addr
}

func (r *ReceiptBook) Mint(to Address, amount *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.balances[to]; ok {
		b.Add(b, amount)
	} else {
		r.balances[to] = new(big.Int).Set(amount)
	}
	return nil
}

func (r *ReceiptBook) Burn(from Address, amount *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.balances[from]
	if !ok || b.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, from)
	}
	b.Sub(b, amount)
	return nil
}

func (r *ReceiptBook) DelegateBySig(delegatee Address, nonce, expiry uint64, signature []byte) error {
	digest := DelegationDigest(delegatee, nonce, expiry)
	signer, err := RecoverSigner(digest, signature)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now() > expiry {
		return fmt.Errorf("%w: delegation expired at %d", ErrPermitExpired, expiry)
	}
	if r.nonces[signer] != nonce {
		return fmt.Errorf("%w: have %d, want %d", ErrBadNonce, nonce, r.nonces[signer])
	}
	r.nonces[signer]++
	r.delegates[signer] = delegatee
	return nil
}
