// Package gate owns the halt flag and role checks the pool engine consults
// before any mutating entry point. It is deliberately dumb: the engine
// decides when to ask, the gate only answers.
package gate

import (
	"errors"
	"sync"

	"github.com/flexstake/flexstake-backend/internal/token"
)

type Role string

const (
	// RoleAdmin gates emission configuration, mode switching, halting and
	// the emergency sweep.
	RoleAdmin Role = "admin"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrHalted       = errors.New("halted")
)

// Gate is the access/pause collaborator contract.
type Gate interface {
	// Halted reports whether mutating entry points are suspended.
	Halted() bool
	// SetHalted flips the halt flag. Role enforcement is the caller's job.
	SetHalted(halted bool)
	// RequireRole returns ErrUnauthorized unless caller holds role.
	RequireRole(caller token.Address, role Role) error
}

// MemoryGate is the in-process Gate used by the service and tests.
type MemoryGate struct {
	mu     sync.RWMutex
	halted bool
	roles  map[token.Address]map[Role]bool
}

func NewMemoryGate() *MemoryGate {
	return &MemoryGate{roles: make(map[token.Address]map[Role]bool)}
}

// Grant assigns role to addr.
func (g *MemoryGate) Grant(addr token.Address, role Role) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.roles[addr] == nil {
		g.roles[addr] = make(map[Role]bool)
	}
	g.roles[addr][role] = true
}

// Revoke removes role from addr.
func (g *MemoryGate) Revoke(addr token.Address, role Role) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.roles[addr], role)
}

func (g *MemoryGate) Halted() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.halted
}

func (g *MemoryGate) SetHalted(halted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = halted
}

func (g *MemoryGate) RequireRole(caller token.Address, role Role) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.roles[caller][role] {
		return ErrUnauthorized
	}
	return nil
}
