package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryGateRoles(t *testing.T) {
	g := NewMemoryGate()

	assert.ErrorIs(t, g.RequireRole("0xadmin", RoleAdmin), ErrUnauthorized)

	g.Grant("0xadmin", RoleAdmin)
	assert.NoError(t, g.RequireRole("0xadmin", RoleAdmin))
	assert.ErrorIs(t, g.RequireRole("0xother", RoleAdmin), ErrUnauthorized)

	g.Revoke("0xadmin", RoleAdmin)
	assert.ErrorIs(t, g.RequireRole("0xadmin", RoleAdmin), ErrUnauthorized)
}

func TestMemoryGateHalt(t *testing.T) {
	g := NewMemoryGate()
	assert.False(t, g.Halted())

	g.SetHalted(true)
	assert.True(t, g.Halted())

	g.SetHalted(false)
	assert.False(t, g.Halted())
}
