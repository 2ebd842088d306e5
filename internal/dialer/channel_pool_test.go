package dialer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelPoolGlobalLimit(t *testing.T) {
	cp := NewChannelPool(2, 10)

	assert.True(t, cp.Acquire("+1000"))
	assert.True(t, cp.Acquire("+2000"))
	assert.False(t, cp.Acquire("+3000"))
	assert.Equal(t, 2, cp.ActiveGlobal())
	assert.Equal(t, 0, cp.Available())

	cp.Release("+1000")
	assert.True(t, cp.Acquire("+3000"))
}

func TestChannelPoolPerLineLimit(t *testing.T) {
	cp := NewChannelPool(10, 2)

	assert.True(t, cp.Acquire("+1000"))
	assert.True(t, cp.Acquire("+1000"))
	// Third call on the same line is refused, other lines still fit
	assert.False(t, cp.Acquire("+1000"))
	assert.True(t, cp.Acquire("+2000"))

	// The refused acquire must not leak a global slot
	assert.Equal(t, 3, cp.ActiveGlobal())

	cp.Release("+1000")
	assert.True(t, cp.Acquire("+1000"))
}

func TestChannelPoolSetMaxGlobal(t *testing.T) {
	cp := NewChannelPool(1, 10)
	assert.True(t, cp.Acquire("+1000"))
	assert.False(t, cp.Acquire("+2000"))

	cp.SetMaxGlobal(2)
	assert.True(t, cp.Acquire("+2000"))
}

func TestChannelPoolReleaseNeverGoesNegative(t *testing.T) {
	cp := NewChannelPool(5, 5)
	cp.Release("+1000")
	assert.Equal(t, 0, cp.ActiveGlobal())
	assert.True(t, cp.Acquire("+1000"))
}
