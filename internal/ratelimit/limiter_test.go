package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBurstThenDeny(t *testing.T) {
	// 10 requests per hour gives a burst of one
	l := NewLimiter(10)

	assert.True(t, l.Allow("alpha"))
	assert.False(t, l.Allow("alpha"), "the bucket refills far too slowly for a second request")
}

func TestSessionsHaveIndependentBudgets(t *testing.T) {
	l := NewLimiter(10)

	assert.True(t, l.Allow("alpha"))
	assert.False(t, l.Allow("alpha"))
	assert.True(t, l.Allow("beta"))
}

func TestForgetResetsBudget(t *testing.T) {
	l := NewLimiter(10)

	assert.True(t, l.Allow("alpha"))
	assert.False(t, l.Allow("alpha"))

	l.Forget("alpha")
	assert.True(t, l.Allow("alpha"), "a forgotten session starts with a fresh bucket")
}

func TestBurstScalesWithBudget(t *testing.T) {
	l := NewLimiter(600)

	for i := 0; i < 60; i++ {
		assert.True(t, l.Allow("alpha"), "request %d should fit the burst", i)
	}
	assert.False(t, l.Allow("alpha"))
}

func TestDefaultsApplied(t *testing.T) {
	l := NewLimiter(0)
	assert.Equal(t, 600, l.Limit())

	l = NewLimiter(5)
	assert.Equal(t, 5, l.Limit())
	assert.True(t, l.Allow("alpha"), "burst is never below one")
}

func TestTokensReflectUsage(t *testing.T) {
	l := NewLimiter(600)

	before := l.Tokens("alpha")
	assert.InDelta(t, 60, before, 1)

	l.Allow("alpha")
	after := l.Tokens("alpha")
	assert.Less(t, after, before)
}
