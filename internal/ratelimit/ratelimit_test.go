package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckBoundaryIsStrictlyLess(t *testing.T) {
	l := New(10, 1) // capacity = 10

	// Exact balance is rejected: cost == bucket must fail, per §4.4.
	assert.False(t, l.Check("client-a", 10))
	// A cost below the balance succeeds.
	assert.True(t, l.Check("client-a", 9))
	// Remaining balance is now 1; asking for 1 is rejected (boundary again).
	assert.False(t, l.Check("client-a", 1))
	assert.True(t, l.Check("client-a", 0.5))
}

func TestAddTokensCapsAtCapacity(t *testing.T) {
	l := New(5, 2) // capacity = 10
	assert.True(t, l.Check("client-a", 9))
	l.AddTokens("client-a")
	l.AddTokens("client-a")
	l.AddTokens("client-a")
	// 1 + 5 + 5 + 5 capped at 10.
	assert.False(t, l.Check("client-a", 10))
	assert.True(t, l.Check("client-a", 9.9))
}

func TestAddTokensAllRefillsEveryKnownClient(t *testing.T) {
	l := New(5, 1) // capacity = 5
	assert.True(t, l.Check("a", 4))
	assert.True(t, l.Check("b", 4))
	l.AddTokensAll()
	assert.True(t, l.Check("a", 4.9))
	assert.True(t, l.Check("b", 4.9))
}

func TestStartRefillTicksPeriodically(t *testing.T) {
	l := New(5, 1) // capacity = 5
	assert.True(t, l.Check("a", 4))

	l.StartRefill(10 * time.Millisecond)
	defer l.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, l.Check("a", 4.9))
}
