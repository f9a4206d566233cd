package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCooldownWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c := NewCooldown(10 * time.Second)

	assert.True(t, c.Allow(base), "unmarked gate must allow")
	assert.True(t, c.TryMark(base))
	assert.False(t, c.Allow(base.Add(9*time.Second)))
	assert.False(t, c.TryMark(base.Add(9*time.Second)))
	assert.Equal(t, time.Second, c.Remaining(base.Add(9*time.Second)))
	assert.True(t, c.Allow(base.Add(10*time.Second)))
	assert.Zero(t, c.Remaining(base.Add(11*time.Second)))
}

func TestCooldownReset(t *testing.T) {
	now := time.Now()
	c := NewCooldown(time.Minute)
	c.Mark(now)
	assert.False(t, c.Allow(now.Add(time.Second)))

	c.Reset()
	assert.True(t, c.Allow(now.Add(time.Second)))
	assert.True(t, c.Last().IsZero())
}

func TestKeyedIsolatesKeys(t *testing.T) {
	now := time.Now()
	k := NewKeyed(5 * time.Second)
	assert.True(t, k.TryMark("a", now))
	assert.False(t, k.TryMark("a", now.Add(time.Second)))
	assert.True(t, k.TryMark("b", now.Add(time.Second)))

	k.Forget("a")
	assert.True(t, k.TryMark("a", now.Add(2*time.Second)))
}
