package policy

import (
	"sync"
	"time"
)

// Cooldown is a time-window gate: after Mark, Allow reports false until Window has elapsed.
// The zero mark means "never marked" and always allows.
type Cooldown struct {
	Window time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{Window: window}
}

func (c *Cooldown) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowLocked(now)
}

func (c *Cooldown) allowLocked(now time.Time) bool {
	if c.last.IsZero() || c.Window <= 0 {
		return true
	}
	return now.Sub(c.last) >= c.Window
}

func (c *Cooldown) Mark(now time.Time) {
	c.mu.Lock()
	c.last = now
	c.mu.Unlock()
}

// TryMark marks the window and returns true when it was open, in one step.
func (c *Cooldown) TryMark(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.allowLocked(now) {
		return false
	}
	c.last = now
	return true
}

func (c *Cooldown) Reset() {
	c.mu.Lock()
	c.last = time.Time{}
	c.mu.Unlock()
}

func (c *Cooldown) Last() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Remaining returns how long until Allow turns true, zero if it already is.
func (c *Cooldown) Remaining(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allowLocked(now) {
		return 0
	}
	return c.Window - now.Sub(c.last)
}

// Restore sets the last mark, used when a session is reloaded from storage.
func (c *Cooldown) Restore(last time.Time) {
	c.mu.Lock()
	c.last = last
	c.mu.Unlock()
}

// Keyed holds one Cooldown per key, e.g. per session.
type Keyed struct {
	window time.Duration

	mu    sync.Mutex
	gates map[string]*Cooldown
}

func NewKeyed(window time.Duration) *Keyed {
	return &Keyed{window: window, gates: make(map[string]*Cooldown)}
}

func (k *Keyed) TryMark(key string, now time.Time) bool {
	return k.gate(key).TryMark(now)
}

func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	delete(k.gates, key)
	k.mu.Unlock()
}

func (k *Keyed) gate(key string) *Cooldown {
	k.mu.Lock()
	defer k.mu.Unlock()
	g, ok := k.gates[key]
	if !ok {
		g = NewCooldown(k.window)
		k.gates[key] = g
	}
	return g
}
