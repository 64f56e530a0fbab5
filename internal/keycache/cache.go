// Package keycache holds a notebook's unwrapped content key for the lifetime
// of a session.
//
// A cache moves from Empty to Pending when an unlock is first attempted and
// to Resolved when one succeeds. Wait blocks until the key is resolved; a
// failed unlock leaves waiters blocked so the caller can prompt again.
// Concurrent Unlock calls share one in-flight attempt. The key lives only in
// memory.
package keycache

import (
	"context"
	"sync"

	"github.com/starford/vellum/internal/crypt"
)

// State is the lifecycle position of a Cache.
type State int

const (
	Empty State = iota
	Pending
	Resolved
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	}
	return "unknown"
}

// UnlockFunc turns a password into the content key.
type UnlockFunc func(ctx context.Context, password string) (crypt.SymmetricKey, error)

type attempt struct {
	done chan struct{}
	key  crypt.SymmetricKey
	err  error
}

// Cache is safe for concurrent use.
type Cache struct {
	unlock UnlockFunc

	mu       sync.Mutex
	state    State
	key      crypt.SymmetricKey
	ready    chan struct{}
	inflight *attempt
	gen      uint64
}

// New returns an empty cache that unlocks with fn.
func New(fn UnlockFunc) *Cache {
	return &Cache{unlock: fn, ready: make(chan struct{})}
}

// State reports the current state.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Key returns the key without blocking.
func (c *Cache) Key() (crypt.SymmetricKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key, c.state == Resolved
}

// Wait blocks until the key is resolved or ctx ends.
func (c *Cache) Wait(ctx context.Context) (crypt.SymmetricKey, error) {
	for {
		c.mu.Lock()
		if c.state == Resolved {
			k := c.key
			c.mu.Unlock()
			return k, nil
		}
		if c.state == Empty {
			c.state = Pending
		}
		ready := c.ready
		c.mu.Unlock()

		select {
		case <-ready:
			// Re-check: the key may have been cleared again.
		case <-ctx.Done():
			var zero crypt.SymmetricKey
			return zero, ctx.Err()
		}
	}
}

// Unlock derives the key from password unless it is already resolved. A
// call made while another is in flight waits for and shares that result.
func (c *Cache) Unlock(ctx context.Context, password string) (crypt.SymmetricKey, error) {
	c.mu.Lock()
	if c.state == Resolved {
		k := c.key
		c.mu.Unlock()
		return k, nil
	}
	a := c.inflight
	if a == nil {
		a = &attempt{done: make(chan struct{})}
		c.inflight = a
		c.state = Pending
		gen := c.gen
		// The KDF runs to completion even if this caller gives up.
		go c.run(context.WithoutCancel(ctx), a, gen, password)
	}
	c.mu.Unlock()

	select {
	case <-a.done:
		return a.key, a.err
	case <-ctx.Done():
		var zero crypt.SymmetricKey
		return zero, ctx.Err()
	}
}

func (c *Cache) run(ctx context.Context, a *attempt, gen uint64, password string) {
	key, err := c.unlock(ctx, password)

	c.mu.Lock()
	if c.inflight == a {
		c.inflight = nil
	}
	if err == nil && c.gen == gen {
		c.resolveLocked(key)
	}
	c.mu.Unlock()

	a.key, a.err = key, err
	close(a.done)
}

// Set resolves the cache with a key obtained elsewhere, such as at notebook
// creation.
func (c *Cache) Set(key crypt.SymmetricKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolveLocked(key)
}

func (c *Cache) resolveLocked(key crypt.SymmetricKey) {
	if c.state == Resolved {
		return
	}
	c.key = key
	c.state = Resolved
	close(c.ready)
}

// Clear forgets the key. In-flight unlocks finishing afterwards are not
// stored; blocked waiters stay blocked until a later unlock.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.inflight = nil
	c.key = crypt.SymmetricKey{}
	if c.state == Resolved {
		c.ready = make(chan struct{})
	}
	c.state = Empty
}
