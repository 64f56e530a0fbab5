package keycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/vellum/internal/apperr"
	"github.com/starford/vellum/internal/crypt"
)

func testKey(t *testing.T) crypt.SymmetricKey {
	t.Helper()
	k, err := crypt.GenerateSymmetricKey()
	if err != nil {
		t.Fatalf("GenerateSymmetricKey: %v", err)
	}
	return k
}

// passwordUnlock accepts only "right" and counts derivations.
func passwordUnlock(key crypt.SymmetricKey, calls *atomic.Int32, delay time.Duration) UnlockFunc {
	return func(_ context.Context, password string) (crypt.SymmetricKey, error) {
		calls.Add(1)
		time.Sleep(delay)
		if password != "right" {
			return crypt.SymmetricKey{}, apperr.Decryption("unlock", errors.New("bad tag"))
		}
		return key, nil
	}
}

func TestUnlockResolves(t *testing.T) {
	key := testKey(t)
	var calls atomic.Int32
	c := New(passwordUnlock(key, &calls, 0))

	if c.State() != Empty {
		t.Fatalf("state = %v", c.State())
	}
	if _, ok := c.Key(); ok {
		t.Fatal("empty cache returned a key")
	}

	got, err := c.Unlock(context.Background(), "right")
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if !got.Equal(key) || c.State() != Resolved {
		t.Errorf("state = %v", c.State())
	}
	if k, ok := c.Key(); !ok || !k.Equal(key) {
		t.Error("Key() after unlock")
	}

	// Resolved caches do not derive again.
	_, _ = c.Unlock(context.Background(), "anything")
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestWrongPasswordLeavesWaitPending(t *testing.T) {
	key := testKey(t)
	var calls atomic.Int32
	c := New(passwordUnlock(key, &calls, 0))

	waited := make(chan crypt.SymmetricKey, 1)
	go func() {
		k, err := c.Wait(context.Background())
		if err == nil {
			waited <- k
		}
	}()

	if _, err := c.Unlock(context.Background(), "wrong"); !errors.Is(err, apperr.ErrDecryption) {
		t.Fatalf("err = %v, want ErrDecryption", err)
	}
	if c.State() != Pending {
		t.Errorf("state = %v, want pending", c.State())
	}
	if _, ok := c.Key(); ok {
		t.Error("key set after wrong password")
	}
	select {
	case <-waited:
		t.Fatal("Wait returned after a failed unlock")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := c.Unlock(context.Background(), "right"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	select {
	case k := <-waited:
		if !k.Equal(key) {
			t.Error("waiter got the wrong key")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by successful unlock")
	}
}

func TestConcurrentUnlockDeduplicated(t *testing.T) {
	key := testKey(t)
	var calls atomic.Int32
	c := New(passwordUnlock(key, &calls, 50*time.Millisecond))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := c.Unlock(context.Background(), "right")
			if err != nil || !k.Equal(key) {
				t.Errorf("Unlock = %v", err)
			}
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Errorf("derivations = %d, want 1", calls.Load())
	}
}

func TestWaitHonoursContext(t *testing.T) {
	c := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
	if c.State() != Pending {
		t.Errorf("state = %v, want pending", c.State())
	}
}

func TestSetAndClear(t *testing.T) {
	key := testKey(t)
	c := New(nil)
	c.Set(key)
	if k, err := c.Wait(context.Background()); err != nil || !k.Equal(key) {
		t.Fatalf("Wait = %v", err)
	}

	c.Clear()
	if c.State() != Empty {
		t.Errorf("state = %v", c.State())
	}
	if _, ok := c.Key(); ok {
		t.Error("key survived Clear")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Wait(ctx); err == nil {
		t.Error("Wait returned a key after Clear")
	}

	other := testKey(t)
	c.Set(other)
	if k, _ := c.Key(); !k.Equal(other) {
		t.Error("Set after Clear")
	}
}

func TestClearDiscardsInflightUnlock(t *testing.T) {
	key := testKey(t)
	var calls atomic.Int32
	c := New(passwordUnlock(key, &calls, 50*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := c.Unlock(context.Background(), "right")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	c.Clear()
	if err := <-done; err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if c.State() != Empty {
		t.Errorf("state = %v, want empty", c.State())
	}
}
