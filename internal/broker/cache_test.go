package broker

import (
	"errors"
	"testing"
	"time"
)

func TestCacheSetGet(t *testing.T) {
	t.Parallel()
	c := NewTTLCache()
	c.Set("k", 42, time.Minute)

	v, ok := c.Get("k")
	if !ok || v.(int) != 42 {
		t.Errorf("Get = %v, %v; want 42, true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("missing key reported present")
	}
}

func TestCacheExpiry(t *testing.T) {
	t.Parallel()
	c := NewTTLCache()
	c.Set("k", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("expired entry still served")
	}
}

func TestCacheInvalidate(t *testing.T) {
	t.Parallel()
	c := NewTTLCache()
	c.Set("balance", "stale", time.Minute)
	c.Invalidate("balance")
	if _, ok := c.Get("balance"); ok {
		t.Error("invalidated entry still served")
	}
}

func TestCacheGetOrFill(t *testing.T) {
	t.Parallel()
	c := NewTTLCache()
	calls := 0
	fill := func() (any, error) {
		calls++
		return "fresh", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrFill("k", time.Minute, fill)
		if err != nil || v.(string) != "fresh" {
			t.Fatalf("GetOrFill = %v, %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("fill ran %d times, want 1", calls)
	}
}

func TestCacheGetOrFillError(t *testing.T) {
	t.Parallel()
	c := NewTTLCache()
	boom := errors.New("venue down")
	if _, err := c.GetOrFill("k", time.Minute, func() (any, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("err = %v, want the fill error", err)
	}
	// Failures are not cached.
	if _, ok := c.Get("k"); ok {
		t.Error("failed fill left an entry behind")
	}
}
