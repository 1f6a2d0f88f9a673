// Chronicle - Media Server Activity Monitoring and Watch History
// Copyright 2026 Chronicle Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/chronicle-media/chronicle

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestLRUBasicGetAdd(t *testing.T) {
	t.Parallel()
	c := NewLRU[string](10, time.Minute)

	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for absent key")
	}

	c.Add("a", "1")
	v, ok := c.Get("a")
	if !ok || v != "1" {
		t.Errorf("Get(a) = (%q, %v), want (1, true)", v, ok)
	}

	c.Add("a", "2")
	if v, _ := c.Get("a"); v != "2" {
		t.Errorf("refresh did not replace value, got %q", v)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	c := NewLRU[int](3, time.Minute)

	c.Add("a", 1)
	c.Add("b", 2)
	c.Add("c", 3)

	// Touch "a" so "b" becomes the oldest.
	c.Get("a")
	c.Add("d", 4)

	if c.Contains("b") {
		t.Error("expected b evicted as least recently used")
	}
	for _, k := range []string{"a", "c", "d"} {
		if !c.Contains(k) {
			t.Errorf("expected %s to survive eviction", k)
		}
	}
}

func TestLRUTTLExpiry(t *testing.T) {
	t.Parallel()
	c := NewLRU[int](10, 20*time.Millisecond)

	c.Add("a", 1)
	if !c.Contains("a") {
		t.Fatal("fresh entry must be live")
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Error("expired entry must be a miss")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry must be removed lazily, Len = %d", c.Len())
	}
}

func TestLRUIsDuplicate(t *testing.T) {
	t.Parallel()
	c := NewLRU[struct{}](10, time.Minute)

	if c.IsDuplicate("k", struct{}{}) {
		t.Error("first sighting must not be a duplicate")
	}
	if !c.IsDuplicate("k", struct{}{}) {
		t.Error("second sighting must be a duplicate")
	}
}

func TestLRUCleanupExpired(t *testing.T) {
	t.Parallel()
	c := NewLRU[int](10, 20*time.Millisecond)

	c.Add("a", 1)
	c.Add("b", 2)
	time.Sleep(40 * time.Millisecond)
	c.Add("c", 3)

	if removed := c.CleanupExpired(); removed != 2 {
		t.Errorf("CleanupExpired = %d, want 2", removed)
	}
	if !c.Contains("c") {
		t.Error("live entry must survive cleanup")
	}
}

func TestLRUConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := NewLRU[int](100, time.Minute)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%50)
				c.Add(key, i)
				c.Get(key)
				c.IsDuplicate(key, i)
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > 100 {
		t.Errorf("Len = %d, capacity 100 exceeded", c.Len())
	}
}
