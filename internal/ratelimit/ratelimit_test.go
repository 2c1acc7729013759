package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(10, time.Minute)
	now := time.Now()
	for i := 0; i < 10; i++ {
		if !l.Allow("1.2.3.4", now) {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow("1.2.3.4", now) {
		t.Fatal("11th request inside the window should be rejected")
	}
}

func TestWindowSlides(t *testing.T) {
	l := New(10, time.Minute)
	base := time.Now()
	for i := 0; i < 10; i++ {
		l.Allow("k", base.Add(time.Duration(i)*time.Second))
	}
	if l.Allow("k", base.Add(30*time.Second)) {
		t.Fatal("expected rejection while window is full")
	}
	// 61s after the first request, one slot has slid out of the window.
	if !l.Allow("k", base.Add(61*time.Second)) {
		t.Fatal("expected oldest request to age out of the window")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)
	now := time.Now()
	if !l.Allow("a", now) {
		t.Fatal("first key should be allowed")
	}
	if !l.Allow("b", now) {
		t.Fatal("second key should have its own budget")
	}
	if l.Allow("a", now) {
		t.Fatal("first key should be exhausted")
	}
}

func TestGC(t *testing.T) {
	l := New(10, time.Minute)
	base := time.Now()
	l.Allow("stale", base)
	l.GC(base.Add(2 * time.Minute))

	l.mu.Lock()
	_, exists := l.m["stale"]
	l.mu.Unlock()
	if exists {
		t.Fatal("expected stale key collected")
	}
}
