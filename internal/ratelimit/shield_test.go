package ratelimit_test

import (
	"fmt"
	"testing"

	"github.com/relaymux/relaymux/internal/ratelimit"
)

const chatPath = "/v1/chat/completions"

func TestShield_AllowsWithinBurst(t *testing.T) {
	s := ratelimit.NewShield(1, 3)

	for i := 0; i < 3; i++ {
		if !s.Allow("1.2.3.4", chatPath) {
			t.Fatalf("request %d within burst should pass", i+1)
		}
	}
	if s.Allow("1.2.3.4", chatPath) {
		t.Error("request beyond burst should be refused")
	}
}

func TestShield_IPsAreIndependent(t *testing.T) {
	s := ratelimit.NewShield(1, 1)

	if !s.Allow("1.1.1.1", chatPath) {
		t.Fatal("first ip should pass")
	}
	if s.Allow("1.1.1.1", chatPath) {
		t.Fatal("first ip should be throttled")
	}
	if !s.Allow("2.2.2.2", chatPath) {
		t.Error("second ip should have its own bucket")
	}
}

func TestShield_RepeatOffenderBlocked(t *testing.T) {
	s := ratelimit.NewShield(0.001, 1)

	if !s.Allow("9.9.9.9", chatPath) {
		t.Fatal("first request should pass")
	}
	// Ten throttled attempts earn a hard block.
	for i := 0; i < 10; i++ {
		if s.Allow("9.9.9.9", chatPath) {
			t.Fatalf("attempt %d should be throttled", i+1)
		}
	}
	if !s.Blocked("9.9.9.9") {
		t.Error("ten strikes should trigger a block cooldown")
	}
	if s.Allow("9.9.9.9", chatPath) {
		t.Error("blocked ip should be refused outright")
	}
	if s.Blocked("8.8.8.8") {
		t.Error("other ips should not be blocked")
	}
}

func TestShield_PathScanBlocked(t *testing.T) {
	// Generous rate so only path diversity can accrue strikes.
	s := ratelimit.NewShield(10000, 10000)

	blocked := false
	for i := 0; i < 60; i++ {
		if !s.Allow("6.6.6.6", fmt.Sprintf("/admin/%d", i)) {
			blocked = true
			break
		}
	}
	if !blocked {
		t.Fatal("scanning 60 distinct paths should trigger a block")
	}
	if !s.Blocked("6.6.6.6") {
		t.Error("path scanner should be serving a cooldown")
	}
}

func TestShield_RepeatPathsDoNotStrike(t *testing.T) {
	s := ratelimit.NewShield(10000, 10000)

	for i := 0; i < 200; i++ {
		if !s.Allow("7.7.7.7", chatPath) {
			t.Fatalf("request %d to one path should pass", i+1)
		}
	}
	if s.Blocked("7.7.7.7") {
		t.Error("steady traffic to a single path should never block")
	}
}

func TestShield_SweepKeepsActiveEntries(t *testing.T) {
	s := ratelimit.NewShield(10, 10)
	s.Allow("1.2.3.4", chatPath)
	s.Allow("5.6.7.8", chatPath)

	if removed := s.Sweep(); removed != 0 {
		t.Errorf("fresh entries should survive a sweep, removed %d", removed)
	}
	if !s.Allow("1.2.3.4", chatPath) {
		t.Error("entry should still work after sweep")
	}
}
