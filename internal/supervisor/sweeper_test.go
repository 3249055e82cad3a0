package supervisor

import (
	"testing"
	"time"
)

func TestIdleSweepEvictsStaleSessions(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg)
	h.initialize(t, "acct-stale")

	time.Sleep(60 * time.Millisecond)
	h.reg.IdleSweep()

	if h.reg.Has("acct-stale") {
		t.Fatal("idle session survived the sweep")
	}
	if !h.client(0).isClosed() {
		t.Error("evicted client not closed")
	}
	if h.st.disconnectedCount() == 0 {
		t.Error("eviction not persisted")
	}
}

func TestIdleSweepKeepsActiveSessions(t *testing.T) {
	h := newHarness(t, nil) // 1h idle timeout
	h.initialize(t, "acct-active")

	h.reg.IdleSweep()

	if !h.reg.Has("acct-active") {
		t.Fatal("active session evicted")
	}
}

func TestIdleSweepActivityDefersEviction(t *testing.T) {
	cfg := testConfig(t)
	cfg.IdleTimeout = 80 * time.Millisecond
	h := newHarness(t, cfg)
	h.initialize(t, "acct-1")
	h.client(0).setState(true, true)

	time.Sleep(50 * time.Millisecond)
	// Sending counts as activity and restarts the idle clock.
	if err := h.reg.SendMessage("acct-1", "4917012345", "ping"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	h.reg.IdleSweep()
	if !h.reg.Has("acct-1") {
		t.Fatal("recently active session evicted")
	}
}

func TestLivenessSweepReconcilesStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, "acct-1")

	// Connected session: nothing to reconcile.
	h.client(0).setState(true, true)
	h.reg.LivenessSweep()
	if h.st.disconnectedCount() != 0 {
		t.Error("healthy session reconciled")
	}

	// Logged in but transport down: the persisted status must be reset,
	// while the session itself stays registered.
	h.client(0).setState(false, true)
	h.reg.LivenessSweep()
	if h.st.disconnectedCount() == 0 {
		t.Error("zombie status not reconciled")
	}
	if !h.reg.Has("acct-1") {
		t.Error("liveness sweep must not evict sessions")
	}
}

func TestProcessMemory(t *testing.T) {
	stats := ProcessMemory()
	if stats.RSSBytes == 0 {
		t.Error("RSS sample is zero")
	}
	if stats.RSSMemMB <= 0 {
		t.Error("RSS MB not derived")
	}
}
