package procreg

import (
	"errors"
	"testing"
)

func TestMatchInvocation(t *testing.T) {
	cases := []struct {
		name string
		argv []string
		room string
		role Role
		ok   bool
	}{
		{"primary", []string{"/opt/bin/avatar-agent", "connect", "--room", "r1"}, "r1", RolePrimary, true},
		{"fallback", []string{"avatar-agent", "connect", "--room", "r1", "--role", "fallback"}, "r1", RoleFallback, true},
		{"equals form", []string{"avatar-agent", "connect", "--room=r1", "--role=fallback"}, "r1", RoleFallback, true},
		{"other room", []string{"avatar-agent", "connect", "--room", "r10"}, "r1", "", false},
		{"other program", []string{"vim", "--room", "r1"}, "r1", "", false},
		{"missing value", []string{"avatar-agent", "connect", "--room"}, "r1", "", false},
		{"empty", nil, "r1", "", false},
	}
	for _, c := range cases {
		role, ok := MatchInvocation("avatar-agent", c.argv, c.room)
		if ok != c.ok || role != c.role {
			t.Errorf("%s: got (%q, %v), want (%q, %v)", c.name, role, ok, c.role, c.ok)
		}
	}
}

func TestScopeIncludes(t *testing.T) {
	if !ScopeAll.Includes(RolePrimary) || !ScopeAll.Includes(RoleFallback) {
		t.Fatal("all scope should include both roles")
	}
	if ScopeFallback.Includes(RolePrimary) {
		t.Fatal("fallback scope should not include primary")
	}
	if ScopePrimary.Includes(RoleFallback) {
		t.Fatal("primary scope should not include fallback")
	}
}

func TestConnectArgsRoundTrip(t *testing.T) {
	argv := append([]string{"avatar-agent"}, ConnectArgs("room-a", RoleFallback)...)
	role, ok := MatchInvocation("avatar-agent", argv, "room-a")
	if !ok || role != RoleFallback {
		t.Fatalf("expected fallback match, got (%q, %v)", role, ok)
	}
}

func TestHandlesFindAndKill(t *testing.T) {
	h := NewHandles()
	killed := 0
	h.Track(10, func() error { killed++; return nil }, "r1", RoleFallback)
	h.Track(11, func() error { killed++; return nil }, "r1", RolePrimary)
	h.Track(12, func() error { killed++; return nil }, "r2", RoleFallback)

	got, err := h.Find("r1", ScopeFallback)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].PID != 10 {
		t.Fatalf("expected pid 10, got %+v", got)
	}
	if err := h.Kill(10); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if killed != 1 {
		t.Fatalf("expected one kill, got %d", killed)
	}
	if err := h.Kill(10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second kill, got %v", err)
	}
	all, _ := h.Find("r1", ScopeAll)
	if len(all) != 1 || all[0].PID != 11 {
		t.Fatalf("expected only pid 11 left, got %+v", all)
	}
}
