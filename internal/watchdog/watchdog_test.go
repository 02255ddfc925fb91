package watchdog

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"yuzu/avatar/internal/procreg"
)

type fakeRegistry struct {
	mu      sync.Mutex
	procs   []procreg.Process
	findErr error
	killErr map[int]error
	killed  []int
	scopes  []procreg.Scope
}

func (f *fakeRegistry) Find(room string, scope procreg.Scope) ([]procreg.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scopes = append(f.scopes, scope)
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []procreg.Process
	for _, p := range f.procs {
		if p.Room == room && scope.Includes(p.Role) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeRegistry) Kill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.killErr[pid]; err != nil {
		return err
	}
	f.killed = append(f.killed, pid)
	return nil
}

func (f *fakeRegistry) Inspect(pid int) (procreg.Status, error) {
	return procreg.Status{PID: pid}, nil
}

func (f *fakeRegistry) killedPIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.killed...)
}

func exitRecorder() (func(), chan struct{}) {
	ch := make(chan struct{}, 8)
	return func() { ch <- struct{}{} }, ch
}

func TestTerminateRoomProcessesExcludesSelf(t *testing.T) {
	reg := &fakeRegistry{procs: []procreg.Process{
		{PID: os.Getpid(), Room: "r1", Role: procreg.RolePrimary},
		{PID: 4242, Room: "r1", Role: procreg.RoleFallback},
		{PID: 4343, Room: "r2", Role: procreg.RoleFallback},
	}}
	w := New("r1", reg, WithExit(func() { t.Fatal("exit should not be called") }))

	if n := w.TerminateRoomProcesses("r1", procreg.ScopeAll); n != 1 {
		t.Fatalf("expected 1 killed, got %d", n)
	}
	if got := reg.killedPIDs(); len(got) != 1 || got[0] != 4242 {
		t.Fatalf("expected only 4242 killed, got %v", got)
	}
}

func TestTerminateRoomProcessesScope(t *testing.T) {
	reg := &fakeRegistry{procs: []procreg.Process{
		{PID: 100, Room: "r1", Role: procreg.RolePrimary},
		{PID: 101, Room: "r1", Role: procreg.RoleFallback},
	}}
	w := New("r1", reg)
	if n := w.TerminateRoomProcesses("r1", procreg.ScopeFallback); n != 1 {
		t.Fatalf("expected 1 killed, got %d", n)
	}
	if got := reg.killedPIDs(); got[0] != 101 {
		t.Fatalf("expected fallback pid killed, got %v", got)
	}
}

func TestTerminateRoomProcessesSwallowsErrors(t *testing.T) {
	reg := &fakeRegistry{findErr: errors.New("no proc table")}
	w := New("r1", reg)
	if n := w.TerminateRoomProcesses("r1", procreg.ScopeAll); n != 0 {
		t.Fatalf("expected 0 on find error, got %d", n)
	}

	reg = &fakeRegistry{
		procs: []procreg.Process{
			{PID: 1, Room: "r1", Role: procreg.RolePrimary},
			{PID: 2, Room: "r1", Role: procreg.RolePrimary},
			{PID: 3, Room: "r1", Role: procreg.RolePrimary},
		},
		killErr: map[int]error{1: procreg.ErrNotFound, 2: errors.New("EPERM")},
	}
	w = New("r1", reg)
	if n := w.TerminateRoomProcesses("r1", procreg.ScopeAll); n != 1 {
		t.Fatalf("expected 1 killed, got %d", n)
	}
}

func TestTerminateRoomProcessesEmptyRoom(t *testing.T) {
	reg := &fakeRegistry{}
	w := New("", reg)
	if n := w.TerminateRoomProcesses("", procreg.ScopeAll); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
	if len(reg.scopes) != 0 {
		t.Fatal("registry should not be consulted without a room")
	}
}

func TestScheduleDeadlineKillsSelf(t *testing.T) {
	reg := &fakeRegistry{procs: []procreg.Process{{PID: 77, Room: "r1", Role: procreg.RoleFallback}}}
	exit, exited := exitRecorder()
	w := New("r1", reg, WithExit(exit))

	start := time.Now()
	w.ScheduleDeadline(20*time.Millisecond, KillSelf)

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("deadline did not fire")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("deadline fired early")
	}
	if got := reg.killedPIDs(); len(got) != 1 || got[0] != 77 {
		t.Fatalf("expected room sweep before exit, got %v", got)
	}
}

func TestScheduleDeadlineCancel(t *testing.T) {
	exit, exited := exitRecorder()
	w := New("r1", &fakeRegistry{}, WithExit(exit))
	cancel := w.ScheduleDeadline(20*time.Millisecond, KillSelf)
	cancel()
	select {
	case <-exited:
		t.Fatal("cancelled deadline fired")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestDeadlinesAreIndependent(t *testing.T) {
	exit, exited := exitRecorder()
	w := New("r1", &fakeRegistry{}, WithExit(exit))
	cancelFirst := w.ScheduleDeadline(20*time.Millisecond, KillSelf)
	w.ScheduleDeadline(40*time.Millisecond, KillSelf)
	cancelFirst()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("second deadline should still fire")
	}
}

func TestStartFailsafeOnce(t *testing.T) {
	exit, exited := exitRecorder()
	w := New("r1", &fakeRegistry{}, WithExit(exit))
	w.StartFailsafe(20 * time.Millisecond)
	w.StartFailsafe(20 * time.Millisecond)

	<-exited
	select {
	case <-exited:
		t.Fatal("failsafe scheduled twice")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestFailsafeSparesFallback(t *testing.T) {
	exit, exited := exitRecorder()
	reg := &fakeRegistry{procs: []procreg.Process{
		{PID: 901, Room: "r1", Role: procreg.RoleFallback},
		{PID: 902, Room: "r1", Role: procreg.RolePrimary},
	}}
	w := New("r1", reg, WithExit(exit))
	w.StartFailsafe(10 * time.Millisecond)

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("failsafe did not exit")
	}
	if got := reg.killedPIDs(); len(got) != 0 {
		t.Fatalf("failsafe killed %v", got)
	}
}

func TestHandleSignalsExits(t *testing.T) {
	exit, exited := exitRecorder()
	w := New("r1", &fakeRegistry{}, WithExit(exit))
	stop := w.HandleSignals()
	defer stop()

	if err := unix.Kill(os.Getpid(), unix.SIGHUP); err != nil {
		t.Fatalf("send signal: %v", err)
	}
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not trigger exit")
	}
}
