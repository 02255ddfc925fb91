package procreg

import "sync"

// Handles is the held-handle registry: it only knows about processes this
// process spawned and registered through Track. Used where /proc is not
// available.
type Handles struct {
	mu    sync.Mutex
	procs map[int]*handle
}

type handle struct {
	proc Process
	kill func() error
}

func NewHandles() *Handles { return &Handles{procs: make(map[int]*handle)} }

func (h *Handles) Track(pid int, kill func() error, room string, role Role) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.procs[pid] = &handle{
		proc: Process{PID: pid, Room: room, Role: role, Args: ConnectArgs(room, role)},
		kill: kill,
	}
}

func (h *Handles) Find(room string, scope Scope) ([]Process, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Process
	for _, hd := range h.procs {
		if hd.proc.Room == room && scope.Includes(hd.proc.Role) {
			out = append(out, hd.proc)
		}
	}
	return out, nil
}

func (h *Handles) Kill(pid int) error {
	h.mu.Lock()
	hd, ok := h.procs[pid]
	delete(h.procs, pid)
	h.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return hd.kill()
}

func (h *Handles) Inspect(pid int) (Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.procs[pid]; !ok {
		return Status{}, ErrNotFound
	}
	return Status{PID: pid, State: "tracked"}, nil
}
