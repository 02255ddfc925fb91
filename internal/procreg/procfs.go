package procreg

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Procfs scans /proc for matching invocations.
type Procfs struct {
	fs      procfs.FS
	program string
	now     func() time.Time
}

// NewProcfs opens the default /proc mount. program is the executable whose
// invocations are considered agent processes.
func NewProcfs(program string) (*Procfs, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &Procfs{fs: fs, program: program, now: time.Now}, nil
}

func (p *Procfs) Find(room string, scope Scope) ([]Process, error) {
	procs, err := p.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var out []Process
	for _, pr := range procs {
		argv, err := pr.CmdLine()
		if err != nil || len(argv) == 0 {
			// exited between listing and reading, or a kernel thread
			continue
		}
		role, ok := MatchInvocation(p.program, argv, room)
		if !ok || !scope.Includes(role) {
			continue
		}
		out = append(out, Process{PID: pr.PID, Room: room, Role: role, Args: argv})
	}
	return out, nil
}

func (p *Procfs) Kill(pid int) error { return killPID(pid) }

func (p *Procfs) Inspect(pid int) (Status, error) {
	pr, err := p.fs.Proc(pid)
	if err != nil {
		return Status{}, ErrNotFound
	}
	st, err := pr.Stat()
	if err != nil {
		return Status{}, fmt.Errorf("stat %d: %w", pid, err)
	}
	out := Status{PID: pid, State: st.State}
	start, err := st.StartTime()
	if err != nil {
		return out, nil
	}
	elapsed := float64(p.now().UnixNano())/1e9 - start
	if elapsed > 0 {
		out.CPUPercent = st.CPUTime() / elapsed * 100
	}
	return out, nil
}

func killPID(pid int) error {
	err := unix.Kill(pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return ErrNotFound
	}
	return err
}
