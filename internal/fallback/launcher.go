// Package fallback starts the independent fallback agent for a room when the
// primary conversational stack cannot run.
package fallback

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"yuzu/avatar/internal/procreg"
)

var ErrExecutableNotFound = errors.New("fallback executable not found")

// Terminal emulators probed, in order, when TERMINAL is unset.
var terminalCandidates = []string{"gnome-terminal", "x-terminal-emulator", "xterm", "konsole", "terminator", "alacritty"}

const tailLines = 20

type Config struct {
	// Executable is the agent binary; the fallback runs it with role fallback.
	Executable   string
	ShowTerminal bool
	// Terminal overrides terminal discovery.
	Terminal string
	LogDir   string
	// Grace is how long to wait before judging whether the child survived.
	Grace time.Duration
	// Env is added on top of the inherited environment for the child only.
	Env map[string]string
}

// Killer sweeps agent processes of a room.
type Killer interface {
	TerminateRoomProcesses(room string, scope procreg.Scope) int
}

// Record describes one launch attempt.
type Record struct {
	Room      string
	PID       int
	Popup     bool
	LogPath   string
	StartedAt time.Time
	// Alive is true when the child was still running after the grace period.
	Alive    bool
	ExitCode int
	Status   procreg.Status
	Err      error
}

type Launcher struct {
	cfg      Config
	reg      procreg.Registry
	killer   Killer
	log      *slog.Logger
	lookPath func(string) (string, error)
	now      func() time.Time
}

func New(cfg Config, reg procreg.Registry, killer Killer, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Second
	}
	return &Launcher{
		cfg:      cfg,
		reg:      reg,
		killer:   killer,
		log:      logger.With("component", "fallback"),
		lookPath: exec.LookPath,
		now:      time.Now,
	}
}

// Launch starts the fallback agent for room. It never returns an error and
// never panics; the outcome is reported in the Record and the log.
func (l *Launcher) Launch(ctx context.Context, room string) (rec Record) {
	rec = Record{Room: room, StartedAt: l.now()}
	log := l.log.With("room", room)
	defer func() {
		if r := recover(); r != nil {
			rec.Err = fmt.Errorf("fallback launch panicked: %v", r)
			metricLaunches.WithLabelValues("panic").Inc()
			log.Error("fallback launch panicked", "panic", r)
		}
	}()
	log.Info("starting fallback agent launch")

	if l.killer != nil {
		if n := l.killer.TerminateRoomProcesses(room, procreg.ScopeFallback); n > 0 {
			log.Info("killed stale fallback processes", "count", n)
		}
	}

	exe, err := l.resolveExecutable()
	if err != nil {
		rec.Err = err
		metricLaunches.WithLabelValues("not_found").Inc()
		log.Error("fallback executable not found", "path", l.cfg.Executable, "err", err)
		return rec
	}
	log.Info("fallback executable resolved", "path", exe)

	rec.LogPath = l.logPath(exe, room)
	if err := writeBanner(rec.LogPath, room, rec.StartedAt); err != nil {
		log.Error("cannot write to fallback log", "path", rec.LogPath, "err", err)
	}

	argv, popup := l.command(exe, room)
	rec.Popup = popup
	log.Info("fallback command", "cmd", strings.Join(argv, " "), "popup", popup)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(envFromOS(), envToList(l.cfg.Env)...)

	var captured *syncBuffer
	if popup {
		captured = &syncBuffer{}
		cmd.Stdout = captured
		cmd.Stderr = captured
	} else {
		f, err := os.OpenFile(rec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			rec.Err = fmt.Errorf("open fallback log: %w", err)
			metricLaunches.WithLabelValues("spawn_error").Inc()
			log.Error("failed to open fallback log", "path", rec.LogPath, "err", err)
			return rec
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}

	if err := cmd.Start(); err != nil {
		rec.Err = fmt.Errorf("start fallback: %w", err)
		metricLaunches.WithLabelValues("spawn_error").Inc()
		log.Error("failed to start fallback agent", "err", err)
		return rec
	}
	rec.PID = cmd.Process.Pid
	if t, ok := l.reg.(procreg.Tracker); ok {
		t.Track(rec.PID, cmd.Process.Kill, room, procreg.RoleFallback)
	}
	log.Info("started fallback agent", "pid", rec.PID, "output", rec.LogPath)
	started := time.Now()

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	timer := time.NewTimer(l.cfg.Grace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
	case <-ctx.Done():
		// Keep going: the child must be judged even if the caller is shutting down.
		select {
		case <-exited:
		case <-timer.C:
		}
	}

	select {
	case <-exited:
		rec.ExitCode = cmd.ProcessState.ExitCode()
		if popup && rec.ExitCode == 0 && l.handedOff(log, &rec, started) {
			return rec
		}
		metricLaunches.WithLabelValues("died").Inc()
		log.Error("fallback process died immediately", "pid", rec.PID, "exit_code", rec.ExitCode)
		if popup {
			log.Error("fallback output", "output", captured.String())
		} else {
			l.logTail(log, rec.LogPath)
		}
		return rec
	default:
	}

	rec.Alive = true
	metricLaunches.WithLabelValues("started").Inc()
	log.Info("fallback process still running", "pid", rec.PID, "after", l.cfg.Grace)
	if !popup {
		st, err := l.reg.Inspect(rec.PID)
		if err != nil {
			log.Error("could not check process status", "pid", rec.PID, "err", err)
		} else {
			rec.Status = st
			log.Info("fallback process status", "pid", rec.PID, "state", st.State, "cpu_percent", st.CPUPercent)
		}
	}
	return rec
}

// handedOff covers terminals that pass the command to a server process and
// exit 0 at once (gnome-terminal). The agent is then judged by looking it up
// in the registry once the grace period is over.
func (l *Launcher) handedOff(log *slog.Logger, rec *Record, started time.Time) bool {
	if d := l.cfg.Grace - time.Since(started); d > 0 {
		time.Sleep(d)
	}
	procs, err := l.reg.Find(rec.Room, procreg.ScopeFallback)
	if err != nil {
		log.Error("could not look up fallback agent", "err", err)
		return false
	}
	for _, p := range procs {
		if p.PID == rec.PID {
			continue
		}
		log.Info("terminal handed fallback agent off", "terminal_pid", rec.PID, "pid", p.PID)
		rec.PID = p.PID
		rec.Alive = true
		if st, err := l.reg.Inspect(p.PID); err == nil {
			rec.Status = st
		}
		metricLaunches.WithLabelValues("handed_off").Inc()
		return true
	}
	return false
}

func (l *Launcher) resolveExecutable() (string, error) {
	exe := l.cfg.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrExecutableNotFound, err)
		}
		exe = self
	}
	if !strings.ContainsRune(exe, filepath.Separator) {
		p, err := l.lookPath(exe)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrExecutableNotFound, err)
		}
		exe = p
	}
	fi, err := os.Stat(exe)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExecutableNotFound, err)
	}
	if fi.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrExecutableNotFound, exe)
	}
	return exe, nil
}

func (l *Launcher) logPath(exe, room string) string {
	dir := l.cfg.LogDir
	if dir == "" {
		dir = filepath.Dir(exe)
	}
	return filepath.Join(dir, "fallback-"+sanitize(room)+".log")
}

// command builds the child argv and reports whether it runs inside a
// visible terminal window.
func (l *Launcher) command(exe, room string) ([]string, bool) {
	agent := append([]string{exe}, procreg.ConnectArgs(room, procreg.RoleFallback)...)
	if !l.cfg.ShowTerminal {
		return agent, false
	}
	term := l.cfg.Terminal
	if term == "" {
		for _, c := range terminalCandidates {
			if _, err := l.lookPath(c); err == nil {
				term = c
				l.log.Info("found terminal", "terminal", c)
				break
			}
		}
	}
	if term == "" {
		l.log.Warn("no terminal emulator found, running headless")
		return agent, false
	}
	switch filepath.Base(term) {
	case "gnome-terminal", "konsole":
		return append([]string{term, "--"}, agent...), true
	default:
		return append([]string{term, "-e"}, agent...), true
	}
}

func (l *Launcher) logTail(log *slog.Logger, path string) {
	lines, err := tail(path, tailLines)
	if err != nil {
		log.Error("could not read fallback log", "path", path, "err", err)
		return
	}
	log.Error("last lines from fallback log", "count", len(lines))
	for _, line := range lines {
		log.Error("  " + line)
	}
}

func writeBanner(path, room string, at time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	rule := strings.Repeat("=", 60)
	_, err = fmt.Fprintf(f, "\n%s\nFallback agent starting at %s\nRoom: %s\n%s\n",
		rule, at.Format("2006-01-02 15:04:05"), room, rule)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, sc.Err()
}

func sanitize(room string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == filepath.Separator || r == 0 {
			return '_'
		}
		return r
	}, room)
}

func envToList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func envFromOS() []string {
	base := os.Environ()
	out := make([]string, len(base))
	copy(out, base)
	return out
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
