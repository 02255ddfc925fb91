// Package supervisor drives one session from room connection to process
// exit: it builds the conversational stack, escalates to the fallback agent
// when that fails, runs the greeting, waits for the user to leave, and then
// runs a shutdown sequence whose duration is bounded by the watchdog.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"yuzu/avatar/internal/agent"
	"yuzu/avatar/internal/fallback"
	"yuzu/avatar/internal/presence"
	"yuzu/avatar/internal/procreg"
	"yuzu/avatar/internal/protocol"
	"yuzu/avatar/internal/watchdog"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseBuilding   Phase = "building_primary"
	PhaseFallback   Phase = "fallback_launching"
	PhaseActive     Phase = "session_active"
	PhaseAwaiting   Phase = "awaiting_departure"
	PhaseShutdown   Phase = "shutting_down"
	PhaseTerminated Phase = "terminated"
)

var (
	errNoExpectedIdentity = errors.New("no expected user identity configured")
	errFallbackDown       = errors.New("fallback agent is not running")
)

// Room is the room connection as the supervisor uses it.
type Room interface {
	agent.Publisher
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	OnData(fn func(payload []byte, sender string))
	OnParticipantJoined(fn func(identity string))
	OnParticipantLeft(fn func(identity string))
}

// Stack is a built conversational stack.
type Stack interface {
	Session() agent.Session
	StartAvatar(ctx context.Context) error
	CloseAvatar(ctx context.Context) error
}

// Builder constructs the stack for a role.
type Builder func(ctx context.Context, role procreg.Role) (Stack, error)

type Watchdog interface {
	ScheduleDeadline(d time.Duration, action watchdog.Action) (cancel func())
	TerminateRoomProcesses(room string, scope procreg.Scope) int
	KillSelf(reason string)
}

type Launcher interface {
	Launch(ctx context.Context, room string) fallback.Record
}

// Poller feeds the monitor from the server side once this agent has left
// the room.
type Poller interface {
	Run(ctx context.Context, m *presence.Monitor)
}

type Config struct {
	Room             string
	Role             procreg.Role
	ExpectedIdentity string
	Instructions     string
	Greeting         string

	ShutdownDeadline time.Duration
	CleanupDeadline  time.Duration
	StepTimeout      time.Duration
	DepartureGrace   time.Duration
	GreetingDelay    time.Duration
}

type Deps struct {
	Room     Room
	Build    Builder
	Watchdog Watchdog
	Launcher Launcher
	Poller   Poller
	Logger   *slog.Logger
}

type Supervisor struct {
	cfg     Config
	deps    Deps
	log     *slog.Logger
	state   *agent.State
	monitor *presence.Monitor

	phase atomic.Value

	mu    sync.Mutex
	stack Stack

	bg           context.Context
	stopBG       context.CancelFunc
	shutdownOnce sync.Once
}

func New(cfg Config, deps Deps) *Supervisor {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Role == "" {
		cfg.Role = procreg.RolePrimary
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = time.Second
	}
	log = log.With("component", "supervisor", "room", cfg.Room, "role", string(cfg.Role))
	bg, stop := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		state:   agent.NewState(cfg.Instructions),
		monitor: presence.NewMonitor(cfg.ExpectedIdentity, log),
		bg:      bg,
		stopBG:  stop,
	}
	s.phase.Store(PhaseIdle)
	return s
}

func (s *Supervisor) Phase() Phase { return s.phase.Load().(Phase) }

func (s *Supervisor) State() *agent.State { return s.state }

func (s *Supervisor) setPhase(p Phase) {
	prev := s.phase.Swap(p)
	metricPhases.WithLabelValues(string(p)).Inc()
	s.log.Info("phase", "from", prev, "to", p)
}

// Run owns the session until shutdown. It never returns an error and never
// panics; every exit path goes through shutdown and then cleanup, both of
// which end in the watchdog's kill.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.cleanup()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("supervisor panicked", "panic", r)
			s.shutdown()
		}
	}()
	if err := s.run(ctx); err != nil {
		s.log.Error("session ended with error", "err", err)
	}
	s.shutdown()
}

func (s *Supervisor) run(ctx context.Context) error {
	s.setPhase(PhaseConnecting)
	s.deps.Room.OnParticipantJoined(s.monitor.Joined)
	s.deps.Room.OnParticipantLeft(func(identity string) { s.monitor.Left(identity) })
	if !s.monitor.Configured() {
		s.log.Warn("EXPECTED_USER_IDENTITY not set; departure monitoring disabled")
	}
	if err := s.deps.Room.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	// Build, avatar start and greeting give up as soon as the user leaves;
	// the departure still gets its grace delay in awaitDeparture.
	live, stop := s.untilDeparture(ctx)
	defer stop()

	s.setPhase(PhaseBuilding)
	stack, err := s.deps.Build(live, s.cfg.Role)
	if err != nil {
		if s.monitor.Departed() {
			s.log.Info("user left while building the stack", "err", err)
			return s.awaitDeparture(ctx)
		}
		if s.cfg.Role == procreg.RoleFallback {
			return fmt.Errorf("build managed stack: %w", err)
		}
		s.log.Error("primary stack failed to initialize", "err", err)
		rec, launched := s.triggerFallback(ctx, "init", err)
		if !launched {
			return err
		}
		if rec.Err != nil || !rec.Alive {
			s.log.Error("fallback launch failed; shutting down", "err", rec.Err, "exit_code", rec.ExitCode)
			return errFallbackDown
		}
		return s.awaitDeparture(ctx)
	}
	s.mu.Lock()
	s.stack = stack
	s.mu.Unlock()

	s.setPhase(PhaseActive)
	if err := stack.StartAvatar(live); err != nil {
		if s.monitor.Departed() {
			s.log.Info("user left while starting the avatar", "err", err)
			return s.awaitDeparture(ctx)
		}
		return fmt.Errorf("start avatar: %w", err)
	}
	session := stack.Session()
	handler := agent.NewHandler(s.state, session, s.deps.Room, s.log)
	session.SetSpeechCreatedHandler(func(h *agent.SpeechHandle) { handler.OnSpeechCreated(ctx, h) })
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	s.deps.Room.OnData(func(payload []byte, sender string) { handler.HandleData(ctx, payload) })

	s.greet(live, session)
	return s.awaitDeparture(ctx)
}

// untilDeparture derives a context that ends when the expected user leaves.
func (s *Supervisor) untilDeparture(ctx context.Context) (context.Context, context.CancelFunc) {
	live, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.monitor.Done():
			cancel()
		case <-live.Done():
		}
	}()
	return live, cancel
}

// greet waits for the client to subscribe, then speaks the canned greeting.
// Credential failures escalate to the fallback agent; anything else only
// costs the greeting.
func (s *Supervisor) greet(ctx context.Context, session agent.Session) {
	t := time.NewTimer(s.cfg.GreetingDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return
	}
	err := s.greeting(ctx, session)
	if err == nil {
		metricGreetings.WithLabelValues("ok").Inc()
		s.log.Debug("greeting played")
		return
	}
	if s.monitor.Departed() {
		metricGreetings.WithLabelValues("departed").Inc()
		s.log.Info("user left during the greeting", "err", err)
		return
	}
	s.log.Warn("could not send initial greeting", "err", err)
	if isCredentialError(err) {
		metricGreetings.WithLabelValues("credentials").Inc()
		s.log.Error("API key error during greeting, triggering fallback")
		s.triggerFallback(ctx, "greeting", err)
		return
	}
	metricGreetings.WithLabelValues("error").Inc()
	s.log.Info("continuing without initial greeting")
}

func (s *Supervisor) greeting(ctx context.Context, session agent.Session) (err error) {
	if err := s.deps.Room.Publish(ctx, protocol.SpeechStarted()); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StepTimeout)
			defer cancel()
			if perr := s.deps.Room.Publish(pctx, protocol.SpeechEnded(err)); perr != nil {
				s.log.Debug("greeting speech end not delivered", "err", perr)
			}
		}
	}()
	handle, err := session.GenerateReply(ctx, agent.ReplyRequest{Instructions: s.cfg.Greeting})
	if err != nil {
		return err
	}
	if err := handle.Wait(ctx); err != nil {
		return err
	}
	return s.deps.Room.Publish(ctx, protocol.SpeechEnded(nil))
}

func isCredentialError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid_api_key") || strings.Contains(msg, "api_key")
}

// triggerFallback hands the room to the fallback agent. The latch on State
// makes it fire at most once however many failure paths race into it. The
// fallback agent itself never escalates.
func (s *Supervisor) triggerFallback(ctx context.Context, cause string, reason error) (fallback.Record, bool) {
	if s.cfg.Role == procreg.RoleFallback {
		s.log.Error("fallback agent failing; not relaunching", "cause", cause, "err", reason)
		return fallback.Record{}, false
	}
	if !s.state.TriggerFallback() {
		s.log.Debug("fallback already triggered", "cause", cause)
		return fallback.Record{}, false
	}
	metricFallbackTriggers.WithLabelValues(cause).Inc()
	s.setPhase(PhaseFallback)
	s.log.Error("primary stack failing, launching fallback agent", "cause", cause, "err", reason)

	RunSteps(ctx, s.cfg.StepTimeout, s.log, s.leaveSteps()...)
	rec := s.deps.Launcher.Launch(ctx, s.cfg.Room)

	if s.deps.Poller != nil && s.monitor.Configured() {
		go s.deps.Poller.Run(s.bg, s.monitor)
	}
	return rec, true
}

// awaitDeparture blocks until the expected user leaves plus a grace delay,
// or until ctx ends. Without an expected identity it returns at once.
func (s *Supervisor) awaitDeparture(ctx context.Context) error {
	if !s.monitor.Configured() {
		s.log.Error("no expected user identity set; cannot wait for departure")
		return errNoExpectedIdentity
	}
	s.setPhase(PhaseAwaiting)
	s.log.Info("waiting for user to leave", "identity", s.monitor.Expected())
	if err := s.monitor.Wait(ctx); err != nil {
		s.log.Warn("wait cancelled, shutting down anyway", "err", err)
		return nil
	}
	s.log.Info("user left, grace then shutdown", "identity", s.monitor.Expected(), "grace", s.cfg.DepartureGrace)
	t := time.NewTimer(s.cfg.DepartureGrace)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return nil
}

func (s *Supervisor) currentStack() Stack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stack
}

// leaveSteps closes the session and the avatar, then leaves the room.
func (s *Supervisor) leaveSteps() []Step { return s.closeSteps(nil) }

func (s *Supervisor) closeSteps(beforeDisconnect *Step) []Step {
	var steps []Step
	if st := s.currentStack(); st != nil {
		steps = append(steps,
			Step{Name: "session_close", Run: st.Session().Close},
			Step{Name: "avatar_close", Run: st.CloseAvatar},
		)
	}
	if beforeDisconnect != nil {
		steps = append(steps, *beforeDisconnect)
	}
	return append(steps, Step{Name: "room_disconnect", Run: s.deps.Room.Disconnect})
}

// shutdown is the sequence every terminal event leads to. The deadline is
// armed before any step runs, so hanging steps cannot keep the process
// alive past it.
func (s *Supervisor) shutdown() {
	s.shutdownOnce.Do(func() {
		s.setPhase(PhaseShutdown)
		s.log.Info("shutdown initiated", "deadline", s.cfg.ShutdownDeadline)
		s.deps.Watchdog.ScheduleDeadline(s.cfg.ShutdownDeadline, watchdog.KillSelf)
		RunSteps(context.Background(), s.cfg.StepTimeout, s.log, s.leaveSteps()...)
		s.stopBG()
		s.setPhase(PhaseTerminated)
		s.log.Info("cleanup attempted, force killing now")
		s.deps.Watchdog.KillSelf("shutdown complete")
	})
}

// cleanup backs up shutdown in case it never ran or was cut short.
func (s *Supervisor) cleanup() {
	s.deps.Watchdog.ScheduleDeadline(s.cfg.CleanupDeadline, watchdog.KillSelf)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("cleanup panicked", "panic", r)
		}
		s.deps.Watchdog.TerminateRoomProcesses(s.cfg.Room, procreg.ScopeAll)
	}()
	var kill *Step
	if s.state.FallbackTriggered() {
		kill = &Step{Name: "fallback_kill", Run: func(context.Context) error {
			s.deps.Watchdog.TerminateRoomProcesses(s.cfg.Room, procreg.ScopeFallback)
			return nil
		}}
	}
	steps := s.closeSteps(kill)
	RunSteps(context.Background(), s.cfg.StepTimeout, s.log, steps...)
}
