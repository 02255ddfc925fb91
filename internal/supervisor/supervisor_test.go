package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"yuzu/avatar/internal/agent"
	"yuzu/avatar/internal/fallback"
	"yuzu/avatar/internal/presence"
	"yuzu/avatar/internal/procreg"
	"yuzu/avatar/internal/protocol"
	"yuzu/avatar/internal/watchdog"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeRoom struct {
	connectErr  error
	hangOnLeave bool

	mu        sync.Mutex
	ops       []string
	published []protocol.Envelope
	onData    func([]byte, string)
	onJoined  func(string)
	onLeft    func(string)
}

func (r *fakeRoom) op(s string) {
	r.mu.Lock()
	r.ops = append(r.ops, s)
	r.mu.Unlock()
}

func (r *fakeRoom) Connect(context.Context) error {
	r.op("connect")
	return r.connectErr
}

func (r *fakeRoom) Disconnect(ctx context.Context) error {
	r.op("disconnect")
	if r.hangOnLeave {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (r *fakeRoom) Publish(_ context.Context, env protocol.Envelope) error {
	r.mu.Lock()
	r.published = append(r.published, env)
	r.mu.Unlock()
	return nil
}

func (r *fakeRoom) OnData(fn func([]byte, string)) {
	r.mu.Lock()
	r.onData = fn
	r.mu.Unlock()
}

func (r *fakeRoom) OnParticipantJoined(fn func(string)) { r.onJoined = fn }
func (r *fakeRoom) OnParticipantLeft(fn func(string))   { r.onLeft = fn }

func (r *fakeRoom) events() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.published...)
}

func (r *fakeRoom) history() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *fakeRoom) data() func([]byte, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onData
}

type fakeSession struct {
	genErr error
	// hang makes every reply a handle that never completes.
	hang   bool

	mu      sync.Mutex
	replies []agent.ReplyRequest
	closed  int
	started bool
}

func (s *fakeSession) Start(context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) GenerateReply(_ context.Context, req agent.ReplyRequest) (*agent.SpeechHandle, error) {
	s.mu.Lock()
	s.replies = append(s.replies, req)
	n := len(s.replies)
	s.mu.Unlock()
	h := agent.NewSpeechHandle(fmt.Sprintf("r%d", n), true)
	if !s.hang {
		h.Complete(s.genErr)
	}
	return h, nil
}

func (s *fakeSession) UpdateInstructions(context.Context, string) error  { return nil }
func (s *fakeSession) SetSpeechCreatedHandler(func(*agent.SpeechHandle)) {}

func (s *fakeSession) Close(context.Context) error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) requests() []agent.ReplyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.ReplyRequest(nil), s.replies...)
}

type fakeStack struct {
	session     *fakeSession
	avatarErr   error
	avatarClose atomic.Int32
}

func (f *fakeStack) Session() agent.Session { return f.session }

func (f *fakeStack) StartAvatar(context.Context) error { return f.avatarErr }

func (f *fakeStack) CloseAvatar(context.Context) error {
	f.avatarClose.Add(1)
	return nil
}

type fakeWatchdog struct {
	mu        sync.Mutex
	deadlines []time.Duration
	sweeps    []procreg.Scope
	killed    chan string
}

func newFakeWatchdog() *fakeWatchdog { return &fakeWatchdog{killed: make(chan string, 4)} }

func (w *fakeWatchdog) ScheduleDeadline(d time.Duration, a watchdog.Action) func() {
	w.mu.Lock()
	w.deadlines = append(w.deadlines, d)
	w.mu.Unlock()
	return func() {}
}

func (w *fakeWatchdog) TerminateRoomProcesses(room string, scope procreg.Scope) int {
	w.mu.Lock()
	w.sweeps = append(w.sweeps, scope)
	w.mu.Unlock()
	return 0
}

func (w *fakeWatchdog) KillSelf(reason string) { w.killed <- reason }

func (w *fakeWatchdog) scopes() []procreg.Scope {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]procreg.Scope(nil), w.sweeps...)
}

type fakeLauncher struct {
	rec   fallback.Record
	room  *fakeRoom
	calls atomic.Int32
	// disconnectedFirst records whether the room had been left before launch.
	disconnectedFirst atomic.Bool
}

func (l *fakeLauncher) Launch(_ context.Context, room string) fallback.Record {
	l.calls.Add(1)
	if l.room != nil {
		h := l.room.history()
		l.disconnectedFirst.Store(len(h) > 0 && h[len(h)-1] == "disconnect")
	}
	time.Sleep(10 * time.Millisecond)
	r := l.rec
	r.Room = room
	return r
}

type fakePoller struct{ started chan *presence.Monitor }

func (p *fakePoller) Run(_ context.Context, m *presence.Monitor) { p.started <- m }

func testConfig() Config {
	return Config{
		Room:             "room-1",
		ExpectedIdentity: "user-1",
		Instructions:     "be nice",
		Greeting:         "say hi",
		ShutdownDeadline: 10 * time.Second,
		CleanupDeadline:  5 * time.Second,
		StepTimeout:      50 * time.Millisecond,
		DepartureGrace:   10 * time.Millisecond,
		GreetingDelay:    time.Millisecond,
	}
}

type harness struct {
	sup       *Supervisor
	room      *fakeRoom
	stack     *fakeStack
	wd        *fakeWatchdog
	launcher  *fakeLauncher
	poller    *fakePoller
	buildErr  error
	buildHang bool
	builds    atomic.Int32
	done      chan struct{}
}

func newHarness(cfg Config) *harness {
	h := &harness{
		room:   &fakeRoom{},
		stack:  &fakeStack{session: &fakeSession{}},
		wd:     newFakeWatchdog(),
		poller: &fakePoller{started: make(chan *presence.Monitor, 1)},
		done:   make(chan struct{}),
	}
	h.launcher = &fakeLauncher{room: h.room, rec: fallback.Record{PID: 42, Alive: true}}
	h.sup = New(cfg, Deps{
		Room: h.room,
		Build: func(ctx context.Context, role procreg.Role) (Stack, error) {
			h.builds.Add(1)
			if h.buildHang {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			if h.buildErr != nil {
				return nil, h.buildErr
			}
			return h.stack, nil
		},
		Watchdog: h.wd,
		Launcher: h.launcher,
		Poller:   h.poller,
		Logger:   quietLogger(),
	})
	return h
}

func (h *harness) start(ctx context.Context) {
	go func() {
		defer close(h.done)
		h.sup.Run(ctx)
	}()
}

func (h *harness) waitPhase(t *testing.T, p Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.sup.Phase() != p {
		if time.Now().After(deadline) {
			t.Fatalf("phase = %s, want %s", h.sup.Phase(), p)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatalf("supervisor did not finish, phase %s", h.sup.Phase())
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(testConfig())
	h.start(context.Background())
	h.waitPhase(t, PhaseAwaiting)

	ev := h.room.events()
	if len(ev) != 2 || ev[0].Type != protocol.TypeSpeechStarted || ev[1].Type != protocol.TypeSpeechEnded || ev[1].Error {
		t.Fatalf("greeting events = %+v", ev)
	}
	reqs := h.stack.session.requests()
	if len(reqs) != 1 || reqs[0].Instructions != "say hi" || reqs[0].UserInput != "" {
		t.Fatalf("greeting request = %+v", reqs)
	}

	h.room.data()([]byte(`{"type":"user_message","content":"hello"}`), "user-1")
	deadline := time.Now().Add(2 * time.Second)
	for len(h.room.events()) < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("user message not handled: %+v", h.room.events())
		}
		time.Sleep(2 * time.Millisecond)
	}

	h.room.onLeft("someone-else")
	if h.sup.Phase() != PhaseAwaiting {
		t.Fatal("departure of another participant must be ignored")
	}
	h.room.onLeft("user-1")
	h.waitDone(t)

	if got := <-h.wd.killed; got != "shutdown complete" {
		t.Fatalf("kill reason = %q", got)
	}
	if h.sup.Phase() != PhaseTerminated {
		t.Fatalf("phase = %s", h.sup.Phase())
	}
	if h.stack.session.closed == 0 || h.stack.avatarClose.Load() == 0 {
		t.Fatal("session and avatar must be closed")
	}
	if h.launcher.calls.Load() != 0 {
		t.Fatal("no fallback expected")
	}
	if len(h.wd.deadlines) < 2 || h.wd.deadlines[0] != 10*time.Second || h.wd.deadlines[1] != 5*time.Second {
		t.Fatalf("deadlines = %v", h.wd.deadlines)
	}
}

func TestBuildFailureLaunchesFallbackOnce(t *testing.T) {
	h := newHarness(testConfig())
	h.buildErr = errors.New("stt init failed")
	h.start(context.Background())
	h.waitPhase(t, PhaseAwaiting)

	if n := h.launcher.calls.Load(); n != 1 {
		t.Fatalf("launches = %d", n)
	}
	if !h.launcher.disconnectedFirst.Load() {
		t.Fatal("room must be left before the fallback launches")
	}
	if !h.sup.State().FallbackTriggered() {
		t.Fatal("fallback latch not set")
	}
	var m *presence.Monitor
	select {
	case m = <-h.poller.started:
	case <-time.After(2 * time.Second):
		t.Fatal("presence poller not started after leaving the room")
	}

	m.Left("user-1")
	h.waitDone(t)
	<-h.wd.killed
	scopes := h.wd.scopes()
	var fallbackSweep bool
	for _, s := range scopes {
		if s == procreg.ScopeFallback {
			fallbackSweep = true
		}
	}
	if !fallbackSweep {
		t.Fatalf("cleanup must sweep fallback processes, sweeps=%v", scopes)
	}
}

func TestFallbackLaunchFailureShutsDown(t *testing.T) {
	h := newHarness(testConfig())
	h.buildErr = errors.New("no providers")
	h.launcher.rec = fallback.Record{Err: fallback.ErrExecutableNotFound}
	h.start(context.Background())
	h.waitDone(t)
	<-h.wd.killed
	if h.launcher.calls.Load() != 1 {
		t.Fatal("launch must be attempted exactly once")
	}
}

func TestFallbackRoleNeverRelaunches(t *testing.T) {
	cfg := testConfig()
	cfg.Role = procreg.RoleFallback
	h := newHarness(cfg)
	h.buildErr = errors.New("avatar down")
	h.start(context.Background())
	h.waitDone(t)
	<-h.wd.killed
	if h.launcher.calls.Load() != 0 {
		t.Fatal("fallback agent must not launch another fallback")
	}
}

func TestConcurrentTriggersLaunchOnce(t *testing.T) {
	h := newHarness(testConfig())
	var wg sync.WaitGroup
	var launched atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := h.sup.triggerFallback(context.Background(), "test", errors.New("x")); ok {
				launched.Add(1)
			}
		}()
	}
	wg.Wait()
	if launched.Load() != 1 || h.launcher.calls.Load() != 1 {
		t.Fatalf("launched=%d calls=%d", launched.Load(), h.launcher.calls.Load())
	}
}

func TestGreetingCredentialErrorEscalates(t *testing.T) {
	h := newHarness(testConfig())
	h.stack.session.genErr = errors.New(`POST /v1/chat/completions: 401 {"code":"invalid_api_key"}`)
	h.start(context.Background())
	h.waitPhase(t, PhaseAwaiting)
	if h.launcher.calls.Load() != 1 {
		t.Fatal("credential failure during greeting must launch the fallback")
	}
	ev := h.room.events()
	if len(ev) != 2 || !ev[1].Error {
		t.Fatalf("failed greeting must still end speech with an error flag: %+v", ev)
	}
	m := <-h.poller.started
	m.Left("user-1")
	h.waitDone(t)
}

func TestGreetingOtherErrorContinues(t *testing.T) {
	h := newHarness(testConfig())
	h.stack.session.genErr = errors.New("tts timeout")
	h.start(context.Background())
	h.waitPhase(t, PhaseAwaiting)
	if h.launcher.calls.Load() != 0 || h.sup.State().FallbackTriggered() {
		t.Fatal("non-credential greeting failure must not escalate")
	}
	h.room.onLeft("user-1")
	h.waitDone(t)
}

func TestCancellationRunsShutdown(t *testing.T) {
	h := newHarness(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	h.start(ctx)
	h.waitPhase(t, PhaseAwaiting)
	cancel()
	h.waitDone(t)
	if got := <-h.wd.killed; got != "shutdown complete" {
		t.Fatalf("kill reason = %q", got)
	}
}

func TestHangingDisconnectDoesNotBlockShutdown(t *testing.T) {
	h := newHarness(testConfig())
	h.room.hangOnLeave = true
	h.start(context.Background())
	h.waitPhase(t, PhaseAwaiting)
	start := time.Now()
	h.room.onLeft("user-1")
	h.waitDone(t)
	if el := time.Since(start); el > time.Second {
		t.Fatalf("shutdown took %s", el)
	}
	<-h.wd.killed
}

func TestNoExpectedIdentityShutsDown(t *testing.T) {
	cfg := testConfig()
	cfg.ExpectedIdentity = ""
	h := newHarness(cfg)
	h.start(context.Background())
	h.waitDone(t)
	<-h.wd.killed
}

func TestConnectFailureShutsDown(t *testing.T) {
	h := newHarness(testConfig())
	h.room.connectErr = errors.New("refused")
	h.start(context.Background())
	h.waitDone(t)
	<-h.wd.killed
	if h.builds.Load() != 0 {
		t.Fatal("must not build without a room")
	}
}

func TestAvatarStartFailureShutsDown(t *testing.T) {
	h := newHarness(testConfig())
	h.stack.avatarErr = errors.New("avatar rejected start")
	h.start(context.Background())
	h.waitDone(t)
	<-h.wd.killed
	if h.stack.session.closed == 0 {
		t.Fatal("session must still be closed on the way out")
	}
}

func TestRunStepsContinuesPastFailures(t *testing.T) {
	var ran []string
	res := RunSteps(context.Background(), 30*time.Millisecond, quietLogger(),
		Step{Name: "hang", Run: func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }},
		Step{Name: "panic", Run: func(context.Context) error { panic("boom") }},
		Step{Name: "fail", Run: func(context.Context) error { return errors.New("nope") }},
		Step{Name: "ok", Run: func(context.Context) error { ran = append(ran, "ok"); return nil }},
	)
	if len(res) != 4 || len(ran) != 1 {
		t.Fatalf("results = %+v ran = %v", res, ran)
	}
	if !res[0].TimedOut || res[1].Err == nil || res[2].Err == nil || res[3].Err != nil {
		t.Fatalf("results = %+v", res)
	}
}

func TestRunStepsBoundsIgnoredContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	start := time.Now()
	res := RunSteps(context.Background(), 20*time.Millisecond, quietLogger(),
		Step{Name: "stuck", Run: func(context.Context) error { <-block; return nil }},
	)
	if !res[0].TimedOut || time.Since(start) > time.Second {
		t.Fatalf("stuck step not bounded: %+v", res[0])
	}
}

func TestIsCredentialError(t *testing.T) {
	cases := map[string]bool{
		"invalid_api_key":                   true,
		"elevenlabs: invalid api_key (401)": true,
		"Missing API_KEY":                   true,
		"connection reset":                  false,
	}
	for msg, want := range cases {
		if got := isCredentialError(errors.New(msg)); got != want {
			t.Errorf("%q: got %v want %v", msg, got, want)
		}
	}
}

func TestDepartureDuringHangingGreeting(t *testing.T) {
	h := newHarness(testConfig())
	h.stack.session.hang = true
	h.start(context.Background())
	h.waitPhase(t, PhaseActive)

	deadline := time.Now().Add(2 * time.Second)
	for len(h.stack.session.requests()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("greeting never requested")
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.room.onLeft("user-1")
	h.waitDone(t)

	if got := <-h.wd.killed; got != "shutdown complete" {
		t.Fatalf("kill reason = %q", got)
	}
	ev := h.room.events()
	if len(ev) != 2 || ev[0].Type != protocol.TypeSpeechStarted || ev[1].Type != protocol.TypeSpeechEnded || !ev[1].Error {
		t.Fatalf("greeting events = %+v", ev)
	}
	if h.launcher.calls.Load() != 0 {
		t.Fatal("departure must not launch the fallback")
	}
}

func TestDepartureDuringBuild(t *testing.T) {
	h := newHarness(testConfig())
	h.buildHang = true
	h.start(context.Background())
	h.waitPhase(t, PhaseBuilding)

	h.room.onLeft("user-1")
	h.waitDone(t)

	if h.launcher.calls.Load() != 0 {
		t.Fatal("an abandoned build must not launch the fallback")
	}
	if h.sup.Phase() != PhaseTerminated {
		t.Fatalf("phase = %s", h.sup.Phase())
	}
}
