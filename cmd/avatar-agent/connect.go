package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"yuzu/avatar/internal/fallback"
	"yuzu/avatar/internal/pipeline"
	"yuzu/avatar/internal/presence"
	"yuzu/avatar/internal/procreg"
	"yuzu/avatar/internal/room"
	"yuzu/avatar/internal/supervisor"
	"yuzu/avatar/internal/watchdog"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Join a room and run the avatar session until the user leaves",
	Long: `Join a room and run the avatar session until the user leaves.

The primary role runs the full pipeline (speech-to-text, LLM, TTS) with the
avatar echoing the synthesized audio. When the pipeline cannot start, or its
credentials are rejected, a fallback agent is launched with --role fallback
and the conversation is handed to the avatar provider.

The process never outlives its deadlines: every exit path ends in a
force-kill of itself and any agent process left in the room.`,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().String("room", "", "Room to join (required)")
	connectCmd.Flags().String("role", string(procreg.RolePrimary), "Agent role: primary or fallback")
	_ = connectCmd.MarkFlagRequired("room")
}

func runConnect(cmd *cobra.Command, args []string) error {
	roomName, _ := cmd.Flags().GetString("room")
	roleFlag, _ := cmd.Flags().GetString("role")
	role := procreg.Role(roleFlag)
	if role != procreg.RolePrimary && role != procreg.RoleFallback {
		return fmt.Errorf("invalid --role %q (want primary or fallback)", roleFlag)
	}
	log := slog.Default().With("room", roomName, "role", roleFlag, "pid", os.Getpid())

	reg := newRegistry(log)
	wd := watchdog.New(roomName, reg, watchdog.WithLogger(log))
	stopSignals := wd.HandleSignals()
	defer stopSignals()
	wd.StartFailsafe(cfg.Timing.FailsafeDeadline)
	// Run never returns normally; this covers a supervisor that does.
	defer wd.KillSelf("connect returned")

	lkRoom := room.New(room.Options{
		URL:       cfg.LiveKit.URL,
		APIKey:    cfg.LiveKit.APIKey,
		APISecret: cfg.LiveKit.APISecret,
		Name:      roomName,
		Identity:  cfg.Agent.Identity,
		Topic:     cfg.Agent.DataTopic,
	}, log)

	build := func(ctx context.Context, r procreg.Role) (supervisor.Stack, error) {
		stack, err := pipeline.Build(ctx, pipeline.Options{
			Config: cfg,
			Room:   roomName,
			Role:   r,
			Audio:  lkRoom,
			Logger: log,
		})
		if err != nil {
			return nil, err
		}
		return stack, nil
	}

	launcher := fallback.New(fallback.Config{
		Executable:   cfg.Fallback.Executable,
		ShowTerminal: cfg.Fallback.ShowTerminal,
		Terminal:     cfg.Fallback.Terminal,
		LogDir:       cfg.Fallback.LogDir,
		Grace:        cfg.Timing.FallbackLaunchGrace,
		Env:          cfg.FallbackEnv(),
	}, reg, wd, log)

	var poller supervisor.Poller
	if cfg.LiveKit.URL != "" && cfg.LiveKit.APIKey != "" {
		svc := room.NewRoomService(cfg.LiveKit.URL, cfg.LiveKit.APIKey, cfg.LiveKit.APISecret)
		poller = presence.NewPoller(svc, roomName, cfg.Timing.PresencePollInterval, log)
	}

	sup := supervisor.New(supervisor.Config{
		Room:             roomName,
		Role:             role,
		ExpectedIdentity: cfg.Agent.ExpectedIdentity,
		Instructions:     cfg.Agent.Instructions,
		Greeting:         cfg.Agent.Greeting,
		ShutdownDeadline: cfg.Timing.ShutdownDeadline,
		CleanupDeadline:  cfg.Timing.CleanupDeadline,
		StepTimeout:      cfg.Timing.StepTimeout,
		DepartureGrace:   cfg.Timing.DepartureGrace,
		GreetingDelay:    cfg.Timing.GreetingDelay,
	}, supervisor.Deps{
		Room:     lkRoom,
		Build:    build,
		Watchdog: wd,
		Launcher: launcher,
		Poller:   poller,
		Logger:   log,
	})

	if cfg.MetricsAddr != "" {
		go serveProbes(cfg.MetricsAddr, sup, log)
	}

	sup.Run(cmd.Context())
	return nil
}

// newRegistry prefers the process table so that agents spawned by earlier
// processes are found too; without /proc only our own children are known.
func newRegistry(log *slog.Logger) procreg.Registry {
	program := filepath.Base(os.Args[0])
	if exe, err := os.Executable(); err == nil {
		program = filepath.Base(exe)
	}
	reg, err := procreg.NewProcfs(program)
	if err != nil {
		log.Warn("procfs unavailable; tracking spawned children only", "err", err)
		return procreg.NewHandles()
	}
	return reg
}

func serveProbes(addr string, sup *supervisor.Supervisor, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok\n")) })
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if p := sup.Phase(); p == supervisor.PhaseActive || p == supervisor.PhaseAwaiting {
			w.Write([]byte("ok\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "%s\n", sup.Phase())
	})
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Info("probes/metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("probe server", "err", err)
	}
}
