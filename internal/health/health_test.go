package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"yuzu/avatar/internal/config"
)

func startHealthServer(t *testing.T, status grpc_health_v1.HealthCheckResponse_ServingStatus) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", status)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestCheckSidecars(t *testing.T) {
	up := startHealthServer(t, grpc_health_v1.HealthCheckResponse_SERVING)
	down := startHealthServer(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := CheckSidecars(ctx, []string{up, down})
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	if !res[0].OK {
		t.Fatalf("serving sidecar reported unhealthy: %s", res[0].Error)
	}
	if res[1].OK || !strings.Contains(res[1].Error, "NOT_SERVING") {
		t.Fatalf("expected NOT_SERVING failure, got %+v", res[1])
	}
}

func TestCheckSidecarUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if r := checkSidecar(ctx, addr); r.OK {
		t.Fatal("expected closed port to fail")
	}
}

func TestPreflight(t *testing.T) {
	var cfg config.Config
	st := Preflight(context.Background(), cfg)
	if st.OK {
		t.Fatal("expected empty config to fail preflight")
	}
	failed := strings.Join(st.Failed(), ",")
	for _, name := range []string{"avatar", "llm", "tts"} {
		if !strings.Contains(failed, name) {
			t.Errorf("expected %s to fail, failed=%s", name, failed)
		}
	}

	cfg.Avatar.URL = "wss://avatar.example"
	cfg.Avatar.APIKey = "k"
	cfg.Gemini.APIKey = "g"
	cfg.Eleven.APIKey = "e"
	cfg.Eleven.VoiceID = "v"
	cfg.Pipeline.HealthAddrs = []string{startHealthServer(t, grpc_health_v1.HealthCheckResponse_SERVING)}
	st = Preflight(context.Background(), cfg)
	if !st.OK {
		t.Fatalf("expected preflight to pass:\n%s", st)
	}
}

func TestProbeStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Write([]byte(`{"data":[]}`))
		case "Bearer bad":
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"code":"invalid_api_key"}}`))
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	orig := openAIModelsURL
	openAIModelsURL = srv.URL
	defer func() { openAIModelsURL = orig }()

	var cfg config.Config
	cfg.OpenAI.APIKey = "good"
	if r := checkOpenAI(context.Background(), cfg); !r.OK {
		t.Fatalf("expected ok, got %s", r.Error)
	}
	cfg.OpenAI.APIKey = "bad"
	if r := checkOpenAI(context.Background(), cfg); r.OK || !strings.Contains(r.Error, "401") {
		t.Fatalf("expected 401 failure, got %+v", r)
	}
	cfg.OpenAI.APIKey = "other"
	if r := checkOpenAI(context.Background(), cfg); r.OK || !strings.Contains(r.Error, "418") {
		t.Fatalf("expected status failure, got %+v", r)
	}
}

func TestElevenVoiceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/missing/stream") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	orig := elevenBaseURL
	elevenBaseURL = srv.URL
	defer func() { elevenBaseURL = orig }()

	var cfg config.Config
	cfg.Eleven.APIKey = "k"
	cfg.Eleven.VoiceID = "missing"
	r := checkElevenLabs(context.Background(), cfg)
	if r.OK || !strings.Contains(r.Error, `"missing" not found`) {
		t.Fatalf("expected voice not found, got %+v", r)
	}
}

func TestHealthStatusString(t *testing.T) {
	st := summarize([]CheckResult{
		{Name: "avatar", OK: true, Latency: 3 * time.Millisecond},
		{Name: "llm", Error: "missing"},
	})
	s := st.String()
	if !strings.HasPrefix(s, "Health: FAIL\n") {
		t.Fatalf("unexpected header: %q", s)
	}
	if !strings.Contains(s, "✓ avatar (3ms)") || !strings.Contains(s, "✗ llm (0ms) - missing") {
		t.Fatalf("unexpected body: %q", s)
	}
}
