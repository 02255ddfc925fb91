// Package health runs the preflight checks: credentials for every provider
// the agent needs, cheap provider probes, and gRPC health of pipeline
// sidecars.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/livekit/protocol/livekit"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"yuzu/avatar/internal/config"
	"yuzu/avatar/internal/room"
)

var (
	openAIModelsURL     = "https://api.openai.com/v1/models"
	elevenBaseURL       = "https://api.elevenlabs.io"
	deepgramProjectsURL = "https://api.deepgram.com/v1/projects"
)

const sidecarTimeout = 2 * time.Second

type CheckResult struct {
	Name    string        `json:"name"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency_ms"`
	Error   string        `json:"error,omitempty"`
}

type HealthStatus struct {
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (h HealthStatus) String() string {
	status := "OK"
	if !h.OK {
		status = "FAIL"
	}
	s := fmt.Sprintf("Health: %s\n", status)
	for _, c := range h.Checks {
		mark := "✓"
		if !c.OK {
			mark = "✗"
		}
		s += fmt.Sprintf("  %s %s (%dms)", mark, c.Name, c.Latency.Milliseconds())
		if c.Error != "" {
			s += fmt.Sprintf(" - %s", c.Error)
		}
		s += "\n"
	}
	return s
}

// Failed lists the names of failed checks.
func (h HealthStatus) Failed() []string {
	var out []string
	for _, c := range h.Checks {
		if !c.OK {
			out = append(out, c.Name)
		}
	}
	return out
}

func summarize(checks []CheckResult) HealthStatus {
	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
			metricChecks.WithLabelValues(c.Name, "fail").Inc()
		} else {
			metricChecks.WithLabelValues(c.Name, "ok").Inc()
		}
	}
	return HealthStatus{
		OK:        allOK,
		Checks:    checks,
		CheckedAt: time.Now().UTC(),
	}
}

// CheckAll probes every configured provider over the network.
func CheckAll(ctx context.Context, cfg config.Config) HealthStatus {
	checks := []CheckResult{
		checkLiveKit(ctx, cfg),
		checkAvatar(cfg),
	}
	if cfg.OpenAI.APIKey != "" {
		checks = append(checks, checkOpenAI(ctx, cfg))
	}
	if cfg.Eleven.APIKey != "" {
		checks = append(checks, checkElevenLabs(ctx, cfg))
	}
	if cfg.Deepgram.APIKey != "" {
		checks = append(checks, checkDeepgram(ctx, cfg))
	}
	if cfg.OpenAI.APIKey == "" && cfg.Gemini.APIKey == "" {
		checks = append(checks, CheckResult{Name: "llm", Error: "neither OPENAI_API_KEY nor GEMINI_API_KEY set"})
	}
	checks = append(checks, CheckSidecars(ctx, cfg.Pipeline.HealthAddrs)...)
	return summarize(checks)
}

// Preflight is the fast gate run before building the primary stack: local
// credential checks plus sidecar health, no paid provider calls.
func Preflight(ctx context.Context, cfg config.Config) HealthStatus {
	checks := []CheckResult{checkAvatar(cfg)}
	llm := CheckResult{Name: "llm", OK: true}
	if cfg.OpenAI.APIKey == "" && cfg.Gemini.APIKey == "" {
		llm = CheckResult{Name: "llm", Error: "neither OPENAI_API_KEY nor GEMINI_API_KEY set"}
	}
	tts := CheckResult{Name: "tts", OK: true}
	if cfg.OpenAI.APIKey == "" && (cfg.Eleven.APIKey == "" || cfg.Eleven.VoiceID == "") {
		tts = CheckResult{Name: "tts", Error: "neither OPENAI_API_KEY nor ELEVEN_API_KEY/ELEVEN_VOICE_ID set"}
	}
	checks = append(checks, llm, tts)
	checks = append(checks, CheckSidecars(ctx, cfg.Pipeline.HealthAddrs)...)
	return summarize(checks)
}

// CheckSidecars asks each address for its overall gRPC serving status.
func CheckSidecars(ctx context.Context, addrs []string) []CheckResult {
	out := make([]CheckResult, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, checkSidecar(ctx, addr))
	}
	return out
}

func checkSidecar(ctx context.Context, addr string) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "sidecar " + addr}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		result.Error = fmt.Sprintf("dial failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(ctx, sidecarTimeout)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(callCtx, &grpc_health_v1.HealthCheckRequest{})
	result.Latency = time.Since(start)
	if err != nil {
		result.Error = fmt.Sprintf("health check failed: %v", err)
		return result
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		result.Error = fmt.Sprintf("status %s", resp.GetStatus())
		return result
	}
	result.OK = true
	return result
}

func checkLiveKit(ctx context.Context, cfg config.Config) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "livekit"}

	if cfg.LiveKit.URL == "" || cfg.LiveKit.APIKey == "" || cfg.LiveKit.APISecret == "" {
		result.Error = "LIVEKIT_URL, LIVEKIT_API_KEY or LIVEKIT_API_SECRET not set"
		result.Latency = time.Since(start)
		return result
	}

	svc := room.NewRoomService(cfg.LiveKit.URL, cfg.LiveKit.APIKey, cfg.LiveKit.APISecret)
	_, err := svc.ListRooms(ctx, &livekit.ListRoomsRequest{})
	result.Latency = time.Since(start)
	if err != nil {
		result.Error = fmt.Sprintf("list rooms failed: %v", err)
		return result
	}
	result.OK = true
	return result
}

func checkAvatar(cfg config.Config) CheckResult {
	result := CheckResult{Name: "avatar"}
	switch {
	case cfg.Avatar.URL == "":
		result.Error = "AVATAR_URL not set"
	case cfg.Avatar.APIKey == "":
		result.Error = "AVATAR_API_KEY not set"
	default:
		result.OK = true
	}
	return result
}

func checkOpenAI(ctx context.Context, cfg config.Config) CheckResult {
	return probe(ctx, "openai", http.MethodGet, openAIModelsURL, nil, map[string]string{
		"Authorization": "Bearer " + cfg.OpenAI.APIKey,
	})
}

func checkDeepgram(ctx context.Context, cfg config.Config) CheckResult {
	return probe(ctx, "deepgram", http.MethodGet, deepgramProjectsURL, nil, map[string]string{
		"Authorization": "Token " + cfg.Deepgram.APIKey,
	})
}

func checkElevenLabs(ctx context.Context, cfg config.Config) CheckResult {
	if cfg.Eleven.VoiceID == "" {
		return CheckResult{Name: "elevenlabs", Error: "ELEVEN_VOICE_ID not set"}
	}
	// A one-character synthesis works with TTS-only keys that lack user_read.
	url := fmt.Sprintf("%s/v1/text-to-speech/%s/stream", elevenBaseURL, cfg.Eleven.VoiceID)
	result := probe(ctx, "elevenlabs", http.MethodPost, url, strings.NewReader(`{"text":"."}`), map[string]string{
		"xi-api-key":   cfg.Eleven.APIKey,
		"Content-Type": "application/json",
	})
	if strings.HasPrefix(result.Error, "unexpected status 404") {
		result.Error = fmt.Sprintf("voice ID %q not found", cfg.Eleven.VoiceID)
	}
	return result
}

func probe(ctx context.Context, name, method, url string, body io.Reader, headers map[string]string) CheckResult {
	start := time.Now()
	result := CheckResult{Name: name}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		result.Error = fmt.Sprintf("request build failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		result.Latency = time.Since(start)
		return result
	}
	defer resp.Body.Close()

	result.Latency = time.Since(start)

	if resp.StatusCode == http.StatusUnauthorized {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		result.Error = fmt.Sprintf("invalid API key (401): %s", string(b))
		return result
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		result.Error = fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(b))
		return result
	}

	io.Copy(io.Discard, resp.Body)
	result.OK = true
	return result
}
