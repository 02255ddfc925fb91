// Package config reads the agent's configuration from the environment once
// at startup.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultInstructions = "You are a friendly, concise conversational avatar. Answer in short spoken sentences."
	DefaultGreeting     = "Greet the user warmly in one short sentence and ask how you can help."
)

type Config struct {
	LogLevel    string
	MetricsAddr string

	LiveKit struct {
		URL       string
		APIKey    string
		APISecret string
	}
	Agent struct {
		Identity         string
		ExpectedIdentity string
		Language         string
		LanguageSTT      string
		DataTopic        string
		Instructions     string
		Greeting         string
	}
	Avatar struct {
		URL       string
		APIKey    string
		ReplicaID string
		PersonaID string
	}
	OpenAI struct {
		APIKey   string
		Model    string
		TTSModel string
		TTSVoice string
	}
	Gemini struct {
		APIKey string
		Model  string
	}
	Eleven struct {
		APIKey  string
		VoiceID string
		Model   string
	}
	Deepgram struct {
		APIKey string
		Model  string
		URL    string
	}
	Pipeline struct {
		HealthAddrs []string
	}
	Fallback struct {
		Executable   string
		ShowTerminal bool
		Terminal     string
		LogDir       string
	}
	Timing struct {
		ShutdownDeadline     time.Duration
		CleanupDeadline      time.Duration
		FailsafeDeadline     time.Duration
		StepTimeout          time.Duration
		DepartureGrace       time.Duration
		GreetingDelay        time.Duration
		FallbackLaunchGrace  time.Duration
		PresencePollInterval time.Duration
	}
}

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log_level", "debug")
	v.SetDefault("agent.identity", "avatar-agent")
	v.SetDefault("agent.data_topic", "avatar")
	v.SetDefault("agent.instructions", DefaultInstructions)
	v.SetDefault("agent.greeting", DefaultGreeting)
	v.SetDefault("openai.model", "gpt-4o")
	v.SetDefault("openai.tts_model", "gpt-4o-mini-tts")
	v.SetDefault("openai.tts_voice", "ash")
	v.SetDefault("gemini.model", "gemini-2.0-flash")
	v.SetDefault("eleven.model", "eleven_flash_v2_5")
	v.SetDefault("deepgram.model", "nova-2")
	v.SetDefault("fallback.show_terminal", false)

	v.SetDefault("timing.shutdown_deadline", 10*time.Second)
	v.SetDefault("timing.cleanup_deadline", 5*time.Second)
	v.SetDefault("timing.failsafe_deadline", 15*time.Minute)
	v.SetDefault("timing.step_timeout", time.Second)
	v.SetDefault("timing.departure_grace", 4*time.Second)
	v.SetDefault("timing.greeting_delay", 1500*time.Millisecond)
	v.SetDefault("timing.fallback_launch_grace", 2*time.Second)
	v.SetDefault("timing.presence_poll_interval", 3*time.Second)

	// Map envs
	v.BindEnv("log_level", "LOG_LEVEL")
	v.BindEnv("metrics_addr", "METRICS_ADDR")

	v.BindEnv("livekit.url", "LIVEKIT_URL")
	v.BindEnv("livekit.api_key", "LIVEKIT_API_KEY")
	v.BindEnv("livekit.api_secret", "LIVEKIT_API_SECRET")

	v.BindEnv("agent.identity", "AGENT_IDENTITY")
	v.BindEnv("agent.expected_identity", "EXPECTED_USER_IDENTITY")
	v.BindEnv("agent.language", "AVATAR_LANGUAGE")
	v.BindEnv("agent.language_stt", "AVATAR_LANGUAGE_STT")
	v.BindEnv("agent.data_topic", "DATA_TOPIC")
	v.BindEnv("agent.instructions", "AGENT_INSTRUCTIONS")
	v.BindEnv("agent.greeting", "AGENT_GREETING")

	v.BindEnv("avatar.url", "AVATAR_URL")
	v.BindEnv("avatar.api_key", "AVATAR_API_KEY")
	v.BindEnv("avatar.replica_id", "AVATAR_REPLICA_ID")
	v.BindEnv("avatar.persona_id", "AVATAR_PERSONA_ID")

	v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("openai.model", "OPENAI_MODEL")
	v.BindEnv("openai.tts_model", "OPENAI_TTS_MODEL")
	v.BindEnv("openai.tts_voice", "OPENAI_TTS_VOICE")

	v.BindEnv("gemini.api_key", "GEMINI_API_KEY")
	v.BindEnv("gemini.model", "GEMINI_MODEL")

	v.BindEnv("eleven.api_key", "ELEVEN_API_KEY")
	v.BindEnv("eleven.voice_id", "ELEVEN_VOICE_ID")
	v.BindEnv("eleven.model", "ELEVEN_MODEL")

	v.BindEnv("deepgram.api_key", "DEEPGRAM_API_KEY")
	v.BindEnv("deepgram.model", "DEEPGRAM_MODEL")
	v.BindEnv("deepgram.url", "DEEPGRAM_URL")

	v.BindEnv("pipeline.health_addrs", "PIPELINE_HEALTH_ADDRS")

	v.BindEnv("fallback.executable", "FALLBACK_EXECUTABLE")
	v.BindEnv("fallback.show_terminal", "FALLBACK_SHOW_TERMINAL")
	v.BindEnv("fallback.terminal", "TERMINAL")
	v.BindEnv("fallback.log_dir", "FALLBACK_LOG_DIR")

	v.BindEnv("timing.shutdown_deadline", "SHUTDOWN_DEADLINE")
	v.BindEnv("timing.cleanup_deadline", "CLEANUP_DEADLINE")
	v.BindEnv("timing.failsafe_deadline", "FAILSAFE_DEADLINE")
	v.BindEnv("timing.step_timeout", "STEP_TIMEOUT")
	v.BindEnv("timing.departure_grace", "DEPARTURE_GRACE")
	v.BindEnv("timing.greeting_delay", "GREETING_DELAY")
	v.BindEnv("timing.fallback_launch_grace", "FALLBACK_LAUNCH_GRACE")
	v.BindEnv("timing.presence_poll_interval", "PRESENCE_POLL_INTERVAL")

	var c Config
	c.LogLevel = v.GetString("log_level")
	c.MetricsAddr = v.GetString("metrics_addr")

	c.LiveKit.URL = v.GetString("livekit.url")
	c.LiveKit.APIKey = v.GetString("livekit.api_key")
	c.LiveKit.APISecret = v.GetString("livekit.api_secret")

	c.Agent.Identity = v.GetString("agent.identity")
	c.Agent.ExpectedIdentity = v.GetString("agent.expected_identity")
	c.Agent.Language = v.GetString("agent.language")
	c.Agent.LanguageSTT = v.GetString("agent.language_stt")
	c.Agent.DataTopic = v.GetString("agent.data_topic")
	c.Agent.Instructions = v.GetString("agent.instructions")
	c.Agent.Greeting = v.GetString("agent.greeting")

	c.Avatar.URL = v.GetString("avatar.url")
	c.Avatar.APIKey = v.GetString("avatar.api_key")
	c.Avatar.ReplicaID = v.GetString("avatar.replica_id")
	c.Avatar.PersonaID = v.GetString("avatar.persona_id")

	c.OpenAI.APIKey = v.GetString("openai.api_key")
	c.OpenAI.Model = v.GetString("openai.model")
	c.OpenAI.TTSModel = v.GetString("openai.tts_model")
	c.OpenAI.TTSVoice = v.GetString("openai.tts_voice")

	c.Gemini.APIKey = v.GetString("gemini.api_key")
	c.Gemini.Model = v.GetString("gemini.model")

	c.Eleven.APIKey = v.GetString("eleven.api_key")
	c.Eleven.VoiceID = v.GetString("eleven.voice_id")
	c.Eleven.Model = v.GetString("eleven.model")

	c.Deepgram.APIKey = v.GetString("deepgram.api_key")
	c.Deepgram.Model = v.GetString("deepgram.model")
	c.Deepgram.URL = v.GetString("deepgram.url")

	c.Pipeline.HealthAddrs = splitList(v.GetString("pipeline.health_addrs"))

	c.Fallback.Executable = v.GetString("fallback.executable")
	c.Fallback.ShowTerminal = v.GetBool("fallback.show_terminal")
	c.Fallback.Terminal = v.GetString("fallback.terminal")
	c.Fallback.LogDir = v.GetString("fallback.log_dir")

	c.Timing.ShutdownDeadline = v.GetDuration("timing.shutdown_deadline")
	c.Timing.CleanupDeadline = v.GetDuration("timing.cleanup_deadline")
	c.Timing.FailsafeDeadline = v.GetDuration("timing.failsafe_deadline")
	c.Timing.StepTimeout = v.GetDuration("timing.step_timeout")
	c.Timing.DepartureGrace = v.GetDuration("timing.departure_grace")
	c.Timing.GreetingDelay = v.GetDuration("timing.greeting_delay")
	c.Timing.FallbackLaunchGrace = v.GetDuration("timing.fallback_launch_grace")
	c.Timing.PresencePollInterval = v.GetDuration("timing.presence_poll_interval")

	slog.Debug("config loaded",
		"livekit_url", c.LiveKit.URL,
		"expected_identity", c.Agent.ExpectedIdentity,
		"language", c.Agent.Language,
		"sidecars", len(c.Pipeline.HealthAddrs))
	return c
}

// FallbackEnv is the environment the fallback agent gets on top of the
// inherited one.
func (c Config) FallbackEnv() map[string]string {
	return map[string]string{
		"EXPECTED_USER_IDENTITY": c.Agent.ExpectedIdentity,
		"AVATAR_LANGUAGE":        c.Agent.Language,
		"AVATAR_LANGUAGE_STT":    c.Agent.LanguageSTT,
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
