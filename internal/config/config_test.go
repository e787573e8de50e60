package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.HistoryLimit != 20 {
		t.Fatalf("expected default history limit 20, got %d", cfg.Session.HistoryLimit)
	}
	if cfg.Session.EvictionDelayMS != 300000 {
		t.Fatalf("expected default eviction delay 300000ms, got %d", cfg.Session.EvictionDelayMS)
	}
	if cfg.Session.InterruptToken != "INTERRUPT" {
		t.Fatalf("expected default interrupt token, got %q", cfg.Session.InterruptToken)
	}
	if cfg.Session.SpeechScope != "process" {
		t.Fatalf("expected process speech scope by default, got %q", cfg.Session.SpeechScope)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_SESSION_HISTORY_LIMIT", "8")
	t.Setenv("LOQA_SESSION_EVICTION_DELAY_MS", "1500")
	t.Setenv("LOQA_SESSION_INTERRUPT_TOKEN", "STOP")
	t.Setenv("LOQA_SESSION_SPEECH_SCOPE", "session")
	t.Setenv("LOQA_TTS_RATE", "180")
	t.Setenv("LOQA_TTS_VOLUME", "0.5")
	t.Setenv("LOQA_LLM_TIMEOUT_MS", "5000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || !cfg.Bus.TLSInsecure {
		t.Fatalf("expected bus overrides")
	}
	if cfg.Session.HistoryLimit != 8 {
		t.Fatalf("expected history limit override, got %d", cfg.Session.HistoryLimit)
	}
	if cfg.Session.EvictionDelayMS != 1500 {
		t.Fatalf("expected eviction delay override, got %d", cfg.Session.EvictionDelayMS)
	}
	if cfg.Session.InterruptToken != "STOP" {
		t.Fatalf("expected interrupt token override")
	}
	if cfg.Session.SpeechScope != "session" {
		t.Fatalf("expected speech scope override")
	}
	if cfg.TTS.Rate != 180 || cfg.TTS.Volume != 0.5 {
		t.Fatalf("expected tts overrides, got rate=%d volume=%v", cfg.TTS.Rate, cfg.TTS.Volume)
	}
	if cfg.LLM.TimeoutMS != 5000 {
		t.Fatalf("expected llm timeout override")
	}
}

func TestGroqKeyFallback(t *testing.T) {
	t.Setenv("LOQA_LLM_MODE", "openai")
	t.Setenv("GROQ_API_KEY", "gsk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "gsk-test" {
		t.Fatalf("expected api key from GROQ_API_KEY, got %q", cfg.LLM.APIKey)
	}

	t.Setenv("LOQA_LLM_API_KEY", "explicit")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "explicit" {
		t.Fatalf("expected LOQA_LLM_API_KEY to win, got %q", cfg.LLM.APIKey)
	}
}

func TestGroqKeyDoesNotReplaceFileKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	data := []byte(`
llm:
  mode: openai
  api_key: from-file
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GROQ_API_KEY", "gsk-env")
	t.Setenv("LOQA_LLM_API_KEY", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "from-file" {
		t.Fatalf("expected file api key to win over GROQ_API_KEY, got %q", cfg.LLM.APIKey)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	data := []byte(`
session:
  greeting: "Hey!"
  history_limit: 6
tts:
  mode: exec
  command: "say -f -"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.Greeting != "Hey!" || cfg.Session.HistoryLimit != 6 {
		t.Fatalf("expected file values, got %+v", cfg.Session)
	}
	if cfg.Session.InterruptToken != "INTERRUPT" {
		t.Fatalf("expected defaults to survive partial file")
	}
	if cfg.TTS.Mode != "exec" || cfg.TTS.Command != "say -f -" {
		t.Fatalf("expected tts exec config, got %+v", cfg.TTS)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"history limit":  func(c *Config) { c.Session.HistoryLimit = 1 },
		"eviction delay": func(c *Config) { c.Session.EvictionDelayMS = 0 },
		"empty token":    func(c *Config) { c.Session.InterruptToken = "" },
		"speech scope":   func(c *Config) { c.Session.SpeechScope = "global" },
		"llm mode":       func(c *Config) { c.LLM.Mode = "magic" },
		"openai key":     func(c *Config) { c.LLM.Mode = "openai"; c.LLM.APIKey = "" },
		"tts exec":       func(c *Config) { c.TTS.Mode = "exec"; c.TTS.Command = "" },
		"volume":         func(c *Config) { c.TTS.Volume = 1.5 },
		"system prompt":  func(c *Config) { c.Session.SystemPrompt = "  " },
		"heartbeat":      func(c *Config) { c.Bus.Enabled = true; c.Node.HeartbeatTimeout = c.Node.HeartbeatInterval },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
