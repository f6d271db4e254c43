package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Collab.ConfidenceThreshold != 0.7 {
		t.Errorf("expected default threshold, got %v", cfg.Collab.ConfidenceThreshold)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aimesh.yaml")
	partial := []byte("collaboration:\n  confidence_threshold: 0.9\nscaler:\n  default_max: 10\n")
	if err := os.WriteFile(path, partial, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Collab.ConfidenceThreshold != 0.9 {
		t.Errorf("override lost: threshold = %v", cfg.Collab.ConfidenceThreshold)
	}
	if cfg.Scaler.DefaultMax != 10 {
		t.Errorf("override lost: default_max = %d", cfg.Scaler.DefaultMax)
	}
	if cfg.Intent.DecayLambda != 0.0005 {
		t.Errorf("untouched knob must keep its default, got %v", cfg.Intent.DecayLambda)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "aimesh.yaml")
	cfg := DefaultConfig()
	cfg.Collab.FanOut = 7
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Collab.FanOut != 7 {
		t.Errorf("round trip lost fan_out: %d", loaded.Collab.FanOut)
	}
}

func TestDurationAccessorsFallBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mesh.RequestTimeout = "not a duration"
	cfg.Scaler.Cooldown = "-5s"

	if got := cfg.GetRequestTimeout(); got != 60*time.Second {
		t.Errorf("GetRequestTimeout() = %v, want 60s fallback", got)
	}
	if got := cfg.GetScalerCooldown(); got != 30*time.Second {
		t.Errorf("GetScalerCooldown() = %v, want 30s fallback", got)
	}
}

func TestCapabilityBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scaler.CapabilityMin = map[string]int{"code_generation": 2}
	cfg.Scaler.CapabilityMax = map[string]int{"code_generation": 6}

	if got := cfg.MinAgents("code_generation"); got != 2 {
		t.Errorf("MinAgents override = %d, want 2", got)
	}
	if got := cfg.MaxAgents("code_generation"); got != 6 {
		t.Errorf("MaxAgents override = %d, want 6", got)
	}
	if got := cfg.MinAgents("code_review"); got != cfg.Scaler.DefaultMin {
		t.Errorf("MinAgents without override = %d, want default %d", got, cfg.Scaler.DefaultMin)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.Collab.ConfidenceThreshold = 1.5 }},
		{"negative fanout", func(c *Config) { c.Collab.FanOut = -1 }},
		{"negative lambda", func(c *Config) { c.Intent.DecayLambda = -0.1 }},
		{"zero increment", func(c *Config) { c.Intent.RecordIncrement = 0 }},
		{"max below min", func(c *Config) { c.Scaler.DefaultMin = 5; c.Scaler.DefaultMax = 2 }},
		{"inverted watermarks", func(c *Config) { c.Scaler.HighWatermark = 0.1; c.Scaler.LowWatermark = 0.5 }},
		{"ema factor zero", func(c *Config) { c.Registry.EMAFactor = 0 }},
		{"no threads allowed", func(c *Config) { c.Context.MaxThreadsPerUser = 0 }},
		{"negative router weight", func(c *Config) { c.Router.LoadWeight = -1 }},
		{"per-capability max below min", func(c *Config) {
			c.Scaler.CapabilityMin = map[string]int{"x": 4}
			c.Scaler.CapabilityMax = map[string]int{"x": 1}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
