// Package config holds the validated policy configuration for the mesh.
// The core treats a loaded Config as read-only for its lifetime; hot reload
// is the caller's concern and means constructing a new snapshot.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"aimesh/internal/types"
)

// Config holds all aimesh configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Mesh      MeshConfig      `yaml:"mesh"`
	Router    RouterConfig    `yaml:"router"`
	Scaler    ScalerConfig    `yaml:"scaler"`
	Intent    IntentConfig    `yaml:"intent"`
	Context   ContextConfig   `yaml:"context"`
	Collab    CollabConfig    `yaml:"collaboration"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Registry  RegistryConfig  `yaml:"registry"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MeshConfig configures the orchestrator.
type MeshConfig struct {
	RequestTimeout string `yaml:"request_timeout"` // Per-request deadline
}

// RouterConfig configures the capability router.
type RouterConfig struct {
	MatchWeight      float64 `yaml:"match_weight"`      // w1: capability match strength
	LoadWeight       float64 `yaml:"load_weight"`       // w2: normalized load penalty
	ConfidenceWeight float64 `yaml:"confidence_weight"` // w3: historical confidence
	UrgencyBoost     float64 `yaml:"urgency_boost"`     // Score multiplier step per urgency level
	PredictTopK      int     `yaml:"predict_top_k"`     // Intent graph suggestions to consider
	RetryWait        string  `yaml:"retry_wait"`        // Wait before the single bounded re-query

	// TaskCapabilities maps task types to their required capability sets.
	TaskCapabilities map[string][]string `yaml:"task_capabilities"`

	// PipelinePrecedence orders capabilities when a task type implies a
	// pipeline; lower rank executes first. Capabilities without a rank are
	// ordered by urgency-adjusted score instead.
	PipelinePrecedence map[string]int `yaml:"pipeline_precedence"`
}

// ScalerConfig configures the adaptive scaler.
type ScalerConfig struct {
	Enabled       bool           `yaml:"enabled"`
	Interval      string         `yaml:"interval"`       // Evaluation tick
	DemandAlpha   float64        `yaml:"demand_alpha"`   // Weight of predicted demand
	HighWatermark float64        `yaml:"high_watermark"` // demand/active ratio that triggers spawn
	LowWatermark  float64        `yaml:"low_watermark"`  // utilization below which we hibernate
	Cooldown      string         `yaml:"cooldown"`       // Minimum gap between actions per capability
	ReadyProbe    string         `yaml:"ready_probe"`    // Readiness probe timeout for spawned agents
	DefaultMin    int            `yaml:"default_min"`    // Per-capability active minimum
	DefaultMax    int            `yaml:"default_max"`    // Per-capability active maximum
	CapabilityMin map[string]int `yaml:"capability_min"` // Overrides per capability
	CapabilityMax map[string]int `yaml:"capability_max"`
}

// IntentConfig configures the intent graph decay model.
type IntentConfig struct {
	DecayLambda     float64 `yaml:"decay_lambda"`     // λ per second in weight·exp(−λ·Δt)
	RecordIncrement float64 `yaml:"record_increment"` // Edge weight added per record
}

// ContextConfig configures the context thread store.
type ContextConfig struct {
	ThreadTTL         string `yaml:"thread_ttl"`
	MaxThreadsPerUser int    `yaml:"max_threads_per_user"`
	ReaperSchedule    string `yaml:"reaper_schedule"` // cron spec, e.g. "@every 1m"
	ArchivePath       string `yaml:"archive_path"`    // SQLite file for evicted threads ("" = off)
}

// CollabConfig configures confidence-based collaboration.
type CollabConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	FanOut              int     `yaml:"fan_out"` // Max peers consulted per trigger
	Timeout             string  `yaml:"timeout"` // Overall peer consultation deadline
}

// KnowledgeConfig configures the knowledge fact store and propagator.
type KnowledgeConfig struct {
	DatabasePath      string `yaml:"database_path"`
	NotifyConcurrency int    `yaml:"notify_concurrency"` // Parallel fact notifications
}

// RegistryConfig configures agent metric smoothing.
type RegistryConfig struct {
	EMAFactor float64 `yaml:"ema_factor"` // Smoothing factor for load/confidence EMAs
}

// BreakerConfig configures the per-agent circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32 `yaml:"max_failures"` // Consecutive failures before the circuit opens
	OpenTimeout string `yaml:"open_timeout"` // How long the circuit stays open
	Interval    string `yaml:"interval"`     // Closed-state failure count reset period
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "aimesh",
		Version: "0.3.0",

		Mesh: MeshConfig{
			RequestTimeout: "60s",
		},

		Router: RouterConfig{
			MatchWeight:      1.0,
			LoadWeight:       0.5,
			ConfidenceWeight: 0.8,
			UrgencyBoost:     0.1,
			PredictTopK:      3,
			RetryWait:        "250ms",
			TaskCapabilities: map[string][]string{
				"code_generation": {"code_generation"},
				"code_review":     {"code_review"},
				"full_feature":    {"code_generation", "code_review", "documentation"},
				"security_audit":  {"security_review"},
			},
			PipelinePrecedence: map[string]int{
				"code_generation": 0,
				"code_review":     1,
				"security_review": 1,
				"documentation":   2,
			},
		},

		Scaler: ScalerConfig{
			Enabled:       true,
			Interval:      "5s",
			DemandAlpha:   0.5,
			HighWatermark: 2.0,
			LowWatermark:  0.25,
			Cooldown:      "30s",
			ReadyProbe:    "5s",
			DefaultMin:    1,
			DefaultMax:    4,
		},

		Intent: IntentConfig{
			DecayLambda:     0.0005,
			RecordIncrement: 1.0,
		},

		Context: ContextConfig{
			ThreadTTL:         "30m",
			MaxThreadsPerUser: 8,
			ReaperSchedule:    "@every 1m",
			ArchivePath:       "data/aimesh_archive.db",
		},

		Collab: CollabConfig{
			ConfidenceThreshold: 0.7,
			FanOut:              3,
			Timeout:             "15s",
		},

		Knowledge: KnowledgeConfig{
			DatabasePath:      "data/aimesh_knowledge.db",
			NotifyConcurrency: 4,
		},

		Registry: RegistryConfig{
			EMAFactor: 0.3,
		},

		Breaker: BreakerConfig{
			MaxFailures: 5,
			OpenTimeout: "30s",
			Interval:    "60s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults for
// anything the file omits. A missing file returns pure defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// =============================================================================
// DURATION ACCESSORS
// =============================================================================

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetRequestTimeout returns the per-request deadline.
func (c *Config) GetRequestTimeout() time.Duration {
	return parseDuration(c.Mesh.RequestTimeout, 60*time.Second)
}

// GetRetryWait returns the router's wait before its single bounded re-query.
func (c *Config) GetRetryWait() time.Duration {
	return parseDuration(c.Router.RetryWait, 250*time.Millisecond)
}

// GetScalerInterval returns the scaler evaluation tick.
func (c *Config) GetScalerInterval() time.Duration {
	return parseDuration(c.Scaler.Interval, 5*time.Second)
}

// GetScalerCooldown returns the minimum gap between scaling actions on one capability.
func (c *Config) GetScalerCooldown() time.Duration {
	return parseDuration(c.Scaler.Cooldown, 30*time.Second)
}

// GetReadyProbeTimeout returns the readiness probe deadline for spawned agents.
func (c *Config) GetReadyProbeTimeout() time.Duration {
	return parseDuration(c.Scaler.ReadyProbe, 5*time.Second)
}

// GetThreadTTL returns the context thread time-to-live.
func (c *Config) GetThreadTTL() time.Duration {
	return parseDuration(c.Context.ThreadTTL, 30*time.Minute)
}

// GetCollabTimeout returns the overall peer consultation deadline.
func (c *Config) GetCollabTimeout() time.Duration {
	return parseDuration(c.Collab.Timeout, 15*time.Second)
}

// GetBreakerOpenTimeout returns how long an open circuit stays open.
func (c *Config) GetBreakerOpenTimeout() time.Duration {
	return parseDuration(c.Breaker.OpenTimeout, 30*time.Second)
}

// GetBreakerInterval returns the closed-state failure reset period.
func (c *Config) GetBreakerInterval() time.Duration {
	return parseDuration(c.Breaker.Interval, 60*time.Second)
}

// =============================================================================
// CAPABILITY BOUNDS
// =============================================================================

// MinAgents returns the configured minimum active agents for a capability.
func (c *Config) MinAgents(cap types.Capability) int {
	if n, ok := c.Scaler.CapabilityMin[string(cap)]; ok {
		return n
	}
	return c.Scaler.DefaultMin
}

// MaxAgents returns the configured maximum active agents for a capability.
func (c *Config) MaxAgents(cap types.Capability) int {
	if n, ok := c.Scaler.CapabilityMax[string(cap)]; ok {
		return n
	}
	return c.Scaler.DefaultMax
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the numeric policy knobs. The mesh refuses to start on an
// invalid configuration rather than guessing.
func (c *Config) Validate() error {
	if c.Collab.ConfidenceThreshold < 0 || c.Collab.ConfidenceThreshold > 1 {
		return fmt.Errorf("collaboration.confidence_threshold must be in [0,1], got %v", c.Collab.ConfidenceThreshold)
	}
	if c.Collab.FanOut < 0 {
		return fmt.Errorf("collaboration.fan_out must be >= 0, got %d", c.Collab.FanOut)
	}
	if c.Intent.DecayLambda < 0 {
		return fmt.Errorf("intent.decay_lambda must be >= 0, got %v", c.Intent.DecayLambda)
	}
	if c.Intent.RecordIncrement <= 0 {
		return fmt.Errorf("intent.record_increment must be > 0, got %v", c.Intent.RecordIncrement)
	}
	if c.Scaler.DefaultMin < 0 || c.Scaler.DefaultMax < c.Scaler.DefaultMin {
		return fmt.Errorf("scaler bounds invalid: min=%d max=%d", c.Scaler.DefaultMin, c.Scaler.DefaultMax)
	}
	for cap, min := range c.Scaler.CapabilityMin {
		if min < 0 {
			return fmt.Errorf("scaler.capability_min[%s] must be >= 0, got %d", cap, min)
		}
		if max, ok := c.Scaler.CapabilityMax[cap]; ok && max < min {
			return fmt.Errorf("scaler bounds for %s invalid: min=%d max=%d", cap, min, max)
		}
	}
	if c.Scaler.HighWatermark <= c.Scaler.LowWatermark {
		return fmt.Errorf("scaler.high_watermark (%v) must exceed low_watermark (%v)",
			c.Scaler.HighWatermark, c.Scaler.LowWatermark)
	}
	if c.Registry.EMAFactor <= 0 || c.Registry.EMAFactor > 1 {
		return fmt.Errorf("registry.ema_factor must be in (0,1], got %v", c.Registry.EMAFactor)
	}
	if c.Context.MaxThreadsPerUser < 1 {
		return fmt.Errorf("context.max_threads_per_user must be >= 1, got %d", c.Context.MaxThreadsPerUser)
	}
	if c.Router.PredictTopK < 0 {
		return fmt.Errorf("router.predict_top_k must be >= 0, got %d", c.Router.PredictTopK)
	}
	if c.Router.MatchWeight < 0 || c.Router.LoadWeight < 0 || c.Router.ConfidenceWeight < 0 {
		return fmt.Errorf("router weights must be >= 0")
	}
	return nil
}
