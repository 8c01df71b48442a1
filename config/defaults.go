// Package config loads and validates jetpackd's settings.json, with
// environment-variable overrides layered on top.
package config

import "time"

// Settings is the full configuration tree recognized under
// .jetpack/settings.json, matching the Configuration table in the external
// interfaces contract.
type Settings struct {
	Runtime       RuntimeSettings       `json:"runtime" env:"RUNTIME"`
	Agents        AgentSettings         `json:"agents" env:"AGENTS"`
	DefaultCount  int                   `json:"defaultCount" env:"DEFAULT_COUNT"`
	Presets       []AgentPreset         `json:"presets" env:"-"`
	Observability ObservabilitySettings `json:"observability" env:"OBSERVABILITY"`
}

// RuntimeSettings governs when the orchestrator's main loop stops and which
// DataStore backend it talks to.
type RuntimeSettings struct {
	Mode          string        `json:"mode" env:"MODE"`
	MaxIterations int           `json:"maxIterations" env:"MAX_ITERATIONS"`
	IdleTimeoutMs int           `json:"idleTimeoutMs" env:"IDLE_TIMEOUT_MS"`
	Objective     string        `json:"objective" env:"OBJECTIVE"`
	Store         StoreSettings `json:"store" env:"STORE"`
}

// StoreSettings selects and configures the DataStore backend.
type StoreSettings struct {
	Backend   string `json:"backend" env:"BACKEND"` // "file" or "redis"
	RedisAddr string `json:"redisAddr" env:"REDIS_ADDR"`
}

// AgentSettings governs the AgentHarness work-claim loop.
type AgentSettings struct {
	WorkPollingIntervalMs int      `json:"workPollingIntervalMs" env:"WORK_POLLING_INTERVAL_MS"`
	HeartbeatIntervalMs   int      `json:"heartbeatIntervalMs" env:"HEARTBEAT_INTERVAL_MS"`
	OfflineThresholdMs    int      `json:"offlineThresholdMs" env:"OFFLINE_THRESHOLD_MS"`
	TimeoutMultiplier     float64  `json:"timeoutMultiplier" env:"TIMEOUT_MULTIPLIER"`
	MinTimeoutMs          int      `json:"minTimeoutMs" env:"MIN_TIMEOUT_MS"`
	MaxTimeoutMs          int      `json:"maxTimeoutMs" env:"MAX_TIMEOUT_MS"`
	GracefulShutdownMs    int      `json:"gracefulShutdownMs" env:"GRACEFUL_SHUTDOWN_MS"`
	KillGraceMs           int      `json:"killGraceMs" env:"KILL_GRACE_MS"`
	MaxRetries            int      `json:"maxRetries" env:"MAX_RETRIES"`
	RecoverablePatterns   []string `json:"recoverablePatterns" env:"RECOVERABLE_PATTERNS"`
}

// AgentPreset assigns a skill set to one of the harnesses the orchestrator
// spawns, by position.
type AgentPreset struct {
	Name   string   `json:"name"`
	Skills []string `json:"skills"`
}

// ObservabilitySettings configures the ambient logging/metrics/tracing stack.
type ObservabilitySettings struct {
	LogLevel        string  `json:"logLevel" env:"LOG_LEVEL"`
	MetricsEnabled  bool    `json:"metricsEnabled" env:"METRICS_ENABLED"`
	MetricsAddr     string  `json:"metricsAddr" env:"METRICS_ADDR"`
	TracingEnabled  bool    `json:"tracingEnabled" env:"TRACING_ENABLED"`
	TracingEndpoint string  `json:"tracingEndpoint" env:"TRACING_ENDPOINT"`
	ServiceName     string  `json:"serviceName" env:"SERVICE_NAME"`
	SampleRate      float64 `json:"sampleRate" env:"SAMPLE_RATE"`
}

// DefaultSettings returns the documented defaults from the Concurrency &
// Resource Model and Configuration sections.
func DefaultSettings() *Settings {
	return &Settings{
		Runtime: RuntimeSettings{
			Mode:          "infinite",
			MaxIterations: 0,
			IdleTimeoutMs: int(10 * time.Minute / time.Millisecond),
			Store: StoreSettings{
				Backend: "file",
			},
		},
		Agents: AgentSettings{
			WorkPollingIntervalMs: int(30 * time.Second / time.Millisecond),
			HeartbeatIntervalMs:   int(30 * time.Second / time.Millisecond),
			OfflineThresholdMs:    int(5 * 30 * time.Second / time.Millisecond),
			TimeoutMultiplier:     2.0,
			MinTimeoutMs:          int(5 * time.Minute / time.Millisecond),
			MaxTimeoutMs:          int(2 * time.Hour / time.Millisecond),
			GracefulShutdownMs:    int(30 * time.Second / time.Millisecond),
			KillGraceMs:           int(5 * time.Second / time.Millisecond),
			MaxRetries:            3,
			RecoverablePatterns: []string{
				"ECONNRESET", "rate limit", "timeout", "temporarily unavailable",
			},
		},
		DefaultCount: 3,
		Presets:      nil,
		Observability: ObservabilitySettings{
			LogLevel:       "info",
			MetricsEnabled: true,
			MetricsAddr:    ":9090",
			TracingEnabled: false,
			ServiceName:    "jetpackd",
			SampleRate:     0.1,
		},
	}
}
