package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the agent's runtime settings. Service declarations live in
// the services file (see Load) and are kept separate on purpose: settings
// come from the environment and flags, services come from the repo being
// exposed.
type Config struct {
	BindAddress string
	BindPort    int

	// Control plane.
	APIURL        string
	APIKey        string
	VCSProvider   string
	ProjectVCSID  string
	PullRequestID string
	WorkflowID    string

	LogLevel string

	// MetricsAddr, when non-empty, serves Prometheus metrics on a
	// dedicated listener in addition to the gateway's /agent/metrics.
	MetricsAddr string

	// Supervisor tunables.
	StopGracePeriod   time.Duration
	RestartBaseDelay  time.Duration
	RestartMaxDelay   time.Duration
	MaxCrashRestarts  int
	HealthyResetAfter time.Duration

	// Inactivity shutdown.
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration

	// Control channel.
	HeartbeatInterval   time.Duration
	RemoteSilenceWindow time.Duration
	EventQueueSize      int

	// Tunnel.
	KeepaliveInterval time.Duration
	MissedKeepalives  int

	// Reconnect backoff shared by the tunnel and control channel loops.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// FromEnv builds a Config from environment variables with documented
// defaults. Flag values override these in main.
func FromEnv() *Config {
	return &Config{
		BindAddress:   getEnv("KITTENGRID_BIND_ADDRESS", "0.0.0.0"),
		BindPort:      getEnvInt("KITTENGRID_BIND_PORT", 3000),
		APIURL:        getEnv("KITTENGRID_API_URL", "https://app.kittengrid.com"),
		APIKey:        getEnv("KITTENGRID_API_KEY", ""),
		VCSProvider:   getEnv("KITTENGRID_VCS_PROVIDER", ""),
		ProjectVCSID:  getEnv("KITTENGRID_PROJECT_VCS_ID", ""),
		PullRequestID: getEnv("KITTENGRID_PULL_REQUEST_VCS_ID", ""),
		WorkflowID:    getEnv("KITTENGRID_WORKFLOW_ID", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		MetricsAddr:   getEnv("KITTENGRID_METRICS_ADDR", ""),

		StopGracePeriod:   getEnvDuration("KITTENGRID_STOP_GRACE_PERIOD", 10*time.Second),
		RestartBaseDelay:  getEnvDuration("KITTENGRID_RESTART_BASE_DELAY", time.Second),
		RestartMaxDelay:   getEnvDuration("KITTENGRID_RESTART_MAX_DELAY", 30*time.Second),
		MaxCrashRestarts:  getEnvInt("KITTENGRID_MAX_CRASH_RESTARTS", 5),
		HealthyResetAfter: getEnvDuration("KITTENGRID_HEALTHY_RESET_AFTER", time.Minute),

		IdleTimeout:       getEnvDuration("KITTENGRID_IDLE_TIMEOUT", 30*time.Minute),
		IdleCheckInterval: getEnvDuration("KITTENGRID_IDLE_CHECK_INTERVAL", 30*time.Second),

		HeartbeatInterval:   getEnvDuration("KITTENGRID_HEARTBEAT_INTERVAL", 15*time.Second),
		RemoteSilenceWindow: getEnvDuration("KITTENGRID_REMOTE_SILENCE_WINDOW", time.Minute),
		EventQueueSize:      getEnvInt("KITTENGRID_EVENT_QUEUE_SIZE", 1024),

		KeepaliveInterval: getEnvDuration("KITTENGRID_TUNNEL_KEEPALIVE", 5*time.Second),
		MissedKeepalives:  getEnvInt("KITTENGRID_TUNNEL_MISSED_KEEPALIVES", 3),

		ReconnectBaseDelay: getEnvDuration("KITTENGRID_RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:  getEnvDuration("KITTENGRID_RECONNECT_MAX_DELAY", 30*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
