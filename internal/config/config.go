package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Config holds all configuration for the supercheck scheduler service.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	DatabaseURL   string `json:"database_url"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db"`
	HTTPAddr      string `json:"http_addr"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`
	QueueDrainTimeout      time.Duration `json:"-"`
	QueueDrainTimeoutStr   string        `json:"queue_drain_timeout"`

	// QueuePrefix namespaces every Redis key the queue adapter touches.
	// All instances sharing a Redis must use the same prefix.
	QueuePrefix        string        `json:"queue_prefix"`
	PromoteInterval    time.Duration `json:"-"`
	PromoteIntervalStr string        `json:"promote_interval"`
	StalledInterval    time.Duration `json:"-"`
	StalledIntervalStr string        `json:"stalled_check_interval"`

	// StalledGrace: how long a claimed job may go without a heartbeat
	// before the reaper treats it as stalled.
	StalledGrace    time.Duration `json:"-"`
	StalledGraceStr string        `json:"stalled_grace"`

	// CapacityIsolation: "tenant" (per-organization counters) or "global"
	// (one shared pool across all organizations).
	CapacityIsolation string `json:"capacity_isolation"`
	PlanCatalogPath   string `json:"plan_catalog_path,omitempty"`

	// GlobalRunningCapacity caps concurrent running work across every
	// tenant regardless of plan, 0 = disabled.
	GlobalRunningCapacity int `json:"global_running_capacity"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	EventBufferSize    int           `json:"event_buffer_size"`
	SSEPingInterval    time.Duration `json:"-"`
	SSEPingIntervalStr string        `json:"sse_ping_interval"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	SweepEnabled     bool          `json:"sweep_enabled"`
	SweepInterval    time.Duration `json:"-"`
	SweepIntervalStr string        `json:"sweep_interval"`

	// SweepThreshold must comfortably exceed StalledGrace so the queue
	// reaper gets first crack at a vanished job.
	SweepThreshold    time.Duration `json:"-"`
	SweepThresholdStr string        `json:"sweep_threshold"`

	SweepBatchSize int `json:"sweep_batch_size"`

	// AuthMode: "jwt" (verify bearer tokens) or "none" (trust headers,
	// local development only).
	AuthMode             string `json:"auth_mode"`
	JWTSecret            string `json:"jwt_secret,omitempty"`
	WebhookSigningSecret string `json:"webhook_signing_secret,omitempty"`

	RateLimitRPS   int `json:"rate_limit_rps"`
	RateLimitBurst int `json:"rate_limit_burst"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderEnabled bool  `json:"leader_election_enabled"`
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		RedisPassword:              os.Getenv("REDIS_PASSWORD"),
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		DBOpTimeoutStr:             os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:       os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:       os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr:     os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		QueueDrainTimeoutStr:       os.Getenv("QUEUE_DRAIN_TIMEOUT"),
		QueuePrefix:                os.Getenv("QUEUE_PREFIX"),
		PromoteIntervalStr:         os.Getenv("PROMOTE_INTERVAL"),
		StalledIntervalStr:         os.Getenv("STALLED_CHECK_INTERVAL"),
		StalledGraceStr:            os.Getenv("STALLED_GRACE"),
		CapacityIsolation:          os.Getenv("CAPACITY_ISOLATION"),
		PlanCatalogPath:            os.Getenv("PLAN_CATALOG_PATH"),
		CircuitBreakerCooldownStr:  os.Getenv("CIRCUIT_BREAKER_COOLDOWN"),
		SSEPingIntervalStr:         os.Getenv("SSE_PING_INTERVAL"),
		MetricsEnabled:             os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:                os.Getenv("METRICS_PATH"),
		SweepEnabled:               os.Getenv("RUN_SWEEP_ENABLED") != "false",
		SweepIntervalStr:           os.Getenv("RUN_SWEEP_INTERVAL"),
		SweepThresholdStr:          os.Getenv("RUN_SWEEP_THRESHOLD"),
		AuthMode:                   os.Getenv("AUTH_MODE"),
		JWTSecret:                  os.Getenv("JWT_SECRET"),
		WebhookSigningSecret:       os.Getenv("WEBHOOK_SIGNING_SECRET"),
		LeaderEnabled:              os.Getenv("LEADER_ELECTION_ENABLED") == "true",
		LeaderRetryIntervalStr:     os.Getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr: os.Getenv("LEADER_HEARTBEAT_INTERVAL"),
	}

	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if n, err := parseInt(dbStr); err == nil {
			cfg.RedisDB = n
		} else {
			log.Printf("config: invalid REDIS_DB %q (must be a non-negative integer), using default 0", dbStr)
		}
	}

	if bufStr := os.Getenv("EVENT_BUFFER_SIZE"); bufStr != "" {
		if n, err := parseInt(bufStr); err == nil && n > 0 {
			cfg.EventBufferSize = n
		} else {
			log.Printf("config: invalid EVENT_BUFFER_SIZE %q (must be a positive integer), using default 100", bufStr)
		}
	}
	if cfg.EventBufferSize == 0 {
		cfg.EventBufferSize = 100
	}

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
		}
	}
	if cfg.CircuitBreakerThreshold == 0 && os.Getenv("CIRCUIT_BREAKER_THRESHOLD") == "" {
		cfg.CircuitBreakerThreshold = 5
	}

	if capStr := os.Getenv("GLOBAL_RUNNING_CAPACITY"); capStr != "" {
		if n, err := parseInt(capStr); err == nil {
			cfg.GlobalRunningCapacity = n
		} else {
			log.Printf("config: invalid GLOBAL_RUNNING_CAPACITY %q (must be a non-negative integer), global ceiling disabled", capStr)
		}
	}

	if batchStr := os.Getenv("RUN_SWEEP_BATCH_SIZE"); batchStr != "" {
		if batch, err := parseInt(batchStr); err == nil && batch > 0 {
			cfg.SweepBatchSize = batch
		}
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = 100
	}

	if rpsStr := os.Getenv("RATE_LIMIT_RPS"); rpsStr != "" {
		if n, err := parseInt(rpsStr); err == nil && n > 0 {
			cfg.RateLimitRPS = n
		} else {
			log.Printf("config: invalid RATE_LIMIT_RPS %q (must be a positive integer), using default 50", rpsStr)
		}
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 50
	}

	if burstStr := os.Getenv("RATE_LIMIT_BURST"); burstStr != "" {
		if n, err := parseInt(burstStr); err == nil && n > 0 {
			cfg.RateLimitBurst = n
		} else {
			log.Printf("config: invalid RATE_LIMIT_BURST %q (must be a positive integer), using default 100", burstStr)
		}
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 100
	}

	if lockKeyStr := os.Getenv("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := parseInt(lockKeyStr); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 842113", lockKeyStr)
		}
	}
	if cfg.LeaderLockKey == 0 {
		cfg.LeaderLockKey = 842113
	}

	if maxOpenStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxOpenStr != "" {
		if n, err := parseInt(maxOpenStr); err == nil && n > 0 {
			cfg.DBMaxOpenConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 25
	}

	if maxIdleStr := os.Getenv("DB_MAX_IDLE_CONNS"); maxIdleStr != "" {
		if n, err := parseInt(maxIdleStr); err == nil && n > 0 {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 5
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.DBOpTimeoutStr == "" {
		cfg.DBOpTimeoutStr = "5s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.DBConnMaxIdleTimeStr == "" {
		cfg.DBConnMaxIdleTimeStr = "5m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.QueueDrainTimeoutStr == "" {
		cfg.QueueDrainTimeoutStr = "30s"
	}
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = "sq"
	}
	if cfg.PromoteIntervalStr == "" {
		cfg.PromoteIntervalStr = "5s"
	}
	if cfg.StalledIntervalStr == "" {
		cfg.StalledIntervalStr = "30s"
	}
	if cfg.StalledGraceStr == "" {
		cfg.StalledGraceStr = "60s"
	}
	if cfg.CapacityIsolation == "" {
		cfg.CapacityIsolation = "tenant"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}
	if cfg.SSEPingIntervalStr == "" {
		cfg.SSEPingIntervalStr = "30s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.SweepIntervalStr == "" {
		cfg.SweepIntervalStr = "5m"
	}
	if cfg.SweepThresholdStr == "" {
		cfg.SweepThresholdStr = "15m"
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = "none"
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "5s"
	}
	if cfg.LeaderHeartbeatIntervalStr == "" {
		cfg.LeaderHeartbeatIntervalStr = "2s"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.DBOpTimeoutStr); err == nil {
		cfg.DBOpTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxIdleTimeStr); err == nil {
		cfg.DBConnMaxIdleTime = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.QueueDrainTimeoutStr); err == nil {
		cfg.QueueDrainTimeout = d
	}
	if d, err := time.ParseDuration(cfg.PromoteIntervalStr); err == nil {
		cfg.PromoteInterval = d
	}
	if d, err := time.ParseDuration(cfg.StalledIntervalStr); err == nil {
		cfg.StalledInterval = d
	}
	if d, err := time.ParseDuration(cfg.StalledGraceStr); err == nil {
		cfg.StalledGrace = d
	}
	if d, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err == nil {
		cfg.CircuitBreakerCooldown = d
	}
	if d, err := time.ParseDuration(cfg.SSEPingIntervalStr); err == nil {
		cfg.SSEPingInterval = d
	}
	if d, err := time.ParseDuration(cfg.SweepIntervalStr); err == nil {
		cfg.SweepInterval = d
	}
	if d, err := time.ParseDuration(cfg.SweepThresholdStr); err == nil {
		cfg.SweepThreshold = d
	}
	if d, err := time.ParseDuration(cfg.LeaderRetryIntervalStr); err == nil {
		cfg.LeaderRetryInterval = d
	}
	if d, err := time.ParseDuration(cfg.LeaderHeartbeatIntervalStr); err == nil {
		cfg.LeaderHeartbeatInterval = d
	}

	return cfg
}

// parseInt parses a string as an integer.
func parseInt(s string) (int, error) {
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		DatabaseURL             string `json:"database_url"`
		RedisAddr               string `json:"redis_addr"`
		RedisPassword           string `json:"redis_password,omitempty"`
		RedisDB                 int    `json:"redis_db"`
		HTTPAddr                string `json:"http_addr"`
		DBOpTimeout             string `json:"db_op_timeout"`
		DBMaxOpenConns          int    `json:"db_max_open_conns"`
		DBMaxIdleConns          int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		QueueDrainTimeout       string `json:"queue_drain_timeout"`
		QueuePrefix             string `json:"queue_prefix"`
		PromoteInterval         string `json:"promote_interval"`
		StalledInterval         string `json:"stalled_check_interval"`
		StalledGrace            string `json:"stalled_grace"`
		CapacityIsolation       string `json:"capacity_isolation"`
		PlanCatalogPath         string `json:"plan_catalog_path,omitempty"`
		GlobalRunningCapacity   int    `json:"global_running_capacity"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
		EventBufferSize         int    `json:"event_buffer_size"`
		SSEPingInterval         string `json:"sse_ping_interval"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPath             string `json:"metrics_path"`
		SweepEnabled            bool   `json:"sweep_enabled"`
		SweepInterval           string `json:"sweep_interval"`
		SweepThreshold          string `json:"sweep_threshold"`
		SweepBatchSize          int    `json:"sweep_batch_size"`
		AuthMode                string `json:"auth_mode"`
		JWTSecret               string `json:"jwt_secret,omitempty"`
		WebhookSigningSecret    string `json:"webhook_signing_secret,omitempty"`
		RateLimitRPS            int    `json:"rate_limit_rps"`
		RateLimitBurst          int    `json:"rate_limit_burst"`
		LeaderEnabled           bool   `json:"leader_election_enabled"`
		LeaderLockKey           int64  `json:"leader_lock_key"`
		LeaderRetryInterval     string `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string `json:"leader_heartbeat_interval"`
	}{
		DatabaseURL:             maskSecret(c.DatabaseURL),
		RedisAddr:               c.RedisAddr,
		RedisPassword:           maskSecret(c.RedisPassword),
		RedisDB:                 c.RedisDB,
		HTTPAddr:                c.HTTPAddr,
		DBOpTimeout:             c.DBOpTimeoutStr,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetimeStr,
		DBConnMaxIdleTime:       c.DBConnMaxIdleTimeStr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		QueueDrainTimeout:       c.QueueDrainTimeoutStr,
		QueuePrefix:             c.QueuePrefix,
		PromoteInterval:         c.PromoteIntervalStr,
		StalledInterval:         c.StalledIntervalStr,
		StalledGrace:            c.StalledGraceStr,
		CapacityIsolation:       c.CapacityIsolation,
		PlanCatalogPath:         c.PlanCatalogPath,
		GlobalRunningCapacity:   c.GlobalRunningCapacity,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
		EventBufferSize:         c.EventBufferSize,
		SSEPingInterval:         c.SSEPingIntervalStr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		SweepEnabled:            c.SweepEnabled,
		SweepInterval:           c.SweepIntervalStr,
		SweepThreshold:          c.SweepThresholdStr,
		SweepBatchSize:          c.SweepBatchSize,
		AuthMode:                c.AuthMode,
		JWTSecret:               maskSecret(c.JWTSecret),
		WebhookSigningSecret:    maskSecret(c.WebhookSigningSecret),
		RateLimitRPS:            c.RateLimitRPS,
		RateLimitBurst:          c.RateLimitBurst,
		LeaderEnabled:           c.LeaderEnabled,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryIntervalStr,
		LeaderHeartbeatInterval: c.LeaderHeartbeatIntervalStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "redis://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
