package main

import (
	"github.com/sirupsen/logrus"

	"github.com/supercheck-io/supercheck-sub010/internal/capacity"
	"github.com/supercheck-io/supercheck-sub010/internal/config"
)

// logConfigWarnings flags configuration that validates fine but bites in
// production. P0: correctness or security is at risk. P1: operability is
// degraded. INFO: worth knowing, not wrong.
func logConfigWarnings(cfg config.Config, logger *logrus.Logger) {
	if cfg.AuthMode == "none" {
		logger.Warn("WARNING [P0]: AUTH_MODE=none trusts every caller as the development tenant; do not expose this listener")
	}

	if !cfg.LeaderEnabled {
		logger.Warn("WARNING [P0]: LEADER_ELECTION_ENABLED=false; the promoter, reaper and sweeper run unguarded, so running a second instance fires recurring work twice")
	}

	if !cfg.SweepEnabled {
		logger.Warn("WARNING [P0]: RUN_SWEEP_ENABLED=false; runs orphaned by vanished queue entries will sit in running forever")
	}

	if !cfg.MetricsEnabled {
		logger.Warn("WARNING [P1]: METRICS_ENABLED=false; no visibility into queue depth, admission rejections or event lag")
	}

	if cfg.WebhookSigningSecret == "" {
		logger.Warn("WARNING [P1]: WEBHOOK_SIGNING_SECRET is not set; the inbound webhook trigger endpoint is disabled")
	}

	if cfg.CircuitBreakerThreshold == 0 {
		logger.Warn("WARNING [P1]: CIRCUIT_BREAKER_THRESHOLD=0; admission keeps querying Redis during an outage instead of failing fast")
	}

	if cfg.CapacityIsolation == capacity.IsolationGlobal {
		logger.Info("INFO: CAPACITY_ISOLATION=global; all tenants draw from one pool and a single noisy tenant can exhaust it")
	}
}
