// Package leaderelection elects one instance to own the singleton loops.
//
// Election is a single Postgres session-scoped advisory lock. The lock is
// held for the lifetime of a dedicated database connection; there is no
// renewal or TTL. If the connection dies, Postgres releases the lock
// server-side (timing depends on TCP keepalive settings).
//
// The heartbeat ping only detects local connection death so a demoted
// instance stops its duties promptly. It does not renew the lock.
package leaderelection

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supercheck-io/supercheck-sub010/internal/metrics"
)

// Config tunes the election loop.
type Config struct {
	// LockKey is the advisory lock key. All instances sharing one
	// database must use the same key. Default 842113.
	LockKey int64

	// RetryInterval is how often a follower retries acquisition. It
	// bounds the failover gap. Default 5 seconds.
	RetryInterval time.Duration

	// HeartbeatInterval is how often the leader pings its dedicated
	// connection to notice that it died. Default 2 seconds.
	HeartbeatInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.LockKey == 0 {
		c.LockKey = 842113
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Second
	}
}

// Elector competes for the leader lock and runs callbacks on transitions.
type Elector struct {
	config    Config
	db        *sql.DB
	onElected func(ctx context.Context)
	onDemoted func()
	metrics   metrics.Sink
	log       *logrus.Entry
}

// New creates an elector.
//
// onElected runs in a new goroutine when the lock is acquired; its context
// is cancelled when leadership is lost. It should start the leader duties
// (queue promoter, stalled reaper, run sweeper) and return quickly.
//
// onDemoted runs synchronously when leadership is lost. It must stop the
// leader duties, block until they are down, and be idempotent.
func New(config Config, db *sql.DB, onElected func(ctx context.Context), onDemoted func(), logger *logrus.Logger) *Elector {
	config.applyDefaults()
	return &Elector{
		config:    config,
		db:        db,
		onElected: onElected,
		onDemoted: onDemoted,
		log:       logger.WithField("component", "leader"),
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink metrics.Sink) *Elector {
	e.metrics = sink
	return e
}

// Run blocks until ctx is cancelled, alternating between competing for
// the lock and holding it.
func (e *Elector) Run(ctx context.Context) {
	e.log.WithFields(logrus.Fields{
		"lock_key":  e.config.LockKey,
		"retry":     e.config.RetryInterval.String(),
		"heartbeat": e.config.HeartbeatInterval.String(),
	}).Info("election loop started")

	for {
		if ctx.Err() != nil {
			e.log.Info("election loop stopped")
			return
		}

		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			e.log.Info("election loop stopped")
			return
		}

		if reason != "" {
			e.log.WithField("reason", reason).Warn("leadership lost")
		}

		select {
		case <-ctx.Done():
			e.log.Info("election loop stopped")
			return
		case <-time.After(e.config.RetryInterval):
		}
	}
}

// runOnce makes one acquisition attempt and, on success, holds the lock
// until it is lost. Returns the loss reason, or "" if the lock was never
// acquired.
func (e *Elector) runOnce(ctx context.Context) string {
	// Advisory locks are session-scoped, so the lock lives and dies with
	// this one connection.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		e.log.WithError(err).Warn("dedicated connection unavailable")
		return ""
	}
	defer conn.Close()

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.config.LockKey).Scan(&acquired)
	if err != nil {
		e.log.WithError(err).Warn("advisory lock query failed")
		return ""
	}
	if !acquired {
		e.log.Debug("lock held by another instance")
		return ""
	}

	e.log.WithField("lock_key", e.config.LockKey).Info("leadership acquired")
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	// The ping detects local connection death; it does not renew the lock.
	reason := e.holdLock(ctx, conn)

	cancelLeader()
	e.onDemoted()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	e.log.WithField("lock_key", e.config.LockKey).Info("leadership released")
	return reason
}

// holdLock blocks while pinging the dedicated connection, returning why
// the lock was lost.
func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				e.log.WithError(err).Warn("dedicated connection ping failed")
				return "conn_lost"
			}
		}
	}
}
