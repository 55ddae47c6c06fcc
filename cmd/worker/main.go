package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/queue"
)

// Reference worker: claims queue entries, executes http/tcp monitor checks
// and reports outcomes. Browser and load tests need real execution engines;
// this worker only fails them with an explanatory note when explicitly told
// to claim those kinds.

func newLogger() *logrus.Logger {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	if os.Getenv("LOG_FORMAT") == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(logger *logrus.Logger, key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logger.WithField("value", v).Warnf("invalid %s, using default %s", key, fallback)
		return fallback
	}
	return d
}

func parseKinds(logger *logrus.Logger, raw string) []domain.TaskKind {
	if raw == "" {
		return []domain.TaskKind{domain.TaskKindMonitorCheck}
	}
	var kinds []domain.TaskKind
	for _, part := range strings.Split(raw, ",") {
		kind := domain.TaskKind(strings.TrimSpace(part))
		if kind == "" {
			continue
		}
		if !kind.Valid() {
			fmt.Fprintf(os.Stderr, "unknown task kind in WORKER_KINDS: %q\n", kind)
			os.Exit(1)
		}
		if kind != domain.TaskKindMonitorCheck {
			logger.Warnf("WARNING: this worker has no %s engine; claimed %s jobs fail immediately", kind, kind)
		}
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 {
		return []domain.TaskKind{domain.TaskKindMonitorCheck}
	}
	return kinds
}

type worker struct {
	id        string
	queue     *queue.Adapter
	checks    *checker
	poll      time.Duration
	heartbeat time.Duration
	log       *logrus.Entry
}

func main() {
	logger := newLogger()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		fmt.Fprintln(os.Stderr, "REDIS_ADDR is required")
		os.Exit(1)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	kinds := parseKinds(logger, os.Getenv("WORKER_KINDS"))
	poll := envDurationOr(logger, "WORKER_POLL_INTERVAL", time.Second)
	// Must stay well under the server's STALLED_GRACE (default 60s) or the
	// reaper will redeliver jobs this worker is still executing.
	heartbeat := envDurationOr(logger, "WORKER_HEARTBEAT_INTERVAL", 15*time.Second)
	checkTimeout := envDurationOr(logger, "WORKER_CHECK_TIMEOUT", 30*time.Second)

	redisDB := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redisDB = n
		}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       redisDB,
	})
	defer client.Close()

	adapter := queue.New(client, queue.Config{Prefix: os.Getenv("QUEUE_PREFIX")}, logger)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err := adapter.Ping(pingCtx)
	cancelPing()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to redis: %v\n", err)
		os.Exit(1)
	}

	w := &worker{
		id:        workerID,
		queue:     adapter,
		checks:    newChecker(checkTimeout),
		poll:      poll,
		heartbeat: heartbeat,
		log:       logger.WithField("component", "worker"),
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for _, kind := range kinds {
		wg.Add(1)
		go func(kind domain.TaskKind) {
			defer wg.Done()
			w.claimLoop(rootCtx, kind)
		}(kind)
	}

	kindNames := make([]string, len(kinds))
	for i, kind := range kinds {
		kindNames[i] = string(kind)
	}
	w.log.WithFields(logrus.Fields{
		"worker_id": workerID,
		"kinds":     strings.Join(kindNames, ","),
		"poll":      poll.String(),
		"heartbeat": heartbeat.String(),
	}).Info("worker started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	w.log.WithField("signal", received.String()).Info("shutting down")
	cancelRoot()
	wg.Wait()
	w.log.Info("worker stopped")
}

func (w *worker) claimLoop(ctx context.Context, kind domain.TaskKind) {
	log := w.log.WithField("queue", kind.QueueName())
	log.Info("claim loop started")

	for {
		if ctx.Err() != nil {
			log.Info("claim loop stopped")
			return
		}

		job, err := w.queue.Claim(ctx, kind, w.id)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("claim loop stopped")
				return
			}
			log.WithError(err).Warn("claim failed")
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		w.execute(ctx, job)
	}
}

func (w *worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.poll):
	}
}

// execute runs one claimed job to a terminal report. A lost claim or a
// shutdown mid-execution abandons the work instead: the entry is either
// already reaped or will be redelivered to another worker.
func (w *worker) execute(ctx context.Context, job *queue.ClaimedJob) {
	log := w.log.WithFields(logrus.Fields{
		"job_id": job.ID,
		"queue":  job.Kind.QueueName(),
		"name":   job.Name,
	})
	log.Info("job claimed")

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Heartbeat(jobCtx, job.Kind, job.ID); err != nil {
					if errors.Is(err, queue.ErrUnknownJob) {
						log.Warn("claim lost, abandoning work")
						cancelJob()
						return
					}
					if jobCtx.Err() == nil {
						log.WithError(err).Warn("heartbeat failed")
					}
				}
			}
		}
	}()

	result, execErr := w.run(jobCtx, job)

	// A cancelled job context means shutdown or a lost claim, not a result.
	interrupted := jobCtx.Err() != nil
	cancelJob()
	<-hbDone

	if interrupted {
		log.Info("execution abandoned")
		return
	}

	// Report with a fresh context: the root context may already be gone and
	// an unreported finished job would only resurface via redelivery.
	finishCtx, cancelFinish := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFinish()

	if execErr != nil {
		log.WithError(execErr).Warn("job not executable")
		if err := w.queue.Fail(finishCtx, job.Kind, job.ID, execErr.Error()); err != nil {
			log.WithError(err).Warn("fail report failed")
		}
		return
	}

	outcome := domain.RunStatusPassed
	if !result.Passed {
		outcome = domain.RunStatusFailed
	}
	log.WithFields(logrus.Fields{
		"outcome":  string(outcome),
		"detail":   result.Detail,
		"duration": result.Duration.String(),
	}).Info("check finished")

	if err := w.queue.Complete(finishCtx, job.Kind, job.ID, outcome); err != nil {
		log.WithError(err).Warn("completion report failed")
	}
}

func (w *worker) run(ctx context.Context, job *queue.ClaimedJob) (CheckResult, error) {
	if job.Kind != domain.TaskKindMonitorCheck {
		return CheckResult{}, fmt.Errorf("%s execution is not supported by the reference worker", job.Kind)
	}

	decoded, err := domain.DecodeTask(job.Kind, job.Payload)
	if err != nil {
		return CheckResult{}, err
	}
	task, ok := decoded.(*domain.MonitorCheckTask)
	if !ok {
		return CheckResult{}, fmt.Errorf("unexpected payload type %T", decoded)
	}

	return w.checks.Run(ctx, task)
}
