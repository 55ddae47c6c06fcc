// Package analytics keeps per-project run outcome counters in Redis,
// bucketed by UTC day. Counters feed dashboard stats only: losing them
// loses history, never run state.
package analytics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

const (
	// statsRetention bounds how long day buckets survive. Expire is
	// refreshed on every write, so active projects keep a rolling window.
	statsRetention = 90 * 24 * time.Hour
	maxStatsDays   = 90
	defaultDays    = 7
)

// DayStats is one day bucket of a project's run outcomes.
type DayStats struct {
	Date     string           `json:"date"`
	Total    int64            `json:"total"`
	Passed   int64            `json:"passed"`
	Failed   int64            `json:"failed"`
	Canceled int64            `json:"canceled"`
	ByKind   map[string]int64 `json:"byKind,omitempty"`
}

// ProjectStats is a project's recent outcome history, most recent day first.
type ProjectStats struct {
	ProjectID uuid.UUID  `json:"projectId"`
	Days      []DayStats `json:"days"`
}

// Recorder writes and reads outcome counters. One hash per project and day;
// fields count terminal statuses plus per-kind totals.
type Recorder struct {
	client *redis.Client
	prefix string

	clock func() time.Time
}

func NewRecorder(client *redis.Client, prefix string) *Recorder {
	if prefix == "" {
		prefix = "sq"
	}
	return &Recorder{
		client: client,
		prefix: prefix,
		clock:  time.Now,
	}
}

// RecordOutcome counts one terminal run outcome. Callers treat failures as
// best-effort: a lost counter is not worth failing the transition for.
func (r *Recorder) RecordOutcome(ctx context.Context, projectID uuid.UUID, kind domain.TaskKind, status domain.RunStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("record outcome: %q is not terminal", status)
	}
	key := r.dayKey(projectID, r.clock().UTC())

	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, key, string(status), 1)
	pipe.HIncrBy(ctx, key, "total", 1)
	pipe.HIncrBy(ctx, key, "kind:"+string(kind), 1)
	pipe.Expire(ctx, key, statsRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// ProjectStats reads the last days buckets for a project, newest first.
// days is clamped to [1, 90]; zero means the default week.
func (r *Recorder) ProjectStats(ctx context.Context, projectID uuid.UUID, days int) (ProjectStats, error) {
	if days <= 0 {
		days = defaultDays
	}
	if days > maxStatsDays {
		days = maxStatsDays
	}
	today := r.clock().UTC()

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, days)
	dates := make([]string, days)
	for i := 0; i < days; i++ {
		day := today.AddDate(0, 0, -i)
		dates[i] = dayBucket(day)
		cmds[i] = pipe.HGetAll(ctx, r.dayKey(projectID, day))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return ProjectStats{}, fmt.Errorf("project stats: %w", err)
	}

	stats := ProjectStats{ProjectID: projectID, Days: make([]DayStats, 0, days)}
	for i := 0; i < days; i++ {
		stats.Days = append(stats.Days, parseDay(dates[i], cmds[i].Val()))
	}
	return stats, nil
}

func (r *Recorder) dayKey(projectID uuid.UUID, t time.Time) string {
	return fmt.Sprintf("%s:stats:%s:%s", r.prefix, projectID, dayBucket(t))
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("20060102")
}

// parseDay turns a stored hash into its DayStats form. Fields that fail to
// parse count as zero; counter corruption must not break the stats read.
func parseDay(date string, fields map[string]string) DayStats {
	day := DayStats{Date: date}
	for field, raw := range fields {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		switch field {
		case "total":
			day.Total = n
		case string(domain.RunStatusPassed):
			day.Passed = n
		case string(domain.RunStatusFailed):
			day.Failed = n
		case string(domain.RunStatusCanceled):
			day.Canceled = n
		default:
			if kind, ok := strings.CutPrefix(field, "kind:"); ok {
				if day.ByKind == nil {
					day.ByKind = make(map[string]int64)
				}
				day.ByKind[kind] = n
			}
		}
	}
	return day
}
