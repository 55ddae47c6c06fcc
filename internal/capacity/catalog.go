// Package capacity decides whether new work may be admitted right now,
// comparing a tenant's queue occupancy against the ceilings its plan grants.
package capacity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

// Plan tier names.
const (
	PlanFree      = "free"
	PlanDeveloper = "developer"
	PlanTeam      = "team"
	PlanScale     = "scale"
)

// BuiltinPlans returns the default tier ceilings used when no catalog file
// is configured.
func BuiltinPlans() map[string]domain.Plan {
	return map[string]domain.Plan{
		PlanFree:      {Name: PlanFree, RunningCapacity: 1, QueuedCapacity: 10, MonitorLimit: 5},
		PlanDeveloper: {Name: PlanDeveloper, RunningCapacity: 3, QueuedCapacity: 30, MonitorLimit: 25},
		PlanTeam:      {Name: PlanTeam, RunningCapacity: 10, QueuedCapacity: 100, MonitorLimit: 100},
		PlanScale:     {Name: PlanScale, RunningCapacity: 25, QueuedCapacity: 250, MonitorLimit: 500},
	}
}

// Catalog maps plan names to ceilings. Lookups are case-insensitive and an
// unknown or empty plan falls back to the free tier, so a tenant whose
// subscription record is missing gets the most conservative limits rather
// than none.
type Catalog struct {
	log  *logrus.Entry
	path string

	mu    sync.RWMutex
	plans map[string]domain.Plan
}

// NewCatalog builds a catalog with the builtin tiers. path is the optional
// YAML override file; empty means builtin-only.
func NewCatalog(path string, logger *logrus.Logger) *Catalog {
	return &Catalog{
		log:   logger.WithField("component", "plan-catalog"),
		path:  path,
		plans: BuiltinPlans(),
	}
}

// Plan returns the ceilings for a plan name.
func (c *Catalog) Plan(name string) domain.Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if plan, ok := c.plans[strings.ToLower(name)]; ok {
		return plan
	}
	if plan, ok := c.plans[PlanFree]; ok {
		return plan
	}
	// Free tier removed by an override file; admit nothing.
	return domain.Plan{Name: strings.ToLower(name)}
}

// Names lists the known plan names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.plans))
	for name := range c.plans {
		names = append(names, name)
	}
	return names
}

type catalogFile struct {
	Plans []domain.Plan `yaml:"plans"`
}

// Load replaces the catalog from the configured file. The builtin tiers
// stay in place for names the file does not define. A file that fails to
// parse or validate leaves the current catalog untouched.
func (c *Catalog) Load() error {
	if c.path == "" {
		return nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read plan catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse plan catalog: %w", err)
	}
	if len(file.Plans) == 0 {
		return fmt.Errorf("plan catalog %s defines no plans", c.path)
	}

	plans := BuiltinPlans()
	for _, plan := range file.Plans {
		name := strings.ToLower(strings.TrimSpace(plan.Name))
		if name == "" {
			return fmt.Errorf("plan catalog %s: plan with empty name", c.path)
		}
		if plan.RunningCapacity < 0 || plan.QueuedCapacity < 0 || plan.MonitorLimit < 0 {
			return fmt.Errorf("plan catalog %s: plan %q has negative ceilings", c.path, name)
		}
		plan.Name = name
		plans[name] = plan
	}

	c.mu.Lock()
	c.plans = plans
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"path":  c.path,
		"plans": len(plans),
	}).Info("plan catalog loaded")
	return nil
}

// Watch reloads the catalog whenever the file changes, until ctx is
// cancelled. The directory is watched rather than the file so atomic
// rename-into-place writes are seen. A broken edit is logged and skipped;
// the previous catalog keeps serving.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("plan catalog watch: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(c.path)
	base := filepath.Base(c.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("plan catalog watch %s: %w", dir, err)
	}
	c.log.WithField("path", c.path).Info("plan catalog watch started")

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(event.Name), base) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors fire bursts of events per save; coalesce them.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := c.Load(); err != nil {
				c.log.WithError(err).Warn("plan catalog reload rejected, keeping previous")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.WithError(err).Warn("plan catalog watch error")
		}
	}
}
