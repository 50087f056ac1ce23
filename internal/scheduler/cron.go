package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

// RecurringJob is one YAML-declared cron entry.
type RecurringJob struct {
	Name     string         `yaml:"name"`
	Schedule string         `yaml:"schedule"`
	OrgID    string         `yaml:"org_id"`
	Payload  map[string]any `yaml:"payload"`
}

// LoadRecurringJobs reads the recurring-job declarations from a YAML file.
func LoadRecurringJobs(path string) ([]RecurringJob, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.LoadRecurringJobs: %w", err)
	}
	var doc struct {
		Jobs []RecurringJob `yaml:"jobs"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("op=scheduler.LoadRecurringJobs: %w", err)
	}
	return doc.Jobs, nil
}

// StartRecurring registers each entry with a cron runner that schedules the
// job on its spec. Entries referencing unregistered jobs fail registration
// up front instead of at first fire.
func (s *Scheduler) StartRecurring(ctx domain.Context, jobs []RecurringJob) (*cron.Cron, error) {
	runner := cron.New()
	for _, rj := range jobs {
		rj := rj
		if _, _, ok := s.registry.Lookup(rj.Name); !ok {
			return nil, fmt.Errorf("op=scheduler.StartRecurring: job %q not registered: %w", rj.Name, domain.ErrNotFound)
		}
		payload, err := json.Marshal(rj.Payload)
		if err != nil {
			return nil, fmt.Errorf("op=scheduler.StartRecurring: %s: %w", rj.Name, err)
		}
		_, err = runner.AddFunc(rj.Schedule, func() {
			fireCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if _, err := s.Schedule(fireCtx, rj.Name, payload, WithOrg(rj.OrgID)); err != nil {
				slog.Warn("recurring schedule failed",
					slog.String("job", rj.Name),
					slog.Any("error", err))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("op=scheduler.StartRecurring: %s: spec %q: %w", rj.Name, rj.Schedule, err)
		}
	}
	runner.Start()
	slog.Info("recurring jobs started", slog.Int("count", len(jobs)))
	return runner, nil
}
