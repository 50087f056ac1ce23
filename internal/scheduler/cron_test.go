package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

func TestLoadRecurringJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recurring.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jobs:
  - name: domain_export
    schedule: "0 3 * * *"
    org_id: org-1
    payload:
      format: csv
  - name: feedback_ingest
    schedule: "@hourly"
`), 0o600))

	jobs, err := LoadRecurringJobs(path)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "domain_export", jobs[0].Name)
	assert.Equal(t, "0 3 * * *", jobs[0].Schedule)
	assert.Equal(t, "org-1", jobs[0].OrgID)
	assert.Equal(t, map[string]any{"format": "csv"}, jobs[0].Payload)
	assert.Equal(t, "@hourly", jobs[1].Schedule)
}

func TestLoadRecurringJobsMissingFile(t *testing.T) {
	_, err := LoadRecurringJobs(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestStartRecurringRejectsUnknownJob(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeBroker{}, nil)

	_, err := s.StartRecurring(context.Background(), []RecurringJob{
		{Name: "ghost", Schedule: "@hourly"},
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStartRecurringRejectsBadSpec(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeBroker{}, nil)

	_, err := s.StartRecurring(context.Background(), []RecurringJob{
		{Name: "publish_intent", Schedule: "not a cron spec"},
	})
	assert.Error(t, err)
}

func TestStartRecurringRegistersEntries(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeBroker{}, nil)

	runner, err := s.StartRecurring(context.Background(), []RecurringJob{
		{Name: "publish_intent", Schedule: "@daily", OrgID: "org-1"},
	})
	require.NoError(t, err)
	defer runner.Stop()
	assert.Len(t, runner.Entries(), 1)
}
