package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workfabric/internal/domain"
	"github.com/fairyhunter13/workfabric/internal/feedback"
	"github.com/fairyhunter13/workfabric/internal/scheduler"
)

func registerAll(t *testing.T, ingestEnabled bool) *scheduler.Registry {
	t.Helper()
	reg := scheduler.NewRegistry()
	require.NoError(t, RegisterJobs(reg, Deps{
		Ingestor: feedback.NewIngestor(nil, ingestEnabled),
	}))
	return reg
}

func TestRegisterJobsBindsEveryJob(t *testing.T) {
	reg := registerAll(t, true)

	for _, name := range []string{JobPublishIntent, JobNotifyDispatch, JobDomainExport, JobFeedbackIngest} {
		cfg, handler, ok := reg.Lookup(name)
		require.True(t, ok, name)
		assert.NotNil(t, handler, name)
		assert.NotEmpty(t, cfg.Queue, name)
	}
	assert.ElementsMatch(t, []string{"publish", "notifications", "exports", "feedback"}, reg.Queues())
}

func TestFeedbackIngestProbeGatesDisabledStub(t *testing.T) {
	reg := registerAll(t, false)

	cfg, _, ok := reg.Lookup(JobFeedbackIngest)
	require.True(t, ok)
	require.NotNil(t, cfg.Probe)
	assert.ErrorIs(t, cfg.Probe(), domain.ErrNotImplemented)
}

func TestFeedbackIngestProbePassesWhenEnabled(t *testing.T) {
	reg := registerAll(t, true)

	cfg, _, ok := reg.Lookup(JobFeedbackIngest)
	require.True(t, ok)
	require.NotNil(t, cfg.Probe)
	assert.NoError(t, cfg.Probe())
}

func TestPayloadSchemas(t *testing.T) {
	reg := registerAll(t, true)

	cases := []struct {
		job     string
		payload string
		ok      bool
	}{
		{JobPublishIntent, `{"intent_id":"i-1"}`, true},
		{JobPublishIntent, `{}`, false},
		{JobNotifyDispatch, `{"notification_id":"n-1"}`, true},
		{JobNotifyDispatch, `{"notification_ids":["n-1","n-2"]}`, true},
		{JobNotifyDispatch, `{}`, false},
		{JobDomainExport, `{"org_id":"org-1","format":"csv"}`, true},
		{JobDomainExport, `{"format":"csv"}`, false},
		{JobFeedbackIngest, `{"org_id":"org-1","entity_id":"post-1"}`, true},
		{JobFeedbackIngest, `{nope`, false},
	}
	for _, tc := range cases {
		cfg, _, ok := reg.Lookup(tc.job)
		require.True(t, ok, tc.job)
		err := cfg.ValidatePayload([]byte(tc.payload))
		if tc.ok {
			assert.NoError(t, err, "%s %s", tc.job, tc.payload)
		} else {
			assert.Error(t, err, "%s %s", tc.job, tc.payload)
		}
	}
}
