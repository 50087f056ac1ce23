package export

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

func sampleExecutions() []domain.JobExecution {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(time.Minute)
	return []domain.JobExecution{
		{
			ID:          "exec-1",
			JobType:     "publish_intent",
			Status:      domain.ExecutionCompleted,
			StartedAt:   started,
			CompletedAt: &completed,
		},
		{
			ID:        "exec-2",
			JobType:   "domain_export",
			Status:    domain.ExecutionFailed,
			StartedAt: started,
			Error:     "=cmd|' /C calc'!A0",
		},
	}
}

func TestRunRequiresOrgID(t *testing.T) {
	e := &Exporter{baseDir: t.TempDir()}

	_, err := e.Run(context.Background(), Request{Format: "csv"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRenderJSONDataURL(t *testing.T) {
	e := &Exporter{}

	res, err := e.renderJSON(sampleExecutions())
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecordCount)
	assert.Empty(t, res.FilePath)

	const prefix = "data:application/json;base64,"
	require.True(t, strings.HasPrefix(res.DataURL, prefix))
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(res.DataURL, prefix))
	require.NoError(t, err)

	var decoded []domain.JobExecution
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "exec-1", decoded[0].ID)
	assert.Equal(t, domain.ExecutionFailed, decoded[1].Status)
}

func TestRenderCSVEscapesCells(t *testing.T) {
	dir := t.TempDir()
	e := &Exporter{baseDir: dir}

	res, err := e.renderCSV("org-1", sampleExecutions())
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecordCount)
	assert.Empty(t, res.DataURL)
	require.True(t, strings.HasPrefix(res.FilePath, dir))

	f, err := os.Open(res.FilePath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"id", "job_type", "status", "started_at", "completed_at", "error"}, records[0])
	assert.Equal(t, "exec-1", records[1][0])
	assert.Equal(t, "2026-03-01T12:01:00Z", records[1][4])
	assert.Equal(t, "", records[2][4])
	assert.True(t, strings.HasPrefix(records[2][5], "'="), "formula cells carry a neutralizing apostrophe")
}
