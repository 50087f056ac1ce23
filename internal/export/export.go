package export

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/workfabric/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/workfabric/internal/domain"
)

// Request is the payload of an export job.
type Request struct {
	OrgID  string `json:"org_id"`
	Format string `json:"format"` // csv | json
	Limit  int    `json:"limit,omitempty"`
}

// Result describes a finished export. CSV exports land on disk; JSON exports
// are returned inline as a data URL.
type Result struct {
	RecordCount int    `json:"record_count"`
	FilePath    string `json:"file_path,omitempty"`
	DataURL     string `json:"data_url,omitempty"`
}

// Exporter renders an org's execution history.
type Exporter struct {
	execs   *postgres.ExecutionRepo
	baseDir string
}

// NewExporter constructs an Exporter writing CSV files under baseDir.
func NewExporter(pool postgres.PgxPool, baseDir string) *Exporter {
	return &Exporter{execs: postgres.NewExecutionRepo(pool), baseDir: baseDir}
}

// Run performs one export.
func (e *Exporter) Run(ctx domain.Context, req Request) (Result, error) {
	tracer := otel.Tracer("export")
	ctx, span := tracer.Start(ctx, "export.Run")
	defer span.End()

	if req.OrgID == "" {
		return Result{}, fmt.Errorf("op=export.Run: org_id required: %w", domain.ErrInvalidArgument)
	}
	executions, err := e.execs.ListByOrg(ctx, req.OrgID, req.Limit)
	if err != nil {
		return Result{}, fmt.Errorf("op=export.Run: %w", err)
	}

	switch req.Format {
	case "json", "":
		return e.renderJSON(executions)
	case "csv":
		return e.renderCSV(req.OrgID, executions)
	default:
		return Result{}, fmt.Errorf("op=export.Run: format %q: %w", req.Format, domain.ErrInvalidArgument)
	}
}

// renderJSON buffers the export and returns it as a base64 data URL, so small
// exports need no file storage at all.
func (e *Exporter) renderJSON(executions []domain.JobExecution) (Result, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(executions); err != nil {
		return Result{}, fmt.Errorf("op=export.renderJSON: %w", err)
	}
	url := "data:application/json;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
	return Result{RecordCount: len(executions), DataURL: url}, nil
}

func (e *Exporter) renderCSV(orgID string, executions []domain.JobExecution) (Result, error) {
	name := fmt.Sprintf("executions-%s-%s.csv", orgID, time.Now().UTC().Format("20060102T150405"))
	path, err := SafeJoin(e.baseDir, name)
	if err != nil {
		return Result{}, err
	}
	f, err := os.Create(path)
	if err != nil {
		return Result{}, fmt.Errorf("op=export.renderCSV: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"id", "job_type", "status", "started_at", "completed_at", "error"}); err != nil {
		return Result{}, fmt.Errorf("op=export.renderCSV: %w", err)
	}
	for _, ex := range executions {
		completed := ""
		if ex.CompletedAt != nil {
			completed = ex.CompletedAt.UTC().Format(time.RFC3339)
		}
		row := []string{
			EscapeCSVValue(ex.ID),
			EscapeCSVValue(ex.JobType),
			EscapeCSVValue(string(ex.Status)),
			ex.StartedAt.UTC().Format(time.RFC3339),
			completed,
			EscapeCSVValue(ex.Error),
		}
		if err := w.Write(row); err != nil {
			return Result{}, fmt.Errorf("op=export.renderCSV: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Result{}, fmt.Errorf("op=export.renderCSV: %w", err)
	}
	return Result{RecordCount: len(executions), FilePath: path}, nil
}
