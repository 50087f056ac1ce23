// Package app wires the job registry: one registration per background job
// type, binding queue topology and payload schemas to the feature packages.
package app

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/workfabric/internal/domain"
	"github.com/fairyhunter13/workfabric/internal/export"
	"github.com/fairyhunter13/workfabric/internal/feedback"
	"github.com/fairyhunter13/workfabric/internal/notify"
	"github.com/fairyhunter13/workfabric/internal/observability"
	"github.com/fairyhunter13/workfabric/internal/publish"
	"github.com/fairyhunter13/workfabric/internal/scheduler"
)

// Job names. Schedulers and tests refer to jobs by these.
const (
	JobPublishIntent  = "publish_intent"
	JobNotifyDispatch = "notify_dispatch"
	JobDomainExport   = "domain_export"
	JobFeedbackIngest = "feedback_ingest"
)

// Deps are the feature services the job handlers close over.
type Deps struct {
	Saga       *publish.Saga
	Dispatcher *notify.Dispatcher
	Exporter   *export.Exporter
	Ingestor   *feedback.Ingestor
}

type publishPayload struct {
	IntentID string `json:"intent_id"`
}

type notifyPayload struct {
	NotificationID  string   `json:"notification_id"`
	NotificationIDs []string `json:"notification_ids"`
}

// RegisterJobs registers every job type with the registry.
func RegisterJobs(reg *scheduler.Registry, d Deps) error {
	if err := reg.Register(scheduler.JobConfig{
		Name:         JobPublishIntent,
		Queue:        "publish",
		Priority:     domain.PriorityHigh,
		MaxRetries:   5,
		BackoffKind:  domain.BackoffExponential,
		BackoffDelay: 5 * time.Second,
		Timeout:      5 * time.Minute,
		RateLimit:    &scheduler.RateLimit{Max: 100, Window: time.Minute},
		ValidatePayload: func(payload []byte) error {
			var p publishPayload
			if err := json.Unmarshal(payload, &p); err != nil || p.IntentID == "" {
				return fmt.Errorf("intent_id required")
			}
			return nil
		},
	}, func(ctx domain.Context, job *domain.BrokerJob) error {
		var p publishPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return domain.NoRetry(err)
		}
		return d.Saga.Run(ctx, p.IntentID)
	}); err != nil {
		return err
	}

	if err := reg.Register(scheduler.JobConfig{
		Name:         JobNotifyDispatch,
		Queue:        "notifications",
		Priority:     domain.PriorityNormal,
		MaxRetries:   3,
		BackoffKind:  domain.BackoffExponential,
		BackoffDelay: 2 * time.Second,
		Timeout:      2 * time.Minute,
		RateLimit:    &scheduler.RateLimit{Max: 500, Window: time.Minute},
		ValidatePayload: func(payload []byte) error {
			var p notifyPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return fmt.Errorf("malformed payload")
			}
			if p.NotificationID == "" && len(p.NotificationIDs) == 0 {
				return fmt.Errorf("notification_id or notification_ids required")
			}
			return nil
		},
	}, func(ctx domain.Context, job *domain.BrokerJob) error {
		var p notifyPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return domain.NoRetry(err)
		}
		if len(p.NotificationIDs) > 0 {
			return d.Dispatcher.DispatchBatch(ctx, p.NotificationIDs)
		}
		return d.Dispatcher.Dispatch(ctx, p.NotificationID)
	}); err != nil {
		return err
	}

	if err := reg.Register(scheduler.JobConfig{
		Name:         JobDomainExport,
		Queue:        "exports",
		Priority:     domain.PriorityBackground,
		MaxRetries:   2,
		BackoffKind:  domain.BackoffFixed,
		BackoffDelay: 30 * time.Second,
		Timeout:      10 * time.Minute,
		ValidatePayload: func(payload []byte) error {
			var r export.Request
			if err := json.Unmarshal(payload, &r); err != nil || r.OrgID == "" {
				return fmt.Errorf("org_id required")
			}
			return nil
		},
	}, func(ctx domain.Context, job *domain.BrokerJob) error {
		var r export.Request
		if err := json.Unmarshal(job.Payload, &r); err != nil {
			return domain.NoRetry(err)
		}
		res, err := d.Exporter.Run(ctx, r)
		if err != nil {
			return err
		}
		observability.LoggerFromContext(ctx).Info("export finished",
			"org_id", r.OrgID, "record_count", res.RecordCount, "file", res.FilePath)
		return nil
	}); err != nil {
		return err
	}

	if err := reg.Register(scheduler.JobConfig{
		Name:         JobFeedbackIngest,
		Queue:        "feedback",
		Priority:     domain.PriorityLow,
		MaxRetries:   3,
		BackoffKind:  domain.BackoffExponential,
		BackoffDelay: time.Second,
		Timeout:      time.Minute,
		Probe: func() error {
			if !d.Ingestor.Enabled() {
				return fmt.Errorf("feedback ingestion disabled: %w", domain.ErrNotImplemented)
			}
			return nil
		},
		ValidatePayload: func(payload []byte) error {
			if _, err := feedback.ParseEvent(payload); err != nil {
				return err
			}
			return nil
		},
	}, func(ctx domain.Context, job *domain.BrokerJob) error {
		ev, err := feedback.ParseEvent(job.Payload)
		if err != nil {
			return domain.NoRetry(err)
		}
		return d.Ingestor.Ingest(ctx, ev)
	}); err != nil {
		return err
	}

	return nil
}
