// Package domain defines the entities, ports and error taxonomy of the
// background-work fabric. Adapters and feature packages depend on this
// package, never the other way around.
package domain

import (
	"context"
	"time"
)

// Context is an alias so adapters and services share the std context type.
type Context = context.Context

// Priority maps symbolic job priorities to broker scores (lower wins).
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 25
	PriorityNormal     Priority = 50
	PriorityLow        Priority = 75
	PriorityBackground Priority = 100
)

// ValidPriority reports whether p is one of the enumerated priorities.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground:
		return true
	}
	return false
}

// BackoffKind selects the broker re-enqueue delay curve.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// ExecutionStatus is the lifecycle of a durable job execution row.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionStarted   ExecutionStatus = "started"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionRetrying  ExecutionStatus = "retrying"
)

// InFlightStatuses are the execution states counted by the capacity gate.
// Pending rows prevent burst-past; retrying rows are about to consume resources.
var InFlightStatuses = []ExecutionStatus{ExecutionStarted, ExecutionPending, ExecutionRetrying}

// JobExecution is a durable record of one logical job run, unique on
// (job_type, idempotency_key).
type JobExecution struct {
	ID             string
	JobType        string
	EntityID       string // org id
	IdempotencyKey string
	Status         ExecutionStatus
	StartedAt      time.Time
	CompletedAt    *time.Time
	Error          string
}

// JobAttempt is one append-only attempt row, ordered by AttemptNumber.
type JobAttempt struct {
	ID            string
	ExecutionID   string
	AttemptNumber int
	Status        string // success | failure
	Error         string
	CreatedAt     time.Time
}

// PublishIntentStatus is the lifecycle of a publish intent.
type PublishIntentStatus string

const (
	IntentPending   PublishIntentStatus = "pending"
	IntentPublished PublishIntentStatus = "published"
	IntentFailed    PublishIntentStatus = "failed"
)

// PublishIntent is the row the saga drives to a published terminal state.
type PublishIntent struct {
	ID          string
	OrgID       string
	Platform    string
	Status      PublishIntentStatus
	ExternalID  string
	PublishedAt *time.Time
}

// PublishExecution records one saga outcome. A partial unique index on
// (intent_id) WHERE status='success' enforces at most one committed success.
type PublishExecution struct {
	ID          string
	IntentID    string
	Status      string // success | failed
	ExternalID  string
	ExternalURL string
	Metadata    map[string]any
	CompletedAt *time.Time
	FailedAt    *time.Time
	Error       string
}

// PublishResult is what the external platform adapter returns on success.
type PublishResult struct {
	ExternalID  string
	ExternalURL string
	Metadata    map[string]any
}

// NotificationStatus is the delivery state machine's state set.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSending   NotificationStatus = "sending"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationFailed    NotificationStatus = "failed"
)

// Notification is one deliverable message. DeliveryToken is claimed by exactly
// one worker; DeliveryCommittedAt is the idempotency witness that the external
// send committed.
type Notification struct {
	ID                  string
	OrgID               string
	UserID              string
	Channel             string
	Template            string
	Payload             map[string]any
	Status              NotificationStatus
	DeliveryToken       *string
	DeliveryCommittedAt *time.Time
	UpdatedAt           time.Time
}

// Start transitions pending -> sending. The failed -> pending reset is a SQL
// UPDATE performed by the dispatcher, not a domain transition.
func (n *Notification) Start() error {
	if n.Status != NotificationPending {
		return ErrConflict
	}
	n.Status = NotificationSending
	n.UpdatedAt = time.Now().UTC()
	return nil
}

// Succeed transitions pending|sending -> delivered. Succeeding from pending is
// the preference-skip path and is recorded as such by the caller.
func (n *Notification) Succeed() error {
	if n.Status != NotificationSending && n.Status != NotificationPending {
		return ErrConflict
	}
	n.Status = NotificationDelivered
	n.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail transitions sending -> failed.
func (n *Notification) Fail() error {
	if n.Status != NotificationSending {
		return ErrConflict
	}
	n.Status = NotificationFailed
	n.UpdatedAt = time.Now().UTC()
	return nil
}

// NotificationPreference gates delivery per (user, channel); unique on that
// pair, which is also the upsert conflict target.
type NotificationPreference struct {
	ID        string
	UserID    string
	Channel   string
	Enabled   bool
	Frequency string // immediate | daily | weekly
}

// NotificationAttempt is append-only per notification.
type NotificationAttempt struct {
	ID             string
	NotificationID string
	AttemptNumber  int
	Status         string // success | failure
	Error          string
	CreatedAt      time.Time
}

// DLQEntry is a dead-lettered delivery, scoped by org. Reason is truncated to
// 1000 chars before persistence.
type DLQEntry struct {
	ID             string
	OrgID          string
	NotificationID string
	Channel        string
	Reason         string
	CreatedAt      time.Time
}

// Envelope is the outbox event record written inside delivery transactions.
type Envelope struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Version    int            `json:"version"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
	Meta       EnvelopeMeta   `json:"meta"`
}

// EnvelopeMeta carries correlation data for the relayer.
type EnvelopeMeta struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Source        string `json:"source"`
	DomainID      string `json:"domain_id,omitempty"`
}

// SendMessage is the channel-agnostic payload handed to send adapters.
type SendMessage struct {
	NotificationID string
	OrgID          string
	UserID         string
	Channel        string
	Template       string
	Payload        map[string]any
}

// SendResult is the discriminated outcome of an adapter send. Adapters return
// results, not panics; domain code translates Err into the taxonomy.
type SendResult struct {
	Success    bool
	ProviderID string
	Err        error
}

// SendAdapter delivers a message over one channel (email, webhook, ...).
// Implementations must be safe for concurrent use and must not retain ctx.
type SendAdapter interface {
	Send(ctx Context, msg SendMessage) SendResult
	Channel() string
}

// PlatformAdapter performs the external publish call of the saga.
type PlatformAdapter interface {
	Publish(ctx Context, intent PublishIntent) (PublishResult, error)
	Name() string
}

// Lock is a held distributed lock.
type Lock struct {
	Resource string
	Value    string
	TTL      time.Duration
}

// LockService is the distributed lock port. Acquire returns ErrLockHeld when
// the resource is already locked; locks auto-expire at TTL.
type LockService interface {
	Acquire(ctx Context, resource string, ttl time.Duration) (*Lock, error)
	Release(ctx Context, lock *Lock) (bool, error)
}
