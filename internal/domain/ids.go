package domain

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a random UUIDv4 string (job ids, delivery tokens, envelopes).
func NewID() string { return uuid.New().String() }

// NewExecutionID returns a ULID so execution rows sort by creation time.
func NewExecutionID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}
