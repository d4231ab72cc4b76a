// Package audit records the event payload every successful acl mutation
// emits: the affected keys and a classification tag. The engine emits;
// delivery beyond the sink lives elsewhere.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType classifies a mutation for downstream consumers.
type EventType string

const (
	PermissionsAdded    EventType = "PERMISSIONS_ADDED"
	PermissionsRemoved  EventType = "PERMISSIONS_REMOVED"
	PermissionsReplaced EventType = "PERMISSIONS_REPLACED"
	ObjectRegistered    EventType = "OBJECT_REGISTERED"
	ObjectDeleted       EventType = "OBJECT_DELETED"
	PrincipalPurged     EventType = "PRINCIPAL_PURGED"
	ExpiredSwept        EventType = "EXPIRED_SWEPT"
)

// Event is one audit record.
type Event struct {
	Type      EventType
	AclKeys   []string
	Principal string
	Detail    map[string]any
	At        time.Time
}

// Recorder accepts audit events. Implementations must tolerate bursts; a
// failed record never rolls back the mutation it describes.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// PostgresRecorder persists events into audit_events.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgresRecorder returns a recorder writing to the given pool.
func NewPostgresRecorder(pool *pgxpool.Pool) *PostgresRecorder {
	return &PostgresRecorder{pool: pool}
}

// Record persists the event.
func (r *PostgresRecorder) Record(ctx context.Context, event Event) error {
	if r == nil || r.pool == nil {
		return errors.New("audit: recorder not initialised")
	}
	if event.Type == "" || len(event.AclKeys) == 0 {
		return errors.New("audit: event requires type and acl keys")
	}
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return err
	}
	at := event.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO audit_events (event_type, acl_keys, principal, detail, occurred_at)
         VALUES ($1, $2, $3, $4, $5)`,
		string(event.Type), event.AclKeys, event.Principal, detail, at)
	return err
}

// NullRecorder discards events; used in tests and when no sink is wired.
type NullRecorder struct{}

func (NullRecorder) Record(context.Context, Event) error { return nil }
