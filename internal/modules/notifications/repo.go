// Package notifications fans out domain events to the audit log and any
// configured external sinks, entirely off the emitting goroutine so a slow
// or failing sink never delays trading.
package notifications

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/signalmirror/internal/domain"
)

// Repo persists domain.AuditEvent rows.
type Repo struct {
	db *sql.DB
}

// NewRepo creates an audit event repository over db.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Insert records one audit event, generating an id if none is set.
func (r *Repo) Insert(ctx context.Context, e domain.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Instant.IsZero() {
		e.Instant = time.Now()
	}

	var subscriberID interface{}
	if e.SubscriberID != "" {
		subscriberID = e.SubscriberID
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, subscriber_id, event_type, severity, payload, instant)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, subscriberID, e.EventType, e.Severity, e.Payload, e.Instant.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}
