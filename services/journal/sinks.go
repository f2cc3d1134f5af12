package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// SubjectPrefix is prepended to the event kind to form the NATS subject.
const SubjectPrefix = "lexsync.events."

// StreamName is the JetStream stream capturing all journal subjects.
const StreamName = "LEXSYNC_EVENTS"

// Publisher is the slice of pkg/bus used by NATSSink.
type Publisher interface {
	Publish(ctx context.Context, subj, msgID string, v any) error
}

// NATSSink publishes events on lexsync.events.<kind>.
type NATSSink struct {
	pub Publisher
}

// NewNATSSink returns a sink publishing through pub.
func NewNATSSink(pub Publisher) *NATSSink {
	return &NATSSink{pub: pub}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Write(ctx context.Context, e Event) error {
	return s.pub.Publish(ctx, Subject(e.Kind), e.ID.String(), e)
}

// Subject returns the NATS subject for kind.
func Subject(kind Kind) string {
	return SubjectPrefix + string(kind)
}

// Querier is the slice of pkg/db used by PostgresSink.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
	Select(ctx context.Context, dest any, query string, args ...any) error
}

// PostgresSink appends events to the sync_events table.
type PostgresSink struct {
	db Querier
}

// NewPostgresSink returns a sink writing through db.
func NewPostgresSink(db Querier) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

const insertEvent = `INSERT INTO sync_events (id, kind, artifact, identity, decision, digest, message, details, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)`

func (s *PostgresSink) Write(ctx context.Context, e Event) error {
	details := "{}"
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
		details = string(raw)
	}
	_, err := s.db.Exec(ctx, insertEvent,
		e.ID.String(), string(e.Kind), e.Artifact, e.Identity, e.Decision, e.Digest, e.Message, details, e.At)
	if err != nil {
		return fmt.Errorf("insert sync event: %w", err)
	}
	return nil
}

type eventRow struct {
	ID       string    `db:"id"`
	Kind     string    `db:"kind"`
	Artifact string    `db:"artifact"`
	Identity string    `db:"identity"`
	Decision *string   `db:"decision"`
	Digest   *string   `db:"digest"`
	Message  *string   `db:"message"`
	Details  *string   `db:"details"`
	At       time.Time `db:"at"`
}

const selectEvents = `SELECT id::text AS id, kind, artifact, identity, decision, digest, message, details::text AS details, at
FROM sync_events WHERE artifact = $1 ORDER BY at DESC LIMIT $2`

func (s *PostgresSink) History(ctx context.Context, artifact string, limit int) ([]Event, error) {
	var rows []eventRow
	if err := s.db.Select(ctx, &rows, selectEvents, artifact, limit); err != nil {
		return nil, fmt.Errorf("select sync events: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		e := Event{
			Kind:     Kind(row.Kind),
			Artifact: row.Artifact,
			Identity: row.Identity,
			Decision: deref(row.Decision),
			Digest:   deref(row.Digest),
			Message:  deref(row.Message),
			At:       row.At.UTC(),
		}
		if id, err := uuid.Parse(row.ID); err == nil {
			e.ID = id
		}
		if raw := deref(row.Details); raw != "" {
			var details map[string]string
			if err := json.Unmarshal([]byte(raw), &details); err == nil && len(details) > 0 {
				e.Details = details
			}
		}
		events = append(events, e)
	}
	return events, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
