package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/b1gate/b1gate/internal/platform/database"
	"github.com/google/uuid"
)

// Store handles audit event persistence.
type Store struct{}

// NewStore creates an audit Store.
func NewStore() *Store {
	return &Store{}
}

// StoredEvent is an audit event as read back from the database.
type StoredEvent struct {
	ID                   uuid.UUID       `json:"id"`
	OrganizationID       *uuid.UUID      `json:"organization_id"`
	ActorID              string          `json:"actor_id"`
	Action               string          `json:"action"`
	ResourceType         string          `json:"resource_type"`
	ResourceID           string          `json:"resource_id"`
	TargetOrganizationID *uuid.UUID      `json:"target_organization_id"`
	Outcome              string          `json:"outcome"`
	Metadata             json.RawMessage `json:"metadata"`
	Source               string          `json:"source"`
	CreatedAt            time.Time       `json:"created_at"`
}

// InsertBatch writes a batch of events to the database.
func (s *Store) InsertBatch(ctx context.Context, db database.Querier, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	sql, args, err := buildBatchInsert(events)
	if err != nil {
		return fmt.Errorf("building batch insert: %w", err)
	}
	_, err = db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("inserting audit events: %w", err)
	}
	return nil
}

const insertColumns = 9

// buildBatchInsert constructs a multi-row INSERT statement.
func buildBatchInsert(events []Event) (string, []any, error) {
	const cols = "(organization_id, actor_id, action, resource_type, resource_id, target_org_id, outcome, metadata, source)"
	placeholders := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*insertColumns)

	for i, e := range events {
		base := i * insertColumns
		ph := make([]string, insertColumns)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")

		metaJSON := []byte("{}")
		if e.Metadata != nil {
			var err error
			metaJSON, err = json.Marshal(e.Metadata)
			if err != nil {
				return "", nil, fmt.Errorf("marshaling metadata: %w", err)
			}
		}

		source := e.Source
		if source == "" {
			source = SourceAPI
		}

		args = append(args,
			e.OrganizationID, e.ActorID, e.Action, e.ResourceType, e.ResourceID,
			e.TargetOrganizationID, e.Outcome, metaJSON, source,
		)
	}

	sql := fmt.Sprintf("INSERT INTO audit_events %s VALUES %s", cols, strings.Join(placeholders, ", "))
	return sql, args, nil
}

// ListEventsParams defines filters for querying audit events.
type ListEventsParams struct {
	OrganizationID uuid.UUID
	Action         *string
	ResourceType   *string
	ActorID        *string
	Outcome        *string
	Source         *string
	After          *time.Time
	Before         *time.Time
	Limit          int
}

// List returns the events matching p, newest first.
func (s *Store) List(ctx context.Context, db database.Querier, p ListEventsParams) ([]StoredEvent, error) {
	sql, args := buildListQuery(p)
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	events := []StoredEvent{}
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.ActorID, &e.Action, &e.ResourceType,
			&e.ResourceID, &e.TargetOrganizationID, &e.Outcome, &e.Metadata, &e.Source, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// buildListQuery constructs a parameterized SELECT for audit events.
func buildListQuery(p ListEventsParams) (string, []any) {
	var conditions []string
	var args []any
	argN := 1

	add := func(expr string, v any) {
		conditions = append(conditions, fmt.Sprintf(expr, argN))
		args = append(args, v)
		argN++
	}

	add("organization_id = $%d", p.OrganizationID)
	if p.Action != nil {
		add("action = $%d", *p.Action)
	}
	if p.ResourceType != nil {
		add("resource_type = $%d", *p.ResourceType)
	}
	if p.ActorID != nil {
		add("actor_id = $%d", *p.ActorID)
	}
	if p.Outcome != nil {
		add("outcome = $%d", *p.Outcome)
	}
	if p.Source != nil {
		add("source = $%d", *p.Source)
	}
	if p.After != nil {
		add("created_at > $%d", *p.After)
	}
	if p.Before != nil {
		add("created_at < $%d", *p.Before)
	}

	sql := fmt.Sprintf(
		`SELECT id, organization_id, actor_id, action, resource_type, resource_id, target_org_id, outcome, metadata, source, created_at
		FROM audit_events
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d`,
		strings.Join(conditions, " AND "), argN,
	)
	args = append(args, p.Limit)

	return sql, args
}
