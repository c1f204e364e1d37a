package cardstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
)

// InsertAction appends an immutable technician action.
func (s *Store) InsertAction(ctx context.Context, action *failure.TechnicianAction) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO technician_actions(action_id, ticket_id, technician_id, failure_id, outcome, payload_json, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, action.ActionID, action.TicketID, action.TechnicianID, action.FailureID, string(action.Outcome), string(payload), action.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// ListActions returns the actions for a card, or all actions when failureID is empty.
func (s *Store) ListActions(ctx context.Context, failureID string) ([]*failure.TechnicianAction, error) {
	query := `SELECT payload_json FROM technician_actions`
	var args []any
	if failureID != "" {
		query += ` WHERE failure_id = ?`
		args = append(args, failureID)
	}
	query += ` ORDER BY created_at_unix_ms ASC, action_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*failure.TechnicianAction
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a failure.TechnicianAction
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, fmt.Errorf("decode action: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// InsertPartUsage appends an immutable part usage record.
func (s *Store) InsertPartUsage(ctx context.Context, u *failure.PartUsage) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO part_usages(usage_id, ticket_id, failure_id, technician_id, part_number, part_name, quantity, unit_cost, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
`, u.UsageID, u.TicketID, u.FailureID, u.TechnicianID, u.PartNumber, u.PartName, u.Quantity, u.UnitCost, u.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert part usage: %w", err)
	}
	return nil
}

// ListPartUsage returns all part usage records in insertion order.
func (s *Store) ListPartUsage(ctx context.Context) ([]*failure.PartUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT usage_id, ticket_id, failure_id, technician_id, part_number, part_name, quantity, unit_cost, created_at_unix_ms
FROM part_usages
ORDER BY rowid ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*failure.PartUsage
	for rows.Next() {
		var u failure.PartUsage
		var created int64
		if err := rows.Scan(&u.UsageID, &u.TicketID, &u.FailureID, &u.TechnicianID, &u.PartNumber, &u.PartName, &u.Quantity, &u.UnitCost, &created); err != nil {
			return nil, err
		}
		u.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, &u)
	}
	return out, rows.Err()
}

// UpsertTicket stores a host ticket so it can be matched.
func (s *Store) UpsertTicket(ctx context.Context, t *failure.Ticket) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode ticket: %w", err)
	}
	suggested, err := json.Marshal(nonNil(t.SuggestedFailureIDs))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tickets(ticket_id, payload_json, suggested_failure_ids_json) VALUES(?, ?, ?)
ON CONFLICT(ticket_id) DO UPDATE SET payload_json = excluded.payload_json
`, t.TicketID, string(payload), string(suggested))
	if err != nil {
		return fmt.Errorf("upsert ticket: %w", err)
	}
	return nil
}

// GetTicket returns a ticket or failure.ErrTicketNotFound.
func (s *Store) GetTicket(ctx context.Context, ticketID string) (*failure.Ticket, error) {
	var payload, suggested string
	err := s.db.QueryRowContext(ctx, `SELECT payload_json, suggested_failure_ids_json FROM tickets WHERE ticket_id = ?`, ticketID).Scan(&payload, &suggested)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}

	var t failure.Ticket
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	if err := json.Unmarshal([]byte(suggested), &t.SuggestedFailureIDs); err != nil {
		return nil, fmt.Errorf("decode suggestions: %w", err)
	}
	return &t, nil
}

// SetSuggestedFailures writes the suggested card ids onto a ticket.
func (s *Store) SetSuggestedFailures(ctx context.Context, ticketID string, failureIDs []string) error {
	ids, err := json.Marshal(nonNil(failureIDs))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tickets SET suggested_failure_ids_json = ? WHERE ticket_id = ?`, string(ids), ticketID)
	if err != nil {
		return fmt.Errorf("update ticket suggestions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return failure.ErrTicketNotFound
	}
	return nil
}
