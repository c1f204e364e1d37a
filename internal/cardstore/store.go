// Package cardstore persists failure cards, technician actions, part usage
// and tickets in SQLite.
//
// Counter increments are single UPDATE statements and history tables are
// insert-only, so concurrent technician actions never lose updates.
package cardstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed failure.CardStore, failure.ActionStore and
// failure.TicketStore.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var (
	_ failure.CardStore   = (*Store)(nil)
	_ failure.ActionStore = (*Store)(nil)
	_ failure.TicketStore = (*Store)(nil)
)

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	busyTimeout time.Duration
}

// WithBusyTimeout sets how long a statement waits on a locked database
// (default: 5s).
func WithBusyTimeout(d time.Duration) Option {
	return func(o *openOptions) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// Open opens (creating if needed) the database at path and migrates it.
// A leading ~ expands to the user's home directory.
func Open(path string, logger *zap.Logger, opts ...Option) (*Store, error) {
	o := openOptions{busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	p, err := expandHome(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	p = filepath.Clean(p)
	if p == "" || p == "." {
		return nil, errors.New("missing database path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection: transactions serialize and SQLite never sees
	// competing writers from this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db, o.busyTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrateSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("opened card store", zap.String("path", p))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func applyPragmas(db *sql.DB, busyTimeout time.Duration) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// cardColumns is the column list shared by every card SELECT.
const cardColumns = `failure_id, title, description, subsystem, failure_mode, symptom_text,
  keywords_json, error_codes_json, root_cause, resolution_steps_json, required_parts_json,
  vehicle_models_json, signature_json, signature_hash, confidence_score,
  usage_count, success_count, failure_count, status, deprecation_reason, version,
  source_type, source_ticket_id, created_by, estimated_parts_cost,
  estimated_labor_minutes, estimated_labor_cost, created_at_unix_ms, updated_at_unix_ms`

// CreateCard inserts a card and its initial history rows in one transaction.
func (s *Store) CreateCard(ctx context.Context, card *failure.Card) error {
	enc, err := encodeCard(card)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO failure_cards(`+cardColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		card.FailureID, card.Title, card.Description, string(card.Subsystem), string(card.FailureMode), card.SymptomText,
		enc.keywords, enc.errorCodes, card.RootCause, enc.steps, enc.parts,
		enc.vehicles, enc.signature, card.SignatureHash, card.ConfidenceScore,
		card.UsageCount, card.SuccessCount, card.FailureCount, string(card.Status), card.DeprecationReason, card.Version,
		string(card.SourceType), card.SourceTicketID, card.CreatedBy, card.EstimatedPartsCost,
		card.EstimatedLaborMinutes, card.EstimatedLaborCost, card.CreatedAt.UnixMilli(), card.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: duplicate failure id %s", failure.ErrInvalidInput, card.FailureID)
		}
		return fmt.Errorf("insert card: %w", err)
	}

	for i := range card.ConfidenceHistory {
		if err := insertConfidence(ctx, tx, card.FailureID, card.ConfidenceHistory[i]); err != nil {
			return err
		}
	}
	for i := range card.VersionHistory {
		if err := insertVersion(ctx, tx, card.FailureID, card.VersionHistory[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetCard returns a card with both histories.
func (s *Store) GetCard(ctx context.Context, failureID string) (*failure.Card, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM failure_cards WHERE failure_id = ?`, failureID)
	card, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, failure.ErrNotFound
		}
		return nil, err
	}

	if card.ConfidenceHistory, err = s.ConfidenceHistory(ctx, failureID); err != nil {
		return nil, err
	}
	if card.VersionHistory, err = s.versionHistory(ctx, failureID); err != nil {
		return nil, err
	}
	return card, nil
}

// FindBySignatureHash returns the cards with hash, ordered by id.
func (s *Store) FindBySignatureHash(ctx context.Context, hash string) ([]*failure.Card, error) {
	return s.queryCards(ctx, `SELECT `+cardColumns+` FROM failure_cards WHERE signature_hash = ? ORDER BY failure_id`, hash)
}

// likeEscaper makes user text literal inside a LIKE pattern using ESCAPE '\'.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ListCards returns cards matching filter, ordered by id. Effectiveness is
// derived, so MinEffectiveness and paging are applied after the query.
func (s *Store) ListCards(ctx context.Context, filter failure.CardFilter) ([]*failure.Card, error) {
	where := make([]string, 0, 8)
	args := make([]any, 0, 12)

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ExcludeDeprecated {
		where = append(where, "status <> ?")
		args = append(args, string(failure.StatusDeprecated))
	}
	if filter.Subsystem != "" {
		where = append(where, "subsystem = ?")
		args = append(args, string(filter.Subsystem))
	}
	if filter.SourceType != "" {
		where = append(where, "source_type = ?")
		args = append(args, string(filter.SourceType))
	}
	if filter.MinConfidence > 0 {
		where = append(where, "confidence_score >= ?")
		args = append(args, filter.MinConfidence)
	}
	if filter.ErrorCode != "" {
		where = append(where, `error_codes_json LIKE ? ESCAPE '\'`)
		args = append(args, `%"`+likeEscaper.Replace(strings.ToUpper(strings.TrimSpace(filter.ErrorCode)))+`"%`)
	}
	if filter.Keyword != "" {
		where = append(where, `keywords_json LIKE ? ESCAPE '\'`)
		args = append(args, `%"`+likeEscaper.Replace(strings.ToLower(strings.TrimSpace(filter.Keyword)))+`"%`)
	}
	if filter.Search != "" {
		where = append(where, `(lower(title) LIKE ? ESCAPE '\' OR lower(description) LIKE ? ESCAPE '\'
  OR lower(symptom_text) LIKE ? ESCAPE '\' OR lower(root_cause) LIKE ? ESCAPE '\'
  OR keywords_json LIKE ? ESCAPE '\')`)
		q := "%" + likeEscaper.Replace(strings.ToLower(filter.Search)) + "%"
		args = append(args, q, q, q, q, q)
	}

	query := `SELECT ` + cardColumns + ` FROM failure_cards`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY failure_id"

	cards, err := s.queryCards(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	if filter.MinEffectiveness > 0 {
		kept := cards[:0]
		for _, c := range cards {
			if c.EffectivenessScore >= filter.MinEffectiveness {
				kept = append(kept, c)
			}
		}
		cards = kept
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(cards) {
			return nil, nil
		}
		cards = cards[filter.Offset:]
	}
	if filter.Limit > 0 && len(cards) > filter.Limit {
		cards = cards[:filter.Limit]
	}
	return cards, nil
}

// UpdateCard replaces the mutable fields of a card if its stored version is
// expectedVersion. Counters are never written here.
func (s *Store) UpdateCard(ctx context.Context, card *failure.Card, expectedVersion int, version failure.VersionEntry, confidence *failure.ConfidenceEntry) error {
	enc, err := encodeCard(card)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	setScore, newScore := 0, 0.0
	if confidence != nil {
		setScore, newScore = 1, confidence.NewScore
	}

	res, err := tx.ExecContext(ctx, `
UPDATE failure_cards SET
  title = ?, description = ?, subsystem = ?, failure_mode = ?, symptom_text = ?,
  keywords_json = ?, error_codes_json = ?, root_cause = ?, resolution_steps_json = ?,
  required_parts_json = ?, vehicle_models_json = ?, signature_json = ?, signature_hash = ?,
  confidence_score = CASE WHEN ? THEN ? ELSE confidence_score END,
  status = ?, deprecation_reason = ?, version = ?,
  estimated_parts_cost = ?, estimated_labor_minutes = ?, estimated_labor_cost = ?,
  updated_at_unix_ms = ?
WHERE failure_id = ? AND version = ?
`,
		card.Title, card.Description, string(card.Subsystem), string(card.FailureMode), card.SymptomText,
		enc.keywords, enc.errorCodes, card.RootCause, enc.steps,
		enc.parts, enc.vehicles, enc.signature, card.SignatureHash,
		setScore, newScore,
		string(card.Status), card.DeprecationReason, card.Version,
		card.EstimatedPartsCost, card.EstimatedLaborMinutes, card.EstimatedLaborCost,
		card.UpdatedAt.UnixMilli(),
		card.FailureID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM failure_cards WHERE failure_id = ?`, card.FailureID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return failure.ErrNotFound
		}
		if err != nil {
			return err
		}
		return failure.ErrVersionConflict
	}

	if err := insertVersion(ctx, tx, card.FailureID, version); err != nil {
		return err
	}
	if confidence != nil {
		if err := insertConfidence(ctx, tx, card.FailureID, *confidence); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// IncrementUsage bumps usage_count and the outcome counter in one statement.
func (s *Store) IncrementUsage(ctx context.Context, failureID string, outcome failure.Outcome) error {
	var success, failed int
	switch outcome {
	case failure.OutcomeSuccess:
		success = 1
	case failure.OutcomeFailed:
		failed = 1
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE failure_cards
SET usage_count = usage_count + 1,
    success_count = success_count + ?,
    failure_count = failure_count + ?
WHERE failure_id = ?
`, success, failed, failureID)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return failure.ErrNotFound
	}
	return nil
}

// AdjustConfidence applies delta to the score and appends the history row in
// one transaction.
func (s *Store) AdjustConfidence(ctx context.Context, failureID string, delta float64, reason, notes string) (*failure.ConfidenceEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var prev float64
	err = tx.QueryRowContext(ctx, `SELECT confidence_score FROM failure_cards WHERE failure_id = ?`, failureID).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	entry := failure.ConfidenceEntry{
		Timestamp:     time.Now().UTC(),
		PreviousScore: prev,
		NewScore:      math.Round(math.Max(0, math.Min(1, prev+delta))*10000) / 10000,
		Reason:        reason,
		Notes:         notes,
	}
	if _, err := tx.ExecContext(ctx, `UPDATE failure_cards SET confidence_score = ? WHERE failure_id = ?`, entry.NewScore, failureID); err != nil {
		return nil, fmt.Errorf("update confidence: %w", err)
	}
	if err := insertConfidence(ctx, tx, failureID, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ConfidenceHistory returns the card's confidence log in append order.
func (s *Store) ConfidenceHistory(ctx context.Context, failureID string) ([]failure.ConfidenceEntry, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM failure_cards WHERE failure_id = ?`, failureID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT ts_unix_ms, previous_score, new_score, reason, notes
FROM confidence_history
WHERE failure_id = ?
ORDER BY seq ASC
`, failureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []failure.ConfidenceEntry
	for rows.Next() {
		var e failure.ConfidenceEntry
		var ts int64
		if err := rows.Scan(&ts, &e.PreviousScore, &e.NewScore, &e.Reason, &e.Notes); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) versionHistory(ctx context.Context, failureID string) ([]failure.VersionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT version, changed_fields_json, changed_by, ts_unix_ms
FROM version_history
WHERE failure_id = ?
ORDER BY seq ASC
`, failureID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []failure.VersionEntry
	for rows.Next() {
		var e failure.VersionEntry
		var fields string
		var ts int64
		if err := rows.Scan(&e.Version, &fields, &e.ChangedBy, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fields), &e.ChangedFields); err != nil {
			return nil, fmt.Errorf("decode changed fields: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertConfidence(ctx context.Context, ex execer, failureID string, e failure.ConfidenceEntry) error {
	_, err := ex.ExecContext(ctx, `
INSERT INTO confidence_history(failure_id, ts_unix_ms, previous_score, new_score, reason, notes)
VALUES(?, ?, ?, ?, ?, ?)
`, failureID, e.Timestamp.UnixMilli(), e.PreviousScore, e.NewScore, e.Reason, e.Notes)
	if err != nil {
		return fmt.Errorf("insert confidence history: %w", err)
	}
	return nil
}

func insertVersion(ctx context.Context, ex execer, failureID string, e failure.VersionEntry) error {
	fields, err := json.Marshal(e.ChangedFields)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
INSERT INTO version_history(failure_id, version, changed_fields_json, changed_by, ts_unix_ms)
VALUES(?, ?, ?, ?, ?)
`, failureID, e.Version, string(fields), e.ChangedBy, e.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert version history: %w", err)
	}
	return nil
}

func (s *Store) queryCards(ctx context.Context, query string, args ...any) ([]*failure.Card, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*failure.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, card)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*failure.Card, error) {
	var c failure.Card
	var subsystem, mode, status, source string
	var keywords, codes, steps, parts, vehicles, sigJSON string
	var created, updated int64
	err := row.Scan(
		&c.FailureID, &c.Title, &c.Description, &subsystem, &mode, &c.SymptomText,
		&keywords, &codes, &c.RootCause, &steps, &parts,
		&vehicles, &sigJSON, &c.SignatureHash, &c.ConfidenceScore,
		&c.UsageCount, &c.SuccessCount, &c.FailureCount, &status, &c.DeprecationReason, &c.Version,
		&source, &c.SourceTicketID, &c.CreatedBy, &c.EstimatedPartsCost,
		&c.EstimatedLaborMinutes, &c.EstimatedLaborCost, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	c.Subsystem = failure.Subsystem(subsystem)
	c.FailureMode = failure.FailureMode(mode)
	c.Status = failure.Status(status)
	c.SourceType = failure.SourceType(source)
	c.CreatedAt = time.UnixMilli(created).UTC()
	c.UpdatedAt = time.UnixMilli(updated).UTC()

	for _, f := range []struct {
		raw string
		dst any
	}{
		{keywords, &c.Keywords},
		{codes, &c.ErrorCodes},
		{steps, &c.ResolutionSteps},
		{parts, &c.RequiredParts},
		{vehicles, &c.VehicleModels},
		{sigJSON, &c.Signature},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode card %s: %w", c.FailureID, err)
		}
	}
	c.RefreshDerived()
	return &c, nil
}

type encodedCard struct {
	keywords, errorCodes, steps, parts, vehicles, signature string
}

func encodeCard(c *failure.Card) (encodedCard, error) {
	var enc encodedCard
	for _, f := range []struct {
		dst *string
		v   any
	}{
		{&enc.keywords, nonNil(c.Keywords)},
		{&enc.errorCodes, nonNil(c.ErrorCodes)},
		{&enc.steps, nonNil(c.ResolutionSteps)},
		{&enc.parts, nonNil(c.RequiredParts)},
		{&enc.vehicles, nonNil(c.VehicleModels)},
		{&enc.signature, c.Signature},
	} {
		b, err := json.Marshal(f.v)
		if err != nil {
			return enc, fmt.Errorf("encode card %s: %w", c.FailureID, err)
		}
		*f.dst = string(b)
	}
	return enc, nil
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
