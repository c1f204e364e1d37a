package cardstore

import (
	"database/sql"
	"errors"
	"fmt"
)

// Schema versions:
//   - v1: failure_cards, confidence_history, version_history
//   - v2: technician_actions, part_usages, tickets
const targetSchemaVersion = 2

var migrations = map[int][]string{
	1: {
		`CREATE TABLE IF NOT EXISTS failure_cards (
  failure_id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  subsystem TEXT NOT NULL,
  failure_mode TEXT NOT NULL DEFAULT '',
  symptom_text TEXT NOT NULL DEFAULT '',
  keywords_json TEXT NOT NULL DEFAULT '[]',
  error_codes_json TEXT NOT NULL DEFAULT '[]',
  root_cause TEXT NOT NULL DEFAULT '',
  resolution_steps_json TEXT NOT NULL DEFAULT '[]',
  required_parts_json TEXT NOT NULL DEFAULT '[]',
  vehicle_models_json TEXT NOT NULL DEFAULT '[]',
  signature_json TEXT NOT NULL DEFAULT '{}',
  signature_hash TEXT NOT NULL,
  confidence_score REAL NOT NULL,
  usage_count INTEGER NOT NULL DEFAULT 0,
  success_count INTEGER NOT NULL DEFAULT 0,
  failure_count INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  deprecation_reason TEXT NOT NULL DEFAULT '',
  version INTEGER NOT NULL,
  source_type TEXT NOT NULL,
  source_ticket_id TEXT NOT NULL DEFAULT '',
  created_by TEXT NOT NULL DEFAULT '',
  estimated_parts_cost REAL NOT NULL DEFAULT 0,
  estimated_labor_minutes INTEGER NOT NULL DEFAULT 0,
  estimated_labor_cost REAL NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_failure_cards_signature_hash ON failure_cards(signature_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_failure_cards_subsystem_status ON failure_cards(subsystem, status)`,
		`CREATE TABLE IF NOT EXISTS confidence_history (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  failure_id TEXT NOT NULL REFERENCES failure_cards(failure_id),
  ts_unix_ms INTEGER NOT NULL,
  previous_score REAL NOT NULL,
  new_score REAL NOT NULL,
  reason TEXT NOT NULL,
  notes TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS idx_confidence_history_failure ON confidence_history(failure_id, seq)`,
		`CREATE TABLE IF NOT EXISTS version_history (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  failure_id TEXT NOT NULL REFERENCES failure_cards(failure_id),
  version INTEGER NOT NULL,
  changed_fields_json TEXT NOT NULL,
  changed_by TEXT NOT NULL DEFAULT '',
  ts_unix_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_version_history_failure ON version_history(failure_id, seq)`,
	},
	2: {
		`CREATE TABLE IF NOT EXISTS technician_actions (
  action_id TEXT PRIMARY KEY,
  ticket_id TEXT NOT NULL,
  technician_id TEXT NOT NULL,
  failure_id TEXT NOT NULL DEFAULT '',
  outcome TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_technician_actions_failure ON technician_actions(failure_id)`,
		`CREATE TABLE IF NOT EXISTS part_usages (
  usage_id TEXT PRIMARY KEY,
  ticket_id TEXT NOT NULL,
  failure_id TEXT NOT NULL DEFAULT '',
  technician_id TEXT NOT NULL DEFAULT '',
  part_number TEXT NOT NULL,
  part_name TEXT NOT NULL DEFAULT '',
  quantity INTEGER NOT NULL,
  unit_cost REAL NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS tickets (
  ticket_id TEXT PRIMARY KEY,
  payload_json TEXT NOT NULL,
  suggested_failure_ids_json TEXT NOT NULL DEFAULT '[]'
)`,
	},
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}

	for next := v + 1; next <= targetSchemaVersion; next++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range migrations[next] {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migrate to v%d: %w", next, err)
			}
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, next)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("set user_version %d: %w", next, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
