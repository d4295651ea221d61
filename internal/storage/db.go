package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

type Repository struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	repo := &Repository{db: db, logger: logger}
	if err := repo.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS bluetooth_devices (
			mac TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			rssi INTEGER NOT NULL DEFAULT -70,
			last_seen TEXT,
			paired INTEGER NOT NULL DEFAULT 0,
			trusted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bluetooth_devices_paired ON bluetooth_devices(paired);`,
	}

	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return r.normalizeLegacyMACKeys(ctx)
}

// normalizeLegacyMACKeys rewrites rows persisted before MAC canonicalization
// (lowercase or dash-separated keys) into the uppercase colon form.
func (r *Repository) normalizeLegacyMACKeys(ctx context.Context) error {
	updateStmt := `UPDATE OR IGNORE bluetooth_devices
		SET mac = REPLACE(UPPER(TRIM(mac)), '-', ':')
		WHERE mac LIKE '%-%' OR mac != UPPER(mac) OR mac != TRIM(mac);`
	res, err := r.db.ExecContext(ctx, updateStmt)
	if err != nil {
		return fmt.Errorf("legacy mac normalization failed: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 && r.logger != nil {
		r.logger.Info("normalized legacy mac rows", "rows", rows)
	}

	deleteStmt := `DELETE FROM bluetooth_devices WHERE mac LIKE '%-%' OR mac != UPPER(mac);`
	res, err = r.db.ExecContext(ctx, deleteStmt)
	if err != nil {
		return fmt.Errorf("legacy mac cleanup failed: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 && r.logger != nil {
		r.logger.Warn("removed conflicting legacy mac rows", "rows", rows)
	}
	return nil
}

func toTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromTime(v time.Time) any {
	if v.IsZero() {
		return nil
	}
	return v.UTC().Format(time.RFC3339Nano)
}
