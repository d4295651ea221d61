package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/chris-hammond-ross/pi-podcast/internal/model"
)

var ErrNotFound = errors.New("not found")

// GetByMAC returns the persisted record for one device.
func (r *Repository) GetByMAC(ctx context.Context, mac string) (model.DeviceRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT mac, name, rssi, last_seen, paired, trusted, created_at
		FROM bluetooth_devices WHERE mac = ?`, model.NormalizeMAC(mac))
	return scanRecord(row)
}

// InsertIfAbsent creates a row for a newly discovered device. Inserting a MAC
// that already exists is benign and never surfaces as an error.
func (r *Repository) InsertIfAbsent(ctx context.Context, rec model.DeviceRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO bluetooth_devices (mac, name, rssi, last_seen, paired, trusted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		model.NormalizeMAC(rec.MAC),
		rec.Name,
		rec.RSSI,
		fromTime(rec.LastSeen),
		rec.Paired,
		rec.Trusted,
		createdAt.Format(time.RFC3339Nano),
	)
	return err
}

// RefreshSighting updates the live fields of an existing row. An empty name
// keeps whatever name is already stored, since re-announcements often carry
// only an RSSI fragment instead of the display name.
func (r *Repository) RefreshSighting(ctx context.Context, mac string, name string, rssi int, lastSeen time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bluetooth_devices
		SET name = CASE WHEN ? != '' THEN ? ELSE name END,
			rssi = ?,
			last_seen = ?
		WHERE mac = ?`,
		name, name, rssi, fromTime(lastSeen), model.NormalizeMAC(mac))
	return err
}

func (r *Repository) SetPaired(ctx context.Context, mac string, paired bool) error {
	return r.setFlag(ctx, "paired", mac, paired)
}

func (r *Repository) SetTrusted(ctx context.Context, mac string, trusted bool) error {
	return r.setFlag(ctx, "trusted", mac, trusted)
}

func (r *Repository) setFlag(ctx context.Context, column string, mac string, value bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE bluetooth_devices SET `+column+` = ? WHERE mac = ?`,
		value, model.NormalizeMAC(mac))
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the persisted row for a device.
func (r *Repository) Delete(ctx context.Context, mac string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM bluetooth_devices WHERE mac = ?`, model.NormalizeMAC(mac))
	return err
}

// ListAll returns every persisted device record.
func (r *Repository) ListAll(ctx context.Context) ([]model.DeviceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT mac, name, rssi, last_seen, paired, trusted, created_at
		FROM bluetooth_devices ORDER BY mac`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.DeviceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.DeviceRecord, error) {
	var (
		rec       model.DeviceRecord
		lastSeen  sql.NullString
		createdAt string
	)
	err := row.Scan(&rec.MAC, &rec.Name, &rec.RSSI, &lastSeen, &rec.Paired, &rec.Trusted, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeviceRecord{}, ErrNotFound
	}
	if err != nil {
		return model.DeviceRecord{}, err
	}
	if ts := toTimePtr(lastSeen); ts != nil {
		rec.LastSeen = *ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = ts.UTC()
	}
	return rec, nil
}
