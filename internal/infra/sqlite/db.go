// Package sqlite provides the device's local persistent store: device
// identity, target state, and free-form metadata. Uses WAL mode for
// crash-safe writes from a single writer goroutine.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/iotistica/iotistic-agent/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations. It
// implements domain.Store.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and a 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite — single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS device (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			uuid         TEXT NOT NULL DEFAULT '',
			provisioning_key TEXT NOT NULL DEFAULT '',
			device_key   TEXT NOT NULL DEFAULT '',
			phase        TEXT NOT NULL DEFAULT 'unprovisioned',
			registered_at INTEGER,
			cloud_api_base TEXT NOT NULL DEFAULT '',
			device_type  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS target_state (
			id      INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sensors (
			channel_id TEXT PRIMARY KEY,
			config     TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sensor_outputs (
			channel_id TEXT NOT NULL,
			metric     TEXT NOT NULL,
			value      REAL NOT NULL,
			quality    INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL,
			PRIMARY KEY (channel_id, metric, recorded_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sensor_outputs_time ON sensor_outputs(recorded_at)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Device identity ────────────────────────────────────────────────────────

// LoadDevice returns the single device row, or a zero-value
// unprovisioned Device if none has been written yet.
func (d *DB) LoadDevice() (*domain.Device, error) {
	row := d.db.QueryRow(
		`SELECT uuid, provisioning_key, device_key, phase, registered_at, cloud_api_base, device_type
		 FROM device WHERE id = 1`,
	)

	var dev domain.Device
	var registeredAt sql.NullInt64
	err := row.Scan(&dev.UUID, &dev.ProvisioningKey, &dev.DeviceKey, &dev.Phase,
		&registeredAt, &dev.CloudAPIBase, &dev.DeviceType)
	if err == sql.ErrNoRows {
		return &domain.Device{Phase: domain.PhaseUnprovisioned}, nil
	}
	if err != nil {
		return nil, err
	}
	if registeredAt.Valid {
		dev.RegisteredAt = time.Unix(registeredAt.Int64, 0)
	}
	return &dev, nil
}

// SaveDevice upserts the single device row.
func (d *DB) SaveDevice(dev domain.Device) error {
	_, err := d.db.Exec(
		`INSERT INTO device (id, uuid, provisioning_key, device_key, phase, registered_at, cloud_api_base, device_type)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			uuid=excluded.uuid,
			provisioning_key=excluded.provisioning_key,
			device_key=excluded.device_key,
			phase=excluded.phase,
			registered_at=excluded.registered_at,
			cloud_api_base=excluded.cloud_api_base,
			device_type=excluded.device_type`,
		dev.UUID, dev.ProvisioningKey, dev.DeviceKey, dev.Phase,
		nullableUnix(dev.RegisteredAt), dev.CloudAPIBase, dev.DeviceType,
	)
	return err
}

// ─── Target state ───────────────────────────────────────────────────────────

// LoadTargetState returns the persisted target state, or nil if none has
// ever been set (domain.ErrTargetStateMissing).
func (d *DB) LoadTargetState() (*domain.TargetState, error) {
	row := d.db.QueryRow(`SELECT version, payload FROM target_state WHERE id = 1`)

	var version int
	var payload string
	err := row.Scan(&version, &payload)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTargetStateMissing
	}
	if err != nil {
		return nil, err
	}

	var ts domain.TargetState
	if err := json.Unmarshal([]byte(payload), &ts); err != nil {
		return nil, fmt.Errorf("decode target state: %w", err)
	}
	ts.Version = version
	return &ts, nil
}

// SaveTargetState upserts the single target-state row.
func (d *DB) SaveTargetState(ts domain.TargetState) error {
	payload, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("encode target state: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO target_state (id, version, payload) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET version=excluded.version, payload=excluded.payload`,
		ts.Version, string(payload),
	)
	return err
}

// ─── Metadata (generic k/v: ETag, discovery counters, ...) ─────────────────

// GetMeta retrieves a value from the metadata table. Returns "" if absent.
func (d *DB) GetMeta(key string) (string, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetMeta stores a key-value pair in the metadata table.
func (d *DB) SetMeta(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// ─── Sensor output history ────

// RecordSensorOutput appends one reading to the sensor output history.
func (d *DB) RecordSensorOutput(channelID, metric string, value float64, quality domain.Quality, at time.Time) error {
	_, err := d.db.Exec(
		`INSERT OR REPLACE INTO sensor_outputs (channel_id, metric, value, quality, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		channelID, metric, value, int(quality), at.Unix(),
	)
	return err
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
