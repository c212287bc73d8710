package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"craftscale/scale-server/internal/model"
	"craftscale/scale-server/internal/scale"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database connection and schema lifecycle.
//
// Calibration mutations are read-modify-write against a singleton row, so
// they serialize behind calMu in addition to the single sqlite connection.
// The current-reading row is always replaced whole and needs no such guard.
type Store struct {
	db            *sql.DB
	defaultFactor float64
	calMu         sync.Mutex
}

// Open initializes the database connection, creating directories as needed.
// defaultFactor seeds the calibration record on first-ever read.
func Open(path string, defaultFactor float64) (*Store, error) {
	if defaultFactor == 0 {
		return nil, fmt.Errorf("default calibration factor must be non-zero")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, defaultFactor: defaultFactor}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures the singleton tables exist and seeds the zero reading.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calibration (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			factor REAL NOT NULL,
			"offset" REAL NOT NULL DEFAULT 0,
			last_calibrated TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS current_weight (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			weight REAL NOT NULL DEFAULT 0,
			raw_value REAL NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL,
			received_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`INSERT OR IGNORE INTO current_weight (id, weight, raw_value, timestamp)
		 VALUES (1, 0, 0, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'));`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// OverrideDefaultFactor replaces the seed factor used when the calibration
// record does not exist yet. Zero values are ignored. An already-seeded
// record is not rewritten.
func (s *Store) OverrideDefaultFactor(factor float64) {
	if factor == 0 {
		return
	}
	s.calMu.Lock()
	defer s.calMu.Unlock()
	s.defaultFactor = factor
}

// Calibration returns the singleton calibration record, creating it with
// the configured defaults on first-ever read.
func (s *Store) Calibration(ctx context.Context) (model.Calibration, error) {
	if s.db == nil {
		return model.Calibration{}, fmt.Errorf("store not initialized")
	}

	s.calMu.Lock()
	defer s.calMu.Unlock()

	return s.calibrationLocked(ctx)
}

func (s *Store) calibrationLocked(ctx context.Context) (model.Calibration, error) {
	cal, err := s.scanCalibration(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		cal = model.Calibration{Factor: s.defaultFactor, Offset: 0}
		if _, err := s.db.ExecContext(
			ctx,
			`INSERT INTO calibration (id, factor, "offset") VALUES (1, ?, ?);`,
			cal.Factor,
			cal.Offset,
		); err != nil {
			return model.Calibration{}, fmt.Errorf("seed calibration: %w", err)
		}
		return cal, nil
	}
	if err != nil {
		return model.Calibration{}, err
	}
	return cal, nil
}

func (s *Store) scanCalibration(ctx context.Context) (model.Calibration, error) {
	var (
		factor       float64
		offset       float64
		calibratedAt sql.NullString
	)

	err := s.db.QueryRowContext(
		ctx,
		`SELECT factor, "offset", last_calibrated FROM calibration WHERE id = 1;`,
	).Scan(&factor, &offset, &calibratedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Calibration{}, err
	}
	if err != nil {
		return model.Calibration{}, fmt.Errorf("query calibration: %w", err)
	}

	cal := model.Calibration{Factor: factor, Offset: offset}
	if calibratedAt.Valid && calibratedAt.String != "" {
		if ts, err := parseTimestamp(calibratedAt.String); err == nil {
			cal.LastCalibrated = &ts
		}
	}
	return cal, nil
}

// Tare moves the zero point to rawValue. Factor and last_calibrated are
// untouched; taring twice with the same value is a no-op the second time.
func (s *Store) Tare(ctx context.Context, rawValue float64) (model.Calibration, error) {
	if s.db == nil {
		return model.Calibration{}, fmt.Errorf("store not initialized")
	}

	s.calMu.Lock()
	defer s.calMu.Unlock()

	cal, err := s.calibrationLocked(ctx)
	if err != nil {
		return model.Calibration{}, err
	}

	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE calibration SET "offset" = ? WHERE id = 1;`,
		rawValue,
	); err != nil {
		return model.Calibration{}, fmt.Errorf("update offset: %w", err)
	}

	cal.Offset = rawValue
	return cal, nil
}

// Calibrate derives a new factor from a known reference weight and the raw
// reading observed under it, using the offset active right now. The offset
// itself is not modified.
func (s *Store) Calibrate(ctx context.Context, knownWeight, rawValue float64) (model.Calibration, error) {
	if s.db == nil {
		return model.Calibration{}, fmt.Errorf("store not initialized")
	}

	s.calMu.Lock()
	defer s.calMu.Unlock()

	cal, err := s.calibrationLocked(ctx)
	if err != nil {
		return model.Calibration{}, err
	}

	factor, err := scale.NewFactor(rawValue, knownWeight, cal.Offset)
	if err != nil {
		return model.Calibration{}, err
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE calibration SET factor = ?, last_calibrated = ? WHERE id = 1;`,
		factor,
		now.Format(time.RFC3339Nano),
	); err != nil {
		return model.Calibration{}, fmt.Errorf("update factor: %w", err)
	}

	cal.Factor = factor
	cal.LastCalibrated = &now
	return cal, nil
}

// SetCurrentReading replaces the singleton current-weight row. The write is
// a full-row upsert, so interleaved ingestions cannot half-apply.
func (s *Store) SetCurrentReading(ctx context.Context, r model.Reading) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	receivedAt := r.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO current_weight (id, weight, raw_value, timestamp, received_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET weight = excluded.weight,
				raw_value = excluded.raw_value,
				timestamp = excluded.timestamp,
				received_at = excluded.received_at;`,
		r.Weight,
		r.RawValue,
		ts.UTC().Format(time.RFC3339Nano),
		receivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert current reading: %w", err)
	}

	return nil
}

// CurrentReading returns the latest reading. A missing row (possible only
// before InitSchema seeded it) comes back as a zero-weight reading.
func (s *Store) CurrentReading(ctx context.Context) (model.Reading, error) {
	if s.db == nil {
		return model.Reading{}, fmt.Errorf("store not initialized")
	}

	var (
		weight        float64
		rawValue      float64
		timestampStr  string
		receivedAtStr string
	)

	err := s.db.QueryRowContext(
		ctx,
		`SELECT weight, raw_value, timestamp, received_at FROM current_weight WHERE id = 1;`,
	).Scan(&weight, &rawValue, &timestampStr, &receivedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		now := time.Now().UTC()
		return model.Reading{Timestamp: now, ReceivedAt: now}, nil
	}
	if err != nil {
		return model.Reading{}, fmt.Errorf("query current reading: %w", err)
	}

	timestamp, err := parseTimestamp(timestampStr)
	if err != nil {
		timestamp = time.Now().UTC()
	}
	receivedAt, err := parseTimestamp(receivedAtStr)
	if err != nil {
		receivedAt = time.Now().UTC()
	}

	return model.Reading{
		Weight:     weight,
		RawValue:   rawValue,
		Timestamp:  timestamp,
		ReceivedAt: receivedAt,
	}, nil
}

// UpsertAppConfig stores or updates a configuration key/value pair.
func (s *Store) UpsertAppConfig(ctx context.Context, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("upsert app config: %w", err)
	}
	return nil
}

// AppConfig returns all configuration entries as a map.
func (s *Store) AppConfig(ctx context.Context) (map[string]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_config;`)
	if err != nil {
		return nil, fmt.Errorf("query app config: %w", err)
	}
	defer rows.Close()

	config := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan app config: %w", err)
		}
		config[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate app config: %w", err)
	}

	return config, nil
}

func parseTimestamp(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		ts, err = time.Parse("2006-01-02T15:04:05Z07:00", s)
	}
	return ts, err
}
