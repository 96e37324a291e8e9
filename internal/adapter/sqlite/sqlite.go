// Package sqlite implements the durable memory store on an embedded SQLite
// database (modernc.org/sqlite, no cgo). It is the default backend and the
// one used by tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Strob0t/PRDForge/internal/domain"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/domain/memory"
)

const schema = `
CREATE TABLE IF NOT EXISTS features (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	name         TEXT NOT NULL UNIQUE,
	description  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'draft',
	priority     TEXT NOT NULL DEFAULT 'medium',
	requirements TEXT NOT NULL DEFAULT '[]',
	feedback     TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS feature_dependencies (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	feature_id  INTEGER NOT NULL REFERENCES features(id) ON DELETE CASCADE,
	description TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT 'feature',
	status      TEXT NOT NULL DEFAULT 'pending',
	created_at  TEXT NOT NULL,
	UNIQUE (feature_id, description)
);
CREATE TABLE IF NOT EXISTS research (
	task_id    TEXT PRIMARY KEY,
	query      TEXT NOT NULL,
	findings   TEXT NOT NULL DEFAULT '[]',
	sources    TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS validation_results (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	feature_id INTEGER NOT NULL REFERENCES features(id) ON DELETE CASCADE,
	rule       TEXT NOT NULL,
	score      REAL NOT NULL,
	feedback   TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS bus_events (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id         TEXT NOT NULL,
	topic              TEXT NOT NULL,
	type               TEXT NOT NULL,
	source_agent       TEXT NOT NULL DEFAULT '',
	target_agent       TEXT NOT NULL DEFAULT '',
	correlation_id     TEXT NOT NULL,
	data               TEXT,
	processing_time_ms REAL NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bus_events_correlation ON bus_events (correlation_id, id);
`

const timeLayout = time.RFC3339Nano

// Store implements database.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures the schema
// exists. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	for _, stmt := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) stamp() string { return s.now().UTC().Format(timeLayout) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeLayout, v)
	return t
}

func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func marshalList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	return string(b), err
}

type scannable interface {
	Scan(dest ...any) error
}

// --- Features ---

const featureColumns = `id, name, description, status, priority, requirements, feedback, created_at, updated_at`

func scanFeature(row scannable) (memory.FeatureRow, error) {
	var (
		f                memory.FeatureRow
		reqs             string
		created, updated string
	)
	if err := row.Scan(&f.ID, &f.Name, &f.Description, &f.Status, &f.Priority,
		&reqs, &f.Feedback, &created, &updated); err != nil {
		return f, err
	}
	if err := json.Unmarshal([]byte(reqs), &f.Requirements); err != nil {
		return f, fmt.Errorf("unmarshal requirements: %w", err)
	}
	f.CreatedAt = parseTime(created)
	f.UpdatedAt = parseTime(updated)
	return f, nil
}

// UpsertFeature inserts a feature or updates the row with the same name.
func (s *Store) UpsertFeature(ctx context.Context, f memory.FeatureRow) (*memory.FeatureRow, error) {
	reqs, err := marshalList(f.Requirements)
	if err != nil {
		return nil, fmt.Errorf("marshal requirements: %w", err)
	}
	now := s.stamp()
	row, err := scanFeature(s.db.QueryRowContext(ctx, `
		INSERT INTO features (name, description, status, priority, requirements, feedback, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			requirements = excluded.requirements,
			feedback = excluded.feedback,
			updated_at = excluded.updated_at
		RETURNING `+featureColumns,
		f.Name, f.Description, f.Status, f.Priority, reqs, f.Feedback, now, now))
	if err != nil {
		return nil, fmt.Errorf("upsert feature %q: %w", f.Name, err)
	}
	return &row, nil
}

func (s *Store) GetFeatureByName(ctx context.Context, name string) (*memory.FeatureRow, error) {
	f, err := scanFeature(s.db.QueryRowContext(ctx, `SELECT `+featureColumns+` FROM features WHERE name = ?`, name))
	if err != nil {
		return nil, notFoundWrap(err, "get feature %q", name)
	}
	return &f, nil
}

func (s *Store) GetFeature(ctx context.Context, id int64) (*memory.FeatureRow, error) {
	f, err := scanFeature(s.db.QueryRowContext(ctx, `SELECT `+featureColumns+` FROM features WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get feature %d", id)
	}
	return &f, nil
}

func (s *Store) ListFeatures(ctx context.Context) ([]memory.FeatureRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+featureColumns+` FROM features ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []memory.FeatureRow{}
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- Dependencies ---

// AddDependencies appends dependency rows in one transaction, skipping
// descriptions the feature already has.
func (s *Store) AddDependencies(ctx context.Context, featureID int64, deps []memory.Dependency) error {
	if len(deps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.stamp()
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO feature_dependencies (feature_id, description, type, status, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (feature_id, description) DO NOTHING`,
			featureID, d.Description, d.Type, d.Status, now); err != nil {
			return fmt.Errorf("add dependency %q for feature %d: %w", d.Description, featureID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListDependencies(ctx context.Context, featureID int64) ([]memory.Dependency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, feature_id, description, type, status, created_at
		FROM feature_dependencies WHERE feature_id = ? ORDER BY id`, featureID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []memory.Dependency{}
	for rows.Next() {
		var (
			d       memory.Dependency
			created string
		)
		if err := rows.Scan(&d.ID, &d.FeatureID, &d.Description, &d.Type, &d.Status, &created); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		d.CreatedAt = parseTime(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Research ---

func (s *Store) UpsertResearch(ctx context.Context, r memory.ResearchRecord) error {
	findings, err := marshalList(r.Findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	sources, err := marshalList(r.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO research (task_id, query, findings, sources, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			query = excluded.query, findings = excluded.findings, sources = excluded.sources`,
		r.TaskID, r.Query, findings, sources, s.stamp())
	if err != nil {
		return fmt.Errorf("upsert research %s: %w", r.TaskID, err)
	}
	return nil
}

func scanResearch(row scannable) (memory.ResearchRecord, error) {
	var (
		r                          memory.ResearchRecord
		findings, sources, created string
	)
	if err := row.Scan(&r.TaskID, &r.Query, &findings, &sources, &created); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(findings), &r.Findings); err != nil {
		return r, fmt.Errorf("unmarshal findings: %w", err)
	}
	if err := json.Unmarshal([]byte(sources), &r.Sources); err != nil {
		return r, fmt.Errorf("unmarshal sources: %w", err)
	}
	r.CreatedAt = parseTime(created)
	return r, nil
}

func (s *Store) GetResearch(ctx context.Context, taskID string) (*memory.ResearchRecord, error) {
	r, err := scanResearch(s.db.QueryRowContext(ctx,
		`SELECT task_id, query, findings, sources, created_at FROM research WHERE task_id = ?`, taskID))
	if err != nil {
		return nil, notFoundWrap(err, "get research %s", taskID)
	}
	return &r, nil
}

func (s *Store) ListResearch(ctx context.Context) ([]memory.ResearchRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, query, findings, sources, created_at FROM research ORDER BY created_at, task_id`)
	if err != nil {
		return nil, fmt.Errorf("list research: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []memory.ResearchRecord{}
	for rows.Next() {
		r, err := scanResearch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan research: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Validation results ---

func (s *Store) InsertValidationResults(ctx context.Context, rows []memory.ValidationRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.stamp()
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO validation_results (feature_id, rule, score, feedback, created_at)
			VALUES (?, ?, ?, ?, ?)`, r.FeatureID, r.Rule, r.Score, r.Feedback, now); err != nil {
			return fmt.Errorf("insert validation result %s: %w", r.Rule, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListValidationResults(ctx context.Context, featureID int64) ([]memory.ValidationRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, feature_id, rule, score, feedback, created_at
		FROM validation_results WHERE feature_id = ? ORDER BY id`, featureID)
	if err != nil {
		return nil, fmt.Errorf("list validation results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []memory.ValidationRow{}
	for rows.Next() {
		var (
			v       memory.ValidationRow
			created string
		)
		if err := rows.Scan(&v.ID, &v.FeatureID, &v.Rule, &v.Score, &v.Feedback, &created); err != nil {
			return nil, fmt.Errorf("scan validation result: %w", err)
		}
		v.CreatedAt = parseTime(created)
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Event log ---

func (s *Store) AppendEvent(ctx context.Context, e event.StoredEvent) error {
	var data sql.NullString
	if len(e.Data) > 0 {
		data = sql.NullString{String: string(e.Data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bus_events (message_id, topic, type, source_agent, target_agent, correlation_id, data, processing_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MessageID, e.Topic, string(e.Type), e.Source, e.Target, e.CorrelationID, data,
		e.ProcessingTimeMs, e.Timestamp.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.MessageID, err)
	}
	return nil
}

func (s *Store) ListEventsByCorrelation(ctx context.Context, correlationID string) ([]event.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, topic, type, source_agent, target_agent, correlation_id, data, processing_time_ms, created_at
		FROM bus_events WHERE correlation_id = ? ORDER BY id`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", correlationID, err)
	}
	defer func() { _ = rows.Close() }()

	out := []event.StoredEvent{}
	for rows.Next() {
		var (
			e       event.StoredEvent
			typ     string
			data    sql.NullString
			created string
		)
		if err := rows.Scan(&e.MessageID, &e.Topic, &typ, &e.Source, &e.Target,
			&e.CorrelationID, &data, &e.ProcessingTimeMs, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = event.Type(typ)
		if data.Valid {
			e.Data = json.RawMessage(data.String)
		}
		e.Timestamp = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
