package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/PRDForge/internal/domain/memory"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// --- Features ---

const featureColumns = `id, name, description, status, priority, requirements, feedback, created_at, updated_at`

func scanFeature(row scannable) (memory.FeatureRow, error) {
	var f memory.FeatureRow
	err := row.Scan(&f.ID, &f.Name, &f.Description, &f.Status, &f.Priority,
		&f.Requirements, &f.Feedback, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

// UpsertFeature inserts a feature or updates the row with the same name.
func (s *Store) UpsertFeature(ctx context.Context, f memory.FeatureRow) (*memory.FeatureRow, error) {
	const q = `
		INSERT INTO features (name, description, status, priority, requirements, feedback)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			requirements = EXCLUDED.requirements,
			feedback = EXCLUDED.feedback,
			updated_at = now()
		RETURNING ` + featureColumns

	row, err := scanFeature(s.pool.QueryRow(ctx, q,
		f.Name, f.Description, f.Status, f.Priority, orEmpty(f.Requirements), f.Feedback))
	if err != nil {
		return nil, fmt.Errorf("upsert feature %q: %w", f.Name, err)
	}
	return &row, nil
}

func (s *Store) GetFeatureByName(ctx context.Context, name string) (*memory.FeatureRow, error) {
	f, err := scanFeature(s.pool.QueryRow(ctx,
		`SELECT `+featureColumns+` FROM features WHERE name = $1`, name))
	if err != nil {
		return nil, wrapErr(err, "get feature %q", name)
	}
	return &f, nil
}

func (s *Store) GetFeature(ctx context.Context, id int64) (*memory.FeatureRow, error) {
	f, err := scanFeature(s.pool.QueryRow(ctx,
		`SELECT `+featureColumns+` FROM features WHERE id = $1`, id))
	if err != nil {
		return nil, wrapErr(err, "get feature %d", id)
	}
	return &f, nil
}

func (s *Store) ListFeatures(ctx context.Context) ([]memory.FeatureRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+featureColumns+` FROM features ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	var out []memory.FeatureRow
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		out = append(out, f)
	}
	return orEmpty(out), rows.Err()
}

// --- Dependencies ---

// AddDependencies appends dependency rows, skipping descriptions the feature
// already has.
func (s *Store) AddDependencies(ctx context.Context, featureID int64, deps []memory.Dependency) error {
	if len(deps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range deps {
		batch.Queue(`
			INSERT INTO feature_dependencies (feature_id, description, type, status)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (feature_id, description) DO NOTHING`,
			featureID, d.Description, d.Type, d.Status)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return wrapErr(err, "add dependencies for feature %d", featureID)
	}
	return nil
}

func (s *Store) ListDependencies(ctx context.Context, featureID int64) ([]memory.Dependency, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, feature_id, description, type, status, created_at
		FROM feature_dependencies WHERE feature_id = $1 ORDER BY id`, featureID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	var out []memory.Dependency
	for rows.Next() {
		var d memory.Dependency
		if err := rows.Scan(&d.ID, &d.FeatureID, &d.Description, &d.Type, &d.Status, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out = append(out, d)
	}
	return orEmpty(out), rows.Err()
}

// --- Research ---

func (s *Store) UpsertResearch(ctx context.Context, r memory.ResearchRecord) error {
	findings, err := json.Marshal(orEmpty(r.Findings))
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	sources, err := json.Marshal(orEmpty(r.Sources))
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO research (task_id, query, findings, sources)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE SET
			query = EXCLUDED.query, findings = EXCLUDED.findings, sources = EXCLUDED.sources`,
		r.TaskID, r.Query, findings, sources)
	if err != nil {
		return fmt.Errorf("upsert research %s: %w", r.TaskID, err)
	}
	return nil
}

func scanResearch(row scannable) (memory.ResearchRecord, error) {
	var (
		r                 memory.ResearchRecord
		findings, sources []byte
	)
	if err := row.Scan(&r.TaskID, &r.Query, &findings, &sources, &r.CreatedAt); err != nil {
		return r, err
	}
	if err := json.Unmarshal(findings, &r.Findings); err != nil {
		return r, fmt.Errorf("unmarshal findings: %w", err)
	}
	if err := json.Unmarshal(sources, &r.Sources); err != nil {
		return r, fmt.Errorf("unmarshal sources: %w", err)
	}
	return r, nil
}

func (s *Store) GetResearch(ctx context.Context, taskID string) (*memory.ResearchRecord, error) {
	r, err := scanResearch(s.pool.QueryRow(ctx,
		`SELECT task_id, query, findings, sources, created_at FROM research WHERE task_id = $1`, taskID))
	if err != nil {
		return nil, wrapErr(err, "get research %s", taskID)
	}
	return &r, nil
}

func (s *Store) ListResearch(ctx context.Context) ([]memory.ResearchRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, query, findings, sources, created_at FROM research ORDER BY created_at, task_id`)
	if err != nil {
		return nil, fmt.Errorf("list research: %w", err)
	}
	defer rows.Close()

	var out []memory.ResearchRecord
	for rows.Next() {
		r, err := scanResearch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan research: %w", err)
		}
		out = append(out, r)
	}
	return orEmpty(out), rows.Err()
}

// --- Validation results ---

func (s *Store) InsertValidationResults(ctx context.Context, rows []memory.ValidationRow) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"validation_results"},
		[]string{"feature_id", "rule", "score", "feedback"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{r.FeatureID, r.Rule, r.Score, r.Feedback}, nil
		}))
	if err != nil {
		return fmt.Errorf("insert validation results: %w", err)
	}
	return nil
}

func (s *Store) ListValidationResults(ctx context.Context, featureID int64) ([]memory.ValidationRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, feature_id, rule, score, feedback, created_at
		FROM validation_results WHERE feature_id = $1 ORDER BY id`, featureID)
	if err != nil {
		return nil, fmt.Errorf("list validation results: %w", err)
	}
	defer rows.Close()

	var out []memory.ValidationRow
	for rows.Next() {
		var v memory.ValidationRow
		if err := rows.Scan(&v.ID, &v.FeatureID, &v.Rule, &v.Score, &v.Feedback, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan validation result: %w", err)
		}
		out = append(out, v)
	}
	return orEmpty(out), rows.Err()
}
