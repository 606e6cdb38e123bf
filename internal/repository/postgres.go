package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taleforge/api/internal/config"
	"github.com/taleforge/api/internal/model"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS personalization_jobs (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    slug            TEXT NOT NULL,
    status          TEXT NOT NULL,
    child_photo_uri TEXT NOT NULL DEFAULT '',
    common_prompt   TEXT NOT NULL DEFAULT '',
    child_name      TEXT NOT NULL DEFAULT '',
    child_age       INTEGER,
    child_gender    TEXT NOT NULL DEFAULT '',
    analysis        JSONB NOT NULL DEFAULT '{}'::jsonb,
    result_uri      TEXT NOT NULL DEFAULT '',
    avatar_url      TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS job_artifacts (
    id         TEXT PRIMARY KEY,
    job_id     TEXT NOT NULL,
    stage      TEXT NOT NULL,
    kind       TEXT NOT NULL,
    page_num   INTEGER,
    s3_uri     TEXT NOT NULL,
    meta       JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS job_artifacts_job_idx ON job_artifacts (job_id, stage, kind, page_num, created_at DESC);
`

// NewPool opens a pgx pool for the configured database.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the tables when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type PostgresJobRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobRepository(pool *pgxpool.Pool) *PostgresJobRepository {
	return &PostgresJobRepository{pool: pool}
}

func (r *PostgresJobRepository) Create(ctx context.Context, job *model.Job) error {
	analysis, err := json.Marshal(job.Analysis)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	query := `
INSERT INTO personalization_jobs (id, user_id, slug, status, child_photo_uri, common_prompt, child_name,
    child_age, child_gender, analysis, result_uri, avatar_url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
`
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.UserID,
		job.Slug,
		job.Status,
		job.ChildPhotoURI,
		job.CommonPrompt,
		job.ChildName,
		job.ChildAge,
		job.ChildGender,
		analysis,
		job.ResultURI,
		job.AvatarURL,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

func (r *PostgresJobRepository) Get(ctx context.Context, jobID string) (*model.Job, error) {
	query := `
SELECT id, user_id, slug, status, child_photo_uri, common_prompt, child_name, child_age, child_gender,
    analysis, result_uri, avatar_url, created_at, updated_at
FROM personalization_jobs
WHERE id = $1;
`
	var (
		job      model.Job
		analysis []byte
	)
	err := r.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&job.UserID,
		&job.Slug,
		&job.Status,
		&job.ChildPhotoURI,
		&job.CommonPrompt,
		&job.ChildName,
		&job.ChildAge,
		&job.ChildGender,
		&analysis,
		&job.ResultURI,
		&job.AvatarURL,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &model.JobNotFoundError{JobID: jobID}
		}
		return nil, err
	}
	if err := json.Unmarshal(analysis, &job.Analysis); err != nil {
		return nil, fmt.Errorf("decode analysis of job %s: %w", jobID, err)
	}
	return &job, nil
}

func (r *PostgresJobRepository) Update(ctx context.Context, job *model.Job) error {
	analysis, err := json.Marshal(job.Analysis)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	query := `
UPDATE personalization_jobs
SET status = $2,
    child_photo_uri = $3,
    common_prompt = $4,
    child_name = $5,
    child_age = $6,
    child_gender = $7,
    analysis = $8,
    result_uri = $9,
    avatar_url = $10,
    updated_at = NOW()
WHERE id = $1 AND (status <> 'cancelled' OR $2 = 'cancelled');
`
	tag, err := r.pool.Exec(ctx, query,
		job.ID,
		job.Status,
		job.ChildPhotoURI,
		job.CommonPrompt,
		job.ChildName,
		job.ChildAge,
		job.ChildGender,
		analysis,
		job.ResultURI,
		job.AvatarURL,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, job.ID); err != nil {
			return err
		}
		return cancelledError(job.ID)
	}
	return nil
}

type PostgresArtifactLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresArtifactLedger(pool *pgxpool.Pool) *PostgresArtifactLedger {
	return &PostgresArtifactLedger{pool: pool}
}

func (l *PostgresArtifactLedger) Append(ctx context.Context, a *model.JobArtifact) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	meta := a.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode artifact meta: %w", err)
	}
	query := `
INSERT INTO job_artifacts (id, job_id, stage, kind, page_num, s3_uri, meta, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	_, err = l.pool.Exec(ctx, query, a.ID, a.JobID, a.Stage, a.Kind, a.PageNum, a.S3URI, raw, a.CreatedAt)
	return err
}

func (l *PostgresArtifactLedger) ListByJob(ctx context.Context, jobID string) ([]model.JobArtifact, error) {
	query := `
SELECT id, job_id, stage, kind, page_num, s3_uri, meta, created_at
FROM job_artifacts
WHERE job_id = $1
ORDER BY created_at, id;
`
	rows, err := l.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	return scanArtifacts(rows)
}

func (l *PostgresArtifactLedger) LatestByPage(ctx context.Context, jobID string, stage model.Stage, kind model.ArtifactKind) ([]model.JobArtifact, error) {
	query := `
SELECT DISTINCT ON (page_num) id, job_id, stage, kind, page_num, s3_uri, meta, created_at
FROM job_artifacts
WHERE job_id = $1 AND stage = $2 AND kind = $3 AND page_num IS NOT NULL
ORDER BY page_num, created_at DESC;
`
	rows, err := l.pool.Query(ctx, query, jobID, stage, kind)
	if err != nil {
		return nil, err
	}
	return scanArtifacts(rows)
}

// PurgeAll deletes every ledger row and job in one transaction.
func (l *PostgresArtifactLedger) PurgeAll(ctx context.Context) (model.PurgeResult, error) {
	var res model.PurgeResult
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `DELETE FROM job_artifacts RETURNING s3_uri`)
		if err != nil {
			return err
		}
		uris, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		res.Artifacts = int64(len(uris))
		res.URIs = uris

		rows, err = tx.Query(ctx, `
DELETE FROM personalization_jobs
RETURNING child_photo_uri, COALESCE(analysis->'result'->>'faceCropUri', ''), result_uri`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var photo, crop, result string
			if err := rows.Scan(&photo, &crop, &result); err != nil {
				rows.Close()
				return err
			}
			res.Jobs++
			res.URIs = append(res.URIs, photo, crop, result)
		}
		rows.Close()
		return rows.Err()
	})
	if err != nil {
		return model.PurgeResult{}, fmt.Errorf("purge: %w", err)
	}
	return res, nil
}

func scanArtifacts(rows pgx.Rows) ([]model.JobArtifact, error) {
	defer rows.Close()

	var out []model.JobArtifact
	for rows.Next() {
		var (
			a    model.JobArtifact
			meta []byte
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.Stage, &a.Kind, &a.PageNum, &a.S3URI, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &a.Meta); err != nil {
				return nil, fmt.Errorf("decode artifact meta: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
