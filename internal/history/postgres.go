package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initHistorySchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initHistorySchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_history (
			task_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_history_created ON task_history (created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS task_messages (
			task_id TEXT NOT NULL REFERENCES task_history(task_id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (task_id, seq)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init history schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, rec Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO task_history (
			task_id, session_id, prompt, model, source, status, summary, created_at, finished_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9
		)
		ON CONFLICT (task_id) DO UPDATE SET
			session_id=EXCLUDED.session_id,
			prompt=EXCLUDED.prompt,
			model=EXCLUDED.model,
			source=EXCLUDED.source,
			status=EXCLUDED.status,
			summary=EXCLUDED.summary,
			created_at=EXCLUDED.created_at,
			finished_at=EXCLUDED.finished_at`,
		rec.TaskID,
		rec.SessionID,
		rec.Prompt,
		rec.Model,
		rec.Source,
		rec.Status,
		rec.Summary,
		rec.CreatedAt,
		rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task history: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM task_messages WHERE task_id=$1`, rec.TaskID); err != nil {
		return fmt.Errorf("delete prior messages: %w", err)
	}

	for seq, msg := range rec.Messages {
		_, err := tx.Exec(ctx,
			`INSERT INTO task_messages (task_id, seq, role, content, at) VALUES ($1,$2,$3,$4,$5)`,
			rec.TaskID,
			seq,
			msg.Role,
			msg.Content,
			msg.At,
		)
		if err != nil {
			return fmt.Errorf("insert task message: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT task_id, session_id, prompt, model, source, status, summary, created_at, finished_at
		   FROM task_history WHERE task_id=$1`,
		taskID,
	)
	rec, err := scanHistoryRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get task history: %w", err)
	}
	rec.Messages, err = s.loadMessages(ctx, rec.TaskID)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, session_id, prompt, model, source, status, summary, created_at, finished_at
		   FROM task_history ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list task history: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanHistoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}

	for i := range out {
		out[i].Messages, err = s.loadMessages(ctx, out[i].TaskID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) loadMessages(ctx context.Context, taskID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role, content, at FROM task_messages WHERE task_id=$1 ORDER BY seq ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, 8)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.At); err != nil {
			return nil, fmt.Errorf("scan task message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task message rows: %w", err)
	}
	return msgs, nil
}

func scanHistoryRow(row pgx.Row) (Record, error) {
	var (
		rec              Record
		finishedNullable *time.Time
	)
	if err := row.Scan(
		&rec.TaskID,
		&rec.SessionID,
		&rec.Prompt,
		&rec.Model,
		&rec.Source,
		&rec.Status,
		&rec.Summary,
		&rec.CreatedAt,
		&finishedNullable,
	); err != nil {
		return Record{}, err
	}
	rec.FinishedAt = finishedNullable
	return rec, nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
