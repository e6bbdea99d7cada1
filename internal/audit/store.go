// Package audit persists one record per parse request to PostgreSQL.
//
// Entries carry the raw utterance, the outcome status and the full response
// as JSONB so that extraction quality can be reviewed later. The store is
// optional: when no DSN is configured the service runs without it and the
// audit route reports that the log is disabled.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the parse_audit table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS parse_audit (
    id           BIGSERIAL PRIMARY KEY,
    request_id   TEXT NOT NULL DEFAULT '',
    building_id  INTEGER NOT NULL,
    input_text   TEXT NOT NULL,
    status       TEXT NOT NULL,
    error_kind   TEXT NOT NULL DEFAULT '',
    confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
    degraded     BOOLEAN NOT NULL DEFAULT false,
    response     JSONB NOT NULL DEFAULT '{}',
    duration_ms  BIGINT NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_parse_audit_building ON parse_audit(building_id, created_at DESC);
`

const (
	// DefaultLimit is used by [PostgresStore.Recent] when limit is not positive.
	DefaultLimit = 50
	// MaxLimit caps the number of entries returned by [PostgresStore.Recent].
	MaxLimit = 500
)

// Entry is one audited parse request.
type Entry struct {
	ID         int64           `json:"id"`
	RequestID  string          `json:"request_id,omitempty"`
	BuildingID int             `json:"building_id"`
	Text       string          `json:"text"`
	Status     string          `json:"status"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Confidence float64         `json:"confidence"`
	Degraded   bool            `json:"degraded"`
	Response   json.RawMessage `json:"response"`
	Duration   time.Duration   `json:"duration_ns"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Recorder records parse outcomes.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
}

// Reader lists recorded entries.
type Reader interface {
	Recent(ctx context.Context, buildingID, limit int) ([]Entry, error)
}

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and pgxmock pools satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is the audit log backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

var (
	_ Recorder = (*PostgresStore)(nil)
	_ Reader   = (*PostgresStore)(nil)
)

// NewPostgresStore returns a store using db. The caller is responsible for
// calling [PostgresStore.Migrate] before the first write.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect opens and pings a connection pool for dsn.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Record inserts e and fills in its ID and CreatedAt.
func (s *PostgresStore) Record(ctx context.Context, e *Entry) error {
	resp := e.Response
	if len(resp) == 0 {
		resp = json.RawMessage(`{}`)
	}

	const query = `
		INSERT INTO parse_audit (
			request_id, building_id, input_text, status, error_kind,
			confidence, degraded, response, duration_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at`

	err := s.db.QueryRow(ctx, query,
		e.RequestID, e.BuildingID, e.Text, e.Status, e.ErrorKind,
		e.Confidence, e.Degraded, []byte(resp), e.Duration.Milliseconds(),
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}

// Recent returns the newest entries first. A buildingID of 0 lists all
// buildings. limit is clamped to [1, MaxLimit], with 0 meaning DefaultLimit.
func (s *PostgresStore) Recent(ctx context.Context, buildingID, limit int) ([]Entry, error) {
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	var (
		rows pgx.Rows
		err  error
	)
	if buildingID == 0 {
		const query = `
			SELECT id, request_id, building_id, input_text, status, error_kind,
			       confidence, degraded, response, duration_ms, created_at
			FROM parse_audit
			ORDER BY created_at DESC, id DESC
			LIMIT $1`
		rows, err = s.db.Query(ctx, query, limit)
	} else {
		const query = `
			SELECT id, request_id, building_id, input_text, status, error_kind,
			       confidence, degraded, response, duration_ms, created_at
			FROM parse_audit
			WHERE building_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`
		rows, err = s.db.Query(ctx, query, buildingID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e          Entry
			resp       []byte
			durationMS int64
		)
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.BuildingID, &e.Text, &e.Status, &e.ErrorKind,
			&e.Confidence, &e.Degraded, &resp, &durationMS, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Response = json.RawMessage(resp)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	return entries, nil
}
