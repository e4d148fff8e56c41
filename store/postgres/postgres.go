// Package postgres implements rbf.Store over Postgres via pgx/v5,
// registered as a database/sql driver. Transactions run at the
// serializable isolation level and retry on serialization failures with
// exponential backoff.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbfio/rbf"
)

const serializationFailureCode = "40001"

var (
	tracer = otel.Tracer("github.com/rbfio/rbf/store/postgres")
	meter  = otel.Meter("github.com/rbfio/rbf/store/postgres")

	txRetries metric.Int64Counter
)

func init() {
	var err error
	txRetries, err = meter.Int64Counter(
		"rbf.store.postgres.transaction_retries",
		metric.WithDescription("number of serializable-transaction retries due to serialization failures"),
	)
	if err != nil {
		txRetries, _ = meter.Int64Counter("rbf.store.postgres.transaction_retries")
	}
}

// Store is a Postgres-backed rbf.Store.
type Store struct {
	db *sql.DB
}

// Open opens a connection pool at dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-opened *sql.DB (e.g. for test fixtures sharing a
// connection pool with the caller).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTransaction implements rbf.Store.
func (s *Store) WithTransaction(ctx context.Context, namespace string, mode rbf.TxMode, fn func(ctx context.Context, tx rbf.Tx) error) error {
	ctx, span := tracer.Start(ctx, "postgres.WithTransaction", trace.WithSpanKind(trace.SpanKindClient),
		attribute.String("rbf.namespace", namespace))
	defer span.End()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return backoff.Retry(func() error {
		err := s.runOnce(ctx, namespace, mode, fn)
		if err == nil {
			return nil
		}
		if isSerializationFailure(err) {
			txRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("rbf.namespace", namespace)))
			return err // retryable
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

func (s *Store) runOnce(ctx context.Context, namespace string, mode rbf.TxMode, fn func(ctx context.Context, tx rbf.Tx) error) (err error) {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable, ReadOnly: mode == rbf.ReadOnly}
	sqlTx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("postgres: begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
	}()

	tx := &transaction{tx: sqlTx}
	if err := fn(ctx, tx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == serializationFailureCode
	}
	return false
}

// DueOutbox implements rbf.Store.
func (s *Store) DueOutbox(ctx context.Context, namespace string, beforeMillis int64, limit int) ([]rbf.OutboxRow, error) {
	ctx, span := tracer.Start(ctx, "postgres.DueOutbox", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_request_id, type, path, data, target_at, created_at
		FROM outbox
		WHERE namespace = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`, namespace, beforeMillis, limit)
	if err != nil {
		endSpan(span, err)
		return nil, fmt.Errorf("postgres: select due outbox: %w", err)
	}
	defer rows.Close()

	var out []rbf.OutboxRow
	for rows.Next() {
		var r rbf.OutboxRow
		var data []byte
		var targetAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.SourceRequestID, &r.Type, &r.Path, &data, &targetAt, &r.CreatedAtMillis); err != nil {
			endSpan(span, err)
			return nil, fmt.Errorf("postgres: scan outbox row: %w", err)
		}
		r.Data = data
		if targetAt.Valid {
			v := targetAt.Int64
			r.TargetAtMillis = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteOutboxRow implements rbf.Store.
func (s *Store) DeleteOutboxRow(ctx context.Context, namespace, id string) error {
	ctx, span := tracer.Start(ctx, "postgres.DeleteOutboxRow", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE namespace = $1 AND id = $2`, namespace, id)
	if err != nil {
		endSpan(span, err)
		return fmt.Errorf("postgres: delete outbox row: %w", err)
	}
	return nil
}

// DeleteResultsOlderThan implements rbf.Store.
func (s *Store) DeleteResultsOlderThan(ctx context.Context, namespace string, beforeMillis int64) (int64, error) {
	ctx, span := tracer.Start(ctx, "postgres.DeleteResultsOlderThan", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE namespace = $1 AND created_at < $2`, namespace, beforeMillis)
	if err != nil {
		endSpan(span, err)
		return 0, fmt.Errorf("postgres: delete expired results: %w", err)
	}
	return res.RowsAffected()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// transaction implements rbf.Tx over a *sql.Tx.
type transaction struct {
	tx *sql.Tx
}

func (t *transaction) Result(ctx context.Context, namespace, requestID string) (*rbf.Result, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT requested_path, requested_input, data, status, created_at
		FROM results WHERE namespace = $1 AND request_id = $2`, namespace, requestID)

	var r rbf.Result
	r.RequestID = requestID
	var input, data []byte
	err := row.Scan(&r.RequestedPath, &input, &data, &r.Status, &r.CreatedAtMillis)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: select result: %w", err)
	}
	r.RequestedInput = input
	r.Data = data
	return &r, nil
}

func (t *transaction) InsertResult(ctx context.Context, namespace string, r rbf.Result) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO results (namespace, request_id, requested_path, requested_input, data, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (namespace, request_id) DO NOTHING`,
		namespace, r.RequestID, r.RequestedPath, []byte(r.RequestedInput), []byte(r.Data), r.Status, nowMillis())
	if err != nil {
		return false, fmt.Errorf("postgres: insert result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: insert result rows affected: %w", err)
	}
	return n > 0, nil
}

func (t *transaction) InsertOutboxRows(ctx context.Context, namespace string, rows []rbf.OutboxRow) error {
	for _, r := range rows {
		var targetAt any
		if r.TargetAtMillis != nil {
			targetAt = *r.TargetAtMillis
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO outbox (namespace, id, source_request_id, type, path, data, target_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			namespace, r.ID, r.SourceRequestID, r.Type, r.Path, []byte(r.Data), targetAt, nowMillis())
		if err != nil {
			return fmt.Errorf("postgres: insert outbox row %s: %w", r.ID, err)
		}
	}
	return nil
}

func (t *transaction) OutboxBySourceRequestID(ctx context.Context, namespace, requestID string) ([]rbf.OutboxRow, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, source_request_id, type, path, data, target_at, created_at
		FROM outbox WHERE namespace = $1 AND source_request_id = $2`, namespace, requestID)
	if err != nil {
		return nil, fmt.Errorf("postgres: select residual outbox rows: %w", err)
	}
	defer rows.Close()

	var out []rbf.OutboxRow
	for rows.Next() {
		var r rbf.OutboxRow
		var data []byte
		var targetAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.SourceRequestID, &r.Type, &r.Path, &data, &targetAt, &r.CreatedAtMillis); err != nil {
			return nil, fmt.Errorf("postgres: scan residual outbox row: %w", err)
		}
		r.Data = data
		if targetAt.Valid {
			v := targetAt.Int64
			r.TargetAtMillis = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
