package stream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/onnwee/stormtrooper/telemetry"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var columns = []string{
	"id",
	"user_id",
	"COALESCE(csync_path, '')",
	"COALESCE(stream_name, '')",
	"COALESCE(description, '')",
	"created_at",
	"updated_at",
}

// Store persists streams in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore returns a Store over an open pool.
func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

// GetOrCreate returns the user's stream, inserting it from req when none exists.
// req is only validated on the insert path, so an existing stream is returned for any
// request. Concurrent callers for the same user converge on a single row. created
// reports whether this call inserted it.
func (s *Store) GetOrCreate(ctx context.Context, userID string, req Request) (st *Stream, created bool, err error) {
	if st, err := s.GetByUser(ctx, userID); err == nil {
		return st, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	q, args, err := psql.Insert("streams").
		Columns("user_id", "csync_path", "stream_name", "description").
		Values(userID, req.Path, nullString(req.Name), nullString(req.Description)).
		Suffix("ON CONFLICT (user_id) DO NOTHING RETURNING " + joinColumns()).
		ToSql()
	if err != nil {
		return nil, false, err
	}
	st, err = scanStream(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, ErrNotFound) {
		// lost the race; another request inserted first
		st, err = s.GetByUser(ctx, userID)
		return st, false, err
	}
	if err != nil {
		return nil, false, err
	}
	telemetry.IncStreamsCreated()
	telemetry.LoggerWithCorr(ctx).Info("stream created",
		slog.String("user", userID), slog.Int64("stream_id", st.ID), slog.String("component", "stream"))
	return st, true, nil
}

// GetByUser returns the stream owned by userID.
func (s *Store) GetByUser(ctx context.Context, userID string) (*Stream, error) {
	q, args, err := psql.Select(columns...).From("streams").Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return nil, err
	}
	return scanStream(s.db.QueryRowContext(ctx, q, args...))
}

// Update applies p to the user's stream and returns the result.
func (s *Store) Update(ctx context.Context, userID string, p Patch) (*Stream, error) {
	if p.Empty() {
		return s.GetByUser(ctx, userID)
	}
	b := psql.Update("streams").Set("updated_at", sq.Expr("NOW()"))
	if p.Name != nil {
		b = b.Set("stream_name", nullString(*p.Name))
	}
	if p.Description != nil {
		b = b.Set("description", nullString(*p.Description))
	}
	q, args, err := b.Where(sq.Eq{"user_id": userID}).Suffix("RETURNING " + joinColumns()).ToSql()
	if err != nil {
		return nil, err
	}
	return scanStream(s.db.QueryRowContext(ctx, q, args...))
}

// List returns streams newest first. limit is clamped with ClampLimit.
func (s *Store) List(ctx context.Context, limit, offset uint64) ([]Stream, error) {
	q, args, err := psql.Select(columns...).
		From("streams").
		OrderBy("created_at DESC", "id DESC").
		Limit(ClampLimit(limit)).
		Offset(offset).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := make([]Stream, 0)
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStream(row scanner) (*Stream, error) {
	var st Stream
	err := row.Scan(&st.ID, &st.UserID, &st.Path, &st.Name, &st.Description, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan stream: %w", err)
	}
	return &st, nil
}

func joinColumns() string { return strings.Join(columns, ", ") }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
