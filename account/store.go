package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/stormtrooper/crypto"
	"github.com/onnwee/stormtrooper/db"
	"github.com/onnwee/stormtrooper/telemetry"
)

const pgUniqueViolation = "23505"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var externalColumns = []string{
	"id",
	"provider",
	"user_id",
	"COALESCE(access_token, '')",
	"COALESCE(at_iv, '')",
	"COALESCE(at_tag, '')",
	"COALESCE(refresh_token, '')",
	"COALESCE(rt_iv, '')",
	"COALESCE(rt_tag, '')",
	"expires_at",
}

// Store is the Postgres Repository.
type Store struct {
	db *sql.DB
}

// NewStore returns a Store over an open pool.
func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

// SaveUser inserts the user or, when the id exists, updates its device token.
func (s *Store) SaveUser(ctx context.Context, u *User) error {
	return saveUser(ctx, s.db, u)
}

// UserExists reports whether a user row with id exists.
func (s *Store) UserExists(ctx context.Context, id string) (bool, error) {
	q, args, err := psql.Select("1").From("users").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, q, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, handleSQLError(err)
	}
	return true, nil
}

// GetUserByID loads a user together with its external accounts.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	u, err := getUser(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if u.ExternalAccounts, err = listExternalAccounts(ctx, s.db, id); err != nil {
		return nil, err
	}
	return u, nil
}

// GetUserByExternalAccount returns the user an external account is linked to.
// External accounts are not loaded.
func (s *Store) GetUserByExternalAccount(ctx context.Context, externalID, provider string) (*User, error) {
	q, args, err := psql.Select("u.id", "COALESCE(u.device_token, '')", "u.created_at").
		From("users u").
		Join("external_auth e ON e.user_id = u.id").
		Where(sq.Eq{"e.id": externalID}).
		Where(sq.Eq{"e.provider": provider}).
		ToSql()
	if err != nil {
		return nil, err
	}
	var u User
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&u.ID, &u.DeviceToken, &u.CreatedAt); err != nil {
		return nil, handleSQLError(err)
	}
	return &u, nil
}

// SaveExternalAccount links ext to userID, replacing any account of the same provider
// already linked to that user.
func (s *Store) SaveExternalAccount(ctx context.Context, userID string, ext *ExternalAccount) error {
	return saveExternalAccount(ctx, s.db, userID, ext)
}

// CreateUserWithExternalAccount inserts a new user and its first external account atomically.
func (s *Store) CreateUserWithExternalAccount(ctx context.Context, u *User, ext *ExternalAccount) error {
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := saveUser(ctx, tx, u); err != nil {
			return err
		}
		return saveExternalAccount(ctx, tx, u.ID, ext)
	})
}

// MergeUsers folds absorbedID into survivorID and deletes absorbedID.
//
// External accounts move to the survivor unless the survivor already has one for the same
// provider, in which case the absorbed link is dropped. The absorbed stream moves only when
// the survivor has none. A non-empty absorbed device token replaces the survivor's, since
// the absorbed user is the one holding the active device session.
// A merge whose absorbed user no longer exists is a no-op.
func (s *Store) MergeUsers(ctx context.Context, survivorID, absorbedID string) (err error) {
	if survivorID == absorbedID {
		return nil
	}
	ctx, span := telemetry.StartSpan(ctx, "account.MergeUsers",
		attribute.String("survivor", survivorID), attribute.String("absorbed", absorbedID))
	defer func() { telemetry.EndSpan(span, err) }()

	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		// Lock both rows in id order so concurrent merges of the same pair serialize.
		q, args, err := psql.Select("id", "COALESCE(device_token, '')").
			From("users").
			Where(sq.Eq{"id": []string{survivorID, absorbedID}}).
			OrderBy("id").
			Suffix("FOR UPDATE").
			ToSql()
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return handleSQLError(err)
		}
		devices := make(map[string]string, 2)
		for rows.Next() {
			var id, device string
			if err := rows.Scan(&id, &device); err != nil {
				_ = rows.Close()
				return handleSQLError(err)
			}
			devices[id] = device
		}
		if err := rows.Close(); err != nil {
			return handleSQLError(err)
		}
		if err := rows.Err(); err != nil {
			return handleSQLError(err)
		}
		if _, ok := devices[survivorID]; !ok {
			return fmt.Errorf("merge survivor %s: %w", survivorID, ErrNotFound)
		}
		absorbedDevice, ok := devices[absorbedID]
		if !ok {
			slog.InfoContext(ctx, "merge skipped, absorbed user already gone",
				slog.String("survivor", survivorID), slog.String("absorbed", absorbedID), slog.String("component", "account"))
			return nil
		}

		stmts := []sq.Sqlizer{
			psql.Delete("external_auth").
				Where(sq.Eq{"user_id": absorbedID}).
				Where(sq.Expr("provider IN (SELECT provider FROM external_auth WHERE user_id = ?)", survivorID)),
			psql.Update("external_auth").
				Set("user_id", survivorID).
				Set("updated_at", sq.Expr("NOW()")).
				Where(sq.Eq{"user_id": absorbedID}),
			psql.Delete("streams").
				Where(sq.Eq{"user_id": absorbedID}).
				Where(sq.Expr("EXISTS (SELECT 1 FROM streams WHERE user_id = ?)", survivorID)),
			psql.Update("streams").
				Set("user_id", survivorID).
				Set("updated_at", sq.Expr("NOW()")).
				Where(sq.Eq{"user_id": absorbedID}),
		}
		if absorbedDevice != "" {
			stmts = append(stmts, psql.Update("users").
				Set("device_token", absorbedDevice).
				Set("updated_at", sq.Expr("NOW()")).
				Where(sq.Eq{"id": survivorID}))
		}
		stmts = append(stmts, psql.Delete("users").Where(sq.Eq{"id": absorbedID}))

		for _, stmt := range stmts {
			q, args, err := stmt.ToSql()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return handleSQLError(err)
			}
		}
		return nil
	})
}

// PruneAnonymous deletes users created before cutoff that have neither external accounts
// nor a stream. With dryRun it only counts them.
func (s *Store) PruneAnonymous(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	cond := sq.And{
		sq.Lt{"created_at": cutoff},
		sq.Expr("NOT EXISTS (SELECT 1 FROM external_auth e WHERE e.user_id = users.id)"),
		sq.Expr("NOT EXISTS (SELECT 1 FROM streams s WHERE s.user_id = users.id)"),
	}
	if dryRun {
		q, args, err := psql.Select("COUNT(*)").From("users").Where(cond).ToSql()
		if err != nil {
			return 0, err
		}
		var n int64
		if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
			return 0, handleSQLError(err)
		}
		return n, nil
	}
	q, args, err := psql.Delete("users").Where(cond).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, handleSQLError(err)
	}
	return res.RowsAffected()
}

func saveUser(ctx context.Context, dbx db.DBTX, u *User) error {
	q, args, err := psql.Insert("users").
		Columns("id", "device_token").
		Values(u.ID, nullString(u.DeviceToken)).
		Suffix("ON CONFLICT (id) DO UPDATE SET device_token = EXCLUDED.device_token, updated_at = NOW() RETURNING created_at").
		ToSql()
	if err != nil {
		return err
	}
	if err := dbx.QueryRowContext(ctx, q, args...).Scan(&u.CreatedAt); err != nil {
		return handleSQLError(err)
	}
	return nil
}

func getUser(ctx context.Context, dbx db.DBTX, id string) (*User, error) {
	q, args, err := psql.Select("id", "COALESCE(device_token, '')", "created_at").
		From("users").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	var u User
	if err := dbx.QueryRowContext(ctx, q, args...).Scan(&u.ID, &u.DeviceToken, &u.CreatedAt); err != nil {
		return nil, handleSQLError(err)
	}
	return &u, nil
}

func listExternalAccounts(ctx context.Context, dbx db.DBTX, userID string) ([]ExternalAccount, error) {
	q, args, err := psql.Select(externalColumns...).
		From("external_auth").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("provider").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := dbx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, handleSQLError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	accounts := make([]ExternalAccount, 0)
	for rows.Next() {
		ext, err := scanExternalAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, ext)
	}
	if err := rows.Err(); err != nil {
		return nil, handleSQLError(err)
	}
	return accounts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExternalAccount(row scanner) (ExternalAccount, error) {
	var ext ExternalAccount
	var expires sql.NullTime
	err := row.Scan(&ext.ID, &ext.Provider, &ext.UserID,
		&ext.AccessToken.Cipher, &ext.AccessToken.IV, &ext.AccessToken.Tag,
		&ext.RefreshToken.Cipher, &ext.RefreshToken.IV, &ext.RefreshToken.Tag,
		&expires)
	if err != nil {
		return ExternalAccount{}, handleSQLError(err)
	}
	if expires.Valid {
		ext.ExpiresAt = expires.Time
	}
	return ext, nil
}

func saveExternalAccount(ctx context.Context, dbx db.DBTX, userID string, ext *ExternalAccount) error {
	q, args, err := psql.Insert("external_auth").
		Columns("id", "provider", "user_id",
			"access_token", "at_iv", "at_tag",
			"refresh_token", "rt_iv", "rt_tag",
			"expires_at").
		Values(ext.ID, ext.Provider, userID,
			nullString(ext.AccessToken.Cipher), nullString(ext.AccessToken.IV), nullString(ext.AccessToken.Tag),
			nullString(ext.RefreshToken.Cipher), nullString(ext.RefreshToken.IV), nullString(ext.RefreshToken.Tag),
			nullTime(ext.ExpiresAt)).
		Suffix(`ON CONFLICT (user_id, provider) DO UPDATE SET
			id = EXCLUDED.id,
			access_token = EXCLUDED.access_token,
			at_iv = EXCLUDED.at_iv,
			at_tag = EXCLUDED.at_tag,
			refresh_token = EXCLUDED.refresh_token,
			rt_iv = EXCLUDED.rt_iv,
			rt_tag = EXCLUDED.rt_tag,
			expires_at = EXCLUDED.expires_at,
			refresh_after = NULL,
			updated_at = NOW()`).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := dbx.ExecContext(ctx, q, args...); err != nil {
		return handleSQLError(err)
	}
	ext.UserID = userID
	return nil
}

// UpdateTokens replaces the sealed tokens and expiry of one external account.
func (s *Store) UpdateTokens(ctx context.Context, externalID, provider string, access, refresh crypto.SealedToken, expiresAt time.Time) error {
	q, args, err := psql.Update("external_auth").
		Set("access_token", nullString(access.Cipher)).
		Set("at_iv", nullString(access.IV)).
		Set("at_tag", nullString(access.Tag)).
		Set("refresh_token", nullString(refresh.Cipher)).
		Set("rt_iv", nullString(refresh.IV)).
		Set("rt_tag", nullString(refresh.Tag)).
		Set("expires_at", nullTime(expiresAt)).
		Set("refresh_after", nil).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": externalID}).
		Where(sq.Eq{"provider": provider}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return handleSQLError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRefreshFailed defers the next refresh attempt of one external account until retryAt.
func (s *Store) MarkRefreshFailed(ctx context.Context, externalID, provider string, retryAt time.Time) error {
	q, args, err := psql.Update("external_auth").
		Set("refresh_after", retryAt).
		Where(sq.Eq{"id": externalID, "provider": provider}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return handleSQLError(err)
	}
	return nil
}

// ListExpiring returns external accounts of provider whose tokens are still valid at now and
// expire before deadline, soonest first. Accounts in refresh backoff are skipped.
func (s *Store) ListExpiring(ctx context.Context, provider string, now, deadline time.Time, limit uint64) ([]ExternalAccount, error) {
	q, args, err := psql.Select(externalColumns...).
		From("external_auth").
		Where(sq.Eq{"provider": provider}).
		Where(sq.Gt{"expires_at": now}).
		Where(sq.LtOrEq{"expires_at": deadline}).
		Where(sq.Or{sq.Eq{"refresh_after": nil}, sq.LtOrEq{"refresh_after": now}}).
		OrderBy("expires_at").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, handleSQLError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var accounts []ExternalAccount
	for rows.Next() {
		ext, err := scanExternalAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, ext)
	}
	if err := rows.Err(); err != nil {
		return nil, handleSQLError(err)
	}
	return accounts, nil
}

// handleSQLError maps driver errors onto package sentinels.
func handleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrAccountLinked, pgErr.ConstraintName)
	}
	return fmt.Errorf("sql error: %w", err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
