package account

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/stormtrooper/crypto"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = database.Close()
	})
	return NewStore(database), mock
}

func TestStoreGetUserByID(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	expires := created.Add(60 * 24 * time.Hour)

	mock.ExpectQuery(`SELECT id, COALESCE\(device_token, ''\), created_at FROM users WHERE id = \$1`).
		WithArgs("Abc123XyZ0").
		WillReturnRows(sqlmock.NewRows([]string{"id", "device_token", "created_at"}).
			AddRow("Abc123XyZ0", "apns-token", created))
	mock.ExpectQuery(`FROM external_auth WHERE user_id = \$1 ORDER BY provider`).
		WithArgs("Abc123XyZ0").
		WillReturnRows(sqlmock.NewRows([]string{"id", "provider", "user_id", "access_token", "at_iv", "at_tag", "refresh_token", "rt_iv", "rt_tag", "expires_at"}).
			AddRow("fb-42", ProviderFacebook, "Abc123XyZ0", "c1", "i1", "t1", "", "", "", expires))

	u, err := store.GetUserByID(context.Background(), "Abc123XyZ0")
	require.NoError(t, err)
	assert.Equal(t, "apns-token", u.DeviceToken)
	assert.Equal(t, created, u.CreatedAt)
	require.Len(t, u.ExternalAccounts, 1)
	ext := u.ExternalAccounts[0]
	assert.Equal(t, "fb-42", ext.ID)
	assert.Equal(t, "c1", ext.AccessToken.Cipher)
	assert.Equal(t, "i1", ext.AccessToken.IV)
	assert.Equal(t, "t1", ext.AccessToken.Tag)
	assert.True(t, ext.RefreshToken.IsZero())
	assert.Equal(t, expires, ext.ExpiresAt)
}

func TestStoreGetUserByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM users WHERE id = \$1`).
		WithArgs("missing000").
		WillReturnRows(sqlmock.NewRows([]string{"id", "device_token", "created_at"}))

	_, err := store.GetUserByID(context.Background(), "missing000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreGetUserByExternalAccount(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM users u JOIN external_auth e ON e.user_id = u.id WHERE e.id = $1 AND e.provider = $2`)).
		WithArgs("fb-42", ProviderFacebook).
		WillReturnRows(sqlmock.NewRows([]string{"id", "device_token", "created_at"}).
			AddRow("Abc123XyZ0", "", time.Now()))

	u, err := store.GetUserByExternalAccount(context.Background(), "fb-42", ProviderFacebook)
	require.NoError(t, err)
	assert.Equal(t, "Abc123XyZ0", u.ID)
	assert.Empty(t, u.ExternalAccounts)
}

func TestStoreSaveUserUpserts(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(`INSERT INTO users .* ON CONFLICT \(id\) DO UPDATE SET device_token = EXCLUDED.device_token`).
		WithArgs("Abc123XyZ0", "apns").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	u := &User{ID: "Abc123XyZ0", DeviceToken: "apns"}
	require.NoError(t, store.SaveUser(context.Background(), u))
	assert.Equal(t, created, u.CreatedAt)
}

func TestStoreUserExists(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT 1 FROM users WHERE id = \$1`).WithArgs("taken00000").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(`SELECT 1 FROM users WHERE id = \$1`).WithArgs("free000000").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	ok, err := store.UserExists(context.Background(), "taken00000")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.UserExists(context.Background(), "free000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreSaveExternalAccountConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO external_auth .* ON CONFLICT \(user_id, provider\) DO UPDATE`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "external_auth_provider_id_key"})

	ext := &ExternalAccount{ID: "fb-42", Provider: ProviderFacebook}
	err := store.SaveExternalAccount(context.Background(), "Abc123XyZ0", ext)
	assert.ErrorIs(t, err, ErrAccountLinked)
}

func TestStoreCreateUserWithExternalAccountRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO users`).WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec(`INSERT INTO external_auth`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := store.CreateUserWithExternalAccount(context.Background(), &User{ID: "Abc123XyZ0"}, &ExternalAccount{ID: "fb-42", Provider: ProviderFacebook})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestStoreMergeUsers(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM users WHERE id IN \(\$1,\$2\) ORDER BY id FOR UPDATE`).
		WithArgs("SURVIVOR01", "ABSORBED01").
		WillReturnRows(sqlmock.NewRows([]string{"id", "device_token"}).
			AddRow("ABSORBED01", "device-b").
			AddRow("SURVIVOR01", ""))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM external_auth WHERE user_id = $1 AND provider IN (SELECT provider FROM external_auth WHERE user_id = $2)`)).
		WithArgs("ABSORBED01", "SURVIVOR01").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE external_auth SET user_id = $1, updated_at = NOW() WHERE user_id = $2`)).
		WithArgs("SURVIVOR01", "ABSORBED01").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM streams WHERE user_id = $1 AND EXISTS (SELECT 1 FROM streams WHERE user_id = $2)`)).
		WithArgs("ABSORBED01", "SURVIVOR01").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE streams SET user_id = $1, updated_at = NOW() WHERE user_id = $2`)).
		WithArgs("SURVIVOR01", "ABSORBED01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET device_token = $1, updated_at = NOW() WHERE id = $2`)).
		WithArgs("device-b", "SURVIVOR01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM users WHERE id = $1`)).
		WithArgs("ABSORBED01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.MergeUsers(context.Background(), "SURVIVOR01", "ABSORBED01"))
}

func TestStoreMergeUsersAbsorbedGone(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "device_token"}).AddRow("SURVIVOR01", ""))
	mock.ExpectCommit()

	require.NoError(t, store.MergeUsers(context.Background(), "SURVIVOR01", "ABSORBED01"))
}

func TestStoreMergeUsersSurvivorMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "device_token"}).AddRow("ABSORBED01", ""))
	mock.ExpectRollback()

	err := store.MergeUsers(context.Background(), "SURVIVOR01", "ABSORBED01")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreMergeUsersSelfIsNoop(t *testing.T) {
	store, _ := newMockStore(t)
	require.NoError(t, store.MergeUsers(context.Background(), "SAME000000", "SAME000000"))
}

func TestStorePruneAnonymous(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users WHERE \(created_at < \$1 AND NOT EXISTS`).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectExec(`DELETE FROM users WHERE \(created_at < \$1 AND NOT EXISTS`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.PruneAnonymous(context.Background(), cutoff, true)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	n, err = store.PruneAnonymous(context.Background(), cutoff, false)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestStoreUpdateTokensNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE external_auth SET access_token = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateTokens(context.Background(), "fb-42", ProviderFacebook, crypto.SealedToken{Cipher: "c", IV: "i", Tag: "t"}, crypto.SealedToken{}, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreListExpiringSkipsExpiredAndBackoff(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	deadline := now.Add(7 * 24 * time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM external_auth WHERE provider = $1 AND expires_at > $2 AND expires_at <= $3 AND (refresh_after IS NULL OR refresh_after <= $4) ORDER BY expires_at LIMIT 2`)).
		WithArgs(ProviderFacebook, now, deadline, now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "provider", "user_id", "access_token", "at_iv", "at_tag", "refresh_token", "rt_iv", "rt_tag", "expires_at"}).
			AddRow("fb-1", ProviderFacebook, "Abc123XyZ0", "c", "i", "t", "", "", "", now.Add(time.Hour)))

	accounts, err := store.ListExpiring(context.Background(), ProviderFacebook, now, deadline, 2)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "fb-1", accounts[0].ID)
}

func TestStoreMarkRefreshFailed(t *testing.T) {
	store, mock := newMockStore(t)
	retry := time.Now().Add(6 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE external_auth SET refresh_after = $1 WHERE id = $2 AND provider = $3`)).
		WithArgs(retry, "fb-1", ProviderFacebook).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkRefreshFailed(context.Background(), "fb-1", ProviderFacebook, retry))
}

func TestStoreUpdateTokensClearsBackoff(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE external_auth SET .* expires_at = \$7, refresh_after = \$8, updated_at = NOW\(\) WHERE id = \$9 AND provider = \$10`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), nil, "fb-1", ProviderFacebook).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateTokens(context.Background(), "fb-1", ProviderFacebook, crypto.SealedToken{Cipher: "c", IV: "i", Tag: "t"}, crypto.SealedToken{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
}
