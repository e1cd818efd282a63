package main

import (
	"context"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/stormtrooper/crypto"
	"github.com/onnwee/stormtrooper/testutil"
)

func newKey(t *testing.T) string {
	t.Helper()
	b := make([]byte, 32)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(b)
}

func newCipher(t *testing.T) *crypto.TokenCipher {
	t.Helper()
	c, err := crypto.NewTokenCipher(newKey(t), newKey(t))
	require.NoError(t, err)
	return c
}

// capture records the value sqlmock hands it.
type capture struct{ v driver.Value }

func (c *capture) Match(v driver.Value) bool {
	c.v = v
	return true
}

func (c *capture) str() string {
	s, _ := c.v.(string)
	return s
}

var tokenCols = []string{"id", "provider", "access_token", "at_iv", "at_tag", "refresh_token", "rt_iv", "rt_tag"}

func TestRekeyTokens(t *testing.T) {
	from, to := newCipher(t), newCipher(t)
	at, rt, err := from.SealPair("access-1", "refresh-1")
	require.NoError(t, err)

	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectQuery(`SELECT id, provider, .* FROM external_auth ORDER BY provider, id`).
		WillReturnRows(sqlmock.NewRows(tokenCols).
			AddRow("10001", "facebook", at.Cipher, at.IV, at.Tag, rt.Cipher, rt.IV, rt.Tag))

	var cols [6]capture
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE external_auth SET access_token = \$1, .* updated_at = NOW\(\) WHERE id = \$7 AND provider = \$8 AND COALESCE\(at_iv, ''\) = \$9`).
		WithArgs(&cols[0], &cols[1], &cols[2], &cols[3], &cols[4], &cols[5], "10001", "facebook", at.IV).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := rekeyTokens(context.Background(), database, from, to, false, "")
	require.NoError(t, err)
	assert.Equal(t, summary{Total: 1, Rekeyed: 1}, res)
	require.NoError(t, mock.ExpectationsWereMet())

	newAT := crypto.SealedToken{Cipher: cols[0].str(), IV: cols[1].str(), Tag: cols[2].str()}
	newRT := crypto.SealedToken{Cipher: cols[3].str(), IV: cols[4].str(), Tag: cols[5].str()}
	access, err := to.OpenAccess(newAT)
	require.NoError(t, err)
	assert.Equal(t, "access-1", access)
	refresh, err := to.OpenRefresh(newRT)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", refresh)

	_, err = from.OpenAccess(newAT)
	assert.Error(t, err, "old key must no longer open the token")
}

func TestRekeyTokensDryRunWritesNothing(t *testing.T) {
	from, to := newCipher(t), newCipher(t)
	at, rt, err := from.SealPair("access-1", "")
	require.NoError(t, err)

	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectQuery(`FROM external_auth WHERE provider = \$1`).
		WithArgs("facebook").
		WillReturnRows(sqlmock.NewRows(tokenCols).
			AddRow("10001", "facebook", at.Cipher, at.IV, at.Tag, rt.Cipher, rt.IV, rt.Tag))

	res, err := rekeyTokens(context.Background(), database, from, to, true, "facebook")
	require.NoError(t, err)
	assert.Equal(t, summary{Total: 1, Rekeyed: 1}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRekeyTokensWrongOldKey(t *testing.T) {
	sealer, from, to := newCipher(t), newCipher(t), newCipher(t)
	at, rt, err := sealer.SealPair("access-1", "refresh-1")
	require.NoError(t, err)

	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectQuery(`FROM external_auth`).
		WillReturnRows(sqlmock.NewRows(tokenCols).
			AddRow("10001", "facebook", at.Cipher, at.IV, at.Tag, rt.Cipher, rt.IV, rt.Tag))

	res, err := rekeyTokens(context.Background(), database, from, to, false, "")
	require.Error(t, err)
	assert.Equal(t, summary{Total: 1, Errors: 1}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRekeyTokensConcurrentUpdate(t *testing.T) {
	from, to := newCipher(t), newCipher(t)
	at, rt, err := from.SealPair("access-1", "refresh-1")
	require.NoError(t, err)

	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectQuery(`FROM external_auth`).
		WillReturnRows(sqlmock.NewRows(tokenCols).
			AddRow("10001", "facebook", at.Cipher, at.IV, at.Tag, rt.Cipher, rt.IV, rt.Tag))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE external_auth`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	res, err := rekeyTokens(context.Background(), database, from, to, false, "")
	require.Error(t, err)
	assert.Equal(t, summary{Total: 1, Errors: 1}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRekeyTokensEmpty(t *testing.T) {
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer database.Close()

	mock.ExpectQuery(`FROM external_auth`).WillReturnRows(sqlmock.NewRows(tokenCols))

	res, err := rekeyTokens(context.Background(), database, newCipher(t), newCipher(t), false, "")
	require.NoError(t, err)
	assert.Equal(t, summary{}, res)
}

func TestRunRequiresOldKey(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/none")
	t.Setenv("OLD_ACCESS_TOKEN_KEY", "")
	err := run(context.Background(), true, "")
	require.ErrorContains(t, err, "OLD_ACCESS_TOKEN_KEY")
}

func TestRekeyTokensIntegration(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	from, to := newCipher(t), newCipher(t)

	at, rt, err := from.SealPair("access-1", "refresh-1")
	require.NoError(t, err)
	_, err = database.ExecContext(ctx, `INSERT INTO users (id) VALUES ('Abc123XyZ0')`)
	require.NoError(t, err)
	_, err = database.ExecContext(ctx, `INSERT INTO external_auth (id, provider, user_id, access_token, at_iv, at_tag, refresh_token, rt_iv, rt_tag)
		VALUES ('10001', 'facebook', 'Abc123XyZ0', $1, $2, $3, $4, $5, $6)`,
		at.Cipher, at.IV, at.Tag, rt.Cipher, rt.IV, rt.Tag)
	require.NoError(t, err)

	res, err := rekeyTokens(ctx, database, from, to, false, "facebook")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rekeyed)

	var got crypto.SealedToken
	require.NoError(t, database.QueryRowContext(ctx,
		`SELECT access_token, at_iv, at_tag FROM external_auth WHERE id = '10001'`).
		Scan(&got.Cipher, &got.IV, &got.Tag))
	access, err := to.OpenAccess(got)
	require.NoError(t, err)
	assert.Equal(t, "access-1", access)
}
