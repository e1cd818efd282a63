package account_test

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/stormtrooper/account"
	"github.com/onnwee/stormtrooper/crypto"
	"github.com/onnwee/stormtrooper/testutil"
)

func newService(t *testing.T) (*account.Service, *testutil.MemoryAccounts) {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	tokens, err := crypto.NewTokenCipher(base64.StdEncoding.EncodeToString(key), "")
	require.NoError(t, err)
	repo := testutil.NewMemoryAccounts()
	return account.NewService(repo, tokens), repo
}

func fbCreds(id, token string) account.Credentials {
	return account.Credentials{
		ID:          id,
		Provider:    account.ProviderFacebook,
		AccessToken: token,
		ExpiresAt:   time.Now().Add(60 * 24 * time.Hour),
	}
}

func TestRegisterUser(t *testing.T) {
	svc, repo := newService(t)
	u, err := svc.RegisterUser(context.Background(), "apns-1")
	require.NoError(t, err)
	assert.True(t, account.ValidID(u.ID))
	assert.Equal(t, "apns-1", u.DeviceToken)
	assert.True(t, u.IsAnonymous())
	assert.Equal(t, 1, repo.UserCount())
}

func TestExternalAuthNewAccountNoSession(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	u, err := svc.ProcessExternalAuthentication(ctx, nil, fbCreds("fb-1", "token-1"))
	require.NoError(t, err)
	require.Len(t, u.ExternalAccounts, 1)
	assert.Equal(t, "fb-1", u.ExternalAccounts[0].ID)
	assert.Equal(t, 1, repo.UserCount())

	tok, err := svc.AccessToken(u, account.ProviderFacebook)
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
}

func TestExternalAuthNewAccountWithSession(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	current, err := svc.RegisterUser(ctx, "apns-1")
	require.NoError(t, err)

	u, err := svc.ProcessExternalAuthentication(ctx, current, fbCreds("fb-1", "token-1"))
	require.NoError(t, err)
	assert.Equal(t, current.ID, u.ID)
	require.Len(t, u.ExternalAccounts, 1)
	assert.Equal(t, 1, repo.UserCount())

	stored, err := svc.GetUserByID(ctx, current.ID)
	require.NoError(t, err)
	require.Len(t, stored.ExternalAccounts, 1)
	assert.Equal(t, "fb-1", stored.ExternalAccounts[0].ID)
}

func TestExternalAuthLinkedNoSession(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.ProcessExternalAuthentication(ctx, nil, fbCreds("fb-1", "token-1"))
	require.NoError(t, err)

	again, err := svc.ProcessExternalAuthentication(ctx, nil, fbCreds("fb-1", "token-2"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	require.Len(t, again.ExternalAccounts, 1)

	// stored tokens follow the latest login
	tok, err := svc.AccessToken(again, account.ProviderFacebook)
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
}

func TestExternalAuthLinkedToCurrent(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	current, err := svc.RegisterUser(ctx, "")
	require.NoError(t, err)
	_, err = svc.ProcessExternalAuthentication(ctx, current, fbCreds("fb-1", "token-1"))
	require.NoError(t, err)

	u, err := svc.ProcessExternalAuthentication(ctx, current, fbCreds("fb-1", "token-1"))
	require.NoError(t, err)
	assert.Same(t, current, u)
	assert.Empty(t, repo.Merges)
}

func TestExternalAuthMergesDistinctUsers(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	// user A logged in with Facebook on an old device
	a, err := svc.ProcessExternalAuthentication(ctx, nil, fbCreds("fb-1", "token-1"))
	require.NoError(t, err)

	// user B is an anonymous identity on a new device
	b, err := svc.RegisterUser(ctx, "apns-new")
	require.NoError(t, err)

	merged, err := svc.ProcessExternalAuthentication(ctx, b, fbCreds("fb-1", "token-2"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, merged.ID, "survivor is the user the external account was linked to")
	assert.Equal(t, "apns-new", merged.DeviceToken)
	require.Len(t, merged.ExternalAccounts, 1)
	assert.Equal(t, [][2]string{{a.ID, b.ID}}, repo.Merges)

	_, err = svc.GetUserByID(ctx, b.ID)
	assert.ErrorIs(t, err, account.ErrNotFound)
	assert.Equal(t, 1, repo.UserCount())
}

func TestExternalAuthRequiresIdentity(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.ProcessExternalAuthentication(context.Background(), nil, account.Credentials{Provider: account.ProviderFacebook})
	assert.Error(t, err)
}

func TestAccessTokenNoAccount(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.AccessToken(&account.User{ID: "Abc123XyZ0"}, account.ProviderFacebook)
	assert.True(t, errors.Is(err, account.ErrNoExternalAccount))
}
