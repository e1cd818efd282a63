// Package account manages local user identities and the external (Facebook) accounts
// linked to them.
//
// Users start out anonymous: the mobile client registers a device and receives a
// generated id. Authenticating with an external provider either links the provider
// account to the current user, returns the user it is already linked to, or merges
// the current user into the linked one when the two differ.
package account

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/stormtrooper/crypto"
)

// ProviderFacebook is the provider key stored for Facebook accounts.
const ProviderFacebook = "facebook"

var (
	// ErrNotFound is returned when a user or external account does not exist.
	ErrNotFound = errors.New("account: not found")
	// ErrIDExhausted is returned when no unused user id could be generated.
	ErrIDExhausted = errors.New("account: could not generate an unused user id")
	// ErrNoExternalAccount is returned when a user has no account for the requested provider.
	ErrNoExternalAccount = errors.New("account: no external account for provider")
	// ErrAccountLinked is returned when an external account is already owned by another user.
	ErrAccountLinked = errors.New("account: external account already linked to another user")
)

// User is a local identity. ExternalAccounts is only populated by lookups that say so.
type User struct {
	ID               string            `json:"id"`
	DeviceToken      string            `json:"deviceToken,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	ExternalAccounts []ExternalAccount `json:"externalAccounts"`
}

// Account returns the first linked account for provider.
func (u *User) Account(provider string) (ExternalAccount, bool) {
	for _, ext := range u.ExternalAccounts {
		if ext.Provider == provider {
			return ext, true
		}
	}
	return ExternalAccount{}, false
}

// IsAnonymous reports whether the user has no linked external accounts.
func (u *User) IsAnonymous() bool { return len(u.ExternalAccounts) == 0 }

func (u *User) withAccount(ext ExternalAccount) {
	for i := range u.ExternalAccounts {
		if u.ExternalAccounts[i].Provider == ext.Provider {
			u.ExternalAccounts[i] = ext
			return
		}
	}
	u.ExternalAccounts = append(u.ExternalAccounts, ext)
}

// ExternalAccount is a third-party identity linked to a user. Tokens are kept sealed
// and never serialized.
type ExternalAccount struct {
	ID           string             `json:"id"`
	Provider     string             `json:"provider"`
	UserID       string             `json:"-"`
	AccessToken  crypto.SealedToken `json:"-"`
	RefreshToken crypto.SealedToken `json:"-"`
	ExpiresAt    time.Time          `json:"expiresAt,omitzero"`
}

// Credentials is a freshly verified external identity with plaintext tokens.
type Credentials struct {
	ID           string
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Repository persists users and external accounts.
type Repository interface {
	SaveUser(ctx context.Context, u *User) error
	UserExists(ctx context.Context, id string) (bool, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByExternalAccount(ctx context.Context, externalID, provider string) (*User, error)
	SaveExternalAccount(ctx context.Context, userID string, ext *ExternalAccount) error
	CreateUserWithExternalAccount(ctx context.Context, u *User, ext *ExternalAccount) error
	MergeUsers(ctx context.Context, survivorID, absorbedID string) error
}
