package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/stormtrooper/crypto"
	"github.com/onnwee/stormtrooper/telemetry"
)

// Service implements registration and external authentication on top of a Repository.
type Service struct {
	repo   Repository
	tokens *crypto.TokenCipher
	newID  func(ctx context.Context) (string, error)
}

// NewService wires a Service. tokens seals provider tokens before they reach the repository.
func NewService(repo Repository, tokens *crypto.TokenCipher) *Service {
	s := &Service{repo: repo, tokens: tokens}
	s.newID = func(ctx context.Context) (string, error) { return GenerateID(ctx, repo.UserExists) }
	return s
}

// RegisterUser creates a new anonymous user for a device.
func (s *Service) RegisterUser(ctx context.Context, deviceToken string) (*User, error) {
	id, err := s.newID(ctx)
	if err != nil {
		return nil, err
	}
	u := &User{ID: id, DeviceToken: deviceToken, ExternalAccounts: []ExternalAccount{}}
	if err := s.repo.SaveUser(ctx, u); err != nil {
		return nil, fmt.Errorf("register user: %w", err)
	}
	telemetry.RecordAccountEvent("registered")
	return u, nil
}

// SaveUser persists u, updating the device token of an existing user.
func (s *Service) SaveUser(ctx context.Context, u *User) error {
	return s.repo.SaveUser(ctx, u)
}

// GetUserByID loads a user with its external accounts.
func (s *Service) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.repo.GetUserByID(ctx, id)
}

// ProcessExternalAuthentication resolves which local user a verified external identity
// belongs to. current is the user of the calling session, or nil for anonymous callers.
//
//   - linked to nobody, no session: a new user is created and linked.
//   - linked to nobody, session: the account is linked to current.
//   - linked to current (or no session): the linked user is returned.
//   - linked to another user: current is merged into the linked user.
//
// The returned user always carries its external accounts.
func (s *Service) ProcessExternalAuthentication(ctx context.Context, current *User, creds Credentials) (_ *User, err error) {
	ctx, span := telemetry.StartSpan(ctx, "account.ProcessExternalAuthentication",
		attribute.String("provider", creds.Provider), attribute.Bool("has_session", current != nil))
	defer func() { telemetry.EndSpan(span, err) }()

	if creds.ID == "" || creds.Provider == "" {
		return nil, errors.New("account: external id and provider are required")
	}
	ext, err := s.seal(creds)
	if err != nil {
		return nil, err
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "account"), slog.String("provider", creds.Provider))

	linked, err := s.repo.GetUserByExternalAccount(ctx, creds.ID, creds.Provider)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lookup external account: %w", err)
	}

	if linked == nil {
		if current != nil {
			if err := s.repo.SaveExternalAccount(ctx, current.ID, &ext); err != nil {
				return nil, fmt.Errorf("link external account: %w", err)
			}
			current.withAccount(ext)
			telemetry.RecordAccountEvent("linked")
			logger.Info("external account linked", slog.String("user", current.ID))
			return current, nil
		}

		id, err := s.newID(ctx)
		if err != nil {
			return nil, err
		}
		u := &User{ID: id}
		if err := s.repo.CreateUserWithExternalAccount(ctx, u, &ext); err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		u.ExternalAccounts = []ExternalAccount{ext}
		telemetry.RecordAccountEvent("registered")
		telemetry.RecordAccountEvent("linked")
		logger.Info("user created from external account", slog.String("user", u.ID))
		return u, nil
	}

	// Keep the stored tokens current with the ones just presented.
	if err := s.repo.SaveExternalAccount(ctx, linked.ID, &ext); err != nil {
		return nil, fmt.Errorf("refresh external tokens: %w", err)
	}

	if current != nil && current.ID != linked.ID {
		if err := s.repo.MergeUsers(ctx, linked.ID, current.ID); err != nil {
			return nil, fmt.Errorf("merge users: %w", err)
		}
		telemetry.RecordAccountEvent("merged")
		logger.Info("users merged", slog.String("survivor", linked.ID), slog.String("absorbed", current.ID))
	}

	if current != nil && current.ID == linked.ID {
		current.withAccount(ext)
		return current, nil
	}
	return s.repo.GetUserByID(ctx, linked.ID)
}

// AccessToken returns the decrypted access token of the user's account for provider.
func (s *Service) AccessToken(u *User, provider string) (string, error) {
	ext, ok := u.Account(provider)
	if !ok {
		return "", ErrNoExternalAccount
	}
	return s.tokens.OpenAccess(ext.AccessToken)
}

func (s *Service) seal(creds Credentials) (ExternalAccount, error) {
	at, rt, err := s.tokens.SealPair(creds.AccessToken, creds.RefreshToken)
	if err != nil {
		return ExternalAccount{}, err
	}
	return ExternalAccount{
		ID:           creds.ID,
		Provider:     creds.Provider,
		AccessToken:  at,
		RefreshToken: rt,
		ExpiresAt:    creds.ExpiresAt,
	}, nil
}
