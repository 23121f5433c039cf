// Package auth implements registration and login on top of the credential
// store, the event publisher and the token issuer.
package auth

import (
	"context"
	"errors"

	"github.com/drblury/userevents/internal/credentials"
	"github.com/drblury/userevents/internal/publisher"
	errspkg "github.com/drblury/userevents/internal/runtime/errors"
	loggingpkg "github.com/drblury/userevents/internal/runtime/logging"
)

// Store is the part of credentials.Store used here.
type Store interface {
	Create(email, password string) (credentials.Identity, error)
	Verify(email, password string) (credentials.Identity, bool)
	Remove(id string) bool
}

// EventPublisher announces new identities.
type EventPublisher interface {
	Publish(ctx context.Context, identity credentials.Identity) (publisher.Result, error)
}

// TokenIssuer signs login tokens.
type TokenIssuer interface {
	Issue(userID, email string) (string, error)
}

type RegisterResult struct {
	UserID string
	Email  string
}

type LoginResult struct {
	Token  string
	UserID string
	Email  string
}

// Service coordinates the auth use cases.
type Service struct {
	store     Store
	publisher EventPublisher
	issuer    TokenIssuer
	logger    loggingpkg.ServiceLogger
}

// NewService wires a Service. A nil logger discards output.
func NewService(store Store, pub EventPublisher, issuer TokenIssuer, logger loggingpkg.ServiceLogger) (*Service, error) {
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if issuer == nil {
		return nil, errspkg.ErrTokenIssuerRequired
	}
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return &Service{store: store, publisher: pub, issuer: issuer, logger: logger}, nil
}

// Register creates the identity and publishes its registration event. When
// the event cannot be published the identity is removed again and the
// *errors.PublishError is returned, so every successful registration has an
// event on the queue.
func (s *Service) Register(ctx context.Context, email, password string) (RegisterResult, error) {
	identity, err := s.store.Create(email, password)
	if err != nil {
		return RegisterResult{}, err
	}

	if _, err := s.publisher.Publish(ctx, identity); err != nil {
		s.store.Remove(identity.ID)
		s.logger.Error("Registration rolled back", err, loggingpkg.LogFields{
			"user_id": identity.ID,
		})
		return RegisterResult{}, err
	}

	s.logger.Info("User registered", loggingpkg.LogFields{"user_id": identity.ID})
	return RegisterResult{UserID: identity.ID, Email: identity.Email}, nil
}

// Login verifies the credentials and issues a token. Every verification
// failure is reported as errors.ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	if err := ctx.Err(); err != nil {
		return LoginResult{}, err
	}
	identity, ok := s.store.Verify(email, password)
	if !ok {
		return LoginResult{}, errspkg.ErrInvalidCredentials
	}

	token, err := s.issuer.Issue(identity.ID, identity.Email)
	if err != nil {
		return LoginResult{}, errors.Join(errors.New("userevents: issue token"), err)
	}
	return LoginResult{Token: token, UserID: identity.ID, Email: identity.Email}, nil
}
