package auth

import (
	"context"
	"errors"
	"fmt"

	"learnhub/internal/models"
	"learnhub/internal/storage"
)

// ErrInvalidToken is returned by every Resolver for a credential it cannot
// accept: unknown, expired, malformed or not meant for this service.
var ErrInvalidToken = errors.New("invalid or expired token")

// Identity is the caller a bearer credential resolves to.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Resolver turns a bearer credential into an Identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// UserLookup is the part of the repository resolvers need.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (models.User, error)
}

// SessionResolver accepts opaque session tokens issued by a SessionManager.
type SessionResolver struct {
	Sessions *SessionManager
	Users    UserLookup
}

func (r *SessionResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if r == nil || r.Sessions == nil || token == "" {
		return Identity{}, ErrInvalidToken
	}
	userID, _, ok, err := r.Sessions.Validate(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("validate session: %w", err)
	}
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return lookupIdentity(ctx, r.Users, userID, "")
}

// ChainResolver tries each resolver in order and returns the first identity.
// Only ErrInvalidToken moves on to the next resolver.
type ChainResolver []Resolver

func (c ChainResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	for _, resolver := range c {
		if resolver == nil {
			continue
		}
		identity, err := resolver.Resolve(ctx, token)
		if err == nil {
			return identity, nil
		}
		if !errors.Is(err, ErrInvalidToken) {
			return Identity{}, err
		}
	}
	return Identity{}, ErrInvalidToken
}

func lookupIdentity(ctx context.Context, users UserLookup, userID, fallbackName string) (Identity, error) {
	if users == nil {
		return Identity{ID: userID, Username: fallbackName}, nil
	}
	user, err := users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	return Identity{ID: user.ID, Username: user.Username}, nil
}
