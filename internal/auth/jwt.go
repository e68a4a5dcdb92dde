package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures bearer JWT verification. Exactly one of HMACSecret or
// RSAPublicKey must be set.
type JWTConfig struct {
	HMACSecret   []byte
	RSAPublicKey *rsa.PublicKey
	Issuer       string
	Leeway       time.Duration
	// Users, when set, rejects tokens whose subject no longer exists.
	Users UserLookup
}

// Claims carried by learnhub bearer tokens. The subject is the user id.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver accepts signed JWTs issued by an external identity provider.
type JWTResolver struct {
	cfg     JWTConfig
	methods []string
}

func NewJWTResolver(cfg JWTConfig) (*JWTResolver, error) {
	switch {
	case len(cfg.HMACSecret) > 0 && cfg.RSAPublicKey != nil:
		return nil, errors.New("jwt: configure either an HMAC secret or an RSA public key, not both")
	case len(cfg.HMACSecret) > 0:
		return &JWTResolver{cfg: cfg, methods: []string{"HS256", "HS384", "HS512"}}, nil
	case cfg.RSAPublicKey != nil:
		return &JWTResolver{cfg: cfg, methods: []string{"RS256", "RS384", "RS512"}}, nil
	default:
		return nil, errors.New("jwt: an HMAC secret or RSA public key is required")
	}
}

// LoadRSAPublicKey reads a PEM encoded RSA public key.
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}
	return key, nil
}

func (r *JWTResolver) keyFunc(token *jwt.Token) (any, error) {
	if r.cfg.RSAPublicKey != nil {
		return r.cfg.RSAPublicKey, nil
	}
	return r.cfg.HMACSecret, nil
}

func (r *JWTResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(r.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(r.cfg.Leeway),
	}
	if r.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.cfg.Issuer))
	}
	var claims Claims
	if _, err := jwt.ParseWithClaims(token, &claims, r.keyFunc, opts...); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: subject is required", ErrInvalidToken)
	}
	return lookupIdentity(ctx, r.cfg.Users, claims.Subject, claims.Username)
}
