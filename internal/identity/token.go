package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail validation.
var ErrInvalidToken = errors.New("identity: invalid token")

// Claims carries an identity inside a signed token. The subject is the uid.
type Claims struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	PhotoURL string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// TokenConfig holds token signing settings.
type TokenConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// GenerateToken signs a token for id.
func GenerateToken(cfg TokenConfig, id Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:     id.DisplayLabel,
		Email:    id.Email,
		PhotoURL: id.PhotoURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(cfg.Secret)
}

// ParseToken validates tokenString and returns the identity it carries.
func ParseToken(cfg TokenConfig, tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.Secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("%w: bad claims", ErrInvalidToken)
	}
	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return Identity{}, fmt.Errorf("%w: issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{
		ID:           claims.Subject,
		DisplayLabel: claims.Name,
		Email:        claims.Email,
		PhotoURL:     claims.PhotoURL,
	}, nil
}

// TokenProvider is a Provider signed in by presenting a token.
type TokenProvider struct {
	*Static
	cfg TokenConfig
}

// NewTokenProvider starts signed out.
func NewTokenProvider(cfg TokenConfig) *TokenProvider {
	return &TokenProvider{Static: NewStatic(Identity{}), cfg: cfg}
}

// SignIn validates token and switches to the identity it carries.
func (p *TokenProvider) SignIn(token string) (Identity, error) {
	id, err := ParseToken(p.cfg, token)
	if err != nil {
		return Identity{}, err
	}
	p.Set(id)
	return id, nil
}

// SignOut clears the identity.
func (p *TokenProvider) SignOut() {
	p.Clear()
}
