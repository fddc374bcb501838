package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by a portal access token.
type Claims struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the local user as extracted from the access token.
type Identity struct {
	ID          string
	Username    string
	DisplayName string
	AvatarURL   string
	ExpiresAt   time.Time
}

// Name returns the display name, falling back to the username.
func (id Identity) Name() string {
	if id.DisplayName != "" {
		return id.DisplayName
	}
	return id.Username
}

// Expired reports whether the token's expiry has passed. Tokens without an
// expiry claim never expire from the client's point of view.
func (id Identity) Expired() bool {
	return !id.ExpiresAt.IsZero() && time.Now().After(id.ExpiresAt)
}

var ErrMalformedToken = errors.New("malformed access token")

// Identify decodes the claims of an access token without verifying its
// signature. The client only needs to learn who it is acting as and when the
// token lapses; verification is the server's job.
func Identify(token string) (Identity, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing user_id claim", ErrMalformedToken)
	}

	id := Identity{
		ID:          claims.UserID,
		Username:    claims.Username,
		DisplayName: claims.DisplayName,
		AvatarURL:   claims.AvatarURL,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// Mint creates a signed access token for the given identity. Used by the
// development stub server and tests.
func Mint(secret []byte, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:      id.ID,
		Username:    id.Username,
		DisplayName: id.DisplayName,
		AvatarURL:   id.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "portal",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Verify parses and validates a token minted by Mint.
func Verify(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
