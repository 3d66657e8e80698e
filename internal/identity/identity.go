// Package identity handles the signed-in user: logging in against the
// application's auth API, reading identity claims from the session token,
// and persisting the session between runs.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotLoggedIn is returned when no session file exists.
var ErrNotLoggedIn = errors.New("identity: not logged in")

// Identity is the acting user as far as ownership and replication scope are
// concerned.
type Identity struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Admin    bool      `json:"isAdmin"`
	Expiry   time.Time `json:"expiry"`
}

// Expired reports whether the identity carries an expiry in the past.
func (i Identity) Expired(now time.Time) bool {
	return !i.Expiry.IsZero() && !now.Before(i.Expiry)
}

// Claims is the payload the auth API signs.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

// FromToken extracts the identity from a session token without verifying
// its signature. The server verifies every request; the client only needs
// to know who it is acting as.
func FromToken(raw string) (Identity, error) {
	var claims Claims

	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return Identity{}, fmt.Errorf("identity: parsing session token: %w", err)
	}

	if claims.UserID == "" {
		return Identity{}, errors.New("identity: session token has no user id")
	}

	id := Identity{
		ID:       claims.UserID,
		Username: claims.Username,
		Admin:    claims.IsAdmin,
	}

	if claims.ExpiresAt != nil {
		id.Expiry = claims.ExpiresAt.Time
	}

	return id, nil
}
