package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	json "github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

// FilePerms restricts session files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the session directory.
const DirPerms = 0o700

// Metadata keys cached next to the token.
const (
	metaID       = "id"
	metaUsername = "username"
	metaAdmin    = "isAdmin"
)

// Session is the on-disk login state: the bearer token and the identity
// returned with it.
type Session struct {
	Token *oauth2.Token     `json:"token"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// NewSession builds a session for a token and the identity it belongs to.
func NewSession(raw string, id Identity) *Session {
	tok := &oauth2.Token{AccessToken: raw, TokenType: "Bearer", Expiry: id.Expiry}

	return &Session{
		Token: tok,
		Meta: map[string]string{
			metaID:       id.ID,
			metaUsername: id.Username,
			metaAdmin:    strconv.FormatBool(id.Admin),
		},
	}
}

// Identity returns the cached identity, falling back to the token claims
// when the metadata is incomplete.
func (s *Session) Identity() (Identity, error) {
	if s.Meta[metaID] != "" {
		admin, _ := strconv.ParseBool(s.Meta[metaAdmin])

		id := Identity{ID: s.Meta[metaID], Username: s.Meta[metaUsername], Admin: admin}
		if s.Token != nil {
			id.Expiry = s.Token.Expiry
		}

		return id, nil
	}

	if s.Token == nil {
		return Identity{}, ErrNotLoggedIn
	}

	return FromToken(s.Token.AccessToken)
}

// TokenSource serves the stored token.
func (s *Session) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(s.Token)
}

// LoadSession reads a session file. Returns ErrNotLoggedIn when the file
// does not exist.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotLoggedIn
	}

	if err != nil {
		return nil, fmt.Errorf("identity: reading %s: %w", path, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("identity: decoding %s: %w", path, err)
	}

	if s.Token == nil || s.Token.AccessToken == "" {
		return nil, fmt.Errorf("identity: %s has no token (log in again)", path)
	}

	return &s, nil
}

// SaveSession writes a session file atomically with 0600 permissions.
// Token values are never logged.
func SaveSession(path string, s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: encoding session: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("identity: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("identity: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: writing session: %w", err)
	}

	// Flush before rename so a crash cannot leave a truncated session.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: syncing session: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: closing session: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("identity: renaming session: %w", err)
	}

	success = true

	return nil
}

// RemoveSession deletes the session file. A missing file is not an error.
func RemoveSession(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("identity: removing %s: %w", path, err)
	}

	return nil
}
