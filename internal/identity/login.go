package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	json "github.com/goccy/go-json"
)

// ErrInvalidCredentials is returned when the auth API rejects the login.
var ErrInvalidCredentials = errors.New("identity: invalid credentials")

const maxLoginResponse = 1 << 20

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	ID       string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
	Message  string `json:"message"`
}

// Login exchanges a username and password for a session at authURL.
func Login(ctx context.Context, client *http.Client, authURL, username, password string, logger *slog.Logger) (*Session, error) {
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("identity: encoding login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("identity: creating login request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	logger.Debug("logging in", slog.String("url", authURL), slog.String("username", username))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: login request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxLoginResponse))
	if err != nil {
		return nil, fmt.Errorf("identity: reading login response: %w", err)
	}

	var out loginResponse
	_ = json.Unmarshal(data, &out)

	switch {
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, loginMessage(out, resp))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("identity: login failed: HTTP %d: %s", resp.StatusCode, loginMessage(out, resp))
	case out.Token == "":
		return nil, errors.New("identity: login response has no token")
	}

	id := Identity{ID: out.ID, Username: out.Username, Admin: out.IsAdmin}

	// The claims carry the expiry and are authoritative when the response
	// body omits fields.
	if claims, err := FromToken(out.Token); err == nil {
		id.Expiry = claims.Expiry

		if id.ID == "" {
			id = claims
		}
	} else {
		logger.Debug("session token is not a readable JWT", slog.String("error", err.Error()))
	}

	if id.ID == "" {
		return nil, errors.New("identity: login response has no user id")
	}

	logger.Info("login successful", slog.String("user", id.Username), slog.Bool("admin", id.Admin))

	return NewSession(out.Token, id), nil
}

func loginMessage(out loginResponse, resp *http.Response) string {
	if out.Message != "" {
		return out.Message
	}

	return http.StatusText(resp.StatusCode)
}
