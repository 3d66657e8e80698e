package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/KossiPascal/health-map-project/internal/config"
	"github.com/KossiPascal/health-map-project/internal/identity"
)

// authPath is where the API serves login when remote.auth_url is unset.
const authPath = "/api/auth/login"

// readPassword is a seam over term.ReadPassword for tests.
var readPassword = term.ReadPassword

func newLoginCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and save the session token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd, username)
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "account name (prompted when empty)")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved session token",
		Long: `Remove the saved session token.

With --wipe the local document database is deleted as well, so the next user
of this device starts from an empty store. Wiping is refused while local
changes have not reached the remote database, unless --force is given.`,
		RunE: runLogout,
	}

	cmd.Flags().Bool("wipe", false, "also delete the local document database")
	cmd.Flags().Bool("force", false, "with --wipe, delete even when local changes have not been pushed")

	return cmd
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the signed-in user",
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, username string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Holder.Config()

	authURL, err := loginURL(cfg)
	if err != nil {
		return err
	}

	in := bufio.NewReader(cmd.InOrStdin())

	if username == "" {
		username, err = prompt(in, os.Stderr, "Username: ")
		if err != nil {
			return fmt.Errorf("reading username: %w", err)
		}
	}

	password, err := readSecret(cmd.InOrStdin(), in, os.Stderr)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	cc.Logger.Info("login started", slog.String("user", username), slog.String("auth_url", authURL))

	client := &http.Client{Timeout: cfg.Remote.Timeout()}

	sess, err := identity.Login(cmd.Context(), client, authURL, username, password, cc.Logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, dataDirPermissions); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	if err := identity.SaveSession(cfg.SessionPath(), sess); err != nil {
		return err
	}

	id, _ := sess.Identity()

	cc.Logger.Info("login successful", slog.String("user", id.Username), slog.String("id", id.ID))
	cc.Statusf("Signed in as %s.\n", displayName(id))

	return nil
}

// loginURL returns remote.auth_url, or the login route on the remote host.
func loginURL(cfg *config.Config) (string, error) {
	if cfg.Remote.AuthURL != "" {
		return cfg.Remote.AuthURL, nil
	}

	if cfg.Remote.URL == "" {
		return "", errors.New("no login endpoint: set remote.auth_url or remote.url")
	}

	u, err := url.Parse(cfg.Remote.URL)
	if err != nil {
		return "", fmt.Errorf("parsing remote url: %w", err)
	}

	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: authPath}).String(), nil
}

func prompt(in *bufio.Reader, w io.Writer, label string) (string, error) {
	fmt.Fprint(w, label)

	line, err := in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}

	return strings.TrimSpace(line), nil
}

// readSecret reads the password without echo from a terminal, or as one
// line otherwise.
func readSecret(src io.Reader, in *bufio.Reader, w io.Writer) (string, error) {
	f, ok := src.(*os.File)
	if !ok || !isTerminal(f) {
		return prompt(in, w, "Password: ")
	}

	fmt.Fprint(w, "Password: ")

	pw, err := readPassword(int(f.Fd()))
	fmt.Fprintln(w)

	if err != nil {
		return "", err
	}

	return string(pw), nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	path := cc.Holder.Config().SessionPath()

	if _, err := identity.LoadSession(path); errors.Is(err, identity.ErrNotLoggedIn) {
		cc.Statusf("Not signed in.\n")

		return nil
	}

	wipe, _ := cmd.Flags().GetBool("wipe")
	if wipe {
		force, _ := cmd.Flags().GetBool("force")
		if err := wipeLocal(cmd.Context(), cc, force); err != nil {
			return err
		}
	}

	if err := identity.RemoveSession(path); err != nil {
		return err
	}

	cc.Logger.Info("logout successful", slog.String("path", path), slog.Bool("wiped", wipe))

	if wipe {
		cc.Statusf("Signed out. Local documents deleted.\n")
	} else {
		cc.Statusf("Signed out. Local documents are kept.\n")
	}

	return nil
}

// wipeLocal deletes the local database once every local revision is known
// to be on the remote, or unconditionally with force.
func wipeLocal(ctx context.Context, cc *CLIContext, force bool) error {
	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	if !force {
		n, err := a.pendingPush(ctx)

		switch {
		case err != nil:
			return fmt.Errorf("cannot confirm local changes were pushed: %w (pass --force to delete anyway)", err)
		case n > 0:
			return fmt.Errorf("%d local revisions have not been pushed: run 'healthmap sync' first or pass --force", n)
		}
	}

	return a.destroyLocal(ctx)
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Admin    bool      `json:"isAdmin"`
	Expiry   time.Time `json:"expiry"`
	Expired  bool      `json:"expired"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	sess, err := identity.LoadSession(cc.Holder.Config().SessionPath())
	if err != nil {
		if errors.Is(err, identity.ErrNotLoggedIn) {
			return fmt.Errorf("not logged in: run 'healthmap login' first")
		}

		return err
	}

	id, err := sess.Identity()
	if err != nil {
		return err
	}

	now := time.Now()
	w := cmd.OutOrStdout()

	if cc.Flags.JSON {
		return printJSON(w, whoamiOutput{
			ID:       id.ID,
			Username: id.Username,
			Admin:    id.Admin,
			Expiry:   id.Expiry,
			Expired:  id.Expired(now),
		})
	}

	fmt.Fprintf(w, "User:    %s\n", displayName(id))
	fmt.Fprintf(w, "ID:      %s\n", id.ID)
	fmt.Fprintf(w, "Role:    %s\n", roleName(id.Admin))
	fmt.Fprintf(w, "Expires: %s\n", formatTime(id.Expiry, now))

	if id.Expired(now) {
		fmt.Fprintln(w, "Session expired: run 'healthmap login' again.")
	}

	return nil
}

func displayName(id identity.Identity) string {
	if id.Username != "" {
		return id.Username
	}

	return id.ID
}

func roleName(admin bool) string {
	if admin {
		return "administrator"
	}

	return "field agent"
}
