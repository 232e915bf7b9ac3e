package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
)

// LoginFunc runs an interactive login command.
type LoginFunc func(ctx context.Context, binary string, args []string, env []string) error

// FileAuth treats a provider as authenticated when one of its credential
// files exists under Home, or when a token override is set.
type FileAuth struct {
	EngineID       string
	Binary         string
	InstallCommand string

	// Home is the provider's credential directory.
	Home string

	// CredentialFiles are relative to Home; any one present is enough.
	CredentialFiles []string

	// ClearPaths are removed by ClearAuth. Defaults to CredentialFiles.
	ClearPaths []string

	// Token is an environment-supplied credential that bypasses files.
	Token string

	// LoginArgs is the login subcommand; empty means no login flow exists.
	LoginArgs []string

	// Remediation is shown when credentials are missing.
	Remediation string

	// Placeholder is written to the first credential file under SkipAuth.
	Placeholder string
	SkipAuth    bool

	// Env is the child environment for the login command.
	Env []string

	LookPath func(string) (string, error)
	Login    LoginFunc
}

var _ Authenticator = (*FileAuth)(nil)

// IsAuthenticated implements Authenticator.
func (a *FileAuth) IsAuthenticated(ctx context.Context) bool {
	if a.Token != "" {
		return true
	}
	for _, name := range a.CredentialFiles {
		info, err := os.Stat(filepath.Join(a.Home, name))
		if err == nil && !info.IsDir() && info.Size() > 0 {
			return true
		}
	}
	return false
}

// EnsureAuth implements Authenticator.
func (a *FileAuth) EnsureAuth(ctx context.Context) (bool, error) {
	if a.IsAuthenticated(ctx) {
		return true, nil
	}

	if a.SkipAuth {
		if err := a.writePlaceholder(); err != nil {
			return false, err
		}
		return true, nil
	}

	lookPath := a.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := lookPath(a.Binary)
	if err != nil {
		return false, cmerrors.BinaryNotInstalled(a.Binary, a.InstallCommand).WithCause(err)
	}

	if len(a.LoginArgs) == 0 {
		return false, cmerrors.AuthMissing(a.EngineID, a.Remediation)
	}

	login := a.Login
	if login == nil {
		login = interactiveLogin
	}
	if err := login(ctx, path, a.LoginArgs, a.Env); err != nil {
		return false, cmerrors.AuthIncomplete(a.EngineID, a.Remediation).WithCause(err)
	}
	if !a.IsAuthenticated(ctx) {
		return false, cmerrors.AuthIncomplete(a.EngineID, a.Remediation)
	}
	return true, nil
}

// ClearAuth implements Authenticator.
func (a *FileAuth) ClearAuth(ctx context.Context) {
	paths := a.ClearPaths
	if len(paths) == 0 {
		paths = a.CredentialFiles
	}
	for _, name := range paths {
		_ = os.RemoveAll(filepath.Join(a.Home, name))
	}
}

func (a *FileAuth) writePlaceholder() error {
	if len(a.CredentialFiles) == 0 {
		return nil
	}
	path := filepath.Join(a.Home, a.CredentialFiles[0])
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return cmerrors.IOWriteError(path, err)
	}
	content := a.Placeholder
	if content == "" {
		content = "{}"
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return cmerrors.IOWriteError(path, err)
	}
	return nil
}

func interactiveLogin(ctx context.Context, binary string, args []string, env []string) error {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if env != nil {
		cmd.Env = env
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w", binary, args, err)
	}
	return nil
}

// BinaryAuth is for providers without credentials: they are always
// authenticated once their CLI can be found.
type BinaryAuth struct {
	Binary         string
	InstallCommand string
	LookPath       func(string) (string, error)
}

var _ Authenticator = (*BinaryAuth)(nil)

// IsAuthenticated implements Authenticator.
func (a *BinaryAuth) IsAuthenticated(ctx context.Context) bool { return true }

// EnsureAuth implements Authenticator.
func (a *BinaryAuth) EnsureAuth(ctx context.Context) (bool, error) {
	lookPath := a.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if _, err := lookPath(a.Binary); err != nil {
		return false, cmerrors.BinaryNotInstalled(a.Binary, a.InstallCommand).WithCause(err)
	}
	return true, nil
}

// ClearAuth implements Authenticator.
func (a *BinaryAuth) ClearAuth(ctx context.Context) {}
