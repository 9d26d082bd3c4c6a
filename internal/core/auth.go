package core

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"torrentd/internal/rpc"
)

// LocalClientUser is the account created for clients on the same host.
const LocalClientUser = "localclient"

var levelNames = map[string]rpc.AuthLevel{
	"NONE":     rpc.AuthNone,
	"READONLY": rpc.AuthReadOnly,
	"DEFAULT":  rpc.AuthDefault,
	"NORMAL":   rpc.AuthNormal,
	"ADMIN":    rpc.AuthAdmin,
}

type account struct {
	password string
	level    rpc.AuthLevel
}

// AuthManager checks logins against an auth file holding one
// "username:password:level" line per account. The file is reloaded when it
// changes on disk.
type AuthManager struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	accounts map[string]account
	modTime  time.Time
}

func NewAuthManager(path string, logger *slog.Logger) *AuthManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthManager{path: path, logger: logger, accounts: make(map[string]account)}
}

// Start loads the auth file, creating it with a localclient account when
// it is missing one.
func (a *AuthManager) Start(context.Context) error {
	if err := a.load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	a.mu.RLock()
	_, hasLocal := a.accounts[LocalClientUser]
	a.mu.RUnlock()
	if hasLocal {
		return nil
	}
	password, err := randomPassword()
	if err != nil {
		return err
	}
	if err := appendAccount(a.path, LocalClientUser, password, rpc.AuthAdmin); err != nil {
		return err
	}
	a.logger.Info("auth: created local client account", slog.String("path", a.path))
	return a.load()
}

// Update reloads the auth file if it was modified.
func (a *AuthManager) Update(context.Context) error {
	info, err := os.Stat(a.path)
	if err != nil {
		return err
	}
	a.mu.RLock()
	unchanged := info.ModTime().Equal(a.modTime)
	a.mu.RUnlock()
	if unchanged {
		return nil
	}
	a.logger.Info("auth: file changed, reloading", slog.String("path", a.path))
	return a.load()
}

// Authorize implements rpc.Authenticator.
func (a *AuthManager) Authorize(username, password string) (rpc.AuthLevel, error) {
	if username == "" {
		return rpc.AuthNone, fmt.Errorf("%w: username is required", rpc.ErrBadLogin)
	}
	a.mu.RLock()
	acc, ok := a.accounts[username]
	a.mu.RUnlock()
	if !ok {
		return rpc.AuthNone, fmt.Errorf("%w: unknown user %q", rpc.ErrBadLogin, username)
	}
	if subtle.ConstantTimeCompare([]byte(acc.password), []byte(password)) != 1 {
		return rpc.AuthNone, fmt.Errorf("%w: password does not match", rpc.ErrBadLogin)
	}
	return acc.level, nil
}

func (a *AuthManager) load() error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return err
	}
	info, err := os.Stat(a.path)
	if err != nil {
		return err
	}

	accounts := make(map[string]account)
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, acc, err := parseAccount(line)
		if err != nil {
			a.logger.Warn("auth: skipping line",
				slog.String("path", a.path),
				slog.Int("line", lineNo),
				slog.Any("error", err),
			)
			continue
		}
		accounts[user] = acc
	}
	if err := sc.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	a.accounts = accounts
	a.modTime = info.ModTime()
	a.mu.Unlock()
	return nil
}

func parseAccount(line string) (string, account, error) {
	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2:
		return parts[0], account{password: parts[1], level: rpc.AuthDefault}, nil
	case 3:
		level, err := parseLevel(parts[2])
		if err != nil {
			return "", account{}, err
		}
		return parts[0], account{password: parts[1], level: level}, nil
	}
	return "", account{}, fmt.Errorf("want username:password[:level], got %d fields", len(parts))
}

func parseLevel(s string) (rpc.AuthLevel, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return rpc.AuthLevel(n), nil
	}
	if level, ok := levelNames[strings.ToUpper(s)]; ok {
		return level, nil
	}
	return rpc.AuthNone, fmt.Errorf("unknown auth level %q", s)
}

func appendAccount(path, user, password string, level rpc.AuthLevel) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%s:%s:%d\n", user, password, level); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func randomPassword() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// ReadLocalClient returns the localclient credentials from an auth file so
// tools on the same host can log in without a configured password.
func ReadLocalClient(path string) (username, password string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		user, acc, err := parseAccount(strings.TrimSpace(sc.Text()))
		if err == nil && user == LocalClientUser {
			return user, acc.password, nil
		}
	}
	return "", "", fmt.Errorf("no %s account in %s", LocalClientUser, path)
}
