package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/EPiC-Inc/vaporous/pkg/protocol"
)

// Session is a saved login.
type Session struct {
	Server    string    `json:"server"`
	Username  string    `json:"username"`
	SessionID string    `json:"session_id,omitempty"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsExpired reports whether the session expires within margin. Sessions
// without a known expiry never expire client-side.
func (s *Session) IsExpired(margin time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(s.ExpiresAt)
}

// Login posts the login form and captures the session cookie. The server
// answers a successful login with a redirect carrying the cookie and a
// failed one with the login page, so redirects are not followed.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	form := url.Values{
		"username": {username},
		"password": {password},
	}
	req, err := c.newRequest(ctx, http.MethodPost, protocol.PathLogin, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	// A stale session must not be presented while logging in.
	req.Header.Del("Cookie")
	req.Header.Del("Authorization")

	resp, err := c.do(c.noRedirect, req)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", offline(err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return nil, statusError(resp)
	}

	for _, ck := range resp.Cookies() {
		if ck.Name != protocol.SessionCookie || ck.Value == "" {
			continue
		}
		now := time.Now()
		s := &Session{
			Server:    c.baseURL,
			Username:  username,
			SessionID: ck.Value,
			CreatedAt: now,
		}
		switch {
		case ck.MaxAge > 0:
			s.ExpiresAt = now.Add(time.Duration(ck.MaxAge) * time.Second)
		case !ck.Expires.IsZero():
			s.ExpiresAt = ck.Expires
		}
		c.SetSession(ck.Value)
		return s, nil
	}
	return nil, ErrInvalidCredentials
}

// TokenExpiry reads the exp claim of a JWT without verifying it. ok is
// false when token is not a JWT or carries no expiry.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	e, err := claims.GetExpirationTime()
	if err != nil || e == nil {
		return time.Time{}, false
	}
	return e.Time, true
}

// SessionFilePath returns the default path for the session file.
func SessionFilePath() string {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, _ := os.UserHomeDir()
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "vaporous", "session.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "vaporous", "session.json")
}

// SaveSession writes s to path with owner-only permissions.
func SaveSession(path string, s *Session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadSession reads a session file.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	return &s, nil
}

// DeleteSession removes a session file. A missing file is not an error.
func DeleteSession(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
