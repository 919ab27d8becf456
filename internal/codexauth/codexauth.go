// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package codexauth reads, refreshes, and persists the ChatGPT/Codex OAuth
// credential file. The file is shared with the Codex CLI, so reads are
// whole-file, writes are atomic rename, and unknown fields survive rewrites.
package codexauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// ClientID is the Codex CLI OAuth client.
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

	// DefaultRefreshURL is the OpenAI token endpoint used unless overridden.
	DefaultRefreshURL = "https://auth.openai.com/oauth/token"

	// refreshInterval is how stale a token may get before ensure-fresh
	// refreshes it proactively, matching the Codex CLI.
	refreshInterval = 8 * 24 * time.Hour

	refreshTimeout = 30 * time.Second
)

// Tokens is the credential set extracted from the auth file.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	AccountID    string
	IDToken      string
}

// MissingCredentialsError reports an absent or unusable credential file.
// Handlers map it to an Anthropic authentication_error.
type MissingCredentialsError struct {
	Path   string
	Reason string
}

func (e *MissingCredentialsError) Error() string {
	return fmt.Sprintf("codex auth file at %s %s; run `codex login`", e.Path, e.Reason)
}

// RefreshError reports a failed token refresh attempt.
type RefreshError struct {
	Status int
	Body   string
	Err    error
}

func (e *RefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to refresh codex token: %v", e.Err)
	}
	return fmt.Sprintf("failed to refresh codex token (HTTP %d): %s", e.Status, e.Body)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Store owns the credential file on disk.
type Store struct {
	Path string
}

// loadRaw reads the whole auth file as a generic object so that fields this
// proxy does not understand are preserved on rewrite.
func (s *Store) loadRaw() (map[string]any, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &MissingCredentialsError{Path: s.Path, Reason: "was not found"}
		}
		return nil, &MissingCredentialsError{Path: s.Path, Reason: fmt.Sprintf("is unreadable (%v)", err)}
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &MissingCredentialsError{Path: s.Path, Reason: fmt.Sprintf("is not a JSON object (%v)", err)}
	}
	return raw, nil
}

// saveRaw writes the auth file atomically: temp file in the same directory,
// then rename, so concurrent readers never see a partial file.
func (s *Store) saveRaw(raw map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("create auth directory: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(raw); err != nil {
		return fmt.Errorf("encode auth file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), filepath.Base(s.Path)+".*")
	if err != nil {
		return fmt.Errorf("create temp auth file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp auth file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp auth file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace auth file: %w", err)
	}
	return nil
}

// Load returns the tokens, the last refresh time (zero when absent or
// unparseable), and the raw file contents.
func (s *Store) Load() (Tokens, time.Time, map[string]any, error) {
	raw, err := s.loadRaw()
	if err != nil {
		return Tokens{}, time.Time{}, nil, err
	}
	tokensObj, ok := raw["tokens"].(map[string]any)
	if !ok {
		return Tokens{}, time.Time{}, nil, &MissingCredentialsError{Path: s.Path, Reason: "is missing 'tokens'"}
	}
	str := func(key string) string {
		v, _ := tokensObj[key].(string)
		return strings.TrimSpace(v)
	}
	tokens := Tokens{
		AccessToken:  str("access_token"),
		RefreshToken: str("refresh_token"),
		AccountID:    str("account_id"),
		IDToken:      str("id_token"),
	}
	if tokens.AccessToken == "" {
		return Tokens{}, time.Time{}, nil, &MissingCredentialsError{Path: s.Path, Reason: "is missing tokens.access_token"}
	}
	if tokens.RefreshToken == "" {
		return Tokens{}, time.Time{}, nil, &MissingCredentialsError{Path: s.Path, Reason: "is missing tokens.refresh_token"}
	}
	return tokens, parseLastRefresh(raw["last_refresh"]), raw, nil
}

// parseLastRefresh accepts the RFC3339 string the Codex CLI writes, or unix
// seconds from older tooling.
func parseLastRefresh(v any) time.Time {
	switch t := v.(type) {
	case string:
		raw := strings.TrimSpace(t)
		if raw == "" {
			return time.Time{}
		}
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			return parsed
		}
	case float64:
		return time.Unix(int64(t), 0).UTC()
	}
	return time.Time{}
}

// Manager refreshes tokens against the OAuth endpoint and persists results
// through the Store.
type Manager struct {
	Store      *Store
	RefreshURL string
	Client     *http.Client
}

// NewManager builds a Manager for the given auth file path. refreshURL may
// be empty to use the default endpoint.
func NewManager(path, refreshURL string) (*Manager, error) {
	if refreshURL == "" {
		refreshURL = DefaultRefreshURL
	}
	if err := ValidateRefreshURL(refreshURL); err != nil {
		return nil, err
	}
	return &Manager{
		Store:      &Store{Path: path},
		RefreshURL: refreshURL,
		Client:     &http.Client{Timeout: refreshTimeout},
	}, nil
}

// ValidateRefreshURL rejects refresh endpoints that would send the refresh
// token somewhere insecure: https is mandatory except toward loopback.
func ValidateRefreshURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid refresh token URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid refresh token URL %q: missing host", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" {
			return nil
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return nil
		}
		return fmt.Errorf("refresh token URL %q must use https outside loopback", raw)
	default:
		return fmt.Errorf("refresh token URL %q must use http(s)", raw)
	}
}

// EnsureFresh returns usable tokens, refreshing first when the stored ones
// are older than the refresh interval or carry no refresh timestamp.
func (m *Manager) EnsureFresh(ctx context.Context) (Tokens, error) {
	tokens, lastRefresh, raw, err := m.Store.Load()
	if err != nil {
		return Tokens{}, err
	}
	if !lastRefresh.IsZero() && time.Since(lastRefresh) < refreshInterval {
		return tokens, nil
	}
	return m.refreshAndPersist(ctx, tokens, raw)
}

// ForceRefresh refreshes unconditionally; the transport calls it once after
// an upstream 401. The file is re-read first so edits made since the last
// load are not clobbered.
func (m *Manager) ForceRefresh(ctx context.Context) (Tokens, error) {
	tokens, _, raw, err := m.Store.Load()
	if err != nil {
		return Tokens{}, err
	}
	return m.refreshAndPersist(ctx, tokens, raw)
}

func (m *Manager) refreshAndPersist(ctx context.Context, tokens Tokens, raw map[string]any) (Tokens, error) {
	body, err := json.Marshal(map[string]string{
		"client_id":     ClientID,
		"grant_type":    "refresh_token",
		"refresh_token": tokens.RefreshToken,
		"scope":         "openid profile email",
	})
	if err != nil {
		return Tokens{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.RefreshURL, bytes.NewReader(body))
	if err != nil {
		return Tokens{}, &RefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.Client.Do(req)
	if err != nil {
		return Tokens{}, &RefreshError{Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Tokens{}, &RefreshError{Err: err}
	}
	if resp.StatusCode >= 400 {
		return Tokens{}, &RefreshError{Status: resp.StatusCode, Body: string(respBody)}
	}
	var payload map[string]any
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return Tokens{}, &RefreshError{Status: resp.StatusCode, Err: fmt.Errorf("response was not valid JSON: %w", err)}
	}

	tokensObj, ok := raw["tokens"].(map[string]any)
	if !ok {
		tokensObj = map[string]any{}
		raw["tokens"] = tokensObj
	}
	for _, key := range []string{"access_token", "refresh_token", "id_token"} {
		if v, ok := payload[key].(string); ok && strings.TrimSpace(v) != "" {
			tokensObj[key] = strings.TrimSpace(v)
		}
	}
	raw["last_refresh"] = time.Now().UTC().Format(time.RFC3339)
	if err := m.Store.saveRaw(raw); err != nil {
		return Tokens{}, err
	}

	// Reload so callers see exactly what landed on disk.
	refreshed, _, _, err := m.Store.Load()
	if err != nil {
		return Tokens{}, err
	}
	return refreshed, nil
}
