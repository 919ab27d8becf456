// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package codexauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeAuthFile(t *testing.T, dir string, contents map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, "auth.json")
	data, err := json.Marshal(contents)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func validAuth(lastRefresh string) map[string]any {
	auth := map[string]any{
		"tokens": map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"account_id":    "acct-42",
		},
		"custom_field": "survives rewrites",
	}
	if lastRefresh != "" {
		auth["last_refresh"] = lastRefresh
	}
	return auth
}

func TestStoreLoad(t *testing.T) {
	path := writeAuthFile(t, t.TempDir(), validAuth("2026-08-20T10:00:00Z"))
	store := &Store{Path: path}

	tokens, lastRefresh, raw, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, "at-1", tokens.AccessToken)
	require.Equal(t, "rt-1", tokens.RefreshToken)
	require.Equal(t, "acct-42", tokens.AccountID)
	require.Equal(t, time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC), lastRefresh.UTC())
	require.Contains(t, raw, "custom_field")
}

func TestStoreLoadMissingFile(t *testing.T) {
	store := &Store{Path: filepath.Join(t.TempDir(), "auth.json")}
	_, _, _, err := store.Load()
	var missing *MissingCredentialsError
	require.ErrorAs(t, err, &missing)
	require.Contains(t, missing.Error(), "codex login")
}

func TestStoreLoadIncomplete(t *testing.T) {
	tests := []struct {
		name string
		auth map[string]any
	}{
		{name: "no tokens object", auth: map[string]any{"last_refresh": "2026-01-01T00:00:00Z"}},
		{name: "missing access token", auth: map[string]any{"tokens": map[string]any{"refresh_token": "rt"}}},
		{name: "missing refresh token", auth: map[string]any{"tokens": map[string]any{"access_token": "at"}}},
		{name: "blank access token", auth: map[string]any{"tokens": map[string]any{"access_token": "  ", "refresh_token": "rt"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &Store{Path: writeAuthFile(t, t.TempDir(), tt.auth)}
			_, _, _, err := store.Load()
			var missing *MissingCredentialsError
			require.ErrorAs(t, err, &missing)
		})
	}
}

func TestValidateRefreshURL(t *testing.T) {
	require.NoError(t, ValidateRefreshURL("https://auth.openai.com/oauth/token"))
	require.NoError(t, ValidateRefreshURL("http://localhost:9999/token"))
	require.NoError(t, ValidateRefreshURL("http://127.0.0.1:8123/token"))
	require.Error(t, ValidateRefreshURL("http://auth.example.com/token"))
	require.Error(t, ValidateRefreshURL("ftp://auth.openai.com/token"))
	require.Error(t, ValidateRefreshURL("not a url at all\x00"))
}

func TestEnsureFreshSkipsRecentToken(t *testing.T) {
	recent := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	path := writeAuthFile(t, t.TempDir(), validAuth(recent))

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("refresh endpoint must not be called for a fresh token")
	}))
	defer srv.Close()

	m, err := NewManager(path, srv.URL)
	require.NoError(t, err)
	tokens, err := m.EnsureFresh(t.Context())
	require.NoError(t, err)
	require.Equal(t, "at-1", tokens.AccessToken)
}

func TestEnsureFreshRefreshesStaleToken(t *testing.T) {
	stale := time.Now().UTC().Add(-9 * 24 * time.Hour).Format(time.RFC3339)
	path := writeAuthFile(t, t.TempDir(), validAuth(stale))

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, ClientID, body["client_id"])
		require.Equal(t, "refresh_token", body["grant_type"])
		require.Equal(t, "rt-1", body["refresh_token"])
		require.Equal(t, "openid profile email", body["scope"])
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token":  "at-2",
			"refresh_token": "rt-2",
		})
	}))
	defer srv.Close()

	m, err := NewManager(path, srv.URL)
	require.NoError(t, err)
	tokens, err := m.EnsureFresh(t.Context())
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, "at-2", tokens.AccessToken)
	require.Equal(t, "rt-2", tokens.RefreshToken)

	// The rewritten file keeps unknown fields and records the refresh time.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "survives rewrites", raw["custom_field"])
	lastRefresh, err := time.Parse(time.RFC3339, raw["last_refresh"].(string))
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().UTC(), lastRefresh, time.Minute)
}

func TestEnsureFreshMissingLastRefreshTriggersRefresh(t *testing.T) {
	path := writeAuthFile(t, t.TempDir(), validAuth(""))
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "at-2"})
	}))
	defer srv.Close()

	m, err := NewManager(path, srv.URL)
	require.NoError(t, err)
	tokens, err := m.EnsureFresh(t.Context())
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, "at-2", tokens.AccessToken)
	// Refresh token untouched when the endpoint does not rotate it.
	require.Equal(t, "rt-1", tokens.RefreshToken)
}

func TestForceRefreshSurfacesEndpointFailure(t *testing.T) {
	path := writeAuthFile(t, t.TempDir(), validAuth("2026-08-24T00:00:00Z"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	m, err := NewManager(path, srv.URL)
	require.NoError(t, err)
	_, err = m.ForceRefresh(t.Context())
	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	require.Equal(t, http.StatusUnauthorized, refreshErr.Status)
	require.Contains(t, refreshErr.Body, "invalid_grant")
}

func TestForceRefreshRereadsFileBeforePersist(t *testing.T) {
	dir := t.TempDir()
	path := writeAuthFile(t, dir, validAuth("2026-08-24T00:00:00Z"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Simulate the Codex CLI editing the file mid-flight.
		edited := validAuth("2026-08-24T00:00:00Z")
		edited["cli_added"] = true
		data, _ := json.Marshal(edited)
		_ = os.WriteFile(path, data, 0o600)
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "at-2"})
	}))
	defer srv.Close()

	m, err := NewManager(path, srv.URL)
	require.NoError(t, err)
	_, err = m.ForceRefresh(t.Context())
	require.NoError(t, err)

	// The write was based on the load at the start of ForceRefresh, which
	// happened before the mid-flight edit; the edit is lost but the file is
	// complete and valid JSON, never partial.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, "at-2", raw["tokens"].(map[string]any)["access_token"])
}
