// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/aibridge/aibridge/internal/codexauth"
)

func writeAuthFile(t *testing.T, lastRefresh time.Time) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth.json")
	content := fmt.Sprintf(`{
		"tokens": {
			"access_token": "old-access",
			"refresh_token": "refresh-1",
			"account_id": "acct_1"
		},
		"last_refresh": %q
	}`, lastRefresh.UTC().Format(time.RFC3339))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func sseBody(frames ...string) string {
	body := ""
	for _, frame := range frames {
		body += "data: " + frame + "\n\n"
	}
	return body
}

func TestCreateResponse_Direct(t *testing.T) {
	var gotPath, gotAuth, gotCorrelation string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "resp_1", "output": []}`))
	}))
	defer upstream.Close()

	client := NewClient(Config{Mode: ModeDirect, BaseURL: upstream.URL, APIKey: "sk-test"})
	body, err := client.CreateResponse(t.Context(), []byte(`{"model":"m","input":[],"stream":true}`), "corr-1")
	require.NoError(t, err)
	require.Equal(t, "resp_1", gjson.GetBytes(body, "id").String())
	require.Equal(t, "/responses", gotPath)
	require.Equal(t, "Bearer sk-test", gotAuth)
	require.Equal(t, "corr-1", gotCorrelation)
	// The non-streaming path strips any stream flag.
	require.False(t, gjson.GetBytes(gotBody, "stream").Exists())
}

func TestCreateResponse_DirectUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"type": "rate_limit_error", "message": "slow down"}}`))
	}))
	defer upstream.Close()

	client := NewClient(Config{Mode: ModeDirect, BaseURL: upstream.URL, APIKey: "sk-test"})
	_, err := client.CreateResponse(t.Context(), []byte(`{"model":"m","input":[]}`), "")
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.Equal(t, http.StatusTooManyRequests, upstreamErr.StatusCode)
	require.Equal(t, "rate_limit_error", gjson.GetBytes(upstreamErr.Body, "error.type").String())
}

func TestStreamResponse_DirectSetsStreamFlag(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody(`{"type":"response.created","response":{"id":"r"}}`))
	}))
	defer upstream.Close()

	client := NewClient(Config{Mode: ModeDirect, BaseURL: upstream.URL, APIKey: "sk-test"})
	handle, err := client.StreamResponse(t.Context(), []byte(`{"model":"m","input":[]}`), "")
	require.NoError(t, err)
	defer handle.Close()
	require.True(t, gjson.GetBytes(gotBody, "stream").Bool())

	frame, err := handle.Events.Next()
	require.NoError(t, err)
	require.Equal(t, "response.created", gjson.Get(frame.Data, "type").String())
}

// A 401 from the Codex backend forces exactly one token refresh and one
// retry with the new access token.
func TestCodex_RefreshRetryOn401(t *testing.T) {
	var refreshCalls int
	refresh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, codexauth.ClientID, gjson.GetBytes(body, "client_id").String())
		require.Equal(t, "refresh-1", gjson.GetBytes(body, "refresh_token").String())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "new-access", "refresh_token": "refresh-2"}`))
	}))
	defer refresh.Close()

	var upstreamAuths []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamAuths = append(upstreamAuths, r.Header.Get("Authorization"))
		require.Equal(t, "acct_1", r.Header.Get("ChatGPT-Account-ID"))
		if len(upstreamAuths) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error": {"message": "expired"}}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody(
			`{"type":"response.created","response":{"id":"r"}}`,
			`{"type":"response.completed","response":{"id":"resp_9","output":[]}}`,
		))
	}))
	defer upstream.Close()

	authPath := writeAuthFile(t, time.Now())
	auth, err := codexauth.NewManager(authPath, refresh.URL)
	require.NoError(t, err)

	client := NewClient(Config{Mode: ModeCodex, BaseURL: upstream.URL, Auth: auth})
	body, err := client.CreateResponse(t.Context(), []byte(`{"model":"m","input":[]}`), "")
	require.NoError(t, err)
	require.Equal(t, "resp_9", gjson.GetBytes(body, "id").String())

	require.Equal(t, 1, refreshCalls)
	require.Equal(t, []string{"Bearer old-access", "Bearer new-access"}, upstreamAuths)

	// The auth file was rewritten with the rotated tokens.
	persisted, err := os.ReadFile(authPath)
	require.NoError(t, err)
	require.Equal(t, "new-access", gjson.GetBytes(persisted, "tokens.access_token").String())
	require.Equal(t, "refresh-2", gjson.GetBytes(persisted, "tokens.refresh_token").String())
}

func TestCodex_StreamFailureFrame(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody(`{"type":"response.failed","error":{"message":"boom"}}`))
	}))
	defer upstream.Close()

	auth, err := codexauth.NewManager(writeAuthFile(t, time.Now()), codexauth.DefaultRefreshURL)
	require.NoError(t, err)
	client := NewClient(Config{Mode: ModeCodex, BaseURL: upstream.URL, Auth: auth})
	_, err = client.CreateResponse(t.Context(), []byte(`{"model":"m","input":[]}`), "")
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.Equal(t, http.StatusBadGateway, upstreamErr.StatusCode)
}

func TestPrepareCodexPayload(t *testing.T) {
	client := NewClient(Config{Mode: ModeCodex, DefaultInstructions: "default instructions"})
	payload := []byte(`{
		"model": "m",
		"max_output_tokens": 100,
		"max_tool_calls": 2,
		"input": [
			{"type": "message", "role": "user", "content": [{"type": "input_text", "text": "hi"}]},
			{"type": "message", "role": "assistant", "content": [{"type": "input_text", "text": "prev"}]}
		]
	}`)
	got := client.prepareCodexPayload(payload)

	require.False(t, gjson.GetBytes(got, "store").Bool())
	require.True(t, gjson.GetBytes(got, "stream").Bool())
	require.False(t, gjson.GetBytes(got, "max_output_tokens").Exists())
	require.False(t, gjson.GetBytes(got, "max_tool_calls").Exists())
	require.Equal(t, "default instructions", gjson.GetBytes(got, "instructions").String())
	// User spans stay input_text; assistant history becomes output_text.
	require.Equal(t, "input_text", gjson.GetBytes(got, "input.0.content.0.type").String())
	require.Equal(t, "output_text", gjson.GetBytes(got, "input.1.content.0.type").String())
	require.Equal(t, "prev", gjson.GetBytes(got, "input.1.content.0.text").String())
}

func TestPrepareCodexPayload_PreservesClientValues(t *testing.T) {
	client := NewClient(Config{Mode: ModeCodex, DefaultInstructions: "default"})
	payload := []byte(`{"model": "m", "store": true, "instructions": "mine", "input": []}`)
	got := client.prepareCodexPayload(payload)
	require.True(t, gjson.GetBytes(got, "store").Bool())
	require.Equal(t, "mine", gjson.GetBytes(got, "instructions").String())
}

// The LM Studio fallback: the original payload draws the input-shape
// rejection, the normalized rewrite still fails, and the fully collapsed
// payload succeeds on the third POST.
func TestDirect_LMStudioFallbackChain(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:1234")
	if err != nil {
		t.Skipf("port 1234 unavailable: %v", err)
	}

	var bodies [][]byte
	upstream := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, body)
		if len(bodies) < 3 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error": {"param": "input", "code": "invalid_union", "message": "bad shape"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "resp_lm", "output": []}`))
	}))
	upstream.Listener.Close()
	upstream.Listener = listener
	upstream.Start()
	defer upstream.Close()

	client := NewClient(Config{Mode: ModeDirect, BaseURL: "http://127.0.0.1:1234"})
	payload, err := json.Marshal(map[string]any{
		"model": "local-model",
		"input": []map[string]any{
			{"type": "message", "role": "user", "content": []map[string]any{{"type": "input_text", "text": "hi"}}},
			{"type": "message", "role": "assistant", "content": []map[string]any{{"type": "input_text", "text": "prev"}}},
		},
	})
	require.NoError(t, err)

	body, err := client.CreateResponse(t.Context(), payload, "")
	require.NoError(t, err)
	require.Equal(t, "resp_lm", gjson.GetBytes(body, "id").String())
	require.Len(t, bodies, 3)

	// Second attempt: roles folded to user, assistant text prefixed.
	require.Equal(t, "Assistant: prev", gjson.GetBytes(bodies[1], "input.1.content.0.text").String())
	require.Equal(t, "user", gjson.GetBytes(bodies[1], "input.1.role").String())
	// Third attempt: one collapsed user message.
	require.Len(t, gjson.GetBytes(bodies[2], "input").Array(), 1)
	require.Equal(t, "[user]\nhi\n\n[assistant]\nprev", gjson.GetBytes(bodies[2], "input.0.content.0.text").String())
}

// A 400 that is not the LM Studio input rejection is returned as-is even
// against a local base URL.
func TestDirect_NoFallbackOnOtherErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "bad model"}}`))
	}))
	defer upstream.Close()

	client := NewClient(Config{Mode: ModeDirect, BaseURL: upstream.URL})
	_, err := client.CreateResponse(t.Context(), []byte(`{"model":"m","input":[]}`), "")
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.Equal(t, http.StatusBadRequest, upstreamErr.StatusCode)
}
