// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_doMain(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		env      map[string]string
		sf       serveFn
		hf       healthcheckFn
		expOut   string
		expPanic bool
	}{
		{
			name:   "version",
			args:   []string{"version"},
			expOut: "aibridge: dev\n",
		},
		{
			name: "serve with defaults",
			args: []string{"serve"},
			env:  map[string]string{"OPENAI_API_KEY": "sk-test"},
			sf: func(_ context.Context, c cmdServe, _, _ io.Writer) error {
				require.Equal(t, ":8080", c.ListenAddr)
				require.Equal(t, ":1064", c.AdminAddr)
				require.Equal(t, "openai", c.UpstreamMode)
				require.Equal(t, "sk-test", c.OpenAIAPIKey)
				require.Equal(t, "https://api.openai.com/v1", c.OpenAIBaseURL)
				require.Equal(t, "gpt-4.1", c.DefaultModel)
				return nil
			},
		},
		{
			name: "serve with codex env",
			args: []string{"serve"},
			env: map[string]string{
				"UPSTREAM_MODE":  "codex",
				"CODEX_BASE_URL": "https://example.test/codex",
				"MODEL_MAP_JSON": `{"claude": "gpt-5"}`,
				"LISTEN_ADDR":    ":9090",
			},
			sf: func(_ context.Context, c cmdServe, _, _ io.Writer) error {
				require.Equal(t, "codex", c.UpstreamMode)
				require.Equal(t, "https://example.test/codex", c.CodexBaseURL)
				require.Equal(t, `{"claude": "gpt-5"}`, c.ModelMapJSON)
				require.Equal(t, ":9090", c.ListenAddr)
				return nil
			},
		},
		{
			name:     "serve in openai mode without key",
			args:     []string{"serve"},
			env:      map[string]string{"OPENAI_API_KEY": ""},
			expPanic: true,
		},
		{
			name: "healthcheck",
			args: []string{"healthcheck", "--admin-port=2048"},
			hf: func(_ context.Context, port int, _, _ io.Writer) error {
				require.Equal(t, 2048, port)
				return nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			out := &bytes.Buffer{}
			exitFn := func(code int) { panic(code) }
			if tt.expPanic {
				require.Panics(t, func() {
					doMain(t.Context(), out, os.Stderr, tt.args, exitFn, tt.sf, tt.hf)
				})
				return
			}
			doMain(t.Context(), out, os.Stderr, tt.args, exitFn, tt.sf, tt.hf)
			require.Equal(t, tt.expOut, out.String())
		})
	}
}

func TestCmdServe_Validate(t *testing.T) {
	tests := []struct {
		name          string
		cmd           cmdServe
		expectedError string
	}{
		{
			name:          "openai mode without key",
			cmd:           cmdServe{UpstreamMode: "openai"},
			expectedError: "OPENAI_API_KEY is required in openai mode",
		},
		{
			name: "openai mode with key",
			cmd:  cmdServe{UpstreamMode: "openai", OpenAIAPIKey: "sk-test"},
		},
		{
			name: "codex mode needs no key",
			cmd:  cmdServe{UpstreamMode: "codex"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.expectedError != "" {
				require.EqualError(t, err, tt.expectedError)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
