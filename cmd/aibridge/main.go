// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/aibridge/aibridge/internal/version"
)

type (
	// cmd corresponds to the top-level `aibridge` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Serve is the sub-command parsed by the `cmdServe` struct.
		Serve cmdServe `cmd:"" help:"Run the Anthropic-to-OpenAI bridge server."`
		// Healthcheck is the sub-command to check if the server is healthy.
		Healthcheck cmdHealthcheck `cmd:"" help:"Docker HEALTHCHECK command."`
	}
	// cmdServe corresponds to the `aibridge serve` command. Every flag can
	// also be set through its environment variable.
	cmdServe struct {
		Debug bool `help:"Enable debug logging emitted to stderr." env:"DEBUG"`

		ListenAddr string `help:"Bind address for the Anthropic-facing API." default:":8080" env:"LISTEN_ADDR"`
		AdminAddr  string `help:"Bind address for the admin server (serves /metrics and /health)." default:":1064" env:"ADMIN_ADDR"`

		UpstreamMode string `help:"Upstream mode: 'openai' (API key) or 'codex' (ChatGPT OAuth)." default:"openai" enum:"openai,codex" env:"UPSTREAM_MODE"`

		OpenAIAPIKey  string `help:"API key for direct OpenAI mode." env:"OPENAI_API_KEY"`
		OpenAIBaseURL string `help:"Responses API base URL for direct mode." default:"https://api.openai.com/v1" env:"OPENAI_BASE_URL"`

		CodexBaseURL             string `help:"Responses API base URL for codex mode." default:"https://chatgpt.com/backend-api/codex" env:"CODEX_BASE_URL"`
		CodexAuthPath            string `help:"Path to the Codex CLI auth.json credential file." default:"~/.codex/auth.json" type:"path" env:"CODEX_AUTH_PATH"`
		CodexDefaultInstructions string `help:"Instructions injected when a codex-mode request carries none." env:"CODEX_DEFAULT_INSTRUCTIONS"`
		CodexRefreshURLOverride  string `help:"Override for the OAuth token refresh endpoint." env:"CODEX_REFRESH_TOKEN_URL_OVERRIDE"`

		DefaultModel string `help:"Upstream model used when the model map has no entry for the requested model." default:"gpt-4.1" env:"OPENAI_DEFAULT_MODEL"`
		ModelMapJSON string `help:"JSON object mapping Anthropic model names (or prefixes) to upstream models." env:"MODEL_MAP_JSON"`
	}
	// cmdHealthcheck corresponds to the `aibridge healthcheck` command.
	cmdHealthcheck struct {
		AdminPort int `help:"Admin server port to probe." default:"1064" env:"ADMIN_PORT"`
	}
)

// Validate is called by Kong after parsing to validate the cmdServe arguments.
func (c *cmdServe) Validate() error {
	if c.UpstreamMode == "openai" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required in openai mode")
	}
	return nil
}

type (
	serveFn       func(context.Context, cmdServe, io.Writer, io.Writer) error
	healthcheckFn func(context.Context, int, io.Writer, io.Writer) error
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, serve, healthcheck)
}

// doMain parses the command line arguments and executes the selected
// command. stdout, stderr, exitFn and the command functions are injectable
// for testing.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int),
	sf serveFn,
	hf healthcheckFn,
) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("aibridge"),
		kong.Description("Anthropic Messages API bridge for OpenAI Responses backends"),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "aibridge: %s\n", version.Current())
	case "serve":
		if err := sf(ctx, c.Serve, stdout, stderr); err != nil {
			log.Fatalf("Error running server: %v", err)
		}
	case "healthcheck":
		if err := hf(ctx, c.Healthcheck.AdminPort, stdout, stderr); err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
	}
}
