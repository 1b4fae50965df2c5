// Copyright 2026 The Secure Proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxycmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GordonBeeming/secureproxy/internal/airlock"
	"github.com/GordonBeeming/secureproxy/internal/audit"
	"github.com/GordonBeeming/secureproxy/internal/ca"
	"github.com/GordonBeeming/secureproxy/internal/logging"
	"github.com/GordonBeeming/secureproxy/internal/ruleset"
)

// These defaults mirror the well-known filesystem layout in §6.
const (
	defaultConfigPath = "/config/rules.json"
	defaultListenAddr = ":58080"
	defaultCADir      = "/ca"
	defaultLogFile    = "/logs/traffic.jsonl"
)

func newRunCommand() *cobra.Command {
	var (
		configPath string
		listenAddr string
		caDir      string
		logFile    string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProxy(cmd.Context(), runOptions{
				configPath: configPath,
				listenAddr: listenAddr,
				caDir:      caDir,
				logFile:    logFile,
				debug:      debug,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", defaultConfigPath, "path to the JSON ruleset (§6 schema)")
	flags.StringVar(&listenAddr, "listen", defaultListenAddr, "address the proxy listens on")
	flags.StringVar(&caDir, "ca-dir", defaultCADir, "directory holding the MITM root certificate and key")
	flags.StringVar(&logFile, "log-file", defaultLogFile, "path to the newline-delimited JSON audit log")
	flags.BoolVar(&debug, "debug", false, "use a human-readable development logger instead of JSON")

	return cmd
}

type runOptions struct {
	configPath string
	listenAddr string
	caDir      string
	logFile    string
	debug      bool
}

func runProxy(ctx context.Context, opts runOptions) error {
	logger, err := logging.New(opts.debug)
	if err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush on exit

	cfg, err := ruleset.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading ruleset: %w", err)
	}

	authority, err := ca.Load(ca.DefaultPaths(opts.caDir))
	if err != nil {
		return fmt.Errorf("initializing certificate authority: %w", err)
	}

	sink := audit.New(opts.logFile, cfg.LoggingEnabled())

	server := &airlock.Server{
		Addr:    opts.listenAddr,
		Ruleset: cfg,
		Sink:    sink,
		CA:      authority,
		Logger:  logger,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}
