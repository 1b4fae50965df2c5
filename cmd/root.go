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

// Package proxycmd is the command-line entry point of the airlock
// proxy: a cobra root command with subcommands, a Main() func suitable
// for calling directly from a binary's main(), and flags that map onto
// the external interfaces in §6.
package proxycmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set via -ldflags at build time; it is otherwise reported
// as "dev".
var version = "dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "secureproxy",
		Short: "An intercepting HTTP/HTTPS forward proxy airlock",
		Long: `secureproxy mediates every outbound connection from a confined
workload: requests are demultiplexed off a single listener, authorized
against a declarative ruleset, optionally audited, and — for HTTPS — the
TLS session is terminated via an on-the-fly minted certificate so that
method/host/path policy can be evaluated before any bytes reach the
upstream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.SetVersionTemplate("{{.Version}}\n")
	root.AddCommand(newRunCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

// Main executes the proxycmd command line, exiting the process on
// failure. Call this from a binary's func main().
func Main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "secureproxy:", err)
		os.Exit(1)
	}
}
