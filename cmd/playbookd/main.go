// Copyright 2025 Tom Barlow
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

// playbookd is the playbook execution daemon: it serves the REST API,
// the WebSocket event stream, and Prometheus metrics.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:          "playbookd",
		Short:        "Playbook execution daemon",
		Long:         "playbookd runs declarative automation playbooks and exposes a REST and WebSocket control surface.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd)
		},
	}

	flags := root.Flags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("listen", "", "listen address (host:port)")
	flags.String("playbook-dir", "", "playbook library directory")
	flags.String("data-dir", "", "data directory for the database and screenshots")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, text)")
	flags.Bool("tracing", false, "enable span export")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("playbookd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
