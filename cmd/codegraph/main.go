// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main implements the codegraph CLI: an ingestion service that
// turns source change events into a typed code graph and fans commit
// notifications out to websocket subscribers.
//
// Usage:
//
//	codegraph serve                 Start the ingestion + fan-out server
//	codegraph ingest <dir>          One-shot index of a directory tree
//	codegraph checkpoint <op>       Manage graph checkpoints on a server
//	codegraph version               Show version information
package main

import (
	"fmt"
	"os"

	"log/slog"

	flag "github.com/spf13/pflag"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags holds the flags that apply to every command.
type GlobalFlags struct {
	JSON    bool
	NoColor bool
	Verbose int
	Quiet   bool
}

// logger builds the process logger at the verbosity the flags ask for.
func (g GlobalFlags) logger() *slog.Logger {
	level := slog.LevelWarn
	switch {
	case g.Verbose >= 2:
		level = slog.LevelDebug
	case g.Verbose == 1:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// interactive reports whether progress output makes sense on stderr.
func (g GlobalFlags) interactive() bool {
	return !g.Quiet && isatty.IsTerminal(os.Stderr.Fd())
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", "", "Path to config (default: ./.codegraph/config.yaml)")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output")
	)

	// Stop parsing at the first non-flag argument so subcommand flags
	// reach their own flag sets.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `codegraph - code change ingestion and graph fan-out

codegraph ingests source change events, incrementally parses the changed
files into a typed code graph, batches graph writes to a knowledge graph
store, and pushes commit notifications to websocket subscribers.

Usage:
  codegraph <command> [options]

Commands:
  serve        Start the ingestion + fan-out HTTP server
  ingest       One-shot index of a directory tree
  checkpoint   Manage graph checkpoints on a running server
  version      Show version information

Global Options:
  --json            Output in JSON format (for applicable commands)
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Increase verbosity (-v for info, -vv for debug)
  -q, --quiet       Suppress non-essential output
  -c, --config      Path to .codegraph/config.yaml
  -V, --version     Show version and exit

Examples:
  codegraph serve --addr :8080
  codegraph ingest ./src --module core
  codegraph checkpoint list
  codegraph checkpoint create --name release-42 --seed file:src/index.ts

Environment Variables:
  CODEGRAPH_ADDR         Listen address for serve (default :8080)
  CODEGRAPH_SINK_URL     Remote knowledge graph store base URL
  CODEGRAPH_SINK_TOKEN   Bearer token for the remote store
  CODEGRAPH_READ_TOKEN   Token granting graph:read (websocket subscribers)
  CODEGRAPH_INGEST_TOKEN Token granting graph:ingest (event producers)
  CODEGRAPH_ADMIN_TOKEN  Token granting graph:admin (checkpoints, DLQ)
  CODEGRAPH_BASE_URL     Server URL for the checkpoint subcommands

For detailed command help: codegraph <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}
	color.NoColor = *noColor

	if *quiet && *verbose > 0 {
		fmt.Fprintln(os.Stderr, "Error: cannot use --quiet and --verbose together")
		os.Exit(1)
	}
	if *jsonOutput {
		// Progress output would corrupt JSON on stdout.
		*quiet = true
	}

	globals := GlobalFlags{
		JSON:    *jsonOutput,
		NoColor: *noColor,
		Verbose: *verbose,
		Quiet:   *quiet,
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "serve":
		os.Exit(runServe(cmdArgs, *configPath, globals))
	case "ingest":
		os.Exit(runIngest(cmdArgs, *configPath, globals))
	case "checkpoint":
		os.Exit(runCheckpoint(cmdArgs, globals))
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("codegraph version %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", date)
}

// getEnv returns the environment value or a default.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// defaultConfigPath resolves the config location the way every command
// expects it: flag wins, then ./.codegraph/config.yaml.
func defaultConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return ".codegraph/config.yaml"
}
