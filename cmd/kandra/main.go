// Copyright 2025 Kandra Authors
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

// Command kandra is the migration orchestrator CLI.
//
// Usage:
//
//	kandra serve --config kandra.yaml
//	kandra serve --port 9000 --log-level debug
//	kandra schema > kandra-config.schema.json
//	kandra version
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kandra-ai/kandra/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the migration API server."`
	Schema  SchemaCmd  `cmd:"" help:"Generate JSON Schema for the config file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Defaults to info."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose). Defaults to simple."`
}

// printBanner prints a colored ASCII banner using kandra-indigo (#6366f1)
func printBanner() {
	// Check if stdout is a terminal
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			// Not a terminal, skip banner
			return
		}
	} else {
		return
	}

	// Indigo color: #6366f1 = RGB(99, 102, 241)
	// Use ANSI RGB color mode: \033[38;2;R;G;Bm
	indigoColor := "\033[38;2;99;102;241m"
	resetColor := "\033[0m"

	banner := `
██╗  ██╗  █████╗  ███╗   ██╗ ██████╗  ██████╗   █████╗
██║ ██╔╝ ██╔══██╗ ████╗  ██║ ██╔══██╗ ██╔══██╗ ██╔══██╗
█████╔╝  ███████║ ██╔██╗ ██║ ██║  ██║ ██████╔╝ ███████║
██╔═██╗  ██╔══██║ ██║╚██╗██║ ██║  ██║ ██╔══██╗ ██╔══██║
██║  ██╗ ██║  ██║ ██║ ╚████║ ██████╔╝ ██║  ██║ ██║  ██║
╚═╝  ╚═╝ ╚═╝  ╚═╝ ╚═╝  ╚═══╝ ╚═════╝  ╚═╝  ╚═╝ ╚═╝  ╚═╝
`
	fmt.Printf("%s%s%s\n", indigoColor, banner, resetColor)
}

// shouldSkipBanner checks if command should skip banner.
// Informational commands stay quiet; "schema" in particular must emit
// clean JSON on stdout.
func shouldSkipBanner(args []string) bool {
	if len(args) < 2 {
		return false
	}
	for _, arg := range args[1:] {
		if arg == "version" || arg == "schema" {
			return true
		}
	}
	return false
}

func main() {
	if !shouldSkipBanner(os.Args) {
		printBanner()
	}

	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("kandra"),
		kong.Description("Kandra - Autonomous Code Migration Orchestrator"),
		kong.UsageOnError(),
	)

	// Initialize logger from CLI flags/env vars before config loading; the
	// config file's logging section is applied later by serve if neither
	// CLI nor environment chose a setting.
	cleanup, err := installLogger(logSettings(&cli, nil))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
