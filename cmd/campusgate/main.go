// Package main provides the CLI entry point for campusgate, the campus chat
// gateway in front of an opencode agent runtime.
//
// # Basic Usage
//
// Start the gateway:
//
//	campusgate serve --config campusgate.yaml
//
// Manage tool providers without a running gateway:
//
//	campusgate providers list
//	campusgate providers add student_2024 --type remote --url https://mcp.example.edu/2024
//	campusgate providers disable student_2022
//
// Check a configuration file:
//
//	campusgate config validate --config campusgate.yaml
//
// # Environment Variables
//
// A .env file in the working directory is loaded before anything else.
//
//   - CAMPUSGATE_CONFIG: Path to configuration file (default: campusgate.yaml)
//
// Any ${VAR} reference inside the configuration file is expanded from the
// environment.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// DefaultConfigName is the config file used when neither a flag nor
// CAMPUSGATE_CONFIG names one.
const DefaultConfigName = "campusgate.yaml"

func main() {
	// Missing .env is fine.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "campusgate",
		Short: "campusgate - role-aware chat gateway for an opencode runtime",
		Long: `campusgate supervises a local opencode runtime and exposes it to campus
users over HTTP. It streams chat turns, scopes tool providers by role and
keeps the runtime's MCP configuration in sync with a JSON5 store file.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildProvidersCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// resolveConfigPath picks the flag value, then CAMPUSGATE_CONFIG, then the
// default file when it exists. An empty result means built-in defaults.
func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if env := strings.TrimSpace(os.Getenv("CAMPUSGATE_CONFIG")); env != "" {
		return env
	}
	if _, err := os.Stat(DefaultConfigName); err == nil {
		return DefaultConfigName
	}
	return ""
}
