package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/campusgate/internal/config"
)

// =============================================================================
// Config Command Handlers
// =============================================================================

// runConfigValidate loads the file and prints every validation issue.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintln(out, "Configuration is invalid:")
			for _, issue := range verr.Issues {
				fmt.Fprintf(out, "  - %s\n", issue)
			}
		}
		return err
	}

	source := configPath
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Fprintf(out, "Configuration OK (%s)\n", source)
	fmt.Fprintf(out, "  listen:    %s:%d\n", cfg.Server.Host, cfg.Server.HTTPPort)
	fmt.Fprintf(out, "  runtime:   %s\n", cfg.Runtime.Command)
	fmt.Fprintf(out, "  store:     %s\n", cfg.Providers.StorePath)
	fmt.Fprintf(out, "  sessions:  %s\n", cfg.Sessions.Driver)
	return nil
}

// runConfigSchema prints the JSON Schema of the config file.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("failed to build schema: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}
