package main

import (
	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the campusgate HTTP gateway",
		Long: `Start the campusgate HTTP gateway.

The server will:
1. Load configuration from the specified file (or campusgate.yaml)
2. Load the tool provider store and watch it for changes
3. Serve the chat, tool and admin API
4. Start the agent runtime on the first request that needs it

Graceful shutdown is handled on SIGINT/SIGTERM signals; the runtime is
stopped with the gateway.`,
		Example: `  # Start with defaults (or ./campusgate.yaml)
  campusgate serve

  # Start with a custom config and debug logging
  campusgate serve --config /etc/campusgate/campusgate.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Provider Commands
// =============================================================================

type providerFlags struct {
	configPath string
	storePath  string
}

func (f *providerFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "Path to YAML configuration file (for providers.store_path)")
	cmd.PersistentFlags().StringVar(&f.storePath, "store", "", "Path to the provider store file (overrides the config)")
}

// buildProvidersCmd creates the "providers" command group. It edits the
// store file directly; a running gateway picks the change up via its watcher.
func buildProvidersCmd() *cobra.Command {
	flags := &providerFlags{}
	cmd := &cobra.Command{
		Use:     "providers",
		Aliases: []string{"mcp"},
		Short:   "Manage tool provider (MCP) configs in the store file",
	}
	flags.register(cmd)
	cmd.AddCommand(
		buildProvidersListCmd(flags),
		buildProvidersAddCmd(flags),
		buildProvidersRemoveCmd(flags),
		buildProvidersToggleCmd(flags, "enable", true),
		buildProvidersToggleCmd(flags, "disable", false),
	)
	return cmd
}

func buildProvidersListCmd(flags *providerFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvidersList(cmd, flags, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print redacted configs as JSON")
	return cmd
}

type addFlags struct {
	providerType string
	url          string
	headers      []string
	command      string
	args         []string
	env          []string
	timeout      int
	disabled     bool
	replace      bool
}

func buildProvidersAddCmd(flags *providerFlags) *cobra.Command {
	var add addFlags
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a provider config",
		Example: `  campusgate providers add student_2024 --type remote --url https://mcp.example.edu/2024 \
    --header "Authorization=Bearer ${TOKEN}"

  campusgate providers add lab --type local --command /opt/lab/mcp-server --arg --stdio --env LAB_ROOT=/srv/lab`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvidersAdd(cmd, flags, args[0], add)
		},
	}
	cmd.Flags().StringVar(&add.providerType, "type", "remote", "Provider type: remote or local")
	cmd.Flags().StringVar(&add.url, "url", "", "Remote provider URL")
	cmd.Flags().StringArrayVar(&add.headers, "header", nil, "Remote request header KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&add.command, "command", "", "Local provider command")
	cmd.Flags().StringArrayVar(&add.args, "arg", nil, "Local provider argument (repeatable)")
	cmd.Flags().StringArrayVar(&add.env, "env", nil, "Local provider environment KEY=VALUE (repeatable)")
	cmd.Flags().IntVar(&add.timeout, "timeout", 0, "Timeout in milliseconds (0 keeps the runtime default)")
	cmd.Flags().BoolVar(&add.disabled, "disabled", false, "Store the provider disabled")
	cmd.Flags().BoolVar(&add.replace, "replace", false, "Replace an existing provider with the same name")
	return cmd
}

func buildProvidersRemoveCmd(flags *providerFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a provider config",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvidersRemove(cmd, flags, args[0])
		},
	}
}

func buildProvidersToggleCmd(flags *providerFlags, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: "Mark a provider " + verb + "d",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvidersSetEnabled(cmd, flags, args[0], enabled)
		},
	}
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}
