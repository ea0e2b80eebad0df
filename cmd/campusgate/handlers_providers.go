package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/campusgate/internal/config"
	"github.com/haasonsaas/campusgate/internal/mcp"
)

// =============================================================================
// Provider Command Handlers
// =============================================================================

// openStore resolves the store path from --store or the config file and
// loads it. A missing file yields an empty store; a malformed one is an error
// so the CLI never overwrites it.
func openStore(flags *providerFlags) (*mcp.Store, error) {
	path := strings.TrimSpace(flags.storePath)
	if path == "" {
		cfg, err := config.Load(resolveConfigPath(flags.configPath))
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.Providers.StorePath
	}

	store := mcp.NewStore(path, slog.Default())
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store, nil
		}
		return nil, fmt.Errorf("stat store: %w", err)
	}
	if !store.Load(true) {
		return nil, fmt.Errorf("store file %s could not be read; fix it before editing", path)
	}
	return store, nil
}

// runProvidersList handles the providers list command.
func runProvidersList(cmd *cobra.Command, flags *providerFlags, asJSON bool) error {
	store, err := openStore(flags)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	providers := store.List()

	if asJSON {
		redacted := make([]mcp.Provider, 0, len(providers))
		for _, p := range providers {
			redacted = append(redacted, mcp.Provider{Name: p.Name, Config: p.Config.Redacted()})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(redacted)
	}

	if len(providers) == 0 {
		fmt.Fprintf(out, "No providers in %s.\n", store.Path())
		return nil
	}
	fmt.Fprintf(out, "Providers (%s):\n", store.Path())
	for _, p := range providers {
		state := "enabled"
		if !p.Config.IsEnabled() {
			state = "disabled"
		}
		target := p.Config.URL
		if p.Config.Type == mcp.TypeLocal {
			target = strings.TrimSpace(p.Config.Command + " " + strings.Join(p.Config.Args, " "))
		}
		fmt.Fprintf(out, "  %s (%s) - %s\n", p.Name, p.Config.Type, state)
		if target != "" {
			fmt.Fprintf(out, "    %s\n", target)
		}
	}
	return nil
}

// runProvidersAdd handles the providers add command.
func runProvidersAdd(cmd *cobra.Command, flags *providerFlags, name string, add addFlags) error {
	store, err := openStore(flags)
	if err != nil {
		return err
	}
	if _, exists := store.Get(name); exists && !add.replace {
		return fmt.Errorf("%w: %s (use --replace)", mcp.ErrProviderExists, name)
	}

	cfg, err := add.providerConfig()
	if err != nil {
		return err
	}
	if err := store.Upsert(name, cfg); err != nil {
		return err
	}
	if err := store.Save(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved provider %s to %s\n", name, store.Path())
	return nil
}

func (a addFlags) providerConfig() (mcp.ToolProviderConfig, error) {
	cfg := mcp.ToolProviderConfig{
		Type:    mcp.ProviderType(strings.ToLower(strings.TrimSpace(a.providerType))),
		URL:     strings.TrimSpace(a.url),
		Command: strings.TrimSpace(a.command),
		Args:    a.args,
		Timeout: a.timeout,
	}
	var err error
	if cfg.Headers, err = parseKeyValues("--header", a.headers); err != nil {
		return cfg, err
	}
	if cfg.Environment, err = parseKeyValues("--env", a.env); err != nil {
		return cfg, err
	}
	if a.disabled {
		cfg = cfg.WithEnabled(false)
	}
	return cfg, nil
}

// parseKeyValues turns repeated KEY=VALUE flags into a map.
func parseKeyValues(flag string, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%s %q: expected KEY=VALUE", flag, pair)
		}
		out[key] = value
	}
	return out, nil
}

// runProvidersRemove handles the providers remove command.
func runProvidersRemove(cmd *cobra.Command, flags *providerFlags, name string) error {
	store, err := openStore(flags)
	if err != nil {
		return err
	}
	if err := store.Remove(name); err != nil {
		return err
	}
	if err := store.Save(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed provider %s\n", name)
	return nil
}

// runProvidersSetEnabled handles the providers enable/disable commands.
func runProvidersSetEnabled(cmd *cobra.Command, flags *providerFlags, name string, enabled bool) error {
	store, err := openStore(flags)
	if err != nil {
		return err
	}
	if err := store.SetEnabled(name, enabled); err != nil {
		return err
	}
	if err := store.Save(); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Provider %s %s\n", name, state)
	return nil
}
