package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/modelinstall/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage modelinstall configuration. Subcommands print, check and
scaffold configuration files.`,
		Example: `  modelinstall config show
  modelinstall config validate
  modelinstall config init > modelinstall.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigInitCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format with defaults and
command-line overrides applied.`,
		Example: `  modelinstall config show
  modelinstall config show --config /etc/modelinstall/config.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	data, err := globalCfg.Marshal()
	if err != nil {
		return err
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	return nil
}

func newConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		Example: `  modelinstall config validate
  modelinstall config validate --config ./modelinstall.yaml`,
		RunE: configValidateRun,
	}

	return cmd
}

func configValidateRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	for _, w := range globalCfg.Warnings() {
		log.Warn(w)
	}
	if err := globalCfg.Validate(); err != nil {
		var ce *config.ConfigError
		if errors.As(err, &ce) {
			log.Debug("first config error", "kind", ce.Kind, "field", ce.Field)
		}
		return &exitError{code: 78, err: fmt.Errorf("invalid config: %w", err)}
	}

	fmt.Println("Configuration is valid")
	return nil
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Print a default configuration",
		Example: `  modelinstall config init > /etc/modelinstall/config.yaml`,
		RunE:    configInitRun,
	}

	return cmd
}

func configInitRun(cmd *cobra.Command, args []string) error {
	data, err := config.DefaultConfig().Marshal()
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
