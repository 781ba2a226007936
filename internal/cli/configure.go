package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/soren/mika/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the Mika configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a default configuration file. Fill in the AI profile API key
and the Telegram bot token before starting the daemon.`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate the configuration file against the schema and check the
values it holds (API key formats, bot token, cron expressions).`,
	RunE: runConfigValidate,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration already exists at %s", configPath)
	}

	if err := loader.Save(config.DefaultConfig()); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	cmd.Printf("Configuration written to: %s\n", configPath)
	cmd.Println("Add an AI profile and a Telegram bot token, then run: mika start")

	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()

	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("configuration not found at %s", configPath)
	}

	if errs := config.ValidateFile(configPath); len(errs) > 0 {
		for _, err := range errs {
			cmd.Printf("schema: %v\n", err)
		}
		return fmt.Errorf("configuration failed schema validation (%d problem(s))", len(errs))
	}

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	validator := config.NewValidator()
	if errs := validator.ValidateConfig(cfg); len(errs) > 0 {
		for _, err := range errs {
			cmd.Printf("value: %v\n", err)
		}
		return fmt.Errorf("configuration failed validation (%d problem(s))", len(errs))
	}

	cmd.Printf("Configuration at %s is valid\n", configPath)
	return nil
}
