package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nadhira/lobby/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a default configuration file",
	Long: `Write a configuration file populated with defaults to the config
path, creating parent directories as needed. Existing files are not
overwritten unless --force is given.`,
	RunE: runConfigure,
}

var configureForce bool

func init() {
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	if !configureForce {
		if _, err := os.Stat(loader.GetConfigPath()); err == nil {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", loader.GetConfigPath())
		}
	}

	cfg := config.DefaultConfig()
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote config to %s\n", loader.GetConfigPath())
	fmt.Fprintln(cmd.OutOrStdout(), "Set LOBBY_LLM_API_KEY or edit the file to add your API key.")
	return nil
}
