package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ostrane/tracedeck/config"
	"github.com/ostrane/tracedeck/errors"
)

// ConfigCmd represents the config command - configuration management
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage TraceDeck configuration",
	Long: `Configuration management for TraceDeck.

Configuration is loaded from (highest priority first):
1. --config flag
2. TRACEDECK_* environment variables
3. Project config (.tracedeck/config.toml, searched upward)
4. User config (~/.tracedeck/config.toml)
5. Default values

Examples:
  tracedeck config init                 # Write a starter user config
  tracedeck config show                 # Show the effective configuration
  tracedeck config show --format json   # Show configuration as JSON
  tracedeck config where                # Show which files are consulted`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// ConfigInitCmd writes a starter config file
var ConfigInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long: `Write a commented starter config. Targets the user config file
unless --path says otherwise; an existing file is backed up first, with
older backups rotated.

Examples:
  tracedeck config init
  tracedeck config init --path ./tracedeck.toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		return runConfigInit(path)
	},
}

// ConfigShowCmd prints the effective configuration
var ConfigShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  "Display the merged TraceDeck configuration from all sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigShow(cmd)
	},
}

// ConfigWhereCmd shows the config file locations
var ConfigWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show configuration file locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigWhere(cmd)
	},
}

var configFormat string

func init() {
	ConfigInitCmd.Flags().String("path", "", "Destination path (defaults to the user config file)")
	ConfigShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json")

	ConfigCmd.AddCommand(ConfigInitCmd)
	ConfigCmd.AddCommand(ConfigShowCmd)
	ConfigCmd.AddCommand(ConfigWhereCmd)
}

func runConfigInit(path string) error {
	written, err := config.WriteStarter(path)
	if err != nil {
		return errors.Wrap(err, "failed to write starter config")
	}
	pterm.Success.Printf("Wrote starter config to %s\n", written)
	pterm.Info.Println("Edit it, then verify with: tracedeck config show")
	return nil
}

func runConfigShow(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# TraceDeck effective configuration\n%s", string(data))

	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json)", configFormat)
	}
	return nil
}

func runConfigWhere(cmd *cobra.Command) error {
	if override, _ := cmd.Flags().GetString("config"); override != "" {
		fmt.Printf("%-9s %s (via --config)\n", "override:", override)
		return nil
	}

	userPath := config.UserConfigPath()
	marker := "(missing)"
	if userPath != "" {
		if _, err := os.Stat(userPath); err == nil {
			marker = "(exists)"
		}
	}
	fmt.Printf("%-9s %s %s\n", "user:", userPath, marker)
	fmt.Printf("%-9s .tracedeck/config.toml, searched upward from the working directory\n", "project:")
	fmt.Printf("%-9s TRACEDECK_* variables override file values\n", "env:")
	return nil
}
