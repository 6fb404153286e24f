package commands

import (
	"fmt"
	"os"

	"github.com/cloudbackup/server/internal/cli/prompt"
	"github.com/cloudbackup/server/pkg/config"
	"github.com/spf13/cobra"
)

var (
	initForce       bool
	initInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample cloudbackupd configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/cloudbackup/config.yaml with built-in defaults. Use
--interactive to walk through the main settings with prompts instead.

Examples:
  # Initialize with default location and defaults
  cloudbackupd init

  # Walk through setup interactively
  cloudbackupd init --interactive

  # Initialize with a custom path
  cloudbackupd init --config /etc/cloudbackup/config.yaml

  # Force overwrite an existing config
  cloudbackupd init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
	initCmd.Flags().BoolVarP(&initInteractive, "interactive", "i", false, "Prompt for the main settings instead of using defaults")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.GetDefaultConfig()

	if initInteractive {
		if err := promptForConfig(cfg); err != nil {
			if prompt.IsAborted(err) {
				fmt.Println("\nAborted.")
				return nil
			}
			return err
		}
	}

	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("generated configuration is invalid: %w", err)
	}

	configFile := GetConfigFile()
	var configPath string
	var err error

	if configFile != "" {
		configPath = configFile
		err = saveTo(cfg, configPath, initForce)
	} else {
		configPath = config.GetDefaultConfigPath()
		err = saveTo(cfg, configPath, initForce)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: cloudbackupd start")
	fmt.Printf("  3. Or specify a custom config: cloudbackupd start --config %s\n", configPath)

	return nil
}

func saveTo(cfg *config.Config, path string, force bool) error {
	if !force {
		if config.DefaultConfigExists() && path == config.GetDefaultConfigPath() {
			overwrite, err := prompt.Confirm(fmt.Sprintf("%s already exists, overwrite?", path), false)
			if err != nil {
				return err
			}
			if !overwrite {
				return fmt.Errorf("aborted: configuration file already exists at %s (use --force to overwrite)", path)
			}
			return config.SaveConfig(cfg, path)
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
		}
	}
	return config.SaveConfig(cfg, path)
}

// promptForConfig walks through the handful of settings an operator is
// most likely to want to change from their defaults.
func promptForConfig(cfg *config.Config) error {
	port, err := prompt.InputPort("Server port", cfg.ServerPort)
	if err != nil {
		return err
	}
	cfg.ServerPort = port

	dir, err := prompt.Input("Backup file directory", cfg.BackupFileDir)
	if err != nil {
		return err
	}
	cfg.BackupFileDir = dir

	dataFile, err := prompt.Input("Metadata registry snapshot path", cfg.DataManagerFilepath)
	if err != nil {
		return err
	}
	cfg.DataManagerFilepath = dataFile

	workers, err := prompt.InputInt("Worker pool size", cfg.ThreadPoolThreadsSize)
	if err != nil {
		return err
	}
	cfg.ThreadPoolThreadsSize = workers

	level, err := prompt.SelectString("Log level", []string{"DEBUG", "INFO", "WARN", "ERROR"})
	if err != nil {
		return err
	}
	cfg.Logging.Level = level

	enableMetrics, err := prompt.Confirm("Enable the Prometheus metrics endpoint?", cfg.Metrics.Enabled)
	if err != nil {
		return err
	}
	cfg.Metrics.Enabled = enableMetrics
	if enableMetrics {
		metricsPort, err := prompt.InputPort("Metrics port", 9090)
		if err != nil {
			return err
		}
		cfg.Metrics.Port = metricsPort
	}

	return nil
}
