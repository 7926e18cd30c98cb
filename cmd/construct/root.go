package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/neuralconstruct/construct/config"
	"github.com/spf13/cobra"
)

const defaultConfigFile = "construct.yaml"

func newRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "construct",
		Short: "The Neural Construct: streaming LLM relay and reasoning modes",
		Long: `construct relays chat completions to an OpenAI-compatible upstream,
substitutes free models when one is rate limited, and runs multi-step
reasoning modes over them.

Examples:
  construct serve --config construct.yaml
  construct ask --mode matrix "How should I shard this table?"
  construct key set`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			return loadEnvFile(envFile)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to the config file (default "+defaultConfigFile+" when present)")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before the config; missing is fine")

	root.AddCommand(
		newServeCmd(),
		newAskCmd(),
		newKeyCmd(),
		newModesCmd(),
	)
	return root
}

// loadEnvFile loads path without overriding variables already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// configPath returns the --config value, or the default file when it exists.
// An empty result means built-in defaults.
func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadDefault()
	}
	return config.LoadFile(path)
}
