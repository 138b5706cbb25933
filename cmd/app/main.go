package main

import (
	"fmt"
	"os"

	"FxDesk/internal/di"
	"FxDesk/pkg/config"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "fxdesk",
		Short:        "FX trade recommendation desk",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "configs/config.yaml", "config file path")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(newServeCmd(opts), newRunCmd(opts))
	return cmd
}

// loadConfig reads the dotenv file when present, then the YAML config with
// environment overrides applied.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", o.envFile, err)
		}
	}
	cfg, err := config.LoadWithEnv(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	return cfg, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, trigger consumer and scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			app, err := di.InitializeApp(cfg)
			if err != nil {
				return fmt.Errorf("app initialization failed: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
