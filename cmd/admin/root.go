package main

import (
	"fmt"
	"os"

	"livescore-dash/internal/app"
	"livescore-dash/internal/config"
	"livescore-dash/internal/logging"
	"livescore-dash/internal/render"
	"livescore-dash/internal/rest"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	configFlagName  = "config"
	baseURLFlagName = "base-url"
	noColorFlagName = "no-color"
)

// rootCmd runs one-shot market operations against the dashboard API.
var rootCmd = &cobra.Command{
	Use:           "admin",
	Short:         "One-shot market operations against the livescore API",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String(configFlagName, "", "optional config path; defaults apply without one")
	rootCmd.PersistentFlags().String(baseURLFlagName, "", "override api.base_url")
	rootCmd.PersistentFlags().Bool(noColorFlagName, false, "disable colored output")

	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(settleCmd)
	rootCmd.AddCommand(quoteCmd)
	rootCmd.AddCommand(uploadCmd)
}

// env is what every subcommand needs: config, logger, API client and a
// console.
type env struct {
	cfg     *config.Config
	log     *zap.Logger
	api     *rest.Client
	console *render.Console
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	flags := cmd.Flags()
	path, err := flags.GetString(configFlagName)
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	if path != "" {
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	baseURL, err := flags.GetString(baseURLFlagName)
	if err != nil {
		return nil, err
	}
	if baseURL != "" {
		cfg.API.BaseURL = baseURL
	}
	noColor, err := flags.GetBool(noColorFlagName)
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.Log)
	return &env{
		cfg:     cfg,
		log:     log,
		api:     rest.New(cfg.API.BaseURL, cfg.API.Timeout, log.Named("rest")),
		console: render.NewConsole(cmd.OutOrStdout(), !noColor),
	}, nil
}

// close flushes buffered log entries before the command returns.
func (e *env) close() {
	_ = e.log.Sync()
}

func (e *env) actions() *app.Actions {
	return app.NewActions(e.api, nil, app.NewNotifier(e.cfg, e.log), e.cfg.Trader.QuotePath, e.log.Named("actions"), nil)
}
