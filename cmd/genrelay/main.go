package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pario-ai/genrelay/pkg/config"
)

var version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	var gf globalFlags
	root := &cobra.Command{
		Use:           "genrelay",
		Short:         "genrelay: cached, deduplicated, rate-limited text generation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(gf.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", gf.envFile, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&gf.configPath, "config", "c", "genrelay.yaml", "path to config file")
	root.PersistentFlags().StringVar(&gf.envFile, "env-file", ".env", "dotenv file loaded before the config")
	root.PersistentFlags().StringVar(&gf.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newGenerateCmd(&gf),
		newServeCmd(&gf),
		newMCPCmd(&gf),
		newCacheCmd(&gf),
		newStatsCmd(&gf),
		newBudgetCmd(&gf),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// load reads the config file and builds the logger it asks for. A missing
// config file falls back to defaults so `generate` works with env vars alone.
func (gf *globalFlags) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(gf.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Default(), nil
		cfg.Providers = providersFromEnv()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if gf.logLevel != "" {
		cfg.LogLevel = gf.logLevel
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newLogger builds a production logger on stderr; stdout is reserved for
// command output and the MCP stream.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

// providersFromEnv configures a single provider from OPENAI_API_KEY or
// ANTHROPIC_API_KEY when no config file exists.
func providersFromEnv() []config.ProviderConfig {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		url := os.Getenv("OPENAI_BASE_URL")
		if url == "" {
			url = "https://api.openai.com"
		}
		return []config.ProviderConfig{{Name: "openai", URL: url, APIKey: key, Type: "openai", Model: "gpt-4o-mini"}}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return []config.ProviderConfig{{
			Name: "anthropic", URL: "https://api.anthropic.com", APIKey: key,
			Type: "anthropic", Model: "claude-3-5-haiku-latest",
		}}
	}
	return nil
}
