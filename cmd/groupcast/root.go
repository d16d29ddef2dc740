package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"groupcast/internal/config"
)

var (
	configPath string
	addrFlag   string
	dbFlag     string
	levelFlag  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "groupcast",
	Short: "groupcast - scheduled image and text delivery to Telegram groups",
	Long: `groupcast keeps one Telegram session and repeatedly posts stored
images and texts to group chats, every N minutes or daily at a fixed time.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "HTTP bind address (overrides server.addr)")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "SQLite DB path (overrides storage.path)")
	rootCmd.PersistentFlags().StringVar(&levelFlag, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file, applies flag overrides and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if addrFlag != "" {
		cfg.Server.Addr = addrFlag
	}
	if dbFlag != "" {
		cfg.Storage.Path = dbFlag
	}
	if levelFlag != "" {
		cfg.Logging.Level = levelFlag
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return nil, errors.New("invalid configuration:\n  " + strings.Join(msgs, "\n  "))
	}
	return cfg, nil
}

func setupLogging(cfg config.LoggingConfig) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return nil
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	return nil
}
