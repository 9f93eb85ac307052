package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/pylonhq/pylon/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/pylonhq/pylon/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile   string
	logFormat string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "pylon",
	Short: "Pylon — personal agent gateway",
	Long: `Pylon runs a coding agent on your machine and multiplexes it across
desktop clients, Telegram, and WhatsApp. The gateway daemon owns the
agent subprocess, the session registry, and the WebSocket control
plane that clients subscribe to.`,
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.pylon/config.json5 or $PYLON_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text, json, or pretty")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pylon %s\n", Version)
		},
	}
}

// resolveConfigPath picks the config file: --config flag, then
// $PYLON_CONFIG, then the default under ~/.pylon.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("PYLON_CONFIG"); v != "" {
		return v
	}
	return config.DefaultConfigPath()
}

// setupLogging installs the process-wide slog handler. The flag wins
// over PYLON_LOG_FORMAT / PYLON_LOG_LEVEL; unknown values fall back to
// the text handler at info.
func setupLogging() {
	format := logFormat
	if format == "" {
		format = os.Getenv("PYLON_LOG_FORMAT")
	}

	level := slog.LevelInfo
	switch os.Getenv("PYLON_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	case "pretty":
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
