package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/crv/internal/backend"
	"github.com/joescharf/crv/internal/output"
	"github.com/joescharf/crv/internal/stream"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui     *output.UI
	logger *slog.Logger

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "crv",
	Short: "Code review client - submit snippets and follow reviews live",
	Long: `crv submits code snippets to a review backend and follows each review
live until it settles. It keeps a short recent queue, browses review
history with filters and stats, and can run a local dev backend.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/crv/config.yaml)")
	rootCmd.PersistentFlags().String("backend", "", "Backend base URL (overrides backend_url)")
	_ = viper.BindPFlag("backend_url", rootCmd.PersistentFlags().Lookup("backend"))
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(filepath.Join(home, ".config", "crv"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CRV")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key with its default value.
func setDefaults() {
	dir, _ := configDirFunc()

	viper.SetDefault("backend_url", "http://localhost:8000")
	viper.SetDefault("recent_limit", 5)
	viper.SetDefault("stream.interval_ms", 800)
	viper.SetDefault("stream.ping_ms", 15000)
	viper.SetDefault("history.page_size", 20)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", false)
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.db_path", filepath.Join(dir, "crv.db"))
	viper.SetDefault("server.rate_limit_per_hour", 10)
	viper.SetDefault("server.worker_poll_ms", 500)
	viper.SetDefault("server.dedupe", true)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	level := viper.GetString("log_level")
	if verbose {
		level = "debug"
	}
	logger = newLogger(os.Stderr, level, viper.GetBool("log_json"))
	slog.SetDefault(logger)
}

// newLogger returns a slog.Logger for the given level and format.
func newLogger(w io.Writer, level string, json bool) *slog.Logger {
	handlerLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		handlerLevel = slog.LevelDebug
	case "warn":
		handlerLevel = slog.LevelWarn
	case "error":
		handlerLevel = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: handlerLevel}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// getBackend returns a client for the configured backend.
func getBackend() *backend.Client {
	return backend.NewClient(viper.GetString("backend_url"), backend.WithLogger(logger))
}

// getStreams returns an event stream client that builds its URLs from bc.
func getStreams(bc *backend.Client) *stream.Client {
	return stream.NewClient(bc,
		stream.WithInterval(time.Duration(viper.GetInt("stream.interval_ms"))*time.Millisecond),
		stream.WithPing(time.Duration(viper.GetInt("stream.ping_ms"))*time.Millisecond),
		stream.WithLogger(logger),
	)
}
