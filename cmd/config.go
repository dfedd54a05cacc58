package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "crv"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage crv configuration.

Running bare 'crv config' is the same as 'crv config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# crv configuration
# See: crv config show (for effective values and sources)

# Review backend base URL
backend_url: "{{ .BackendURL }}"

# Reviews kept in the recent queue (default: 5)
recent_limit: {{ .RecentLimit }}

# Log level: debug, info, warn, error
log_level: "{{ .LogLevel }}"
log_json: {{ .LogJSON }}

# Live status stream
stream:
  # Backend poll interval per stream, in milliseconds
  interval_ms: {{ .StreamIntervalMS }}
  # Keep-alive ping interval, in milliseconds (0 disables)
  ping_ms: {{ .StreamPingMS }}

# Review history
history:
  page_size: {{ .HistoryPageSize }}

# Dev backend (crv serve)
server:
  port: {{ .ServerPort }}
  # SQLite database path (default: ~/.config/crv/crv.db)
  # db_path: {{ .ServerDBPath }}
  # Submissions per client per hour (0 disables)
  rate_limit_per_hour: {{ .RateLimitPerHour }}
  worker_poll_ms: {{ .WorkerPollMS }}
  # Reuse the review of identical code submitted within the last 30 days
  dedupe: {{ .Dedupe }}

# Anthropic analyzer for the dev backend. Without a key the offline
# heuristic analyzer is used.
anthropic:
  # api_key: ""
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	BackendURL       string
	RecentLimit      int
	LogLevel         string
	LogJSON          bool
	StreamIntervalMS int
	StreamPingMS     int
	HistoryPageSize  int
	ServerPort       int
	ServerDBPath     string
	RateLimitPerHour int
	WorkerPollMS     int
	Dedupe           bool
	AnthropicModel   string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		BackendURL:       viper.GetString("backend_url"),
		RecentLimit:      viper.GetInt("recent_limit"),
		LogLevel:         viper.GetString("log_level"),
		LogJSON:          viper.GetBool("log_json"),
		StreamIntervalMS: viper.GetInt("stream.interval_ms"),
		StreamPingMS:     viper.GetInt("stream.ping_ms"),
		HistoryPageSize:  viper.GetInt("history.page_size"),
		ServerPort:       viper.GetInt("server.port"),
		ServerDBPath:     viper.GetString("server.db_path"),
		RateLimitPerHour: viper.GetInt("server.rate_limit_per_hour"),
		WorkerPollMS:     viper.GetInt("server.worker_poll_ms"),
		Dedupe:           viper.GetBool("server.dedupe"),
		AnthropicModel:   analyzerModel(),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "backend_url", EnvVar: "CRV_BACKEND_URL"},
	{Key: "recent_limit", EnvVar: "CRV_RECENT_LIMIT"},
	{Key: "log_level", EnvVar: "CRV_LOG_LEVEL"},
	{Key: "log_json", EnvVar: "CRV_LOG_JSON"},
	{Key: "stream.interval_ms", EnvVar: "CRV_STREAM_INTERVAL_MS"},
	{Key: "stream.ping_ms", EnvVar: "CRV_STREAM_PING_MS"},
	{Key: "history.page_size", EnvVar: "CRV_HISTORY_PAGE_SIZE"},
	{Key: "server.port", EnvVar: "CRV_SERVER_PORT"},
	{Key: "server.db_path", EnvVar: "CRV_SERVER_DB_PATH"},
	{Key: "server.rate_limit_per_hour", EnvVar: "CRV_SERVER_RATE_LIMIT_PER_HOUR"},
	{Key: "server.worker_poll_ms", EnvVar: "CRV_SERVER_WORKER_POLL_MS"},
	{Key: "server.dedupe", EnvVar: "CRV_SERVER_DEDUPE"},
	{Key: "anthropic.api_key", EnvVar: "CRV_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "CRV_ANTHROPIC_MODEL"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret && viper.GetString(k.Key) != "" {
			val = "********"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'crv config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
