package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for NoteBot. It is built once at process
// start and passed by reference into each component's constructor; nothing
// mutates it after Load.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Memos    MemosConfig    `json:"memos"`
	Relay    RelayConfig    `json:"relay"`
	Access   AccessConfig   `json:"access"`
	Channels ChannelsConfig `json:"channels"`
	History  HistoryConfig  `json:"history"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// MemosConfig configures the remote Memos instance.
type MemosConfig struct {
	BaseURL              string   `json:"baseUrl"`
	AccessToken          string   `json:"accessToken"`
	DefaultTags          []string `json:"defaultTags,omitempty"` // appended to every note as #tag
	NoteTimeoutSeconds   int      `json:"noteTimeoutSeconds"`
	UploadTimeoutSeconds int      `json:"uploadTimeoutSeconds"` // larger payloads, longer timeout
}

// RelayConfig tunes the trigger and message handling.
type RelayConfig struct {
	Keyword               string `json:"keyword"`
	ScratchDir            string `json:"scratchDir"`
	MaxConcurrentMessages int    `json:"maxConcurrentMessages"`
}

// AccessConfig is the static allow-list: privileged users may relay from
// anywhere, other senders only from allow-listed group chats. An optional
// YAML rules file can extend both lists.
type AccessConfig struct {
	PrivilegedUsers FlexStringList `json:"privilegedUsers"`
	AllowedChannels FlexStringList `json:"allowedChannels"`
	RulesFile       string         `json:"rulesFile,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Slack    SlackConfig    `json:"slack,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	GuildID string `json:"guildId,omitempty"` // optional: restrict to specific guild
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"` // required for Socket Mode
}

type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
// Chat platforms hand out numeric IDs and users paste them unquoted.
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.notebot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".notebot"
	}
	return filepath.Join(home, ".notebot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Relay.ScratchDir = ExpandPath(cfg.Relay.ScratchDir)
	cfg.History.DBPath = ExpandPath(cfg.History.DBPath)
	cfg.Access.RulesFile = ExpandPath(cfg.Access.RulesFile)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(cfg.Relay.Keyword) == "" {
		errs = append(errs, "relay.keyword must not be empty")
	}
	if cfg.Relay.MaxConcurrentMessages < 1 || cfg.Relay.MaxConcurrentMessages > 100 {
		errs = append(errs, "relay.maxConcurrentMessages must be between 1 and 100")
	}
	if cfg.Relay.ScratchDir == "" {
		errs = append(errs, "relay.scratchDir must not be empty")
	}

	if cfg.Memos.NoteTimeoutSeconds < 1 {
		errs = append(errs, "memos.noteTimeoutSeconds must be >= 1")
	}
	if cfg.Memos.UploadTimeoutSeconds < 1 {
		errs = append(errs, "memos.uploadTimeoutSeconds must be >= 1")
	}

	anyChannel := cfg.Channels.Telegram.Enabled || cfg.Channels.Discord.Enabled || cfg.Channels.Slack.Enabled
	if anyChannel && cfg.Memos.BaseURL == "" {
		errs = append(errs, "memos.baseUrl is required when a channel is enabled")
	}
	if cfg.Memos.BaseURL != "" && !strings.HasPrefix(cfg.Memos.BaseURL, "http://") && !strings.HasPrefix(cfg.Memos.BaseURL, "https://") {
		errs = append(errs, "memos.baseUrl must start with http:// or https://")
	}

	if cfg.History.Enabled && cfg.History.DBPath == "" {
		errs = append(errs, "history.dbPath must not be empty when history is enabled")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr must not be empty when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
