// Package config loads and watches the NanoClaw configuration. Settings
// live in config.yaml under the NanoClaw home directory, with
// environment variables taking precedence for secrets and deploy-time
// overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/nanoclaw/internal/otel"
)

// TelegramConfig configures the Telegram ingestion bridge.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	// AuthorizedUserID restricts processing to one Telegram user. Zero
	// allows everyone.
	AuthorizedUserID int64 `yaml:"authorized_user_id"`
	// MainChatID is the private chat processed without a trigger word.
	MainChatID int64 `yaml:"main_chat_id"`
	// ArchiveMessages also writes Telegram messages to the ledger.
	ArchiveMessages bool `yaml:"archive_messages"`
}

// WhatsAppConfig configures the WhatsApp ingestion bridge.
type WhatsAppConfig struct {
	Enabled bool `yaml:"enabled"`
	// AuthDir holds the transport's session credentials.
	AuthDir string `yaml:"auth_dir"`
	// SidecarAddr is the socket the protocol sidecar listens on. A
	// path is dialed as a unix socket, host:port as TCP.
	SidecarAddr string `yaml:"sidecar_addr"`
	// RetainedChats limits full message retention to the listed chat
	// JIDs. Empty retains every chat.
	RetainedChats []string `yaml:"retained_chats"`
	// DirectorySyncHours is how stale the chat directory may get
	// before a bulk name refresh.
	DirectorySyncHours int `yaml:"directory_sync_hours"`
}

// ChannelsConfig groups the platform bridges.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

// ProcessorConfig configures the external agent command that generates
// replies. The message text arrives on stdin; the reply is read from
// stdout.
type ProcessorConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// SchedulerConfig tunes the scheduled-task loop.
type SchedulerConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

// PollerConfig tunes the ledger poll loop.
type PollerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Config is the full NanoClaw configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	// AssistantName is the bot identity: the group-chat trigger word
	// and the own-message reply prefix.
	AssistantName string `yaml:"assistant_name"`
	LogLevel      string `yaml:"log_level"`
	// DBPath overrides the default <home>/messages.db location.
	DBPath string `yaml:"db_path"`

	Channels  ChannelsConfig  `yaml:"channels"`
	Processor ProcessorConfig `yaml:"processor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Poller    PollerConfig    `yaml:"poller"`
	OTel      otel.Config     `yaml:"otel"`

	// NeedsGenesis is true when no config.yaml existed yet.
	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the NanoClaw home directory, honoring NANOCLAW_HOME.
func HomeDir() string {
	if override := os.Getenv("NANOCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".nanoclaw")
}

func defaultConfig() Config {
	return Config{
		AssistantName: "Claw",
		LogLevel:      "info",
		Scheduler: SchedulerConfig{
			Enabled:         true,
			IntervalSeconds: 60,
		},
		Poller: PollerConfig{
			IntervalSeconds: 2,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				DirectorySyncHours: 24,
			},
		},
		Processor: ProcessorConfig{
			Command:        "claude",
			TimeoutSeconds: 300,
		},
	}
}

// Load reads config.yaml from the NanoClaw home directory, applies env
// overrides, and fills defaults. A missing config.yaml is not an error;
// the returned config flags NeedsGenesis instead.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create nanoclaw home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.AssistantName == "" {
		cfg.AssistantName = "Claw"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "messages.db")
	}
	if cfg.Scheduler.IntervalSeconds <= 0 {
		cfg.Scheduler.IntervalSeconds = 60
	}
	if cfg.Poller.IntervalSeconds <= 0 {
		cfg.Poller.IntervalSeconds = 2
	}
	if cfg.Channels.WhatsApp.DirectorySyncHours <= 0 {
		cfg.Channels.WhatsApp.DirectorySyncHours = 24
	}
	if cfg.Channels.WhatsApp.AuthDir == "" {
		cfg.Channels.WhatsApp.AuthDir = filepath.Join(cfg.HomeDir, "auth")
	}
	if cfg.Channels.WhatsApp.SidecarAddr == "" {
		cfg.Channels.WhatsApp.SidecarAddr = filepath.Join(cfg.HomeDir, "whatsapp.sock")
	}
	if cfg.Processor.Command == "" {
		cfg.Processor.Command = "claude"
	}
	if cfg.Processor.TimeoutSeconds <= 0 {
		cfg.Processor.TimeoutSeconds = 300
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("NANOCLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("NANOCLAW_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("NANOCLAW_ASSISTANT_NAME"); raw != "" {
		cfg.AssistantName = raw
	}
	if raw := os.Getenv("NANOCLAW_PROCESSOR_COMMAND"); raw != "" {
		cfg.Processor.Command = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
		cfg.Channels.Telegram.Enabled = true
	}
	if raw := os.Getenv("TELEGRAM_AUTHORIZED_USER_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Channels.Telegram.AuthorizedUserID = v
		}
	}
	if raw := os.Getenv("TELEGRAM_MAIN_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Channels.Telegram.MainChatID = v
		}
	}
}

// Validate rejects configurations the process cannot run with.
func (c Config) Validate() error {
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("telegram enabled but no token configured (set channels.telegram.token or TELEGRAM_TOKEN)")
	}
	if !c.Channels.Telegram.Enabled && !c.Channels.WhatsApp.Enabled {
		return fmt.Errorf("no channel enabled: enable channels.telegram or channels.whatsapp")
	}
	return nil
}

// PollInterval returns the ledger poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poller.IntervalSeconds) * time.Second
}

// SchedulerInterval returns the scheduler tick interval as a duration.
func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

// DirectorySyncMaxAge returns the chat directory staleness bound.
func (c Config) DirectorySyncMaxAge() time.Duration {
	return time.Duration(c.Channels.WhatsApp.DirectorySyncHours) * time.Hour
}

// ProcessTimeout returns the per-message agent command timeout.
func (c Config) ProcessTimeout() time.Duration {
	return time.Duration(c.Processor.TimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config, logged at
// startup so operators can tell which settings a process runs with.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "name=%s|log=%s|db=%s|tg=%v|wa=%v|sched=%d|poll=%d",
		c.AssistantName, c.LogLevel, c.DBPath,
		c.Channels.Telegram.Enabled, c.Channels.WhatsApp.Enabled,
		c.Scheduler.IntervalSeconds, c.Poller.IntervalSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetTelegramToken updates the Telegram token in config.yaml, preserving
// other settings.
func SetTelegramToken(homeDir, token string) error {
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	channels, _ := raw["channels"].(map[string]interface{})
	if channels == nil {
		channels = make(map[string]interface{})
	}
	telegram, _ := channels["telegram"].(map[string]interface{})
	if telegram == nil {
		telegram = make(map[string]interface{})
	}
	telegram["token"] = token
	telegram["enabled"] = true
	channels["telegram"] = telegram
	raw["channels"] = channels
	return saveRawConfig(path, raw)
}
