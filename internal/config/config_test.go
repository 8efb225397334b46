package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_FreshHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("NANOCLAW_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Error("expected NeedsGenesis on fresh home")
	}
	if cfg.AssistantName != "Claw" {
		t.Errorf("assistant name = %q, want Claw", cfg.AssistantName)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
	if cfg.DBPath != filepath.Join(home, "messages.db") {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.Scheduler.IntervalSeconds != 60 || cfg.Poller.IntervalSeconds != 2 {
		t.Errorf("interval defaults wrong: %+v %+v", cfg.Scheduler, cfg.Poller)
	}
	if cfg.Channels.WhatsApp.DirectorySyncHours != 24 {
		t.Errorf("directory sync default = %d", cfg.Channels.WhatsApp.DirectorySyncHours)
	}
	if cfg.Processor.Command != "claude" || cfg.Processor.TimeoutSeconds != 300 {
		t.Errorf("processor defaults wrong: %+v", cfg.Processor)
	}
}

func TestLoad_YAMLValues(t *testing.T) {
	home := t.TempDir()
	t.Setenv("NANOCLAW_HOME", home)

	yaml := `
assistant_name: Clawdia
log_level: debug
channels:
  telegram:
    enabled: true
    token: "12345678:secret-token-value-padded-to-len"
    main_chat_id: 777
    archive_messages: true
  whatsapp:
    enabled: true
    retained_chats: ["111@g.us"]
scheduler:
  enabled: true
  interval_seconds: 30
poller:
  interval_seconds: 5
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Error("NeedsGenesis set despite existing config")
	}
	if cfg.AssistantName != "Clawdia" || cfg.LogLevel != "debug" {
		t.Errorf("identity not loaded: %q %q", cfg.AssistantName, cfg.LogLevel)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.MainChatID != 777 {
		t.Errorf("telegram config not loaded: %+v", cfg.Channels.Telegram)
	}
	if !cfg.Channels.Telegram.ArchiveMessages {
		t.Error("archive_messages not loaded")
	}
	if len(cfg.Channels.WhatsApp.RetainedChats) != 1 {
		t.Errorf("retained chats not loaded: %v", cfg.Channels.WhatsApp.RetainedChats)
	}
	if cfg.Scheduler.IntervalSeconds != 30 || cfg.Poller.IntervalSeconds != 5 {
		t.Errorf("intervals not loaded: %+v %+v", cfg.Scheduler, cfg.Poller)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("NANOCLAW_HOME", home)
	t.Setenv("TELEGRAM_TOKEN", "98765432:env-token-padded-out-to-length00")
	t.Setenv("TELEGRAM_AUTHORIZED_USER_ID", "4242")
	t.Setenv("NANOCLAW_ASSISTANT_NAME", "Nano")
	t.Setenv("NANOCLAW_LOG_LEVEL", "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Channels.Telegram.Token == "" || !cfg.Channels.Telegram.Enabled {
		t.Error("TELEGRAM_TOKEN did not enable telegram")
	}
	if cfg.Channels.Telegram.AuthorizedUserID != 4242 {
		t.Errorf("authorized user = %d", cfg.Channels.Telegram.AuthorizedUserID)
	}
	if cfg.AssistantName != "Nano" || cfg.LogLevel != "warn" {
		t.Errorf("env overrides not applied: %q %q", cfg.AssistantName, cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			"telegram enabled with token",
			func(c *Config) {
				c.Channels.Telegram.Enabled = true
				c.Channels.Telegram.Token = "t"
			},
			false,
		},
		{
			"telegram enabled without token",
			func(c *Config) { c.Channels.Telegram.Enabled = true },
			true,
		},
		{
			"no channel enabled",
			func(c *Config) {},
			true,
		},
		{
			"whatsapp only",
			func(c *Config) { c.Channels.WhatsApp.Enabled = true },
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetTelegramToken(t *testing.T) {
	home := t.TempDir()
	t.Setenv("NANOCLAW_HOME", home)

	if err := SetTelegramToken(home, "11112222:persisted-token-padded-to-len00"); err != nil {
		t.Fatalf("set token: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token == "" {
		t.Errorf("persisted token not loaded: %+v", cfg.Channels.Telegram)
	}
}

func TestFingerprint_TracksChanges(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical configs fingerprint differently")
	}
	b.AssistantName = "Other"
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("changed config fingerprints identically")
	}
}
