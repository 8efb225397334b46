// Package doctor runs environment diagnostics: config, database,
// channel credentials, the agent command, and sidecar reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/nanoclaw/internal/config"
	"github.com/basket/nanoclaw/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkChannels,
		checkDatabase,
		checkPermissions,
		checkAgentCommand,
		checkSidecar,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml yet (running on defaults)"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkChannels(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Channels", Status: "SKIP", Message: "Config missing"}
	}
	tg := cfg.Channels.Telegram
	wa := cfg.Channels.WhatsApp
	switch {
	case tg.Enabled && tg.Token == "":
		return CheckResult{
			Name:    "Channels",
			Status:  "FAIL",
			Message: "Telegram enabled without a token",
			Detail:  "Set TELEGRAM_TOKEN or run nanoclaw -set-telegram-token <token>",
		}
	case !tg.Enabled && !wa.Enabled:
		return CheckResult{Name: "Channels", Status: "WARN", Message: "No channel enabled"}
	}
	return CheckResult{
		Name:    "Channels",
		Status:  "PASS",
		Message: fmt.Sprintf("telegram=%v whatsapp=%v", tg.Enabled, wa.Enabled),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	chats, err := store.ListChats(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Schema valid, %d chats", len(chats)),
		Detail:  cfg.DBPath,
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkAgentCommand(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent Command", Status: "SKIP", Message: "Config missing"}
	}
	path, err := exec.LookPath(cfg.Processor.Command)
	if err != nil {
		return CheckResult{
			Name:    "Agent Command",
			Status:  "FAIL",
			Message: fmt.Sprintf("%q not found in PATH", cfg.Processor.Command),
			Detail:  "Set processor.command in config.yaml or NANOCLAW_PROCESSOR_COMMAND",
		}
	}
	return CheckResult{Name: "Agent Command", Status: "PASS", Message: path}
}

func checkSidecar(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Channels.WhatsApp.Enabled {
		return CheckResult{Name: "WhatsApp Sidecar", Status: "SKIP", Message: "WhatsApp disabled"}
	}
	addr := cfg.Channels.WhatsApp.SidecarAddr
	network := "tcp"
	if filepath.IsAbs(addr) {
		network = "unix"
	}
	conn, err := net.DialTimeout(network, addr, 3*time.Second)
	if err != nil {
		return CheckResult{
			Name:    "WhatsApp Sidecar",
			Status:  "FAIL",
			Message: fmt.Sprintf("Not reachable at %s: %v", addr, err),
			Detail:  "Start the protocol sidecar before nanoclaw",
		}
	}
	conn.Close()
	return CheckResult{Name: "WhatsApp Sidecar", Status: "PASS", Message: fmt.Sprintf("Reachable at %s", addr)}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Telegram disabled"}
	}

	const host = "api.telegram.org"
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
