package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/nanoclaw/internal/channels"
	"github.com/basket/nanoclaw/internal/config"
	"github.com/basket/nanoclaw/internal/cron"
	"github.com/basket/nanoclaw/internal/engine"
	otelPkg "github.com/basket/nanoclaw/internal/otel"
	"github.com/basket/nanoclaw/internal/persistence"
	"github.com/basket/nanoclaw/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Run in the foreground (quiet logs on a TTY)
  %s -daemon                  Run as a daemon (full logs to stdout)
  %s -set-telegram-token T    Store a Telegram bot token in config.yaml and exit
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  NANOCLAW_HOME           Data directory (default: ~/.nanoclaw)
  TELEGRAM_TOKEN          Telegram bot token (enables the Telegram bridge)
  NANOCLAW_LOG_LEVEL      Log level override (debug, info, warn, error)
`)
}

func main() {
	loadDotEnv(".env")

	daemon := flag.Bool("daemon", false, "run in daemon mode (full logs to stdout)")
	setToken := flag.String("set-telegram-token", "", "store a Telegram bot token in config.yaml and exit")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 && args[0] == "doctor" {
		code := runDoctorCommand(ctx, args[1:])
		stop()
		os.Exit(code)
	}

	if *setToken != "" {
		home := config.HomeDir()
		if err := os.MkdirAll(home, 0o755); err != nil {
			fmt.Fprintln(os.Stderr, "create nanoclaw home:", err)
			os.Exit(1)
		}
		if err := config.SetTelegramToken(home, *setToken); err != nil {
			fmt.Fprintln(os.Stderr, "store telegram token:", err)
			os.Exit(1)
		}
		fmt.Println("telegram token saved to", config.ConfigPath(home))
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) on an interactive terminal.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd()) && !*daemon

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if cfg.NeedsGenesis {
		logger.Info("no config.yaml found, running on defaults",
			"path", config.ConfigPath(cfg.HomeDir))
	}
	if err := cfg.Validate(); err != nil {
		fatalStartup(logger, "E_CONFIG_INVALID", err)
	}
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	proc := newAgentProcessor(cfg.Processor.Command, cfg.Processor.Args, cfg.ProcessTimeout(), logger)

	var wg sync.WaitGroup
	var shutdowns []func()
	sender := &routingSender{}

	if cfg.Channels.WhatsApp.Enabled {
		transport := channels.NewSidecarTransport(cfg.Channels.WhatsApp.SidecarAddr, logger)
		bridge := channels.NewWhatsAppBridge(transport, store, logger, metrics,
			retentionFromList(cfg.Channels.WhatsApp.RetainedChats))
		guard := channels.NewConnectionGuard(transport, logger, metrics)
		transport.OnEvent(bridge.HandleEvent)
		transport.OnError(func(err error) { guard.HandleFailure(ctx, err) })
		sender.whatsapp = bridge
		shutdowns = append(shutdowns, func() { _ = guard.Stop() })

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("whatsapp bridge exited", "err", err)
				stop()
			}
		}()

		poller := engine.NewPoller(store, proc, bridge, bridge.WatchedChats, logger, metrics,
			engine.PollerOptions{
				BotName:  cfg.AssistantName,
				Interval: cfg.PollInterval(),
			})
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			runDirectorySync(ctx, bridge, transport, cfg.DirectorySyncMaxAge(), logger)
		}()
	}

	if cfg.Channels.Telegram.Enabled {
		bridge := channels.NewTelegramBridge(channels.TelegramOptions{
			Token:            cfg.Channels.Telegram.Token,
			AuthorizedUserID: cfg.Channels.Telegram.AuthorizedUserID,
			MainChatID:       cfg.Channels.Telegram.MainChatID,
			AssistantName:    cfg.AssistantName,
			ArchiveMessages:  cfg.Channels.Telegram.ArchiveMessages,
		}, store, proc, sessionClearer(cfg.HomeDir), logger, metrics)
		sender.telegram = bridge

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("telegram bridge exited", "err", err)
				stop()
			}
		}()
	}

	if cfg.Scheduler.Enabled {
		scheduler := cron.NewScheduler(cron.Config{
			Store:     store,
			Processor: proc,
			Sender:    sender,
			Logger:    logger,
			Metrics:   metrics,
			BotName:   cfg.AssistantName,
			Interval:  cfg.SchedulerInterval(),
		})
		scheduler.Start(ctx)
		shutdowns = append(shutdowns, scheduler.Stop)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "err", err)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchConfig(watcher, cfg.Fingerprint(), logger)
		}()
	}

	logger.Info("nanoclaw running",
		"version", Version,
		"assistant", cfg.AssistantName,
		"telegram", cfg.Channels.Telegram.Enabled,
		"whatsapp", cfg.Channels.WhatsApp.Enabled)

	<-ctx.Done()
	logger.Info("shutting down")
	for _, fn := range shutdowns {
		fn()
	}
	wg.Wait()
	logger.Info("shutdown complete")
}

// routingSender dispatches scheduler replies to the bridge that owns
// the chat id. Telegram chats carry the telegram: prefix; everything
// else belongs to WhatsApp.
type routingSender struct {
	telegram engine.Sender
	whatsapp engine.Sender
}

func (r *routingSender) SendText(ctx context.Context, chatJID, text string) error {
	if strings.HasPrefix(chatJID, channels.TelegramJIDPrefix) {
		if r.telegram == nil {
			return fmt.Errorf("telegram channel disabled, cannot deliver to %s", chatJID)
		}
		return r.telegram.SendText(ctx, chatJID, text)
	}
	if r.whatsapp == nil {
		return fmt.Errorf("whatsapp channel disabled, cannot deliver to %s", chatJID)
	}
	return r.whatsapp.SendText(ctx, chatJID, text)
}

// retentionFromList converts the configured retained-chats list into a
// lookup. An empty list retains everything.
func retentionFromList(jids []string) channels.ChatRetention {
	if len(jids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(jids))
	for _, jid := range jids {
		set[jid] = struct{}{}
	}
	return func(jid string) bool {
		_, ok := set[jid]
		return ok
	}
}

// sessionClearer removes an agent session directory under the home dir.
// Backs the /clear command.
func sessionClearer(homeDir string) channels.SessionClearer {
	return func(_ context.Context, groupFolder string) error {
		name := filepath.Base(groupFolder)
		if name == "" || name == "." || name == string(filepath.Separator) {
			return fmt.Errorf("invalid session folder %q", groupFolder)
		}
		dir := filepath.Join(homeDir, "sessions", name)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("clear session %s: %w", name, err)
		}
		return nil
	}
}

// runDirectorySync periodically refreshes WhatsApp chat display names
// from the sidecar. The staleness check inside the bridge makes extra
// ticks cheap.
func runDirectorySync(ctx context.Context, bridge *channels.WhatsAppBridge, transport *channels.SidecarTransport, maxAge time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := bridge.SyncDirectoryIfStale(syncCtx, maxAge, transport.FetchDirectory)
			cancel()
			if err != nil {
				logger.Warn("chat directory sync failed", "err", err)
			}
		}
	}
}

// watchConfig logs a reload hint whenever config.yaml changes on disk.
// Settings are applied at startup; a changed fingerprint means the
// running process no longer matches the file.
func watchConfig(watcher *config.Watcher, activeFingerprint string, logger *slog.Logger) {
	for ev := range watcher.Events() {
		cfg, err := config.Load()
		if err != nil {
			logger.Warn("changed config does not parse", "path", ev.Path, "err", err)
			continue
		}
		if cfg.Fingerprint() == activeFingerprint {
			continue
		}
		logger.Info("config changed on disk, restart to apply",
			"path", ev.Path,
			"active_fingerprint", activeFingerprint,
			"new_fingerprint", cfg.Fingerprint())
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
