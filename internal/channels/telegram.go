package channels

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/nanoclaw/internal/engine"
	"github.com/basket/nanoclaw/internal/otel"
	"github.com/basket/nanoclaw/internal/persistence"
	"github.com/basket/nanoclaw/internal/shared"
)

// TelegramJIDPrefix qualifies Telegram chat ids in the ledger.
const TelegramJIDPrefix = "telegram:"

// telegramPollTimeout is the long-poll timeout requested from the Bot API.
const telegramPollTimeout = 60

// SessionClearer resets the conversation state for a group folder.
type SessionClearer func(ctx context.Context, groupFolder string) error

// TelegramOptions configures a TelegramBridge.
type TelegramOptions struct {
	Token string
	// AuthorizedUserID restricts processing to one user. Zero allows
	// everyone.
	AuthorizedUserID int64
	// MainChatID marks the private chat where every message is
	// processed without a trigger. Zero falls back to "any private
	// chat" (positive chat ids).
	MainChatID int64
	// AssistantName is the trigger word for group chats and the help
	// text identity.
	AssistantName string
	// ArchiveMessages writes inbound Telegram messages to the ledger.
	// Only safe when the ledger poller excludes telegram-prefixed
	// chats, otherwise messages get answered twice.
	ArchiveMessages bool
}

// TelegramBridge connects a Telegram bot to the processing pipeline.
//
// Telegram messages are processed in real time, not via the ledger
// poller: the bridge records chat metadata for discovery and hands
// content straight to the Processor. The long-poll connection is kept
// alive by a ConnectionGuard.
type TelegramBridge struct {
	opts         TelegramOptions
	store        *persistence.Store
	proc         engine.Processor
	clearSession SessionClearer
	logger       *slog.Logger
	metrics      *otel.Metrics
	trigger      *regexp.Regexp
	httpClient   *http.Client

	bot   *tgbotapi.BotAPI
	guard *ConnectionGuard

	mu         sync.Mutex
	baseCtx    context.Context
	pollCancel context.CancelFunc
}

// NewTelegramBridge creates a Telegram bridge. metrics may be nil and
// clearSession may be nil (commands that need it report an error to
// the chat).
func NewTelegramBridge(opts TelegramOptions, store *persistence.Store, proc engine.Processor, clearSession SessionClearer, logger *slog.Logger, metrics *otel.Metrics) *TelegramBridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &TelegramBridge{
		opts:         opts,
		store:        store,
		proc:         proc,
		clearSession: clearSession,
		logger:       logger,
		metrics:      metrics,
		trigger:      triggerPattern(opts.AssistantName),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
	b.guard = NewConnectionGuard(b, logger, metrics)
	return b
}

func (b *TelegramBridge) Name() string {
	return "telegram"
}

// Start connects the bot and blocks until ctx is cancelled.
func (b *TelegramBridge) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(b.opts.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	b.bot = bot
	b.mu.Lock()
	b.baseCtx = ctx
	b.mu.Unlock()
	b.logger.Info("telegram bridge started", "user", bot.Self.UserName)

	if err := b.StartTransport(ctx); err != nil {
		return fmt.Errorf("telegram poll start: %w", err)
	}
	<-ctx.Done()
	return b.Stop()
}

// Stop cancels any pending reconnect work and stops polling.
func (b *TelegramBridge) Stop() error {
	return b.guard.Stop()
}

// StartTransport begins a fresh long-poll loop. Part of the Transport
// surface driven by the ConnectionGuard.
//
// The loop derives from the lifetime context captured in Start, not from
// the argument: a guard-triggered restart passes in the poll context the
// preceding StopTransport already cancelled.
func (b *TelegramBridge) StartTransport(ctx context.Context) error {
	b.mu.Lock()
	if b.baseCtx != nil {
		ctx = b.baseCtx
	}
	pollCtx, cancel := context.WithCancel(ctx)
	b.pollCancel = cancel
	b.mu.Unlock()
	go b.pollLoop(pollCtx)
	return nil
}

// StopTransport tears down the current poll loop.
func (b *TelegramBridge) StopTransport() error {
	b.mu.Lock()
	cancel := b.pollCancel
	b.pollCancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// pollLoop long-polls the Bot API until ctx is cancelled. Poll failures
// are fed to the ConnectionGuard, which restarts the transport when a
// sustained outage is detected; a restart cancels this loop's context
// and spawns a replacement loop.
func (b *TelegramBridge) pollLoop(ctx context.Context) {
	offset := 0
	for {
		if ctx.Err() != nil {
			return
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = telegramPollTimeout
		updates, err := b.bot.GetUpdates(u)
		if err != nil {
			b.guard.HandleFailure(ctx, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (b *TelegramBridge) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	if b.opts.AuthorizedUserID != 0 && msg.From.ID != b.opts.AuthorizedUserID {
		b.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" && len(msg.Photo) == 0 && msg.Video == nil {
		return
	}

	chatJID := fmt.Sprintf("%s%d", TelegramJIDPrefix, msg.Chat.ID)
	ctx = shared.WithChatID(shared.WithTraceID(ctx, shared.NewTraceID()), chatJID)

	// Record chat metadata for discovery. Message content stays out of
	// the ledger unless archiving is on, so the poller never reprocesses
	// what this bridge already handled.
	chatName := chatJID
	if msg.From.UserName != "" {
		chatName = "@" + msg.From.UserName
	}
	timestamp := persistence.FormatTime(time.Unix(int64(msg.Date), 0))
	if err := b.store.RecordChatSeen(ctx, chatJID, timestamp, chatName); err != nil {
		b.logger.Error("record telegram chat failed", "chat_id", chatJID, "err", err)
	}
	if b.opts.ArchiveMessages {
		b.archive(ctx, chatJID, msg, text)
	}

	isMainChat := msg.Chat.ID > 0
	if b.opts.MainChatID != 0 {
		isMainChat = msg.Chat.ID == b.opts.MainChatID
	}

	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, msg.Chat.ID, text, isMainChat)
		return
	}

	if !b.shouldProcess(text, isMainChat) {
		return
	}
	content := text
	if !isMainChat {
		content = b.stripTrigger(text)
	}

	images := b.downloadPhoto(ctx, msg)

	b.logger.Info("processing telegram message",
		"chat_id", chatJID,
		"trace_id", shared.TraceID(ctx),
		"user_id", msg.From.ID,
		"has_image", len(images) > 0)

	b.sendTyping(msg.Chat.ID)

	reply, ok, err := b.proc.Process(ctx, engine.Request{
		ChatJID:    chatJID,
		Sender:     strconv.FormatInt(msg.From.ID, 10),
		SenderName: msg.From.UserName,
		Content:    content,
		Timestamp:  timestamp,
		Images:     images,
	})
	if err != nil {
		b.logger.Error("telegram message processing failed",
			"chat_id", chatJID,
			"trace_id", shared.TraceID(ctx),
			"err", err)
		b.reply(msg.Chat.ID, "Sorry, I encountered an error processing your message. Please try again later.")
		return
	}
	if !ok || reply == "" {
		return
	}
	b.reply(msg.Chat.ID, reply)
	if b.metrics != nil {
		b.metrics.RepliesSent.Add(ctx, 1)
	}
}

func (b *TelegramBridge) handleCommand(ctx context.Context, chatID int64, text string, isMainChat bool) {
	command := strings.ToLower(strings.Fields(text)[0])
	switch command {
	case "/clear", "/new", "/reset":
		if b.clearSession == nil {
			b.reply(chatID, "Session clearing is not available.")
			return
		}
		groupFolder := "main"
		if err := b.clearSession(ctx, groupFolder); err != nil {
			b.logger.Error("clear session failed", "chat_id", chatID, "err", err)
			b.reply(chatID, "Failed to clear session. Please try again.")
			return
		}
		b.logger.Info("session cleared via command", "chat_id", chatID, "group", groupFolder)
		b.reply(chatID, "Session cleared. Starting fresh conversation!")

	case "/help":
		howTo := "Just send any message!"
		if !isMainChat {
			howTo = fmt.Sprintf("Mention @%s in your message", b.opts.AssistantName)
		}
		help := fmt.Sprintf(`*Available Commands:*

/clear - Clear conversation history and start a new session
/new - Same as /clear
/reset - Same as /clear
/help - Show this help message

*How to talk to %s:*
%s`, b.opts.AssistantName, howTo)
		b.replyMarkdown(chatID, help)

	default:
		// Unknown commands are ignored silently.
	}
}

// shouldProcess reports whether a message warrants a reply. Private
// main-chat messages always do; group messages only when the trigger
// pattern matches.
func (b *TelegramBridge) shouldProcess(text string, isMainChat bool) bool {
	if isMainChat {
		return true
	}
	return b.trigger.MatchString(text)
}

func (b *TelegramBridge) stripTrigger(text string) string {
	return strings.TrimSpace(b.trigger.ReplaceAllString(text, ""))
}

// downloadPhoto fetches the largest photo size attached to msg, if any.
// Download failures are logged and yield no attachment rather than
// failing the whole message.
func (b *TelegramBridge) downloadPhoto(ctx context.Context, msg *tgbotapi.Message) []engine.Attachment {
	if len(msg.Photo) == 0 {
		return nil
	}
	photo := msg.Photo[len(msg.Photo)-1]

	url, err := b.bot.GetFileDirectURL(photo.FileID)
	if err != nil {
		b.logger.Error("resolve telegram photo failed", "file_id", photo.FileID, "err", err)
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Error("download telegram photo failed", "file_id", photo.FileID, "err", err)
		return nil
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		b.logger.Error("read telegram photo failed", "file_id", photo.FileID, "err", err)
		return nil
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	b.logger.Info("downloaded telegram photo", "file_id", photo.FileID, "bytes", len(data), "mime", mimeType)
	return []engine.Attachment{{MimeType: mimeType, Data: data}}
}

func (b *TelegramBridge) archive(ctx context.Context, chatJID string, msg *tgbotapi.Message, text string) {
	mediaType := ""
	if len(msg.Photo) > 0 {
		mediaType = "image"
	} else if msg.Video != nil {
		mediaType = "video"
	}
	err := b.store.StoreTelegramMessage(ctx, msg.MessageID, msg.Chat.ID, msg.From.ID,
		msg.From.UserName, text, int64(msg.Date), false, mediaType, "")
	if err != nil {
		b.logger.Error("archive telegram message failed", "chat_id", chatJID, "err", err)
		return
	}
	if b.metrics != nil {
		b.metrics.MessagesStored.Add(ctx, 1)
	}
}

// SendText delivers text to a telegram-prefixed chat JID. Implements
// engine.Sender for Telegram-owned chats. Send failures are surfaced to
// the caller; delivery is not retried here.
func (b *TelegramBridge) SendText(ctx context.Context, chatJID, text string) error {
	if !strings.HasPrefix(chatJID, TelegramJIDPrefix) {
		return fmt.Errorf("invalid telegram JID: %s", chatJID)
	}
	chatID, err := strconv.ParseInt(strings.TrimPrefix(chatJID, TelegramJIDPrefix), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id in JID %s: %w", chatJID, err)
	}
	out := tgbotapi.NewMessage(chatID, text)
	out.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.bot.Send(out); err != nil {
		if b.metrics != nil {
			b.metrics.SendErrors.Add(ctx, 1)
		}
		return fmt.Errorf("telegram send to %s: %w", chatJID, err)
	}
	return nil
}

func (b *TelegramBridge) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.bot.Send(msg); err != nil {
		b.logger.Error("failed to send telegram reply", "chat_id", chatID, "err", err)
	}
}

func (b *TelegramBridge) replyMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.bot.Send(msg); err != nil {
		b.logger.Error("failed to send telegram markdown reply", "chat_id", chatID, "err", err)
	}
}

func (b *TelegramBridge) sendTyping(chatID int64) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := b.bot.Request(action); err != nil {
		// Non-critical.
		b.logger.Debug("failed to send typing action", "chat_id", chatID, "err", err)
	}
}

// triggerPattern matches the assistant's name as a standalone word,
// optionally prefixed with @.
func triggerPattern(name string) *regexp.Regexp {
	if name == "" {
		name = "Claw"
	}
	return regexp.MustCompile(`(?i)@?\b` + regexp.QuoteMeta(name) + `\b`)
}
