package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/nanoclaw/internal/otel"
	"github.com/basket/nanoclaw/internal/persistence"
	"github.com/basket/nanoclaw/internal/shared"
)

// WhatsAppTransport is the socket client the bridge sits on top of. It
// delivers raw platform events through the handler registered with the
// bridge and accepts outbound sends. A session wrapper around whatever
// WhatsApp client library the deployment uses satisfies this.
type WhatsAppTransport interface {
	StartTransport(ctx context.Context) error
	StopTransport() error
	SendText(ctx context.Context, chatJID, text string) error
}

// ChatRetention decides whether full message content for a chat is
// written to the ledger. Metadata is recorded regardless.
type ChatRetention func(chatJID string) bool

// WhatsAppEvent is one inbound message event, already decoded by the
// transport. The bridge normalizes it into the ledger; it never parses
// wire bytes itself.
type WhatsAppEvent struct {
	Message       *persistence.WebMessage
	ChatJID       string
	ChatName      string
	PushName      string
	FromMe        bool
	MediaType     string
	MediaData     string
	MediaFilename string
}

// WhatsAppBridge records WhatsApp events in the conversation ledger.
// Unlike Telegram, nothing is processed inline: the ledger poller picks
// up stored rows on its next cycle.
type WhatsAppBridge struct {
	transport WhatsAppTransport
	store     *persistence.Store
	logger    *slog.Logger
	metrics   *otel.Metrics
	retain    ChatRetention
}

// NewWhatsAppBridge creates a WhatsApp bridge. retain may be nil, which
// retains content for every chat. metrics may be nil.
func NewWhatsAppBridge(transport WhatsAppTransport, store *persistence.Store, logger *slog.Logger, metrics *otel.Metrics, retain ChatRetention) *WhatsAppBridge {
	if logger == nil {
		logger = slog.Default()
	}
	if retain == nil {
		retain = func(string) bool { return true }
	}
	return &WhatsAppBridge{
		transport: transport,
		store:     store,
		logger:    logger,
		metrics:   metrics,
		retain:    retain,
	}
}

func (w *WhatsAppBridge) Name() string {
	return "whatsapp"
}

// Start connects the transport and blocks until ctx is cancelled.
func (w *WhatsAppBridge) Start(ctx context.Context) error {
	if err := w.transport.StartTransport(ctx); err != nil {
		return fmt.Errorf("whatsapp transport start: %w", err)
	}
	w.logger.Info("whatsapp bridge started")
	<-ctx.Done()
	return w.Stop()
}

// Stop tears down the transport connection.
func (w *WhatsAppBridge) Stop() error {
	return w.transport.StopTransport()
}

// HandleEvent normalizes one inbound event into the ledger. Chat
// metadata is always recorded; message content only for retained
// chats. A message without an identifying key is a defined no-op.
// Storage failures are logged, not propagated: the event stream that
// delivers them has no recovery action of its own.
func (w *WhatsAppBridge) HandleEvent(ctx context.Context, ev WhatsAppEvent) {
	if ev.Message == nil || ev.ChatJID == "" {
		return
	}
	ctx = shared.WithChatID(shared.WithTraceID(ctx, shared.NewTraceID()), ev.ChatJID)

	timestamp := persistence.FormatTime(time.Unix(ev.Message.Timestamp, 0))
	if err := w.store.RecordChatSeen(ctx, ev.ChatJID, timestamp, ev.ChatName); err != nil {
		w.logger.Error("record whatsapp chat failed",
			"chat_id", ev.ChatJID,
			"trace_id", shared.TraceID(ctx),
			"err", err)
	}

	if !w.retain(ev.ChatJID) {
		return
	}
	err := w.store.StoreMessage(ctx, ev.Message, ev.ChatJID, ev.FromMe,
		ev.PushName, ev.MediaType, ev.MediaData, ev.MediaFilename)
	if err != nil {
		w.logger.Error("store whatsapp message failed",
			"chat_id", ev.ChatJID,
			"trace_id", shared.TraceID(ctx),
			"err", err)
		return
	}
	if w.metrics != nil {
		w.metrics.MessagesStored.Add(ctx, 1)
	}
}

// SendText delivers text to a WhatsApp chat. Implements engine.Sender
// for WhatsApp-owned chats. Failures surface to the caller; there is no
// retry here.
func (w *WhatsAppBridge) SendText(ctx context.Context, chatJID, text string) error {
	if err := w.transport.SendText(ctx, chatJID, text); err != nil {
		if w.metrics != nil {
			w.metrics.SendErrors.Add(ctx, 1)
		}
		return fmt.Errorf("whatsapp send to %s: %w", chatJID, err)
	}
	return nil
}

// WatchedChats lists the retained WhatsApp chat JIDs for the ledger
// poller. Telegram chats and the directory-sync marker are excluded:
// their messages are handled inline by the Telegram bridge, so letting
// the poller see them would answer everything twice.
func (w *WhatsAppBridge) WatchedChats(ctx context.Context) ([]string, error) {
	chats, err := w.store.ListChats(ctx)
	if err != nil {
		return nil, err
	}
	var jids []string
	for _, c := range chats {
		if strings.HasPrefix(c.JID, TelegramJIDPrefix) || c.JID == persistence.DirectorySyncKey {
			continue
		}
		if !w.retain(c.JID) {
			continue
		}
		jids = append(jids, c.JID)
	}
	return jids, nil
}

// SyncDirectoryIfStale refreshes chat display names when the last bulk
// sync is older than maxAge. fetch returns the current JID-to-name map
// from the transport's contact or group metadata.
func (w *WhatsAppBridge) SyncDirectoryIfStale(ctx context.Context, maxAge time.Duration, fetch func(ctx context.Context) (map[string]string, error)) error {
	last, err := w.store.LastDirectorySync(ctx)
	if err != nil {
		return fmt.Errorf("read last directory sync: %w", err)
	}
	if last != "" {
		if t, perr := time.Parse(persistence.TimeLayout, last); perr == nil && time.Since(t) < maxAge {
			return nil
		}
	}

	names, err := fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch chat directory: %w", err)
	}
	for jid, name := range names {
		if name == "" {
			continue
		}
		if err := w.store.RenameChat(ctx, jid, name); err != nil {
			return fmt.Errorf("rename chat %s: %w", jid, err)
		}
	}
	if err := w.store.MarkDirectorySynced(ctx); err != nil {
		return fmt.Errorf("mark directory synced: %w", err)
	}
	w.logger.Info("chat directory synced", "chats", len(names))
	return nil
}
