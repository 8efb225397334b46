package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/nanoclaw/internal/otel"
	"github.com/basket/nanoclaw/internal/persistence"
	"github.com/basket/nanoclaw/internal/shared"
)

// DefaultPollInterval is how often the poller checks the ledger for new rows.
const DefaultPollInterval = 2 * time.Second

// ChatLister reports the set of chat JIDs the poller should watch.
type ChatLister func(ctx context.Context) ([]string, error)

// PollerOptions tunes a Poller.
type PollerOptions struct {
	// BotName is the assistant's display name. Replies are sent as
	// "<BotName>: <text>" and ledger reads filter out rows carrying
	// that prefix so the bridge never answers itself.
	BotName string
	// Interval between poll cycles. Zero means DefaultPollInterval.
	Interval time.Duration
	// Cursor is the starting ledger position. Empty means "now", so
	// only messages arriving after startup are processed.
	Cursor string
}

// Poller reads new ledger rows and dispatches them to a Processor.
//
// The cursor only advances after a cycle in which every message was
// handed to the processor without error. A failed cycle is retried in
// full on the next tick.
type Poller struct {
	store   *persistence.Store
	proc    Processor
	sender  Sender
	chats   ChatLister
	logger  *slog.Logger
	metrics *otel.Metrics

	botName  string
	interval time.Duration
	cursor   string
}

// NewPoller creates a Poller. metrics may be nil.
func NewPoller(store *persistence.Store, proc Processor, sender Sender, chats ChatLister, logger *slog.Logger, metrics *otel.Metrics, opts PollerOptions) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval == 0 {
		interval = DefaultPollInterval
	}
	cursor := opts.Cursor
	if cursor == "" {
		cursor = persistence.NowTimestamp()
	}
	return &Poller{
		store:    store,
		proc:     proc,
		sender:   sender,
		chats:    chats,
		logger:   logger,
		metrics:  metrics,
		botName:  opts.BotName,
		interval: interval,
		cursor:   cursor,
	}
}

// Cursor returns the current ledger position.
func (p *Poller) Cursor() string { return p.cursor }

// Run polls until ctx is cancelled. Poll errors are logged and retried
// on the next tick; they never stop the loop.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("poller started", "interval", p.interval.String(), "cursor", p.cursor)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				p.logger.Error("poll cycle failed", "err", err)
			}
		}
	}
}

// PollOnce runs a single poll cycle: list watched chats, read new rows
// past the cursor, process each, and advance the cursor if everything
// was handed off cleanly.
func (p *Poller) PollOnce(ctx context.Context) error {
	start := time.Now()

	jids, err := p.chats(ctx)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}

	msgs, next, err := p.store.NewMessages(ctx, jids, p.cursor, p.botName)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}

	for _, msg := range msgs {
		if err := p.handle(ctx, msg); err != nil {
			// Leave the cursor untouched so the whole batch is
			// retried next cycle.
			return fmt.Errorf("process message %s in %s: %w", msg.ID, msg.ChatJID, err)
		}
	}

	p.cursor = next
	if p.metrics != nil {
		p.metrics.PollCycleDuration.Record(ctx, time.Since(start).Seconds())
	}
	return nil
}

func (p *Poller) handle(ctx context.Context, msg persistence.Message) error {
	ctx = shared.WithChatID(shared.WithTraceID(ctx, shared.NewTraceID()), msg.ChatJID)
	start := time.Now()

	req := Request{
		ChatJID:    msg.ChatJID,
		Sender:     msg.Sender,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
	}
	if msg.MediaData != "" {
		// Media payloads are kept base64-encoded in the ledger. A corrupt
		// payload drops the attachment, not the message: failing here
		// would wedge the cursor on the same row forever.
		data, err := base64.StdEncoding.DecodeString(msg.MediaData)
		if err != nil {
			p.logger.Warn("undecodable media payload dropped",
				"chat_id", msg.ChatJID,
				"message_id", msg.ID,
				"err", err)
		} else {
			att := Attachment{Filename: msg.MediaFilename, Data: data}
			if msg.MediaType == "image" {
				req.Images = append(req.Images, att)
			} else {
				req.Documents = append(req.Documents, att)
			}
		}
	}

	reply, ok, err := p.proc.Process(ctx, req)
	if p.metrics != nil {
		p.metrics.ProcessDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}
	if !ok || reply == "" {
		return nil
	}

	out := fmt.Sprintf("%s: %s", p.botName, reply)
	if err := p.sender.SendText(ctx, msg.ChatJID, out); err != nil {
		// Delivery is best effort. Dropping the reply beats replaying
		// the entire batch and double-answering everything before it.
		p.logger.Error("send reply failed",
			"chat_id", msg.ChatJID,
			"trace_id", shared.TraceID(ctx),
			"err", err)
		if p.metrics != nil {
			p.metrics.SendErrors.Add(ctx, 1)
		}
		return nil
	}
	if p.metrics != nil {
		p.metrics.RepliesSent.Add(ctx, 1)
	}
	p.logger.Info("reply sent",
		"chat_id", msg.ChatJID,
		"trace_id", shared.TraceID(ctx),
		"chars", len(reply))
	return nil
}
