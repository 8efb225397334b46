package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// MessageKey identifies a raw platform message: the platform-assigned id
// plus the conversation it arrived in. The same id can legitimately appear
// in different chats.
type MessageKey struct {
	ID          string
	RemoteJID   string
	Participant string // set in group chats; empty in direct chats
}

// TextBody carries text-bearing fields of an extended text message.
type TextBody struct {
	Text string
}

// MediaBody carries the caption of an image, video, or document message.
type MediaBody struct {
	Caption string
}

// MessageBody holds the mutually exclusive message-body shapes the
// transport delivers. Exactly one is normally populated.
type MessageBody struct {
	Conversation string
	ExtendedText *TextBody
	Image        *MediaBody
	Video        *MediaBody
	Document     *MediaBody
}

// WebMessage is a normalized inbound event from the event-driven transport.
type WebMessage struct {
	Key       MessageKey
	Body      *MessageBody
	Timestamp int64 // seconds since epoch
}

// contentExtractors are tried in priority order; the first non-empty result
// wins. The order is part of the ledger contract: plain text beats extended
// text beats image, video, and document captions.
var contentExtractors = []func(*MessageBody) string{
	func(b *MessageBody) string { return b.Conversation },
	func(b *MessageBody) string {
		if b.ExtendedText != nil {
			return b.ExtendedText.Text
		}
		return ""
	},
	func(b *MessageBody) string {
		if b.Image != nil {
			return b.Image.Caption
		}
		return ""
	},
	func(b *MessageBody) string {
		if b.Video != nil {
			return b.Video.Caption
		}
		return ""
	},
	func(b *MessageBody) string {
		if b.Document != nil {
			return b.Document.Caption
		}
		return ""
	},
}

func extractContent(body *MessageBody) string {
	if body == nil {
		return ""
	}
	for _, extract := range contentExtractors {
		if text := extract(body); text != "" {
			return text
		}
	}
	return ""
}

// Message is a stored ledger row.
type Message struct {
	ID            string
	ChatJID       string
	Sender        string
	SenderName    string
	Content       string
	Timestamp     string
	MediaType     string
	MediaData     string
	MediaFilename string
}

// StoreMessage persists one inbound message with full content. Only call
// this for chats whose history is retained; the retention decision belongs
// to the caller. Redelivery of the same (id, chat) replaces the row, so the
// write is idempotent. A message without an id is dropped without error.
func (s *Store) StoreMessage(ctx context.Context, msg *WebMessage, chatJID string, fromMe bool, pushName, mediaType, mediaData, mediaFilename string) error {
	if msg == nil || msg.Key.ID == "" {
		return nil
	}

	content := extractContent(msg.Body)
	timestamp := FormatTime(time.Unix(msg.Timestamp, 0))

	sender := msg.Key.Participant
	if sender == "" {
		sender = msg.Key.RemoteJID
	}
	senderName := pushName
	if senderName == "" {
		senderName = strings.SplitN(sender, "@", 2)[0]
	}

	fromMeInt := 0
	if fromMe {
		fromMeInt = 1
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO messages
			(id, chat_jid, sender, sender_name, content, timestamp, is_from_me, media_type, media_data, media_filename)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, msg.Key.ID, chatJID, sender, senderName, content, timestamp, fromMeInt,
			nullable(mediaType), nullable(mediaData), nullable(mediaFilename))
		if err != nil {
			return fmt.Errorf("store message %s in %s: %w", msg.Key.ID, chatJID, err)
		}
		return nil
	})
}

// StoreTelegramMessage persists a message from the Telegram side of the
// bridge. Ids are prefixed ("tg_", "telegram:") so they can never collide
// with the other platform's identifier space.
func (s *Store) StoreTelegramMessage(ctx context.Context, messageID int, chatID, userID int64, username, content string, timestamp int64, fromBot bool, mediaType, mediaData string) error {
	chatJID := fmt.Sprintf("telegram:%d", chatID)
	sender := fmt.Sprintf("telegram:%d", userID)
	senderName := username
	if senderName == "" {
		senderName = fmt.Sprintf("%d", userID)
	}
	msgID := fmt.Sprintf("tg_%d", messageID)
	isoTimestamp := FormatTime(time.Unix(timestamp, 0))

	fromBotInt := 0
	if fromBot {
		fromBotInt = 1
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO messages
			(id, chat_jid, sender, sender_name, content, timestamp, is_from_me, media_type, media_data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, msgID, chatJID, sender, senderName, content, isoTimestamp, fromBotInt,
			nullable(mediaType), nullable(mediaData))
		if err != nil {
			return fmt.Errorf("store telegram message %s: %w", msgID, err)
		}
		return nil
	})
}

// NewMessages returns all messages across the given chats newer than the
// cursor, oldest first, together with the advanced cursor (the max timestamp
// seen, or the original cursor when nothing matched). Rows whose content
// starts with "<botPrefix>:" are the bridge's own replies written back
// through the shared account and are filtered out — the stored is_from_me
// flag is not a reliable signal for those. An empty chat set returns
// immediately without touching the database.
func (s *Store) NewMessages(ctx context.Context, chatJIDs []string, lastTimestamp, botPrefix string) ([]Message, string, error) {
	if len(chatJIDs) == 0 {
		return nil, lastTimestamp, nil
	}

	placeholders := strings.Repeat("?,", len(chatJIDs))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, media_type, media_data, media_filename
		FROM messages
		WHERE timestamp > ? AND chat_jid IN (%s) AND content NOT LIKE ? ESCAPE '\'
		ORDER BY timestamp;
	`, placeholders)

	args := make([]any, 0, len(chatJIDs)+2)
	args = append(args, lastTimestamp)
	for _, jid := range chatJIDs {
		args = append(args, jid)
	}
	args = append(args, escapeLike(botPrefix)+":%")

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, lastTimestamp, fmt.Errorf("query new messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, lastTimestamp, err
	}

	newTimestamp := lastTimestamp
	for _, m := range msgs {
		if m.Timestamp > newTimestamp {
			newTimestamp = m.Timestamp
		}
	}
	return msgs, newTimestamp, nil
}

// MessagesSince is the single-chat variant of NewMessages, used for
// on-demand context assembly rather than the polling loop. Same own-message
// filtering, no cursor bookkeeping.
func (s *Store) MessagesSince(ctx context.Context, chatJID, sinceTimestamp, botPrefix string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_jid, sender, sender_name, content, timestamp, media_type, media_data, media_filename
		FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND content NOT LIKE ? ESCAPE '\'
		ORDER BY timestamp;
	`, chatJID, sinceTimestamp, escapeLike(botPrefix)+":%")
	if err != nil {
		return nil, fmt.Errorf("query messages since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var senderName, mediaType, mediaData, mediaFilename sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &senderName, &m.Content, &m.Timestamp, &mediaType, &mediaData, &mediaFilename); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.SenderName = senderName.String
		m.MediaType = mediaType.String
		m.MediaData = mediaData.String
		m.MediaFilename = mediaFilename.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// escapeLike escapes LIKE wildcards in s so the own-reply prefix always
// matches literally, even for assistant names containing % or _.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// nullable maps "" to NULL so optional columns stay NULL rather than
// accumulating empty strings.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
