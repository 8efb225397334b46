package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DirectorySyncKey is a reserved chat row holding the time of the last full
// directory sync. It is not a real chat.
const DirectorySyncKey = "__group_sync__"

// ChatInfo is a row in the chat directory.
type ChatInfo struct {
	JID             string
	Name            string
	LastMessageTime string
}

// RecordChatSeen upserts a chat row from any sighting of the chat. With a
// name it sets the name; without one it leaves any previously learned name
// alone rather than downgrading it to the bare id. Either way last-activity
// only ever moves forward.
func (s *Store) RecordChatSeen(ctx context.Context, chatJID, timestamp, name string) error {
	return retryOnBusy(ctx, 5, func() error {
		var err error
		if name != "" {
			_, err = s.db.ExecContext(ctx, `
				INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
				ON CONFLICT(jid) DO UPDATE SET
					name = excluded.name,
					last_message_time = MAX(last_message_time, excluded.last_message_time);
			`, chatJID, name, timestamp)
		} else {
			_, err = s.db.ExecContext(ctx, `
				INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
				ON CONFLICT(jid) DO UPDATE SET
					last_message_time = MAX(last_message_time, excluded.last_message_time);
			`, chatJID, chatJID, timestamp)
		}
		if err != nil {
			return fmt.Errorf("record chat seen %s: %w", chatJID, err)
		}
		return nil
	})
}

// RenameChat overwrites the chat's name unconditionally and stamps
// last-activity with the current time. Used by bulk directory syncs, which
// learn names independently of message timing.
func (s *Store) RenameChat(ctx context.Context, chatJID, name string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
			ON CONFLICT(jid) DO UPDATE SET name = excluded.name;
		`, chatJID, name, NowTimestamp())
		if err != nil {
			return fmt.Errorf("rename chat %s: %w", chatJID, err)
		}
		return nil
	})
}

// ListChats returns all known chats ordered by most recent activity.
func (s *Store) ListChats(ctx context.Context) ([]ChatInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, COALESCE(name, jid), COALESCE(last_message_time, '')
		FROM chats
		ORDER BY last_message_time DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []ChatInfo
	for rows.Next() {
		var c ChatInfo
		if err := rows.Scan(&c.JID, &c.Name, &c.LastMessageTime); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// LastDirectorySync returns the timestamp of the last full directory sync,
// or "" if one has never run.
func (s *Store) LastDirectorySync(ctx context.Context) (string, error) {
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_message_time FROM chats WHERE jid = ?;`, DirectorySyncKey,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read directory sync marker: %w", err)
	}
	return ts, nil
}

// MarkDirectorySynced records that a full directory sync just completed.
func (s *Store) MarkDirectorySynced(ctx context.Context) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO chats (jid, name, last_message_time) VALUES (?, ?, ?);
		`, DirectorySyncKey, DirectorySyncKey, NowTimestamp())
		if err != nil {
			return fmt.Errorf("mark directory synced: %w", err)
		}
		return nil
	})
}
