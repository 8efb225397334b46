package persistence

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func seedChat(t *testing.T, store *Store, jid string) {
	t.Helper()
	if err := store.RecordChatSeen(context.Background(), jid, "2026-01-01T00:00:00.000Z", ""); err != nil {
		t.Fatalf("seed chat: %v", err)
	}
}

func textMessage(id string, ts int64, text string) *WebMessage {
	return &WebMessage{
		Key:       MessageKey{ID: id, RemoteJID: "111@g.us"},
		Body:      &MessageBody{Conversation: text},
		Timestamp: ts,
	}
}

func TestStoreMessage_UpsertReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedChat(t, store, "111@g.us")

	msg := textMessage("msg-1", 1700000000, "first version")
	if err := store.StoreMessage(ctx, msg, "111@g.us", false, "Alice", "", "", ""); err != nil {
		t.Fatalf("store: %v", err)
	}

	// Redelivery with different content replaces the row.
	msg.Body.Conversation = "second version"
	if err := store.StoreMessage(ctx, msg, "111@g.us", false, "Alice", "", "", ""); err != nil {
		t.Fatalf("redeliver: %v", err)
	}

	msgs, err := store.MessagesSince(ctx, "111@g.us", "", "Claw")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(msgs))
	}
	if msgs[0].Content != "second version" {
		t.Errorf("expected latest write, got %q", msgs[0].Content)
	}
}

func TestStoreMessage_BeforeChatRowExists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// No chats row for 111@g.us yet. Event ordering does not guarantee
	// the chat is recorded before its first message lands.
	msg := textMessage("msg-1", 1700000000, "early bird")
	if err := store.StoreMessage(ctx, msg, "111@g.us", false, "Alice", "", "", ""); err != nil {
		t.Fatalf("store without chat row: %v", err)
	}

	if err := store.StoreTelegramMessage(ctx, 42, 1001, 7, "bob", "hi", 1700000000, false, "", ""); err != nil {
		t.Fatalf("store telegram without chat row: %v", err)
	}

	msgs, err := store.MessagesSince(ctx, "111@g.us", "", "Claw")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "early bird" {
		t.Fatalf("message not stored: %+v", msgs)
	}
}

func TestStoreMessage_NoKeyIsNoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedChat(t, store, "111@g.us")

	msg := &WebMessage{Body: &MessageBody{Conversation: "orphan"}, Timestamp: 1700000000}
	if err := store.StoreMessage(ctx, msg, "111@g.us", false, "", "", "", ""); err != nil {
		t.Fatalf("expected silent no-op, got %v", err)
	}
	msgs, _ := store.MessagesSince(ctx, "111@g.us", "", "Claw")
	if len(msgs) != 0 {
		t.Errorf("expected no rows, got %d", len(msgs))
	}
}

func TestExtractContent_PriorityOrder(t *testing.T) {
	tests := []struct {
		name string
		body *MessageBody
		want string
	}{
		{"nil body", nil, ""},
		{"plain text", &MessageBody{Conversation: "plain"}, "plain"},
		{
			"plain beats extended",
			&MessageBody{Conversation: "plain", ExtendedText: &TextBody{Text: "extended"}},
			"plain",
		},
		{
			"extended beats image caption",
			&MessageBody{ExtendedText: &TextBody{Text: "extended"}, Image: &MediaBody{Caption: "img"}},
			"extended",
		},
		{
			"image caption beats video caption",
			&MessageBody{Image: &MediaBody{Caption: "img"}, Video: &MediaBody{Caption: "vid"}},
			"img",
		},
		{
			"video caption beats document caption",
			&MessageBody{Video: &MediaBody{Caption: "vid"}, Document: &MediaBody{Caption: "doc"}},
			"vid",
		},
		{"document caption alone", &MessageBody{Document: &MediaBody{Caption: "doc"}}, "doc"},
		{"all empty", &MessageBody{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractContent(tt.body); got != tt.want {
				t.Errorf("extractContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStoreMessage_SenderFallbacks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedChat(t, store, "group@g.us")

	// Participant set (group message), no push name: display name falls back
	// to the local part of the sender id.
	msg := &WebMessage{
		Key:       MessageKey{ID: uuid.NewString(), RemoteJID: "group@g.us", Participant: "4915551234@s.whatsapp.net"},
		Body:      &MessageBody{Conversation: "hi"},
		Timestamp: 1700000000,
	}
	if err := store.StoreMessage(ctx, msg, "group@g.us", false, "", "", "", ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	msgs, err := store.MessagesSince(ctx, "group@g.us", "", "Claw")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 row, got %d", len(msgs))
	}
	if msgs[0].Sender != "4915551234@s.whatsapp.net" {
		t.Errorf("sender = %q", msgs[0].Sender)
	}
	if msgs[0].SenderName != "4915551234" {
		t.Errorf("sender name = %q", msgs[0].SenderName)
	}
}

func TestNewMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedChat(t, store, "a@g.us")
	seedChat(t, store, "b@g.us")

	put := func(id, chat string, ts int64, text string) {
		t.Helper()
		msg := &WebMessage{
			Key:       MessageKey{ID: id, RemoteJID: chat},
			Body:      &MessageBody{Conversation: text},
			Timestamp: ts,
		}
		if err := store.StoreMessage(ctx, msg, chat, false, "", "", "", ""); err != nil {
			t.Fatalf("store %s: %v", id, err)
		}
	}
	put("m1", "a@g.us", 1700000000, "hello")
	put("m2", "a@g.us", 1700000100, "Claw: my own reply")
	put("m3", "b@g.us", 1700000200, "world")
	put("m4", "b@g.us", 1700000300, "Clawdia speaking") // prefix without separator stays

	cursor := FormatTime(unixTime(1700000000))

	t.Run("cursor is strict and advances to max timestamp", func(t *testing.T) {
		msgs, newCursor, err := store.NewMessages(ctx, []string{"a@g.us", "b@g.us"}, cursor, "Claw")
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		// m1 is at the cursor (excluded), m2 filtered by prefix, m3 and m4 returned.
		if len(msgs) != 2 {
			t.Fatalf("expected 2 rows, got %d: %+v", len(msgs), msgs)
		}
		if msgs[0].ID != "m3" || msgs[1].ID != "m4" {
			t.Errorf("wrong rows or order: %+v", msgs)
		}
		if want := FormatTime(unixTime(1700000300)); newCursor != want {
			t.Errorf("cursor = %q, want %q", newCursor, want)
		}
	})

	t.Run("no matches returns original cursor", func(t *testing.T) {
		future := FormatTime(unixTime(1800000000))
		msgs, newCursor, err := store.NewMessages(ctx, []string{"a@g.us"}, future, "Claw")
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(msgs) != 0 || newCursor != future {
			t.Errorf("expected ([], %q), got (%+v, %q)", future, msgs, newCursor)
		}
	})

	t.Run("empty chat set short-circuits", func(t *testing.T) {
		msgs, newCursor, err := store.NewMessages(ctx, nil, cursor, "Claw")
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(msgs) != 0 || newCursor != cursor {
			t.Errorf("expected ([], %q), got (%+v, %q)", cursor, msgs, newCursor)
		}
	})

	t.Run("single-chat variant scopes to one chat", func(t *testing.T) {
		msgs, err := store.MessagesSince(ctx, "a@g.us", "", "Claw")
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(msgs) != 1 || msgs[0].ID != "m1" {
			t.Errorf("expected only m1, got %+v", msgs)
		}
	})
}

func TestNewMessages_WildcardBotNameMatchesLiterally(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedChat(t, store, "111@g.us")

	put := func(id string, ts int64, text string) {
		t.Helper()
		msg := textMessage(id, ts, text)
		if err := store.StoreMessage(ctx, msg, "111@g.us", false, "", "", "", ""); err != nil {
			t.Fatalf("store %s: %v", id, err)
		}
	}
	put("m1", 1700000100, "100%: my own reply")
	put("m2", 1700000200, "100x: a human note")

	// An unescaped % would over-filter m2 too.
	msgs, _, err := store.NewMessages(ctx, []string{"111@g.us"}, "", "100%")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m2" {
		t.Fatalf("expected only m2, got %+v", msgs)
	}

	single, err := store.MessagesSince(ctx, "111@g.us", "", "100%")
	if err != nil {
		t.Fatalf("single-chat query: %v", err)
	}
	if len(single) != 1 || single[0].ID != "m2" {
		t.Errorf("single-chat variant over-filtered: %+v", single)
	}
}

func TestStoreTelegramMessage_PrefixedIdentifiers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedChat(t, store, "telegram:42")

	if err := store.StoreTelegramMessage(ctx, 7, 42, 1001, "bob", "hi there", 1700000000, false, "", ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	msgs, err := store.MessagesSince(ctx, "telegram:42", "", "Claw")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 row, got %d", len(msgs))
	}
	m := msgs[0]
	if m.ID != "tg_7" || m.ChatJID != "telegram:42" || m.Sender != "telegram:1001" || m.SenderName != "bob" {
		t.Errorf("identifier mapping wrong: %+v", m)
	}
}
