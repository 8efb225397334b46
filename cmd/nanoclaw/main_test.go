package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := `# comment line
NANOCLAW_TEST_FRESH=from-dotenv

NANOCLAW_TEST_TAKEN=from-dotenv
not-a-valid-line
=no-key
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("NANOCLAW_TEST_FRESH", "")
	t.Setenv("NANOCLAW_TEST_TAKEN", "from-environment")
	os.Unsetenv("NANOCLAW_TEST_FRESH")

	loadDotEnv(path)

	if got := os.Getenv("NANOCLAW_TEST_FRESH"); got != "from-dotenv" {
		t.Errorf("fresh var = %q, want from-dotenv", got)
	}
	if got := os.Getenv("NANOCLAW_TEST_TAKEN"); got != "from-environment" {
		t.Errorf("existing env var overridden: %q", got)
	}
}

func TestLoadDotEnv_MissingFileIsNoop(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
}

type recordingRouteSender struct {
	chatJID string
	text    string
}

func (r *recordingRouteSender) SendText(_ context.Context, chatJID, text string) error {
	r.chatJID = chatJID
	r.text = text
	return nil
}

func TestRoutingSender(t *testing.T) {
	tg := &recordingRouteSender{}
	wa := &recordingRouteSender{}
	r := &routingSender{telegram: tg, whatsapp: wa}
	ctx := context.Background()

	if err := r.SendText(ctx, "telegram:42", "hi"); err != nil {
		t.Fatalf("telegram route: %v", err)
	}
	if tg.chatJID != "telegram:42" || wa.chatJID != "" {
		t.Errorf("telegram chat routed wrong: tg=%q wa=%q", tg.chatJID, wa.chatJID)
	}

	if err := r.SendText(ctx, "111@g.us", "hello"); err != nil {
		t.Fatalf("whatsapp route: %v", err)
	}
	if wa.chatJID != "111@g.us" {
		t.Errorf("whatsapp chat routed wrong: %q", wa.chatJID)
	}
}

func TestRoutingSender_DisabledChannelErrors(t *testing.T) {
	r := &routingSender{}
	if err := r.SendText(context.Background(), "telegram:42", "hi"); err == nil {
		t.Error("expected error with telegram disabled")
	}
	if err := r.SendText(context.Background(), "111@g.us", "hi"); err == nil {
		t.Error("expected error with whatsapp disabled")
	}
}

func TestRetentionFromList(t *testing.T) {
	if retentionFromList(nil) != nil {
		t.Error("empty list should retain everything (nil policy)")
	}

	retain := retentionFromList([]string{"111@g.us"})
	if !retain("111@g.us") {
		t.Error("listed chat not retained")
	}
	if retain("222@g.us") {
		t.Error("unlisted chat retained")
	}
}

func TestSessionClearer(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, "sessions", "main")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	clear := sessionClearer(home)
	if err := clear(context.Background(), "main"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("session dir still present after clear")
	}

	// Path components outside the sessions dir are reduced to their base.
	if err := clear(context.Background(), "../../etc"); err != nil {
		t.Fatalf("clear with traversal: %v", err)
	}
	if _, err := os.Stat(home); err != nil {
		t.Error("home dir damaged by traversal attempt")
	}
}
