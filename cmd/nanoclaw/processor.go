package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/nanoclaw/internal/engine"
)

// agentProcessor invokes the configured agent command once per message.
// The message text goes to stdin, the reply comes back on stdout, and
// message metadata is passed through the environment. Empty stdout
// means no reply.
type agentProcessor struct {
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

func newAgentProcessor(command string, args []string, timeout time.Duration, logger *slog.Logger) *agentProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &agentProcessor{
		command: command,
		args:    args,
		timeout: timeout,
		logger:  logger,
	}
}

func (p *agentProcessor) Process(ctx context.Context, req engine.Request) (string, bool, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.command, p.args...)
	// Without WaitDelay, Run blocks on the stdout pipe until every child
	// holding it exits, even after the kill on timeout.
	cmd.WaitDelay = 3 * time.Second
	cmd.Stdin = strings.NewReader(req.Content)
	cmd.Env = append(os.Environ(),
		"NANOCLAW_CHAT_ID="+req.ChatJID,
		"NANOCLAW_SENDER="+req.Sender,
		"NANOCLAW_SENDER_NAME="+req.SenderName,
		"NANOCLAW_TIMESTAMP="+req.Timestamp,
	)
	if req.ContextMode != "" {
		cmd.Env = append(cmd.Env, "NANOCLAW_CONTEXT_MODE="+req.ContextMode)
	}

	if len(req.Images)+len(req.Documents) > 0 {
		mediaDir, err := writeAttachments(req)
		if err != nil {
			return "", false, fmt.Errorf("stage attachments: %w", err)
		}
		defer os.RemoveAll(mediaDir)
		cmd.Env = append(cmd.Env, "NANOCLAW_MEDIA_DIR="+mediaDir)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	p.logger.Debug("agent command finished",
		"command", p.command,
		"chat_id", req.ChatJID,
		"duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", false, fmt.Errorf("agent command: %w: %s", err, detail)
		}
		return "", false, fmt.Errorf("agent command: %w", err)
	}

	reply := strings.TrimSpace(stdout.String())
	if reply == "" {
		return "", false, nil
	}
	return reply, true, nil
}

// writeAttachments stages media into a temp directory the agent command
// can read, advertised via NANOCLAW_MEDIA_DIR. The caller removes it.
func writeAttachments(req engine.Request) (string, error) {
	dir, err := os.MkdirTemp("", "nanoclaw-media-")
	if err != nil {
		return "", err
	}
	all := make([]engine.Attachment, 0, len(req.Images)+len(req.Documents))
	all = append(all, req.Images...)
	all = append(all, req.Documents...)
	for i, att := range all {
		name := filepath.Base(att.Filename)
		if name == "" || name == "." || name == string(filepath.Separator) {
			name = fmt.Sprintf("attachment-%d", i)
		}
		if err := os.WriteFile(filepath.Join(dir, name), att.Data, 0o600); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}
	return dir, nil
}
