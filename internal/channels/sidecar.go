package channels

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/basket/nanoclaw/internal/persistence"
)

const (
	sidecarDialTimeout = 10 * time.Second
	// sidecarMaxFrame bounds one JSON line; media payloads arrive
	// base64-encoded inside it.
	sidecarMaxFrame = 16 << 20
)

// sidecarFrame is one newline-delimited JSON message exchanged with the
// WhatsApp protocol sidecar. Type selects which fields are meaningful.
type sidecarFrame struct {
	Type string `json:"type"`

	// "message" (inbound) and "send" (outbound)
	MessageID     string `json:"message_id,omitempty"`
	ChatJID       string `json:"chat_jid,omitempty"`
	ChatName      string `json:"chat_name,omitempty"`
	Participant   string `json:"participant,omitempty"`
	PushName      string `json:"push_name,omitempty"`
	FromMe        bool   `json:"from_me,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
	Text          string `json:"text,omitempty"`
	MediaType     string `json:"media_type,omitempty"`
	MediaData     string `json:"media_data,omitempty"`
	MediaFilename string `json:"media_filename,omitempty"`

	// "directory" (inbound, response to "directory_request")
	Chats map[string]string `json:"chats,omitempty"`

	// "error" (inbound)
	Error string `json:"error,omitempty"`
}

// SidecarTransport talks to an out-of-process WhatsApp protocol client
// over a local socket using newline-delimited JSON frames. The sidecar
// owns the multi-device session and QR authentication; this side only
// relays normalized events and outbound sends.
type SidecarTransport struct {
	addr   string
	logger *slog.Logger

	onEvent func(context.Context, WhatsAppEvent)
	onError func(error)

	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	cancel context.CancelFunc
	dirCh  chan map[string]string
}

// NewSidecarTransport creates a transport for the given socket address.
// An addr containing a path separator is dialed as a unix socket,
// anything else as host:port TCP.
func NewSidecarTransport(addr string, logger *slog.Logger) *SidecarTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &SidecarTransport{
		addr:   addr,
		logger: logger,
		dirCh:  make(chan map[string]string, 1),
	}
}

// OnEvent registers the inbound message handler. Must be called before
// StartTransport.
func (s *SidecarTransport) OnEvent(fn func(context.Context, WhatsAppEvent)) {
	s.onEvent = fn
}

// OnError registers the handler for read-side failures, typically a
// ConnectionGuard. Must be called before StartTransport.
func (s *SidecarTransport) OnError(fn func(error)) {
	s.onError = fn
}

func (s *SidecarTransport) network() string {
	if strings.Contains(s.addr, "/") {
		return "unix"
	}
	return "tcp"
}

// StartTransport dials the sidecar and begins reading events.
func (s *SidecarTransport) StartTransport(ctx context.Context) error {
	conn, err := net.DialTimeout(s.network(), s.addr, sidecarDialTimeout)
	if err != nil {
		return fmt.Errorf("dial whatsapp sidecar at %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.enc = json.NewEncoder(conn)
	readCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go s.readLoop(readCtx, conn)
	s.logger.Info("whatsapp sidecar connected", "addr", s.addr)
	return nil
}

// StopTransport closes the sidecar connection and stops the read loop.
func (s *SidecarTransport) StopTransport() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		s.enc = nil
		return err
	}
	return nil
}

func (s *SidecarTransport) readLoop(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64<<10), sidecarMaxFrame)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame sidecarFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			s.logger.Warn("malformed sidecar frame dropped", "err", err)
			continue
		}
		s.dispatch(ctx, frame)
	}
	if ctx.Err() != nil {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("sidecar connection closed: connection reset")
	}
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *SidecarTransport) dispatch(ctx context.Context, frame sidecarFrame) {
	switch frame.Type {
	case "message":
		if s.onEvent == nil {
			return
		}
		s.onEvent(ctx, WhatsAppEvent{
			Message: &persistence.WebMessage{
				Key: persistence.MessageKey{
					ID:          frame.MessageID,
					RemoteJID:   frame.ChatJID,
					Participant: frame.Participant,
				},
				Body:      &persistence.MessageBody{Conversation: frame.Text},
				Timestamp: frame.Timestamp,
			},
			ChatJID:       frame.ChatJID,
			ChatName:      frame.ChatName,
			PushName:      frame.PushName,
			FromMe:        frame.FromMe,
			MediaType:     frame.MediaType,
			MediaData:     frame.MediaData,
			MediaFilename: frame.MediaFilename,
		})
	case "directory":
		select {
		case s.dirCh <- frame.Chats:
		default:
		}
	case "error":
		if s.onError != nil {
			s.onError(fmt.Errorf("sidecar: %s", frame.Error))
		}
	default:
		s.logger.Debug("unknown sidecar frame type", "type", frame.Type)
	}
}

func (s *SidecarTransport) send(frame sidecarFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return fmt.Errorf("sidecar not connected")
	}
	return s.enc.Encode(frame)
}

// SendText delivers an outbound text message through the sidecar.
func (s *SidecarTransport) SendText(ctx context.Context, chatJID, text string) error {
	if err := s.send(sidecarFrame{Type: "send", ChatJID: chatJID, Text: text}); err != nil {
		return fmt.Errorf("sidecar send to %s: %w", chatJID, err)
	}
	return nil
}

// FetchDirectory asks the sidecar for the full JID-to-name chat map.
// Used by the bridge's periodic directory sync.
func (s *SidecarTransport) FetchDirectory(ctx context.Context) (map[string]string, error) {
	// Drain a stale response left by an earlier timed-out request.
	select {
	case <-s.dirCh:
	default:
	}
	if err := s.send(sidecarFrame{Type: "directory_request"}); err != nil {
		return nil, err
	}
	select {
	case chats := <-s.dirCh:
		return chats, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("sidecar directory request: %w", ctx.Err())
	}
}
