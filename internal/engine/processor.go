// Package engine drives message processing for the bridge. It polls the
// conversation ledger for rows written by event-driven transports, hands
// each message to a Processor, and delivers replies back to the
// originating chat.
package engine

import "context"

// Attachment carries decoded media handed to a Processor alongside text.
type Attachment struct {
	MimeType string
	Filename string
	Data     []byte
}

// Request is one inbound message normalized for processing. Timestamp is
// the ledger timestamp string of the message.
type Request struct {
	ChatJID    string
	Sender     string
	SenderName string
	Content    string
	Timestamp  string
	Images     []Attachment
	Documents  []Attachment
	// ContextMode is set for scheduled-task runs: "isolated" gives the
	// run a fresh conversation context, "shared" reuses the chat's.
	ContextMode string
}

// Processor turns an inbound message into an optional reply. The boolean
// reports whether a reply should be delivered; a false return with nil
// error means the processor chose to stay silent.
type Processor interface {
	Process(ctx context.Context, req Request) (reply string, ok bool, err error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, req Request) (string, bool, error)

func (f ProcessorFunc) Process(ctx context.Context, req Request) (string, bool, error) {
	return f(ctx, req)
}

// Sender delivers outbound text to a chat on whichever platform owns it.
type Sender interface {
	SendText(ctx context.Context, chatJID, text string) error
}
