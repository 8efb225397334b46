// Package channels implements the platform ingestion bridges. Each
// bridge normalizes one platform's events, applies authorization and
// trigger filtering, and either dispatches messages for immediate
// processing (Telegram) or records them in the conversation ledger for
// the poller to pick up (WhatsApp).
package channels

import (
	"context"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error

	// Stop tears the channel down, cancelling any pending reconnect work.
	Stop() error
}
