package channels

import (
	"context"
)

// Channel is a messaging transport: it feeds external messages into the
// incoming queue and renders agent replies back out.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is
	// canceled or a fatal error occurs.
	Start(ctx context.Context) error
}
