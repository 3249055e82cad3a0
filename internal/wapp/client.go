package wapp

import (
	"context"
	"time"

	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/fingerprint"
)

// Client is the headless messaging session capability the supervisor drives.
// The production implementation wraps whatsmeow; tests substitute a fake.
type Client interface {
	// Connect starts the session. Login is asynchronous: progress arrives
	// on Events() as QR / Ready / AuthFailure events.
	Connect(ctx context.Context) error
	Disconnect()
	// Close releases the authentication store handle. Call after Disconnect.
	Close()

	IsConnected() bool
	IsLoggedIn() bool

	// SendText sends a plain text message and returns the message id.
	SendText(ctx context.Context, toPhone, body string) (string, error)

	// Download fetches the binary media attached to a message.
	Download(ctx context.Context, msg *IncomingMessage) ([]byte, error)

	// RecentConversations returns chats with messages newer than the window,
	// as far as the transport has synced them.
	RecentConversations(ctx context.Context, window time.Duration) ([]Conversation, error)

	// Best-effort profile application; failures are logged by callers.
	SetDisplayName(ctx context.Context, name string) error
	SetStatusText(ctx context.Context, text string) error
	SetPicture(ctx context.Context, jpeg []byte) error

	Events() <-chan Event
}

// Factory creates a Client for one account. proxyURL points at the local
// bridge listener and may be empty when the tenant has no proxy assigned.
type Factory func(ctx context.Context, accountID string, fp fingerprint.Profile, proxyURL, sessionsDir string) (Client, error)
