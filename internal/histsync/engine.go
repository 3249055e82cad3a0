package histsync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/store"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/wapp"
)

// Store is the slice of the persistent store the engine writes through.
type Store interface {
	FindMessage(ctx context.Context, key store.MessageKey) (*store.ExistingMessage, error)
	InsertMessage(ctx context.Context, rec store.MessageRecord) error
	SetMessageRead(ctx context.Context, id int64, read bool) error
}

// Engine reconciles recent conversation history into the persistent store
// when a session becomes ready. Running it twice converges to the same rows
// and read flags.
type Engine struct {
	Window    time.Duration // how far back to import
	UnreadCap int           // max incoming messages marked unread per chat
}

// Result summarizes one reconciliation pass.
type Result struct {
	Conversations int
	Inserted      int
	ReadUpdated   int
	Skipped       int // warm-up conversations excluded
}

// Run imports history for one account. Warm-up peers are excluded entirely.
func (e *Engine) Run(ctx context.Context, accountID string, client wapp.Client, st Store, warmupPeers []string) (Result, error) {
	window := e.Window
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}

	conversations, err := client.RecentConversations(ctx, window)
	if err != nil {
		return Result{}, fmt.Errorf("failed to enumerate conversations: %w", err)
	}

	warmup := make(map[string]struct{}, len(warmupPeers))
	for _, p := range warmupPeers {
		warmup[wapp.NormalizePhone(p)] = struct{}{}
	}

	var res Result
	for _, conv := range conversations {
		if _, internal := warmup[wapp.NormalizePhone(conv.Counterpart)]; internal {
			res.Skipped++
			continue
		}
		res.Conversations++

		unread := e.unreadFlags(conv)
		for i, msg := range conv.Messages {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			direction := "incoming"
			if msg.FromMe {
				direction = "outgoing"
			}

			key := store.MessageKey{
				AccountID:   accountID,
				PhoneNumber: conv.Counterpart,
				Body:        msg.Body,
				SentAt:      msg.Timestamp,
				Direction:   direction,
			}

			existing, err := st.FindMessage(ctx, key)
			if err != nil {
				log.Printf("[%s] Sync lookup failed for %s: %v", accountID, conv.Counterpart, err)
				continue
			}

			read := !unread[i]
			if existing != nil {
				if existing.Read != read {
					if err := st.SetMessageRead(ctx, existing.ID, read); err != nil {
						log.Printf("[%s] Sync read-flag update failed: %v", accountID, err)
						continue
					}
					res.ReadUpdated++
				}
				continue
			}

			rec := store.MessageRecord{
				AccountID:   accountID,
				PhoneNumber: conv.Counterpart,
				ContactName: conv.Name,
				Body:        msg.Body,
				Direction:   direction,
				SentAt:      msg.Timestamp.UTC().Format(time.RFC3339),
				Read:        read,
				MediaType:   msg.MediaType,
			}
			if err := st.InsertMessage(ctx, rec); err != nil {
				log.Printf("[%s] Sync insert failed for %s: %v", accountID, conv.Counterpart, err)
				continue
			}
			res.Inserted++
		}
	}

	return res, nil
}

// unreadFlags maps each message index to whether it is unread: the
// conversation's reported unread count applies to the most recent incoming
// messages, capped so a corrupt count cannot flood the store.
func (e *Engine) unreadFlags(conv wapp.Conversation) map[int]bool {
	unread := make(map[int]bool)

	remaining := conv.UnreadCount
	if e.UnreadCap > 0 && remaining > e.UnreadCap {
		remaining = e.UnreadCap
	}

	// Messages are ascending; walk backwards so the newest incoming
	// messages absorb the unread count first.
	for i := len(conv.Messages) - 1; i >= 0 && remaining > 0; i-- {
		if conv.Messages[i].FromMe {
			continue
		}
		unread[i] = true
		remaining--
	}
	return unread
}
