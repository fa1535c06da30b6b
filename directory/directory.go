// Package directory maintains the live list of chats a user
// participates in and the operations that mutate chat membership:
// matchmaking, leaving, and friend requests.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/anondevechat/anonymous-chitchat/log"
	"github.com/anondevechat/anonymous-chitchat/presence"
	"github.com/anondevechat/anonymous-chitchat/store"
)

// ErrMatchmaking reports that no chat assignment could be made within
// the bounded attempt count. Surfaced to the user as a retry prompt.
var ErrMatchmaking = errors.New("matchmaking failed")

const matchAttempts = 3

// Chat is the directory's view of one conversation.
type Chat struct {
	ID            string
	Name          string
	Participants  []string
	LastMessage   string
	LastMessageAt time.Time
	Unread        int64
	Online        bool
	Ended         bool
	CreatedAt     time.Time
}

// Update is one delivery on a directory subscription. Stale marks the
// listener as degraded: the chats are the last known state.
type Update struct {
	Chats []Chat
	Stale bool
}

// Store is the slice of the remote store the directory consumes.
type Store interface {
	WatchChats(ctx context.Context, userID string) <-chan store.ChatUpdate
	CreateWaitingChat(ctx context.Context, userID, name string) (string, error)
	ClaimWaitingChat(ctx context.Context, userID string) (string, error)
	LeaveChat(ctx context.Context, chatID, userID string) error
	PutFriendRequest(ctx context.Context, chatID, userID string) error
	ResetUnread(ctx context.Context, chatID, userID string) error
	GetPresence(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// Gate reports whether outbound actions are disabled.
type Gate interface {
	Offline() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Offline() bool { return false }

// Directory tracks one user's chat list.
type Directory struct {
	store  Store
	gate   Gate
	userID string

	mu     sync.Mutex
	active string
	last   []Chat
}

func New(s Store, userID string) *Directory {
	return &Directory{store: s, gate: alwaysOnline{}, userID: userID}
}

// WithGate installs the presence gate disabling outbound operations
// while offline.
func (d *Directory) WithGate(gate Gate) *Directory {
	d.gate = gate
	return d
}

// Subscribe produces the live chat list, most recently active first,
// annotated with last-message previews, unread counts and an online
// flag derived from the other participants' presence. The channel
// closes when ctx is cancelled.
func (d *Directory) Subscribe(ctx context.Context) <-chan Update {
	out := make(chan Update, 1)
	updates := d.store.WatchChats(ctx, d.userID)

	go func() {
		defer close(out)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				var delivery Update
				if update.Stale {
					d.mu.Lock()
					delivery = Update{Chats: d.last, Stale: true}
					d.mu.Unlock()
				} else {
					chats := d.annotate(ctx, update.Chats)
					d.mu.Lock()
					d.last = chats
					d.mu.Unlock()
					delivery = Update{Chats: chats}
				}
				// Latest-wins delivery: a pending update a slow
				// consumer has not taken is replaced, not queued.
				for sent := false; !sent; {
					select {
					case out <- delivery:
						sent = true
					case <-ctx.Done():
						return
					default:
						select {
						case <-out:
						default:
						}
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (d *Directory) annotate(ctx context.Context, records []store.ChatRecord) []Chat {
	online := d.lookupPresence(ctx, records)

	d.mu.Lock()
	active := d.active
	d.mu.Unlock()

	chats := make([]Chat, 0, len(records))
	for _, rec := range records {
		chat := Chat{
			ID:            rec.ID,
			Name:          rec.Name,
			Participants:  rec.Participants,
			LastMessage:   rec.LastMessage,
			LastMessageAt: rec.LastMessageTime,
			Unread:        rec.Unread[d.userID],
			Ended:         rec.Ended,
			CreatedAt:     rec.CreatedAt,
		}
		// The active chat is being viewed, its unread count is zero
		// even before the remote reset lands.
		if rec.ID == active {
			chat.Unread = 0
		}
		for _, p := range rec.Participants {
			if p != d.userID && online[p] {
				chat.Online = true
				break
			}
		}
		chats = append(chats, chat)
	}

	sort.Slice(chats, func(i, j int) bool {
		ti, tj := activityTime(chats[i]), activityTime(chats[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return chats[i].ID < chats[j].ID
	})
	return chats
}

func activityTime(c Chat) time.Time {
	if c.LastMessageAt.IsZero() {
		return c.CreatedAt
	}
	return c.LastMessageAt
}

func (d *Directory) lookupPresence(ctx context.Context, records []store.ChatRecord) map[string]bool {
	seen := map[string]bool{}
	var others []string
	for _, rec := range records {
		for _, p := range rec.Participants {
			if p != d.userID && !seen[p] {
				seen[p] = true
				others = append(others, p)
			}
		}
	}
	online, err := d.store.GetPresence(ctx, others)
	if err != nil {
		log.LoggerFromContext(ctx).Error("presence lookup failed",
			slog.String(log.ErrorMsgField, err.Error()),
		)
		return map[string]bool{}
	}
	return online
}

// StartNewChat pairs the user with a waiting counterpart, or parks a
// lone waiting chat when the pool is empty. Claim conflicts are
// retried a bounded number of times before ErrMatchmaking.
func (d *Directory) StartNewChat(ctx context.Context, nick string) (string, error) {
	if d.gate.Offline() {
		return "", presence.ErrOffline
	}
	logger := log.LoggerFromContext(ctx).With(
		slog.String(log.UserIDField, d.userID),
		slog.String(log.NicknameField, nick),
	)

	var lastErr error
	for attempt := 0; attempt < matchAttempts; attempt++ {
		chatID, err := d.store.ClaimWaitingChat(ctx, d.userID)
		if err == nil {
			logger.Info("joined waiting chat", slog.String(log.ChatIDField, chatID))
			return chatID, nil
		}
		if errors.Is(err, store.ErrNoWaitingChat) {
			chatID, err := d.store.CreateWaitingChat(ctx, d.userID, nick)
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrMatchmaking, err)
			}
			logger.Info("created waiting chat", slog.String(log.ChatIDField, chatID))
			return chatID, nil
		}
		logger.Error("claim attempt failed", slog.String(log.ErrorMsgField, err.Error()))
		lastErr = err
	}
	return "", fmt.Errorf("%w: %v", ErrMatchmaking, lastErr)
}

// EndChat removes the user from the chat. Emptying the participant
// set marks the chat ended; it stays retained for history.
func (d *Directory) EndChat(ctx context.Context, chatID, userID string) error {
	if d.gate.Offline() {
		return presence.ErrOffline
	}
	return d.store.LeaveChat(ctx, chatID, userID)
}

// SendFriendRequest records a pending friend request for the current
// participant. Re-sending overwrites the pending request, so the call
// is idempotent rather than an error.
func (d *Directory) SendFriendRequest(ctx context.Context, chatID string) error {
	if d.gate.Offline() {
		return presence.ErrOffline
	}
	return d.store.PutFriendRequest(ctx, chatID, d.userID)
}

// SetActive marks the chat the user is viewing and zeroes its unread
// counter.
func (d *Directory) SetActive(ctx context.Context, chatID string) error {
	d.mu.Lock()
	d.active = chatID
	d.mu.Unlock()
	if chatID == "" {
		return nil
	}
	return d.store.ResetUnread(ctx, chatID, d.userID)
}
