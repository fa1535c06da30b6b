// Package session is the active conversation: the live message
// stream, send validation, and the client-side view of participant
// state.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anondevechat/anonymous-chitchat/attachment"
	"github.com/anondevechat/anonymous-chitchat/contract"
	"github.com/anondevechat/anonymous-chitchat/log"
	"github.com/anondevechat/anonymous-chitchat/presence"
	"github.com/anondevechat/anonymous-chitchat/store"
)

var (
	ErrEmptyMessage = errors.New("empty message")
	ErrChatEnded    = errors.New("chat ended")
	ErrNoBlobStore  = errors.New("no blob store configured")
)

// State is the per-chat client-side lifecycle.
type State int

const (
	Inactive State = iota
	Loading
	Live
	Ended
	Unsubscribed
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Loading:
		return "loading"
	case Live:
		return "live"
	case Ended:
		return "ended"
	case Unsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

// Message is an immutable chat message. Ordering within a chat is a
// total order by timestamp, ties broken by id.
type Message struct {
	ID         string
	ChatID     string
	Sender     string
	Content    string
	Timestamp  time.Time
	Attachment *attachment.Ref
}

// Update is one delivery on a session subscription: the full ordered
// message view plus the observed participant state.
type Update struct {
	Messages          []Message
	Stale             bool
	Ended             bool
	FriendRequestSent bool
}

// Store is the slice of the remote store the session consumes.
type Store interface {
	WatchMessages(ctx context.Context, chatID string) <-chan store.MessageUpdate
	WatchChat(ctx context.Context, chatID string) <-chan store.ChatRecord
	WatchRequests(ctx context.Context, chatID string) <-chan []store.RequestRecord
	AppendMessage(ctx context.Context, chatID string, msg contract.FirestoreMessage) (string, error)
	GetChat(ctx context.Context, chatID string) (store.ChatRecord, error)
}

// Gate reports whether outbound actions are disabled.
type Gate interface {
	Offline() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Offline() bool { return false }

// Session tracks one user's active conversation. Switching chats
// cancels the previous stream; deliveries from a cancelled stream are
// no-ops.
type Session struct {
	store Store
	gate  Gate
	blobs attachment.BlobStore

	userID string

	mu     sync.Mutex
	chatID string
	state  State
	epoch  int
	cancel context.CancelFunc
}

func New(s Store, userID string) *Session {
	return &Session{store: s, gate: alwaysOnline{}, userID: userID, state: Inactive}
}

// WithGate installs the presence gate checked before sends.
func (s *Session) WithGate(gate Gate) *Session {
	s.gate = gate
	return s
}

// WithBlobs installs the durable store drafts are sealed into.
func (s *Session) WithBlobs(blobs attachment.BlobStore) *Session {
	s.blobs = blobs
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe switches the session to chatID and returns its message
// stream, ascending by timestamp. Any previous subscription is
// cancelled first; its late deliveries never reach the new stream.
func (s *Session) Subscribe(ctx context.Context, chatID string) <-chan Update {
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.chatID = chatID
	s.state = Loading
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	out := make(chan Update, 1)
	go s.stream(subCtx, chatID, epoch, out)
	return out
}

// Unsubscribe detaches from the current chat, e.g. when the user
// navigates away.
func (s *Session) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.epoch++ // in-flight deliveries from the old stream become no-ops
	s.state = Unsubscribed
	s.chatID = ""
}

func (s *Session) stream(ctx context.Context, chatID string, epoch int, out chan Update) {
	defer close(out)

	messages := s.store.WatchMessages(ctx, chatID)
	chatDocs := s.store.WatchChat(ctx, chatID)
	requests := s.store.WatchRequests(ctx, chatID)

	// The three subscriptions are independent suspension points; a
	// message may arrive before the chat's own record is cached
	// locally, and that interleaving must be harmless.
	var (
		view        []Message
		ended       bool
		requestSent bool
	)
	// Delivery is backpressure-free: each update is a full snapshot,
	// so a pending one a slow consumer has not taken yet is replaced
	// rather than queued behind.
	deliver := func(stale bool) bool {
		update := Update{
			Messages:          view,
			Stale:             stale,
			Ended:             ended,
			FriendRequestSent: requestSent,
		}
		for {
			select {
			case out <- update:
				return true
			case <-ctx.Done():
				return false
			default:
			}
			select {
			case <-out:
			default:
			}
		}
	}

	for {
		select {
		case update, ok := <-messages:
			if !ok {
				return
			}
			if update.Stale {
				// Dropped subscription: degrade to Loading until the
				// listener recovers, keep the stale view visible.
				s.setState(epoch, Loading)
				if !deliver(true) {
					return
				}
				continue
			}
			view = toMessages(chatID, update.Messages)
			if !s.setState(epoch, Live) {
				return
			}
			if !deliver(false) {
				return
			}
		case rec, ok := <-chatDocs:
			if !ok {
				return
			}
			if rec.Ended && !ended {
				ended = true
				s.setState(epoch, Ended)
				if !deliver(false) {
					return
				}
			}
		case reqs, ok := <-requests:
			if !ok {
				return
			}
			sent := false
			for _, r := range reqs {
				if r.From == s.userID {
					sent = true
					break
				}
			}
			if sent != requestSent {
				requestSent = sent
				if !deliver(false) {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// setState applies a transition only while the subscription that
// observed it is still the current one; stale callbacks after a
// switch are no-ops. Ended is terminal except for Unsubscribed.
func (s *Session) setState(epoch int, next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	if s.state == Ended && next != Unsubscribed {
		return true
	}
	s.state = next
	return true
}

// SendMessage validates locally, exchanges a staged attachment for
// its durable reference, and appends the message with a
// server-assigned timestamp. The draft's ephemeral handle is released
// whether or not the send succeeds.
func (s *Session) SendMessage(ctx context.Context, chatID, content string, draft *attachment.Draft) (string, error) {
	if draft != nil {
		defer draft.Release()
	}

	if strings.TrimSpace(content) == "" && draft == nil {
		return "", ErrEmptyMessage
	}
	if s.gate.Offline() {
		return "", presence.ErrOffline
	}

	var ref *attachment.Ref
	if draft != nil {
		if s.blobs == nil {
			return "", ErrNoBlobStore
		}
		// Check the chat is still live before paying for the upload.
		rec, err := s.store.GetChat(ctx, chatID)
		if err != nil {
			return "", err
		}
		if rec.Ended {
			return "", ErrChatEnded
		}
		ref, err = draft.Seal(ctx, s.blobs)
		if err != nil {
			return "", err
		}
	}
	return s.SendWithRef(ctx, chatID, content, ref)
}

// SendWithRef appends a message whose attachment, if any, already has
// a durable reference. Used by SendMessage and by the gateway, which
// receives durable references over the wire.
func (s *Session) SendWithRef(ctx context.Context, chatID, content string, ref *attachment.Ref) (string, error) {
	if strings.TrimSpace(content) == "" && ref == nil {
		return "", ErrEmptyMessage
	}
	if s.gate.Offline() {
		return "", presence.ErrOffline
	}

	rec, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	if rec.Ended {
		return "", ErrChatEnded
	}

	msg := contract.FirestoreMessage{
		Sender:  s.userID,
		Content: content,
	}
	if ref != nil {
		msg.Attachment = &contract.FirestoreAttachment{
			Kind: string(ref.Kind),
			URL:  ref.URL,
		}
	}

	msgID, err := s.store.AppendMessage(ctx, chatID, msg)
	if err != nil {
		return "", err
	}
	log.LoggerFromContext(ctx).Info("message sent",
		slog.String(log.UserIDField, s.userID),
		slog.String(log.ChatIDField, chatID),
	)
	return msgID, nil
}

func toMessages(chatID string, records []store.MessageRecord) []Message {
	msgs := make([]Message, 0, len(records))
	for _, rec := range records {
		msg := Message{
			ID:        rec.ID,
			ChatID:    chatID,
			Sender:    rec.Sender,
			Content:   rec.Content,
			Timestamp: rec.CreatedAt,
		}
		if rec.Attachment != nil {
			msg.Attachment = &attachment.Ref{
				Kind: attachment.Kind(rec.Attachment.Kind),
				URL:  rec.Attachment.URL,
			}
		}
		msgs = append(msgs, msg)
	}
	// The store already orders by timestamp; re-sorting keeps the
	// total-order invariant even if a listener replays out of order.
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs
}
