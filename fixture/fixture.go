// Package fixture provides an in-memory stand-in for the remote store
// so the directory, session and presence logic can be tested without
// Firestore.
package fixture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anondevechat/anonymous-chitchat/contract"
	"github.com/anondevechat/anonymous-chitchat/store"
)

// Store mimics the remote store: mutations bump an internal clock
// standing in for server-assigned timestamps and fan out fresh
// snapshots to live subscribers. Cancelled subscribers are skipped,
// so stale deliveries are no-ops exactly like a detached listener.
type Store struct {
	mu       sync.Mutex
	clock    time.Time
	seq      int
	chats    map[string]*contract.FirestoreChat
	messages map[string][]store.MessageRecord
	requests map[string]map[string]store.RequestRecord
	presence map[string]contract.FirestorePresence

	chatSubs []*chatSub
	msgSubs  []*msgSub
	docSubs  []*docSub
	reqSubs  []*reqSub
	presSubs []*presSub

	// Writes counts remote mutations, letting tests assert that
	// refused sends never touched the store.
	Writes int

	// ClaimErr, when set, fails every matchmaking claim attempt.
	ClaimErr error
}

type chatSub struct {
	ctx    context.Context
	userID string
	ch     chan store.ChatUpdate
	closed bool
}

type msgSub struct {
	ctx    context.Context
	chatID string
	ch     chan store.MessageUpdate
	closed bool
}

type docSub struct {
	ctx    context.Context
	chatID string
	ch     chan store.ChatRecord
	closed bool
}

type reqSub struct {
	ctx    context.Context
	chatID string
	ch     chan []store.RequestRecord
	closed bool
}

type presSub struct {
	ctx    context.Context
	userID string
	ch     chan bool
	closed bool
}

func NewStore() *Store {
	return &Store{
		clock:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		chats:    make(map[string]*contract.FirestoreChat),
		messages: make(map[string][]store.MessageRecord),
		requests: make(map[string]map[string]store.RequestRecord),
		presence: make(map[string]contract.FirestorePresence),
	}
}

// tick advances the server clock; every assigned timestamp is
// strictly greater than the previous one.
func (s *Store) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *Store) WatchChats(ctx context.Context, userID string) <-chan store.ChatUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &chatSub{ctx: ctx, userID: userID, ch: make(chan store.ChatUpdate, 64)}
	s.chatSubs = append(s.chatSubs, sub)
	sub.ch <- s.chatUpdateLocked(userID)
	return sub.ch
}

func (s *Store) WatchMessages(ctx context.Context, chatID string) <-chan store.MessageUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &msgSub{ctx: ctx, chatID: chatID, ch: make(chan store.MessageUpdate, 64)}
	s.msgSubs = append(s.msgSubs, sub)
	sub.ch <- store.MessageUpdate{Messages: append([]store.MessageRecord(nil), s.messages[chatID]...)}
	return sub.ch
}

func (s *Store) WatchChat(ctx context.Context, chatID string) <-chan store.ChatRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &docSub{ctx: ctx, chatID: chatID, ch: make(chan store.ChatRecord, 64)}
	s.docSubs = append(s.docSubs, sub)
	if chat, ok := s.chats[chatID]; ok {
		sub.ch <- store.ChatRecord{ID: chatID, FirestoreChat: *chat}
	}
	return sub.ch
}

func (s *Store) WatchRequests(ctx context.Context, chatID string) <-chan []store.RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &reqSub{ctx: ctx, chatID: chatID, ch: make(chan []store.RequestRecord, 64)}
	s.reqSubs = append(s.reqSubs, sub)
	sub.ch <- s.requestsLocked(chatID)
	return sub.ch
}

func (s *Store) WatchPresence(ctx context.Context, userID string) <-chan bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &presSub{ctx: ctx, userID: userID, ch: make(chan bool, 64)}
	s.presSubs = append(s.presSubs, sub)
	if p, ok := s.presence[userID]; ok {
		sub.ch <- p.Online
	}
	return sub.ch
}

func (s *Store) CreateWaitingChat(_ context.Context, userID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Writes++
	chatID := s.nextID("chat")
	s.chats[chatID] = &contract.FirestoreChat{
		Name:         name,
		Participants: []string{userID},
		Unread:       map[string]int64{userID: 0},
		Waiting:      true,
		CreatedAt:    s.tick(),
	}
	s.broadcastLocked(chatID)
	return chatID, nil
}

func (s *Store) ClaimWaitingChat(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ClaimErr != nil {
		return "", s.ClaimErr
	}
	for chatID, chat := range s.chats {
		if !chat.Waiting || chat.Ended || containsStr(chat.Participants, userID) {
			continue
		}
		s.Writes++
		chat.Participants = append(chat.Participants, userID)
		chat.Waiting = false
		chat.Unread[userID] = 0
		s.broadcastLocked(chatID)
		return chatID, nil
	}
	return "", store.ErrNoWaitingChat
}

func (s *Store) LeaveChat(_ context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return store.ErrChatNotFound
	}
	s.Writes++
	remaining := chat.Participants[:0:0]
	for _, p := range chat.Participants {
		if p != userID {
			remaining = append(remaining, p)
		}
	}
	chat.Participants = remaining
	if len(remaining) == 0 {
		chat.Ended = true
		chat.Waiting = false
	}
	s.broadcastLocked(chatID)
	return nil
}

func (s *Store) AppendMessage(_ context.Context, chatID string, msg contract.FirestoreMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return "", store.ErrChatNotFound
	}
	s.Writes++
	msg.CreatedAt = s.tick()
	rec := store.MessageRecord{ID: s.nextID("msg"), FirestoreMessage: msg}
	s.messages[chatID] = append(s.messages[chatID], rec)

	chat.LastMessage = msg.Content
	if chat.LastMessage == "" && msg.Attachment != nil {
		chat.LastMessage = "[" + msg.Attachment.Kind + "]"
	}
	chat.LastMessageTime = msg.CreatedAt
	for _, p := range chat.Participants {
		if p != msg.Sender {
			chat.Unread[p]++
		}
	}
	s.broadcastLocked(chatID)
	return rec.ID, nil
}

func (s *Store) PutFriendRequest(_ context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Writes++
	if s.requests[chatID] == nil {
		s.requests[chatID] = make(map[string]store.RequestRecord)
	}
	s.requests[chatID][userID] = store.RequestRecord{From: userID, CreatedAt: s.tick()}
	s.broadcastLocked(chatID)
	return nil
}

func (s *Store) ResetUnread(_ context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return store.ErrChatNotFound
	}
	s.Writes++
	chat.Unread[userID] = 0
	s.broadcastLocked(chatID)
	return nil
}

func (s *Store) GetChat(_ context.Context, chatID string) (store.ChatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return store.ChatRecord{}, store.ErrChatNotFound
	}
	return store.ChatRecord{ID: chatID, FirestoreChat: *chat}, nil
}

func (s *Store) SetPresence(_ context.Context, userID string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Writes++
	s.presence[userID] = contract.FirestorePresence{Online: online, LastSeen: s.tick()}
	s.broadcastPresenceLocked(userID)
	return nil
}

func (s *Store) broadcastPresenceLocked(userID string) {
	for _, sub := range s.presSubs {
		if sub.closed {
			continue
		}
		if sub.ctx.Err() != nil {
			close(sub.ch)
			sub.closed = true
			continue
		}
		if sub.userID != userID {
			continue
		}
		sub.ch <- s.presence[userID].Online
	}
}

func (s *Store) GetPresence(_ context.Context, userIDs []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	online := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if p, ok := s.presence[id]; ok {
			online[id] = p.Online
		}
	}
	return online, nil
}

// DropMessageStream simulates a snapshot listener losing its
// connection for chatID: live message subscribers receive their last
// view again with the stale flag set, the way the real store degrades
// on a listener error. The next mutation delivers fresh snapshots.
func (s *Store) DropMessageStream(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.msgSubs {
		if sub.closed || sub.chatID != chatID || sub.ctx.Err() != nil {
			continue
		}
		sub.ch <- store.MessageUpdate{
			Messages: append([]store.MessageRecord(nil), s.messages[chatID]...),
			Stale:    true,
		}
	}
}

// Presence reports the stored heartbeat record for assertions.
func (s *Store) Presence(userID string) (contract.FirestorePresence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	return p, ok
}

// PendingRequests reports the pending friend requests of a chat.
func (s *Store) PendingRequests(chatID string) []store.RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestsLocked(chatID)
}

func (s *Store) requestsLocked(chatID string) []store.RequestRecord {
	var out []store.RequestRecord
	for _, r := range s.requests[chatID] {
		out = append(out, r)
	}
	return out
}

func (s *Store) chatUpdateLocked(userID string) store.ChatUpdate {
	var update store.ChatUpdate
	for chatID, chat := range s.chats {
		if containsStr(chat.Participants, userID) {
			update.Chats = append(update.Chats, store.ChatRecord{ID: chatID, FirestoreChat: *chat})
		}
	}
	return update
}

// broadcastLocked fans the post-mutation state out to every live
// subscriber touched by a change to chatID. Cancelled subscribers get
// their channel closed here, under the same lock as the sends.
func (s *Store) broadcastLocked(chatID string) {
	for _, sub := range s.chatSubs {
		if sub.closed {
			continue
		}
		if sub.ctx.Err() != nil {
			close(sub.ch)
			sub.closed = true
			continue
		}
		sub.ch <- s.chatUpdateLocked(sub.userID)
	}
	for _, sub := range s.msgSubs {
		if sub.closed {
			continue
		}
		if sub.ctx.Err() != nil {
			close(sub.ch)
			sub.closed = true
			continue
		}
		if sub.chatID != chatID {
			continue
		}
		sub.ch <- store.MessageUpdate{Messages: append([]store.MessageRecord(nil), s.messages[chatID]...)}
	}
	for _, sub := range s.docSubs {
		if sub.closed {
			continue
		}
		if sub.ctx.Err() != nil {
			close(sub.ch)
			sub.closed = true
			continue
		}
		if sub.chatID != chatID {
			continue
		}
		if chat, ok := s.chats[chatID]; ok {
			sub.ch <- store.ChatRecord{ID: chatID, FirestoreChat: *chat}
		}
	}
	for _, sub := range s.reqSubs {
		if sub.closed {
			continue
		}
		if sub.ctx.Err() != nil {
			close(sub.ch)
			sub.closed = true
			continue
		}
		if sub.chatID != chatID {
			continue
		}
		sub.ch <- s.requestsLocked(chatID)
	}
}

func containsStr(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}
