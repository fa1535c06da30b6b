package store

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/anondevechat/anonymous-chitchat/contract"
)

const claimCandidates = 5

// CreateWaitingChat creates a lone chat with the user as the first
// participant, waiting for matchmaking to pair a counterpart.
func (c *Client) CreateWaitingChat(ctx context.Context, userID, name string) (string, error) {
	chatID := uuid.NewString()
	_, err := c.chatDoc(chatID).Create(ctx, contract.FirestoreChat{
		Name:         name,
		Participants: []string{userID},
		Unread:       map[string]int64{userID: 0},
		Waiting:      true,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		return "", err
	}
	return chatID, nil
}

// ClaimWaitingChat pairs the user with a chat from the waiting pool.
// Returns ErrNoWaitingChat when the pool holds no chat the user could
// join; transaction conflicts bubble up so the caller can retry.
func (c *Client) ClaimWaitingChat(ctx context.Context, userID string) (string, error) {
	docs, err := c.fs.Collection(contract.ChatCollection).
		Where("waiting", "==", true).
		Where("ended", "==", false).
		Limit(claimCandidates).
		Documents(ctx).GetAll()
	if err != nil {
		return "", err
	}

	for _, doc := range docs {
		var chat contract.FirestoreChat
		if err := doc.DataTo(&chat); err != nil {
			continue
		}
		if contains(chat.Participants, userID) {
			continue
		}

		claimed, err := c.claim(ctx, doc.Ref, userID)
		if err != nil {
			return "", err
		}
		if claimed {
			return doc.Ref.ID, nil
		}
	}
	return "", ErrNoWaitingChat
}

// claim re-reads the candidate inside a transaction so two seekers
// cannot both join the same waiting chat.
func (c *Client) claim(ctx context.Context, ref *firestore.DocumentRef, userID string) (bool, error) {
	var claimed bool
	err := c.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		claimed = false
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}
		var chat contract.FirestoreChat
		if err := doc.DataTo(&chat); err != nil {
			return nil
		}
		if !chat.Waiting || chat.Ended || contains(chat.Participants, userID) {
			return nil
		}
		claimed = true
		return tx.Update(ref, []firestore.Update{
			{Path: "participants", Value: firestore.ArrayUnion(userID)},
			{Path: "waiting", Value: false},
			{Path: "unread." + userID, Value: int64(0)},
		})
	})
	return claimed, err
}

// LeaveChat removes the user from the chat's participants; an emptied
// chat is marked ended, retained for history rather than deleted.
func (c *Client) LeaveChat(ctx context.Context, chatID, userID string) error {
	ref := c.chatDoc(chatID)
	return c.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrChatNotFound
			}
			return err
		}
		var chat contract.FirestoreChat
		if err := doc.DataTo(&chat); err != nil {
			return err
		}
		remaining := remove(chat.Participants, userID)
		updates := []firestore.Update{
			{Path: "participants", Value: remaining},
		}
		if len(remaining) == 0 {
			updates = append(updates,
				firestore.Update{Path: "ended", Value: true},
				firestore.Update{Path: "waiting", Value: false},
			)
		}
		return tx.Update(ref, updates)
	})
}

// AppendMessage writes a message with a server-assigned timestamp and
// updates the chat's last-message summary and the unread counters of
// every other participant.
func (c *Client) AppendMessage(ctx context.Context, chatID string, msg contract.FirestoreMessage) (string, error) {
	chatRef := c.chatDoc(chatID)
	msgID := uuid.NewString()
	msgRef := chatRef.Collection(contract.MessageCollection).Doc(msgID)

	err := c.fs.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(chatRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrChatNotFound
			}
			return err
		}
		var chat contract.FirestoreChat
		if err := doc.DataTo(&chat); err != nil {
			return err
		}

		preview := msg.Content
		if preview == "" && msg.Attachment != nil {
			preview = "[" + msg.Attachment.Kind + "]"
		}
		updates := []firestore.Update{
			{Path: "last_message", Value: preview},
			{Path: "last_message_time", Value: firestore.ServerTimestamp},
		}
		for _, p := range chat.Participants {
			if p != msg.Sender {
				updates = append(updates, firestore.Update{
					Path: "unread." + p, Value: firestore.Increment(1),
				})
			}
		}
		if err := tx.Create(msgRef, msg); err != nil {
			return err
		}
		return tx.Update(chatRef, updates)
	})
	if err != nil {
		return "", err
	}
	return msgID, nil
}

// PutFriendRequest records the user's pending friend request in the
// chat. The document id is the requester, so re-sending overwrites
// the previous request and at most one stays pending.
func (c *Client) PutFriendRequest(ctx context.Context, chatID, userID string) error {
	_, err := c.chatDoc(chatID).Collection(contract.RequestCollection).Doc(userID).
		Set(ctx, contract.FirestoreFriendRequest{From: userID})
	return err
}

// ResetUnread zeroes the viewer's unread counter for a chat.
func (c *Client) ResetUnread(ctx context.Context, chatID, userID string) error {
	_, err := c.chatDoc(chatID).Update(ctx, []firestore.Update{
		{Path: "unread." + userID, Value: int64(0)},
	})
	return err
}

// GetChat reads a single chat document.
func (c *Client) GetChat(ctx context.Context, chatID string) (ChatRecord, error) {
	doc, err := c.chatDoc(chatID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ChatRecord{}, ErrChatNotFound
		}
		return ChatRecord{}, err
	}
	rec := ChatRecord{ID: chatID}
	if err := doc.DataTo(&rec.FirestoreChat); err != nil {
		return ChatRecord{}, err
	}
	return rec, nil
}

// SetPresence writes the user's heartbeat record. Setting offline is
// also the "last seen" marker written on a connectivity drop.
func (c *Client) SetPresence(ctx context.Context, userID string, online bool) error {
	_, err := c.fs.Collection(contract.PresenceCollection).Doc(userID).
		Set(ctx, contract.FirestorePresence{Online: online, LastSeen: time.Now()})
	return err
}

// GetPresence reads the online flag for a set of users. Unknown users
// are reported offline.
func (c *Client) GetPresence(ctx context.Context, userIDs []string) (map[string]bool, error) {
	online := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return online, nil
	}
	refs := make([]*firestore.DocumentRef, 0, len(userIDs))
	for _, id := range userIDs {
		refs = append(refs, c.fs.Collection(contract.PresenceCollection).Doc(id))
	}
	docs, err := c.fs.GetAll(ctx, refs)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if !doc.Exists() {
			continue
		}
		var p contract.FirestorePresence
		if err := doc.DataTo(&p); err != nil {
			continue
		}
		online[doc.Ref.ID] = p.Online
	}
	return online, nil
}

// EndedChats lists ended chats, used by the archive tool.
func (c *Client) EndedChats(ctx context.Context) ([]ChatRecord, error) {
	var chats []ChatRecord
	it := c.fs.Collection(contract.ChatCollection).Where("ended", "==", true).Documents(ctx)
	for {
		doc, err := it.Next()
		if err == iterator.Done {
			return chats, nil
		}
		if err != nil {
			return nil, err
		}
		rec := ChatRecord{ID: doc.Ref.ID}
		if err := doc.DataTo(&rec.FirestoreChat); err != nil {
			continue
		}
		chats = append(chats, rec)
	}
}

// Messages reads a chat's full message history, used by the archive
// tool.
func (c *Client) Messages(ctx context.Context, chatID string) ([]MessageRecord, error) {
	var msgs []MessageRecord
	it := c.chatDoc(chatID).Collection(contract.MessageCollection).
		OrderBy("created_at", firestore.Asc).Documents(ctx)
	for {
		doc, err := it.Next()
		if err == iterator.Done {
			return msgs, nil
		}
		if err != nil {
			return nil, err
		}
		rec := MessageRecord{ID: doc.Ref.ID}
		if err := doc.DataTo(&rec.FirestoreMessage); err != nil {
			continue
		}
		msgs = append(msgs, rec)
	}
}

func contains(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

func remove(s []string, v string) []string {
	out := make([]string, 0, len(s))
	for _, e := range s {
		if e != v {
			out = append(out, e)
		}
	}
	return out
}
