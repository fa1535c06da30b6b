// Package store is the remote store boundary. Firestore is the sole
// source of truth: subscriptions are snapshot listeners delivered on
// channels, writes are transactions with server-assigned timestamps,
// and local writes are never assumed to be immediately visible in the
// subscription stream.
package store

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/firestore"

	"github.com/anondevechat/anonymous-chitchat/contract"
)

var (
	ErrNoWaitingChat = errors.New("no waiting chat available")
	ErrChatNotFound  = errors.New("chat not found")
)

// ChatRecord is a chat document together with its id.
type ChatRecord struct {
	ID string
	contract.FirestoreChat
}

// MessageRecord is a message document together with its id.
type MessageRecord struct {
	ID string
	contract.FirestoreMessage
}

// RequestRecord is a pending friend request within a chat.
type RequestRecord struct {
	From      string
	CreatedAt time.Time
}

// ChatUpdate is one delivery on a chat-list subscription. Stale marks
// a delivery gap: the listener hit an error and is retrying, so the
// previous chats remain the best known state.
type ChatUpdate struct {
	Chats []ChatRecord
	Stale bool
}

// MessageUpdate is one delivery on a message subscription.
type MessageUpdate struct {
	Messages []MessageRecord
	Stale    bool
}

// Client wraps the Firestore client with the operations the chat core
// needs.
type Client struct {
	fs *firestore.Client
}

// New connects to Firestore. The project id falls back to the
// metadata server when not configured.
func New(ctx context.Context, projectID string) (*Client, error) {
	if projectID == "" {
		var err error
		projectID, err = metadata.ProjectIDWithContext(ctx)
		if err != nil {
			return nil, err
		}
	}
	fs, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &Client{fs: fs}, nil
}

func (c *Client) Close() error {
	return c.fs.Close()
}

func (c *Client) chatDoc(chatID string) *firestore.DocumentRef {
	return c.fs.Collection(contract.ChatCollection).Doc(chatID)
}
