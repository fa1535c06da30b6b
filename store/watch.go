package store

import (
	"context"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/anondevechat/anonymous-chitchat/contract"
	"github.com/anondevechat/anonymous-chitchat/log"
)

const (
	watchBackoffMin = time.Second
	watchBackoffMax = 30 * time.Second
)

// WatchChats subscribes to the chats the user participates in. The
// channel closes when ctx is cancelled; listener errors degrade to a
// Stale delivery and a backoff retry, never a closed stream.
func (c *Client) WatchChats(ctx context.Context, userID string) <-chan ChatUpdate {
	out := make(chan ChatUpdate, 1)
	query := c.fs.Collection(contract.ChatCollection).
		Where("participants", "array-contains", userID)

	go func() {
		defer close(out)
		watchQuery(ctx, query, func(docs []*firestore.DocumentSnapshot, stale bool) bool {
			update := ChatUpdate{Stale: stale}
			for _, doc := range docs {
				rec := ChatRecord{ID: doc.Ref.ID}
				if err := doc.DataTo(&rec.FirestoreChat); err != nil {
					log.LoggerFromContext(ctx).Error("malformed chat document",
						slog.String(log.ChatIDField, doc.Ref.ID),
						slog.String(log.ErrorMsgField, err.Error()),
					)
					continue
				}
				update.Chats = append(update.Chats, rec)
			}
			select {
			case out <- update:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out
}

// WatchMessages subscribes to a chat's message stream ordered by
// server timestamp ascending, document id breaking ties.
func (c *Client) WatchMessages(ctx context.Context, chatID string) <-chan MessageUpdate {
	out := make(chan MessageUpdate, 1)
	query := c.chatDoc(chatID).Collection(contract.MessageCollection).
		OrderBy("created_at", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc)

	go func() {
		defer close(out)
		watchQuery(ctx, query, func(docs []*firestore.DocumentSnapshot, stale bool) bool {
			update := MessageUpdate{Stale: stale}
			for _, doc := range docs {
				rec := MessageRecord{ID: doc.Ref.ID}
				if err := doc.DataTo(&rec.FirestoreMessage); err != nil {
					log.LoggerFromContext(ctx).Error("malformed message document",
						slog.String(log.ChatIDField, chatID),
						slog.String(log.ErrorMsgField, err.Error()),
					)
					continue
				}
				update.Messages = append(update.Messages, rec)
			}
			select {
			case out <- update:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out
}

// WatchChat subscribes to a single chat document, used by sessions to
// observe participant exits and ended state.
func (c *Client) WatchChat(ctx context.Context, chatID string) <-chan ChatRecord {
	out := make(chan ChatRecord, 1)

	go func() {
		defer close(out)
		backoff := watchBackoffMin
		for {
			it := c.chatDoc(chatID).Snapshots(ctx)
			for {
				snap, err := it.Next()
				if err != nil {
					break
				}
				backoff = watchBackoffMin
				if !snap.Exists() {
					continue
				}
				rec := ChatRecord{ID: chatID}
				if err := snap.DataTo(&rec.FirestoreChat); err != nil {
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					it.Stop()
					return
				}
			}
			it.Stop()
			if ctx.Err() != nil {
				return
			}
			log.LoggerFromContext(ctx).Error("chat listener dropped, retrying",
				slog.String(log.ChatIDField, chatID),
			)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		}
	}()
	return out
}

// WatchPresence subscribes to a user's own presence record, letting
// the tracker observe server-side disconnect detection.
func (c *Client) WatchPresence(ctx context.Context, userID string) <-chan bool {
	out := make(chan bool, 1)

	go func() {
		defer close(out)
		backoff := watchBackoffMin
		for {
			it := c.fs.Collection(contract.PresenceCollection).Doc(userID).Snapshots(ctx)
			for {
				snap, err := it.Next()
				if err != nil {
					break
				}
				backoff = watchBackoffMin
				if !snap.Exists() {
					continue
				}
				var rec contract.FirestorePresence
				if err := snap.DataTo(&rec); err != nil {
					continue
				}
				select {
				case out <- rec.Online:
				case <-ctx.Done():
					it.Stop()
					return
				}
			}
			it.Stop()
			if ctx.Err() != nil {
				return
			}
			log.LoggerFromContext(ctx).Error("presence listener dropped, retrying",
				slog.String(log.UserIDField, userID),
			)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
		}
	}()
	return out
}

// WatchRequests subscribes to the pending friend requests of a chat.
func (c *Client) WatchRequests(ctx context.Context, chatID string) <-chan []RequestRecord {
	out := make(chan []RequestRecord, 1)
	query := c.chatDoc(chatID).Collection(contract.RequestCollection).Query

	go func() {
		defer close(out)
		watchQuery(ctx, query, func(docs []*firestore.DocumentSnapshot, _ bool) bool {
			var requests []RequestRecord
			for _, doc := range docs {
				var req contract.FirestoreFriendRequest
				if err := doc.DataTo(&req); err != nil {
					continue
				}
				requests = append(requests, RequestRecord{From: req.From, CreatedAt: req.CreatedAt})
			}
			select {
			case out <- requests:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out
}

// watchQuery runs a snapshot listener until ctx is cancelled, calling
// deliver with each snapshot's documents. On listener errors it
// delivers a stale marker and retries with backoff.
func watchQuery(ctx context.Context, query firestore.Query, deliver func(docs []*firestore.DocumentSnapshot, stale bool) bool) {
	backoff := watchBackoffMin
	for {
		it := query.Snapshots(ctx)
		for {
			snap, err := it.Next()
			if err != nil {
				break
			}
			backoff = watchBackoffMin
			docs, err := collectDocs(snap)
			if err != nil {
				break
			}
			if !deliver(docs, false) {
				it.Stop()
				return
			}
		}
		it.Stop()
		if ctx.Err() != nil {
			return
		}
		log.LoggerFromContext(ctx).Error("snapshot listener dropped, retrying")
		if !deliver(nil, true) {
			return
		}
		if !sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func collectDocs(snap *firestore.QuerySnapshot) ([]*firestore.DocumentSnapshot, error) {
	var docs []*firestore.DocumentSnapshot
	for {
		doc, err := snap.Documents.Next()
		if err == iterator.Done {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > watchBackoffMax {
		return watchBackoffMax
	}
	return d
}
