package session

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/anondevechat/anonymous-chitchat/attachment"
	"github.com/anondevechat/anonymous-chitchat/fixture"
	"github.com/anondevechat/anonymous-chitchat/presence"
)

type fakeGate struct {
	offline bool
}

func (g *fakeGate) Offline() bool { return g.offline }

type fakeBlobs struct {
	uploads int
}

func (f *fakeBlobs) Upload(_ context.Context, key, _, _ string) (string, error) {
	f.uploads++
	return "https://blobs.example/" + key, nil
}

// pairedChat creates a two-party chat between u1 and u2.
func pairedChat(t *testing.T, s *fixture.Store) string {
	t.Helper()
	ctx := context.Background()
	chatID, err := s.CreateWaitingChat(ctx, "u1", "SilentFalcon42")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimWaitingChat(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	return chatID
}

func nextUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case update, ok := <-ch:
		if !ok {
			t.Fatal("update stream closed unexpectedly")
		}
		return update
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}
	return Update{}
}

func TestMessagesArriveInTimestampOrder(t *testing.T) {
	store := fixture.NewStore()
	chatID := pairedChat(t, store)
	ctx := context.Background()

	sender := New(store, "u1")
	for _, content := range []string{"first", "second", "third"} {
		if _, err := sender.SendMessage(ctx, chatID, content, nil); err != nil {
			t.Fatal(err)
		}
	}

	sess := New(store, "u2")
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := sess.Subscribe(subCtx, chatID)

	var update Update
	for {
		update = nextUpdate(t, updates)
		if len(update.Messages) == 3 {
			break
		}
	}
	for i := 1; i < len(update.Messages); i++ {
		if update.Messages[i].Timestamp.Before(update.Messages[i-1].Timestamp) {
			t.Errorf("message %d out of order: %v before %v",
				i, update.Messages[i].Timestamp, update.Messages[i-1].Timestamp)
		}
	}
	if update.Messages[0].Content != "first" || update.Messages[2].Content != "third" {
		t.Errorf("unexpected order: %+v", update.Messages)
	}
}

func TestSendWhileOfflineNeverReachesStore(t *testing.T) {
	store := fixture.NewStore()
	chatID := pairedChat(t, store)
	gate := &fakeGate{offline: true}
	sess := New(store, "u1").WithGate(gate)

	writesBefore := store.Writes
	_, err := sess.SendMessage(context.Background(), chatID, "hello", nil)
	if !errors.Is(err, presence.ErrOffline) {
		t.Fatalf("SendMessage offline error = %v; want ErrOffline", err)
	}
	if store.Writes != writesBefore {
		t.Errorf("store mutated by refused send: %d writes before, %d after", writesBefore, store.Writes)
	}
}

func TestSendEmptyMessage(t *testing.T) {
	store := fixture.NewStore()
	chatID := pairedChat(t, store)
	sess := New(store, "u1")

	for _, content := range []string{"", "   ", "\n\t"} {
		if _, err := sess.SendMessage(context.Background(), chatID, content, nil); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("SendMessage(%q) error = %v; want ErrEmptyMessage", content, err)
		}
	}
}

func TestAttachmentOnlyMessageIsAllowed(t *testing.T) {
	store := fixture.NewStore()
	chatID := pairedChat(t, store)
	blobs := &fakeBlobs{}
	sess := New(store, "u1").WithBlobs(blobs)

	draft, err := attachment.Attach("image/png", strings.NewReader("pixels"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sess.SendMessage(context.Background(), chatID, "", draft); err != nil {
		t.Fatalf("attachment-only send failed: %v", err)
	}
	if blobs.uploads != 1 {
		t.Errorf("uploads = %d; want 1", blobs.uploads)
	}
}

func TestDraftReleasedEvenWhenSendFails(t *testing.T) {
	store := fixture.NewStore()
	chatID := pairedChat(t, store)
	gate := &fakeGate{offline: true}
	sess := New(store, "u1").WithGate(gate)

	draft, err := attachment.Attach("image/png", strings.NewReader("pixels"))
	if err != nil {
		t.Fatal(err)
	}
	path := strings.TrimPrefix(draft.PreviewURL(), "file://")

	if _, err := sess.SendMessage(context.Background(), chatID, "", draft); !errors.Is(err, presence.ErrOffline) {
		t.Fatalf("send error = %v; want ErrOffline", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("ephemeral preview not released after failed send")
	}
}

func TestAttachmentWithoutBlobStore(t *testing.T) {
	store := fixture.NewStore()
	chatID := pairedChat(t, store)
	sess := New(store, "u1") // no blob store installed

	draft, err := attachment.Attach("image/png", strings.NewReader("pixels"))
	if err != nil {
		t.Fatal(err)
	}
	path := strings.TrimPrefix(draft.PreviewURL(), "file://")

	writesBefore := store.Writes
	if _, err := sess.SendMessage(context.Background(), chatID, "", draft); !errors.Is(err, ErrNoBlobStore) {
		t.Fatalf("SendMessage without blob store error = %v; want ErrNoBlobStore", err)
	}
	if store.Writes != writesBefore {
		t.Errorf("store mutated by refused send: %d writes before, %d after", writesBefore, store.Writes)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("ephemeral preview not released after refused send")
	}
}

func TestListenerDropDegradesToLoading(t *testing.T) {
	store := fixture.NewStore()
	chatID := pairedChat(t, store)
	ctx := context.Background()

	sender := New(store, "u2")
	if _, err := sender.SendMessage(ctx, chatID, "hello", nil); err != nil {
		t.Fatal(err)
	}

	sess := New(store, "u1")
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := sess.Subscribe(subCtx, chatID)
	for {
		if update := nextUpdate(t, updates); len(update.Messages) == 1 && !update.Stale {
			break
		}
	}
	if sess.State() != Live {
		t.Fatalf("state before drop = %v; want live", sess.State())
	}

	store.DropMessageStream(chatID)
	update := nextUpdate(t, updates)
	if !update.Stale {
		t.Fatalf("update after listener drop not marked stale: %+v", update)
	}
	if len(update.Messages) != 1 || update.Messages[0].Content != "hello" {
		t.Errorf("stale delivery lost the last-known view: %+v", update.Messages)
	}
	if sess.State() != Loading {
		t.Errorf("state after listener drop = %v; want loading", sess.State())
	}

	// The next good snapshot recovers the stream.
	if _, err := sender.SendMessage(ctx, chatID, "back again", nil); err != nil {
		t.Fatal(err)
	}
	for {
		update = nextUpdate(t, updates)
		if len(update.Messages) == 2 && !update.Stale {
			break
		}
	}
	if sess.State() != Live {
		t.Errorf("state after recovery = %v; want live", sess.State())
	}
}

func TestSendToEndedChat(t *testing.T) {
	store := fixture.NewStore()
	chatID := pairedChat(t, store)
	ctx := context.Background()

	if err := store.LeaveChat(ctx, chatID, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := store.LeaveChat(ctx, chatID, "u2"); err != nil {
		t.Fatal(err)
	}

	sess := New(store, "u1")
	if _, err := sess.SendMessage(ctx, chatID, "anyone there?", nil); !errors.Is(err, ErrChatEnded) {
		t.Errorf("SendMessage to ended chat error = %v; want ErrChatEnded", err)
	}
}

func TestStateMachine(t *testing.T) {
	store := fixture.NewStore()
	chatID := pairedChat(t, store)
	ctx := context.Background()

	sess := New(store, "u1")
	if sess.State() != Inactive {
		t.Fatalf("initial state = %v; want inactive", sess.State())
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := sess.Subscribe(subCtx, chatID)
	nextUpdate(t, updates)
	if sess.State() != Live {
		t.Errorf("state after first delivery = %v; want live", sess.State())
	}

	// Both participants leave; the session observes the ended chat.
	if err := store.LeaveChat(ctx, chatID, "u2"); err != nil {
		t.Fatal(err)
	}
	if err := store.LeaveChat(ctx, chatID, "u1"); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for sess.State() != Ended {
		select {
		case <-deadline:
			t.Fatalf("state = %v; want ended", sess.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	sess.Unsubscribe()
	if sess.State() != Unsubscribed {
		t.Errorf("state after unsubscribe = %v; want unsubscribed", sess.State())
	}
}

func TestSwitchingChatsHasNoCrossTalk(t *testing.T) {
	store := fixture.NewStore()
	ctx := context.Background()
	chatA := pairedChat(t, store) // u1+u2
	chatB, err := store.CreateWaitingChat(ctx, "u1", "SilentFalcon42")
	if err != nil {
		t.Fatal(err)
	}

	sess := New(store, "u1")
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updatesA := sess.Subscribe(subCtx, chatA)
	nextUpdate(t, updatesA)

	updatesB := sess.Subscribe(subCtx, chatB)
	nextUpdate(t, updatesB)

	// A message for chat A after the switch must reach neither the
	// B-subscriber nor the cancelled A stream.
	other := New(store, "u2")
	if _, err := other.SendMessage(ctx, chatA, "late for A", nil); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case update, ok := <-updatesB:
			if !ok {
				t.Fatal("B stream closed")
			}
			for _, msg := range update.Messages {
				if msg.ChatID == chatA {
					t.Fatalf("chat A message delivered to B-subscriber: %+v", msg)
				}
			}
		case update, ok := <-updatesA:
			if ok && len(update.Messages) > 0 {
				t.Fatalf("cancelled A stream still delivering: %+v", update)
			}
			if !ok {
				updatesA = nil // closed, as expected
			}
		case <-timeout:
			return
		}
	}
}

func TestFriendRequestAckIsObserved(t *testing.T) {
	store := fixture.NewStore()
	chatID := pairedChat(t, store)
	ctx := context.Background()

	sess := New(store, "u1")
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := sess.Subscribe(subCtx, chatID)
	if update := nextUpdate(t, updates); update.FriendRequestSent {
		t.Fatal("friend request marked sent before any request")
	}

	if err := store.PutFriendRequest(ctx, chatID, "u1"); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case update := <-updates:
			if update.FriendRequestSent {
				return
			}
		case <-deadline:
			t.Fatal("friend request acknowledgment never observed")
		}
	}
}
