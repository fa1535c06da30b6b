package presence

import (
	"context"
	"testing"
	"time"

	"github.com/anondevechat/anonymous-chitchat/fixture"
)

type fakeSignal struct {
	ch chan bool
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{ch: make(chan bool, 8)}
}

func (f *fakeSignal) Watch(_ context.Context) <-chan bool {
	return f.ch
}

func waitStatus(t *testing.T, ch <-chan Status, want Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case status := <-ch:
			if status == want {
				return
			}
		case <-deadline:
			t.Fatalf("never observed status %+v", want)
		}
	}
}

func TestTrackerTransitions(t *testing.T) {
	store := fixture.NewStore()
	signal := newFakeSignal()
	tracker := NewTracker(store, signal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	statuses := tracker.Track(ctx, "u1")

	waitStatus(t, statuses, Status{IsOnline: true, IsOffline: false})

	signal.ch <- false
	waitStatus(t, statuses, Status{IsOnline: false, IsOffline: true})
	if !tracker.Offline() {
		t.Error("Offline() = false after offline transition")
	}

	signal.ch <- true
	waitStatus(t, statuses, Status{IsOnline: true, IsOffline: false})
	if tracker.Offline() {
		t.Error("Offline() = true after recovery")
	}
}

func TestOfflineTransitionWritesLastSeenMarker(t *testing.T) {
	store := fixture.NewStore()
	signal := newFakeSignal()
	tracker := NewTracker(store, signal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	statuses := tracker.Track(ctx, "u1")
	waitStatus(t, statuses, Status{IsOnline: true, IsOffline: false})

	signal.ch <- false
	waitStatus(t, statuses, Status{IsOnline: false, IsOffline: true})

	deadline := time.After(2 * time.Second)
	for {
		if rec, ok := store.Presence("u1"); ok && !rec.Online {
			if rec.LastSeen.IsZero() {
				t.Error("offline marker has no last-seen time")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("offline marker never written")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// waitHeartbeat blocks until the tracker's initial heartbeat write is
// visible in the store.
func waitHeartbeat(t *testing.T, store *fixture.Store, userID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if rec, ok := store.Presence(userID); ok && rec.Online {
			return
		}
		select {
		case <-deadline:
			t.Fatal("heartbeat never written")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRemoteOfflineRecordMarksOffline(t *testing.T) {
	store := fixture.NewStore()
	signal := newFakeSignal()
	tracker := NewTracker(store, signal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	statuses := tracker.Track(ctx, "u1")
	waitStatus(t, statuses, Status{IsOnline: true, IsOffline: false})
	waitHeartbeat(t, store, "u1")

	// Server-side disconnect detection flips the record while the
	// local signal still looks fine.
	if err := store.SetPresence(ctx, "u1", false); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, statuses, Status{IsOnline: false, IsOffline: true})
	if !tracker.Offline() {
		t.Error("Offline() = false while the remote record says offline")
	}

	if err := store.SetPresence(ctx, "u1", true); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, statuses, Status{IsOnline: true, IsOffline: false})
	if tracker.Offline() {
		t.Error("Offline() = true after the record recovered")
	}
}

func TestTrackReleasesSubscriberOnCancel(t *testing.T) {
	store := fixture.NewStore()
	signal := newFakeSignal()
	tracker := NewTracker(store, signal)

	ctx, cancel := context.WithCancel(context.Background())
	statuses := tracker.Track(ctx, "u1")
	waitStatus(t, statuses, Status{IsOnline: true, IsOffline: false})

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-statuses:
			if !ok {
				tracker.mu.Lock()
				remaining := len(tracker.subs)
				tracker.mu.Unlock()
				if remaining != 0 {
					t.Errorf("subscriber slots remaining = %d; want 0", remaining)
				}
				return
			}
		case <-deadline:
			t.Fatal("status stream never closed after cancel")
		}
	}
}

func TestRepeatedSignalDoesNotRewritePresence(t *testing.T) {
	store := fixture.NewStore()
	signal := newFakeSignal()
	tracker := NewTracker(store, signal)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	statuses := tracker.Track(ctx, "u1")
	waitStatus(t, statuses, Status{IsOnline: true, IsOffline: false})

	// The initial heartbeat is one write; repeated online signals must
	// not add more.
	signal.ch <- true
	signal.ch <- true
	signal.ch <- false
	waitStatus(t, statuses, Status{IsOnline: false, IsOffline: true})

	if rec, ok := store.Presence("u1"); !ok || rec.Online {
		t.Errorf("presence record = %+v, %v; want offline", rec, ok)
	}
}
