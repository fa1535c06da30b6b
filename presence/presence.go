// Package presence reports a user's live online/offline status by
// combining the local connectivity signal with a heartbeat record in
// the remote store.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/anondevechat/anonymous-chitchat/log"
)

// ErrOffline is returned when an outbound operation is refused
// locally because the device is offline. Sends are refused, never
// queued.
var ErrOffline = errors.New("offline")

// Status gates outbound chat actions application-wide: consumers must
// check IsOffline before send/start/end operations.
type Status struct {
	IsOnline  bool
	IsOffline bool
}

// Connectivity is the runtime's network signal, a stream of booleans.
type Connectivity interface {
	Watch(ctx context.Context) <-chan bool
}

// Store writes the heartbeat/presence record for a user id and
// exposes the remote record as a stream of online flags.
type Store interface {
	SetPresence(ctx context.Context, userID string, online bool) error
	WatchPresence(ctx context.Context, userID string) <-chan bool
}

// Tracker observes connectivity for one user and mirrors transitions
// into the remote presence record. Reported status combines both
// sides: the device is online only while the local signal and the
// remote record agree.
type Tracker struct {
	store Store
	conn  Connectivity

	mu     sync.Mutex
	local  bool
	remote bool
	subs   []chan Status
}

func NewTracker(store Store, conn Connectivity) *Tracker {
	// Assume online until the first signal says otherwise, matching
	// the runtime connectivity APIs this mirrors.
	return &Tracker{store: store, conn: conn, local: true, remote: true}
}

// Track runs the tracker for userID until ctx is cancelled and
// returns the status stream. On a transition to offline the last-seen
// marker write is best-effort: if connectivity is already gone the
// remote store's own disconnect detection is the fallback, and its
// verdict holds until the record recovers.
func (t *Tracker) Track(ctx context.Context, userID string) <-chan Status {
	out := make(chan Status, 4)
	t.mu.Lock()
	t.subs = append(t.subs, out)
	out <- t.statusLocked()
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		for i, sub := range t.subs {
			if sub == out {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				close(out)
				break
			}
		}
		t.mu.Unlock()
	}()

	go func() {
		logger := log.LoggerFromContext(ctx).With(slog.String(log.UserIDField, userID))
		signal := t.conn.Watch(ctx)
		remote := t.store.WatchPresence(ctx, userID)
		if err := t.store.SetPresence(ctx, userID, true); err != nil {
			logger.Error("presence heartbeat failed", slog.String(log.ErrorMsgField, err.Error()))
		}
		for {
			select {
			case online, ok := <-signal:
				if !ok {
					return
				}
				if !t.setLocal(online) {
					continue
				}
				if err := t.store.SetPresence(ctx, userID, online); err != nil {
					logger.Error("presence write failed",
						slog.Bool("online", online),
						slog.String(log.ErrorMsgField, err.Error()),
					)
				}
			case online, ok := <-remote:
				if !ok {
					return
				}
				t.setRemote(online)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Status reports the current combined status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

// Offline reports whether outbound actions must be disabled.
func (t *Tracker) Offline() bool {
	return t.Status().IsOffline
}

// setLocal records the local signal and reports whether it changed;
// only local transitions drive heartbeat writes.
func (t *Tracker) setLocal(online bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == online {
		return false
	}
	before := t.local && t.remote
	t.local = online
	if after := t.local && t.remote; after != before {
		t.notifyLocked()
	}
	return true
}

// setRemote records what the remote presence record says about us.
func (t *Tracker) setRemote(online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == online {
		return
	}
	before := t.local && t.remote
	t.remote = online
	if after := t.local && t.remote; after != before {
		t.notifyLocked()
	}
}

func (t *Tracker) notifyLocked() {
	status := t.statusLocked()
	for _, ch := range t.subs {
		select {
		case ch <- status:
		default:
		}
	}
}

func (t *Tracker) statusLocked() Status {
	online := t.local && t.remote
	return Status{IsOnline: online, IsOffline: !online}
}

// Prober is the default Connectivity: it dials a well-known address
// on an interval and reports reachability.
type Prober struct {
	Addr     string
	Interval time.Duration
	Timeout  time.Duration
}

func NewProber(addr string, interval time.Duration) *Prober {
	return &Prober{Addr: addr, Interval: interval, Timeout: 5 * time.Second}
}

func (p *Prober) Watch(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()
		for {
			online := p.probe(ctx)
			select {
			case out <- online:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (p *Prober) probe(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
