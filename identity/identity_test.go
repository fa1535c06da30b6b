package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeIssuer struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *fakeIssuer) Issue(_ context.Context) (User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return User{}, errors.New("identity service unreachable")
	}
	return User{ID: "anon-1"}, nil
}

func (f *fakeIssuer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func waitForUser(t *testing.T, p *Provider) State {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		state := p.State()
		if state.User != nil {
			return state
		}
		select {
		case <-deadline:
			t.Fatal("sign-in never resolved")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSignIn(t *testing.T) {
	issuer := &fakeIssuer{}
	p := NewProvider(issuer)
	p.retryDelay = time.Millisecond

	if state := p.State(); !state.Loading || state.User != nil {
		t.Fatalf("initial state = %+v; want loading without user", state)
	}

	p.SignIn(context.Background())
	state := waitForUser(t, p)
	if state.User.ID != "anon-1" || state.Loading {
		t.Errorf("state = %+v; want anon-1, not loading", state)
	}
}

func TestSignInRetriesUntilSuccess(t *testing.T) {
	issuer := &fakeIssuer{failures: 3}
	p := NewProvider(issuer)
	p.retryDelay = time.Millisecond

	p.SignIn(context.Background())
	waitForUser(t, p)

	if issuer.callCount() != 4 {
		t.Errorf("issuer called %d times; want 4", issuer.callCount())
	}
}

func TestSignInIsIdempotent(t *testing.T) {
	issuer := &fakeIssuer{}
	p := NewProvider(issuer)
	p.retryDelay = time.Millisecond

	ctx := context.Background()
	p.SignIn(ctx)
	waitForUser(t, p)
	p.SignIn(ctx)
	p.SignIn(ctx)

	time.Sleep(10 * time.Millisecond)
	if issuer.callCount() != 1 {
		t.Errorf("issuer called %d times; want 1", issuer.callCount())
	}
}

func TestWatchDeliversStates(t *testing.T) {
	issuer := &fakeIssuer{}
	p := NewProvider(issuer)
	p.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := p.Watch(ctx)

	first := <-ch
	if !first.Loading {
		t.Errorf("first state = %+v; want loading", first)
	}

	p.SignIn(ctx)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-ch:
			if state.User != nil {
				if state.Loading {
					t.Errorf("resolved state still loading: %+v", state)
				}
				return
			}
		case <-deadline:
			t.Fatal("watcher never saw the signed-in state")
		}
	}
}
