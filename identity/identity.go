// Package identity issues the anonymous user identity. Sign-in is a
// best-effort background operation: while the identity service is
// unreachable the provider stays in a loading state and keeps
// retrying, it never times out on its own.
package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"

	"github.com/anondevechat/anonymous-chitchat/log"
)

// User is an anonymous identity: an opaque identifier with no
// persisted profile.
type User struct {
	ID string
}

// State is the continuously observed sign-in state.
type State struct {
	User    *User
	Loading bool
}

// Issuer creates a fresh anonymous identity.
type Issuer interface {
	Issue(ctx context.Context) (User, error)
}

// Provider runs the sign-in lifecycle and publishes state to
// observers.
type Provider struct {
	issuer     Issuer
	retryDelay time.Duration

	mu       sync.Mutex
	inFlight bool
	user     *User
	subs     []chan State
}

func NewProvider(issuer Issuer) *Provider {
	return &Provider{issuer: issuer, retryDelay: 2 * time.Second}
}

// SignIn starts anonymous sign-in. It is idempotent: a second call
// while one is in flight, or after a user exists, does nothing.
func (p *Provider) SignIn(ctx context.Context) {
	p.mu.Lock()
	if p.inFlight || p.user != nil {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.mu.Unlock()
	p.publish()

	go p.run(ctx)
}

func (p *Provider) run(ctx context.Context) {
	logger := log.LoggerFromContext(ctx)
	for {
		user, err := p.issuer.Issue(ctx)
		if err == nil {
			p.mu.Lock()
			p.user = &user
			p.inFlight = false
			p.mu.Unlock()
			p.publish()
			return
		}
		// Identity issuance failures are recovered by indefinite
		// retry; observers only ever see the loading state.
		logger.Error("anonymous sign-in failed, retrying",
			slog.String(log.ErrorMsgField, err.Error()),
		)
		select {
		case <-time.After(p.retryDelay):
		case <-ctx.Done():
			p.mu.Lock()
			p.inFlight = false
			p.mu.Unlock()
			return
		}
	}
}

// State reports the current sign-in state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{User: p.user, Loading: p.user == nil}
}

// Watch observes state changes. The current state is delivered first.
func (p *Provider) Watch(ctx context.Context) <-chan State {
	ch := make(chan State, 4)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	ch <- State{User: p.user, Loading: p.user == nil}
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		for i, sub := range p.subs {
			if sub == ch {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				close(ch)
				break
			}
		}
		p.mu.Unlock()
	}()
	return ch
}

func (p *Provider) publish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := State{User: p.user, Loading: p.user == nil}
	for _, ch := range p.subs {
		select {
		case ch <- state:
		default: // slow observer keeps its last state
		}
	}
}

// FirebaseIssuer mints anonymous users through Firebase Auth.
type FirebaseIssuer struct{}

func (FirebaseIssuer) Issue(ctx context.Context) (User, error) {
	app, err := firebase.NewApp(ctx, nil)
	if err != nil {
		return User{}, err
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return User{}, err
	}
	record, err := client.CreateUser(ctx, &auth.UserToCreate{})
	if err != nil {
		return User{}, err
	}
	return User{ID: record.UID}, nil
}
