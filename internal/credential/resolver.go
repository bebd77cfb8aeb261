// Package credential resolves access tokens for connected accounts and
// refreshes them through the provider's OAuth token endpoint.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dethbird/journal-sub000/internal/source"
	"github.com/dethbird/journal-sub000/internal/storage"
)

// ExpirySkew treats a credential as expired this long before its expiry.
const ExpirySkew = 60 * time.Second

// ErrNoCredential is returned when an account has no stored credential.
var ErrNoCredential = errors.New("no credential for account")

// Store is the credential history the resolver reads and appends to.
type Store interface {
	LatestCredential(ctx context.Context, accountID string) (storage.Credential, error)
	InsertCredential(ctx context.Context, c storage.Credential) (storage.Credential, error)
}

// Token is what a refresher obtained from the token endpoint.
type Token struct {
	AccessToken  string
	RefreshToken string // empty when the endpoint did not rotate it
	Expiry       time.Time
	Raw          string
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// Resolver hands out credential sessions for accounts.
type Resolver struct {
	store      Store
	refreshers map[string]Refresher
	now        func() time.Time
	logger     *slog.Logger
}

// NewResolver creates a Resolver. refreshers is keyed by provider name;
// providers without one never refresh.
func NewResolver(store Store, refreshers map[string]Refresher) *Resolver {
	if refreshers == nil {
		refreshers = make(map[string]Refresher)
	}
	return &Resolver{
		store:      store,
		refreshers: refreshers,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// NeedsRefresh reports whether c expires within ExpirySkew of now. A
// credential without an expiry never needs a proactive refresh.
func NeedsRefresh(c storage.Credential, now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !c.ExpiresAt.After(now.Add(ExpirySkew))
}

// Resolve loads the authoritative credential for acct and returns a session
// around it. An expiring credential with a refresh token is refreshed once
// here; if that fails the original credential is used.
func (r *Resolver) Resolve(ctx context.Context, acct storage.Account) (*Session, error) {
	cred, err := r.store.LatestCredential(ctx, acct.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("account %s: %w", acct.ID, ErrNoCredential)
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential for account %s: %w", acct.ID, err)
	}

	s := &Session{resolver: r, account: acct, cred: cred}
	if NeedsRefresh(cred, r.now()) && cred.RefreshToken != "" {
		s.state = stateRefreshed
		fresh, err := r.refresh(ctx, acct, cred)
		if err != nil {
			r.logger.Warn("credential refresh failed, using stored token",
				"provider", acct.Provider, "account", acct.ID, "error", err)
		} else {
			s.cred = fresh
		}
	}
	return s, nil
}

// refresh calls the provider refresher and appends the result to the
// credential history.
func (r *Resolver) refresh(ctx context.Context, acct storage.Account, cred storage.Credential) (storage.Credential, error) {
	if cred.RefreshToken == "" {
		return storage.Credential{}, errors.New("no refresh token")
	}
	refresher, ok := r.refreshers[acct.Provider]
	if !ok {
		return storage.Credential{}, fmt.Errorf("no token refresher for provider %s", acct.Provider)
	}

	tok, err := refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return storage.Credential{}, err
	}

	next := storage.Credential{
		AccountID:    acct.ID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		IssuedRaw:    tok.Raw,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}

	saved, err := r.store.InsertCredential(ctx, next)
	if err != nil {
		// The provider may already have rotated the refresh token, so keep
		// using the new one for this session.
		r.logger.Error("persisting refreshed credential failed",
			"provider", acct.Provider, "account", acct.ID, "error", err)
		return next, nil
	}
	r.logger.Info("credential refreshed", "provider", acct.Provider, "account", acct.ID)
	return saved, nil
}

type sessionState int

const (
	stateInitial sessionState = iota
	stateRefreshed
)

// Session is one collection attempt's view of an account credential. It
// moves from Initial to Refreshed at most once, so a provider call is
// retried after a 401 at most once.
type Session struct {
	resolver *Resolver
	account  storage.Account

	mu    sync.Mutex
	cred  storage.Credential
	state sessionState
}

var _ source.Authorizer = (*Session)(nil)

// Credential returns the credential currently in use.
func (s *Session) Credential() storage.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

// Refreshed reports whether this session has spent its refresh.
func (s *Session) Refreshed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRefreshed
}

// Do runs call with the current access token. An AuthExpiredError in state
// Initial triggers one refresh and one retry; any later one is returned as
// a TransientProviderError.
func (s *Session) Do(ctx context.Context, call func(ctx context.Context, accessToken string) error) error {
	s.mu.Lock()
	used := s.cred.AccessToken
	s.mu.Unlock()

	err := call(ctx, used)
	if !source.IsAuthExpired(err) {
		return err
	}

	s.mu.Lock()
	if s.cred.AccessToken != used {
		// Another call already refreshed; retry with its token.
		token := s.cred.AccessToken
		s.mu.Unlock()
		return s.retry(ctx, call, token)
	}
	if s.state == stateRefreshed {
		s.mu.Unlock()
		return &source.TransientProviderError{Provider: s.account.Provider, Err: err}
	}
	s.state = stateRefreshed
	fresh, rerr := s.resolver.refresh(ctx, s.account, s.cred)
	if rerr != nil {
		s.mu.Unlock()
		return &source.TransientProviderError{
			Provider: s.account.Provider,
			Err:      fmt.Errorf("refresh after 401 failed: %v: %w", rerr, err),
		}
	}
	s.cred = fresh
	s.mu.Unlock()

	return s.retry(ctx, call, fresh.AccessToken)
}

func (s *Session) retry(ctx context.Context, call func(ctx context.Context, accessToken string) error, token string) error {
	err := call(ctx, token)
	if source.IsAuthExpired(err) {
		return &source.TransientProviderError{Provider: s.account.Provider, Err: err}
	}
	return err
}

// Authorize resolves acct and returns its session as a source.Authorizer.
func (r *Resolver) Authorize(ctx context.Context, acct storage.Account) (source.Authorizer, error) {
	s, err := r.Resolve(ctx, acct)
	if err != nil {
		return nil, err
	}
	return s, nil
}
