package ondus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBackoffBase = 2 * time.Second
	defaultBackoffCap  = 10 * time.Minute
)

// SessionConfig holds session construction parameters. HTTPClient and Logger
// are injected collaborators; everything else has a sensible default.
type SessionConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger

	// BackoffBase and BackoffCap bound the retry delay on transient
	// login/refresh failures.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// OnRefresh, when set, is invoked with every newly installed
	// credential (e.g. to persist the rotated refresh token).
	OnRefresh func(ctx context.Context, cred *Credential) error
}

// Session keeps one access/refresh credential pair valid across concurrent
// callers. At most one refresh or login runs at a time; late arrivals wait on
// the in-flight operation and re-read the installed credential instead of
// issuing their own request.
type Session struct {
	baseURL   string
	http      *http.Client
	logger    *zap.Logger
	base, cap time.Duration
	onRefresh func(ctx context.Context, cred *Credential) error

	// test hooks
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	cred       *Credential
	staleToken string
	inflight   chan struct{} // non-nil while a refresh/login is running
}

// NewSession creates a new unauthenticated session.
func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		baseURL:   cfg.BaseURL,
		http:      cfg.HTTPClient,
		logger:    cfg.Logger,
		base:      cfg.BackoffBase,
		cap:       cfg.BackoffCap,
		onRefresh: cfg.OnRefresh,
		now:       time.Now,
		sleep:     sleepContext,
	}
	if s.http == nil {
		s.http = &http.Client{Timeout: 30 * time.Second}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.base <= 0 {
		s.base = defaultBackoffBase
	}
	if s.cap <= 0 {
		s.cap = defaultBackoffCap
	}
	return s
}

// Restore installs a previously persisted credential, e.g. loaded from the
// token repository at startup.
func (s *Session) Restore(cred *Credential) {
	if cred == nil {
		return
	}
	c := *cred
	s.mu.Lock()
	s.cred = &c
	s.staleToken = ""
	s.mu.Unlock()
}

// Snapshot returns a copy of the current credential, or nil before login.
func (s *Session) Snapshot() *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil
	}
	c := *s.cred
	return &c
}

// Login authenticates with primary credentials through the interactive form
// flow and installs the resulting credential.
func (s *Session) Login(ctx context.Context, username, password string) error {
	_, err := s.runExclusive(ctx, func(opCtx context.Context) (*Credential, error) {
		return s.retry(opCtx, "login", func() (*Credential, error) {
			return s.formLogin(opCtx, username, password)
		})
	})
	return err
}

// LoginWithRefreshToken bootstraps the session from a long-lived refresh
// token by exchanging it for a fresh credential pair immediately.
func (s *Session) LoginWithRefreshToken(ctx context.Context, refreshToken string) error {
	_, err := s.runExclusive(ctx, func(opCtx context.Context) (*Credential, error) {
		return s.retry(opCtx, "bootstrap refresh", func() (*Credential, error) {
			return s.refreshOnce(opCtx, refreshToken)
		})
	})
	return err
}

// Authorize returns a currently valid access token, refreshing the
// credential if necessary. It never returns an expired token. When both
// token windows have lapsed it fails with AuthError{Expired} without
// touching the network.
func (s *Session) Authorize(ctx context.Context) (string, error) {
	for {
		s.mu.Lock()
		now := s.now()
		cred := s.cred
		if cred.AccessValid(now) && cred.AccessToken != s.staleToken {
			token := cred.AccessToken
			s.mu.Unlock()
			return token, nil
		}
		if ch := s.inflight; ch != nil {
			s.mu.Unlock()
			// Wait for the in-flight operation, then re-read. Abandoning
			// this wait does not cancel the operation for other waiters.
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if !cred.RefreshValid(now) {
			s.mu.Unlock()
			return "", &AuthError{Kind: AuthExpired}
		}
		ch := make(chan struct{})
		s.inflight = ch
		refreshToken := cred.RefreshToken
		s.mu.Unlock()

		next, err := s.retry(context.WithoutCancel(ctx), "refresh", func() (*Credential, error) {
			return s.refreshOnce(context.WithoutCancel(ctx), refreshToken)
		})
		s.finish(next, err, ch)
		if err != nil {
			return "", err
		}
		return next.AccessToken, nil
	}
}

// Invalidate records that token was rejected upstream (401) so the next
// Authorize forces a refresh instead of handing it out again. A refresh
// already in flight for this stale token is left alone.
func (s *Session) Invalidate(token string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	if s.cred != nil && s.cred.AccessToken == token {
		s.staleToken = token
	}
	s.mu.Unlock()
}

// runExclusive takes the single-flight gate, runs op, and installs its
// credential on success. Callers that find the gate taken wait for the
// current holder first, linearizing logins with refreshes.
func (s *Session) runExclusive(ctx context.Context, op func(context.Context) (*Credential, error)) (*Credential, error) {
	s.mu.Lock()
	for s.inflight != nil {
		ch := s.inflight
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
	}
	ch := make(chan struct{})
	s.inflight = ch
	s.mu.Unlock()

	cred, err := op(context.WithoutCancel(ctx))
	s.finish(cred, err, ch)
	return cred, err
}

// finish releases the single-flight gate, installing cred when err is nil.
func (s *Session) finish(cred *Credential, err error, ch chan struct{}) {
	s.mu.Lock()
	if err == nil {
		s.cred = cred
		s.staleToken = ""
	}
	s.inflight = nil
	s.mu.Unlock()
	close(ch)
}

// retry runs op until it succeeds or fails non-transiently, sleeping an
// exponentially growing, capped delay between attempts.
func (s *Session) retry(ctx context.Context, what string, op func() (*Credential, error)) (*Credential, error) {
	for attempt := 0; ; attempt++ {
		cred, err := op()
		if err == nil {
			s.persist(ctx, cred)
			return cred, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		delay := s.backoffDelay(attempt)
		s.logger.Warn("transient failure, backing off",
			zap.String("operation", what),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if serr := s.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
}

func (s *Session) backoffDelay(attempt int) time.Duration {
	if attempt >= 30 {
		return s.cap
	}
	d := s.base << uint(attempt)
	if d <= 0 || d > s.cap {
		return s.cap
	}
	return d
}

func (s *Session) persist(ctx context.Context, cred *Credential) {
	if s.onRefresh == nil {
		return
	}
	c := *cred
	if err := s.onRefresh(ctx, &c); err != nil {
		s.logger.Warn("failed to persist refreshed credential", zap.Error(err))
	}
}

// refreshOnce performs one call to the oidc/refresh endpoint.
func (s *Session) refreshOnce(ctx context.Context, refreshToken string) (*Credential, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, &AuthError{Kind: AuthRefreshRejected, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"oidc/refresh", bytes.NewReader(body))
	if err != nil {
		return nil, &AuthError{Kind: AuthRefreshRejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		// fall through to decode
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("refresh endpoint returned status %d", resp.StatusCode)
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &AuthError{
			Kind: AuthRefreshRejected,
			Err:  fmt.Errorf("refresh endpoint returned status %d: %s", resp.StatusCode, raw),
		}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, &AuthError{Kind: AuthRefreshRejected, Err: fmt.Errorf("malformed refresh response: %w", err)}
	}
	if tr.AccessToken == "" {
		return nil, &AuthError{Kind: AuthRefreshRejected, Err: fmt.Errorf("refresh response carried no access token")}
	}
	return tr.credential(s.now()), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
