package remote

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// SessionMaterial is the anti-forgery token and session cookie pair.
type SessionMaterial struct {
	AntiForgeryToken string
	SessionCookie    string
}

// SessionContext is the per-credential material required before any chat call.
type SessionContext struct {
	AccountID        string
	AntiForgeryToken string
	SessionCookie    string
	Credential       Credential
	CreatedAt        time.Time
}

func (s *SessionContext) cookieHeader() string {
	if s == nil {
		return ""
	}
	var parts []string
	if s.SessionCookie != "" {
		parts = append(parts, "sessionid="+s.SessionCookie)
	}
	if s.AntiForgeryToken != "" {
		parts = append(parts, "csrftoken="+s.AntiForgeryToken)
	}
	return strings.Join(parts, "; ")
}

// Bootstrap derives and caches one SessionContext per credential.
// Sessions older than maxAge are rebuilt on next use.
type Bootstrap struct {
	chain   *Chain
	timeout time.Duration
	maxAge  time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[Credential]*SessionContext
	group    singleflight.Group
	now      func() time.Time
}

// DefaultSessionMaxAge bounds how long a discovered session is reused.
const DefaultSessionMaxAge = 6 * time.Hour

// NewBootstrap creates the session bootstrapper. maxAge <= 0 selects
// DefaultSessionMaxAge.
func NewBootstrap(chain *Chain, timeout, maxAge time.Duration, logger *slog.Logger) *Bootstrap {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrap{
		chain:    chain,
		timeout:  timeout,
		maxAge:   maxAge,
		logger:   logger.With("component", "remote.session"),
		sessions: make(map[Credential]*SessionContext),
		now:      time.Now,
	}
}

// EnsureSession returns the cached session for cred or builds one.
// Concurrent callers for the same credential share a single discovery; the
// discovery is detached from any one caller, so a caller that gives up only
// stops its own wait.
func (b *Bootstrap) EnsureSession(ctx context.Context, cred Credential) (*SessionContext, error) {
	if sess := b.cached(cred); sess != nil {
		return sess, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shared := context.WithoutCancel(ctx)
	ch := b.group.DoChan(string(cred), func() (any, error) {
		if sess := b.cached(cred); sess != nil {
			return sess, nil
		}
		return b.discover(shared, cred)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*SessionContext), nil
	}
}

// discover 的超时独立于调用方
func (b *Bootstrap) discover(ctx context.Context, cred Credential) (*SessionContext, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := &Request{Credential: cred}
	identity, err := b.chain.Execute(ctx, OpDiscoverIdentity, req)
	if err != nil {
		b.discard(cred, err)
		return nil, err
	}

	// 部分端点在获取会话材料时需要账号ID
	req.Session = &SessionContext{AccountID: identity.AccountID, Credential: cred}
	material, err := b.chain.Execute(ctx, OpAcquireSession, req)
	if err != nil {
		b.discard(cred, err)
		return nil, err
	}
	if material.Material == nil {
		err := errors.New("session acquisition returned no material")
		b.discard(cred, err)
		return nil, err
	}

	sess := &SessionContext{
		AccountID:        identity.AccountID,
		AntiForgeryToken: material.Material.AntiForgeryToken,
		SessionCookie:    material.Material.SessionCookie,
		Credential:       cred,
		CreatedAt:        b.now(),
	}

	b.mu.Lock()
	b.sessions[cred] = sess
	b.mu.Unlock()

	b.logger.Info("session established", "credential", b.chain.label(cred), "account", sess.AccountID)
	return sess, nil
}

func (b *Bootstrap) cached(cred Credential) *SessionContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess := b.sessions[cred]
	if sess == nil {
		return nil
	}
	if b.now().Sub(sess.CreatedAt) >= b.maxAge {
		delete(b.sessions, cred)
		b.logger.Info("session expired", "credential", b.chain.label(cred), "age", b.now().Sub(sess.CreatedAt).Round(time.Second))
		return nil
	}
	return sess
}

func (b *Bootstrap) discard(cred Credential, cause error) {
	if failureClass(cause) == ClassAuth {
		b.Invalidate(cred)
	}
}

// Invalidate drops the cached session of cred; other credentials are untouched.
func (b *Bootstrap) Invalidate(cred Credential) {
	b.mu.Lock()
	_, had := b.sessions[cred]
	delete(b.sessions, cred)
	b.mu.Unlock()

	if had {
		b.logger.Info("session invalidated", "credential", b.chain.label(cred))
	}
}

// Has reports whether a session is cached for cred.
func (b *Bootstrap) Has(cred Credential) bool {
	return b.cached(cred) != nil
}
