package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/tavern-relay/internal/model/chat"
)

// ConversationStore persists handles so they survive restarts.
// Load returns (nil, nil) when no handle exists for key.
type ConversationStore interface {
	Load(ctx context.Context, key chat.ConversationKey) (*chat.ConversationHandle, error)
	Save(ctx context.Context, key chat.ConversationKey, handle *chat.ConversationHandle) error
	Delete(ctx context.Context, key chat.ConversationKey) error
}

// Registry maps conversation keys to backend conversations with create-or-reuse
// semantics. Creation is serialized per key.
type Registry struct {
	store         ConversationStore
	chain         *Chain
	timeout       time.Duration
	createTimeout time.Duration
	logger        *slog.Logger
	group         singleflight.Group
	now           func() time.Time
}

// NewRegistry creates the conversation registry over store. createTimeout
// bounds one shared creation, including its store round trips.
func NewRegistry(store ConversationStore, chain *Chain, storeTimeout, createTimeout time.Duration, logger *slog.Logger) *Registry {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	if createTimeout <= 0 {
		createTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:         store,
		chain:         chain,
		timeout:       storeTimeout,
		createTimeout: createTimeout,
		logger:        logger.With("component", "remote.registry"),
		now:           time.Now,
	}
}

// Resolve returns the stored handle for key, creating a conversation with
// personaID when none exists.
func (r *Registry) Resolve(ctx context.Context, key chat.ConversationKey, personaID string, sess *SessionContext) (*chat.ConversationHandle, error) {
	handle, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if handle.Valid() {
		return handle, nil
	}
	return r.create(ctx, key, personaID, sess, "")
}

// Recreate replaces a handle the backend no longer recognizes. If another caller
// already replaced staleID, that handle is returned instead of creating again.
func (r *Registry) Recreate(ctx context.Context, key chat.ConversationKey, personaID string, sess *SessionContext, staleID string) (*chat.ConversationHandle, error) {
	return r.create(ctx, key, personaID, sess, staleID)
}

// Lookup returns the stored handle without creating one.
func (r *Registry) Lookup(ctx context.Context, key chat.ConversationKey) (*chat.ConversationHandle, error) {
	return r.load(ctx, key)
}

// Reset forgets key. This is the only path that removes a handle.
func (r *Registry) Reset(ctx context.Context, key chat.ConversationKey) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete conversation %s: %w", key, err)
	}
	r.logger.Info("conversation reset", "key", key)
	return nil
}

// create runs one shared creation per flight key. Recreate uses its own key so
// it never joins a Resolve flight that would hand back the stale handle.
func (r *Registry) create(ctx context.Context, key chat.ConversationKey, personaID string, sess *SessionContext, staleID string) (*chat.ConversationHandle, error) {
	flight := string(key)
	if staleID != "" {
		flight += "#recreate"
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(flight, func() (any, error) {
		ctx, cancel := context.WithTimeout(shared, r.createTimeout)
		defer cancel()
		return r.createShared(ctx, key, personaID, sess, staleID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*chat.ConversationHandle), nil
	}
}

func (r *Registry) createShared(ctx context.Context, key chat.ConversationKey, personaID string, sess *SessionContext, staleID string) (*chat.ConversationHandle, error) {
	current, err := r.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if current.Valid() && current.ExternalConversationID != staleID {
		return current, nil
	}

	req := &Request{PersonaID: personaID, Session: sess}
	if sess != nil {
		req.Credential = sess.Credential
	}
	res, err := r.chain.Execute(ctx, OpCreateConversation, req)
	if err != nil {
		return nil, err
	}

	handle := &chat.ConversationHandle{
		Key:                    key,
		ExternalConversationID: res.ConversationID,
		PersonaID:              personaID,
		CreatedAt:              r.now().UTC(),
	}
	if err := r.save(ctx, key, handle); err != nil {
		return nil, err
	}

	if staleID != "" {
		r.logger.Info("conversation recreated", "key", key, "stale", staleID, "conversation", handle.ExternalConversationID)
	} else {
		r.logger.Info("conversation created", "key", key, "conversation", handle.ExternalConversationID, "persona", personaID)
	}
	return handle, nil
}

func (r *Registry) load(ctx context.Context, key chat.ConversationKey) (*chat.ConversationHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	handle, err := r.store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", key, err)
	}
	return handle, nil
}

func (r *Registry) save(ctx context.Context, key chat.ConversationKey, handle *chat.ConversationHandle) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.Save(ctx, key, handle); err != nil {
		return fmt.Errorf("save conversation %s: %w", key, err)
	}
	return nil
}
