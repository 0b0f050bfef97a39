package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
)

// phase tracks how far one logical call progressed, for diagnostics.
type phase int

const (
	phaseInit phase = iota
	phaseBootstrapped
	phaseConversationResolved
	phaseSent
	phaseNormalized
)

func (p phase) String() string {
	switch p {
	case phaseInit:
		return "init"
	case phaseBootstrapped:
		return "bootstrapped"
	case phaseConversationResolved:
		return "conversation_resolved"
	case phaseSent:
		return "sent"
	case phaseNormalized:
		return "normalized"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Options wires a Client.
type Options struct {
	Pool       *Pool
	Store      ConversationStore
	Table      Table
	Transports map[TransportKind]Transport

	BootstrapTimeout time.Duration
	StoreTimeout     time.Duration
	CreateTimeout    time.Duration
	SessionMaxAge    time.Duration
	Logger           *slog.Logger
}

// Client is the resilient remote-conversation client.
type Client struct {
	pool       *Pool
	chain      *Chain
	bootstrap  *Bootstrap
	registry   *Registry
	transports map[TransportKind]Transport
	logger     *slog.Logger
}

// New creates a Client. Table defaults to DefaultTable.
func New(opts Options) (*Client, error) {
	if opts.Pool == nil {
		opts.Pool = NewPool(nil)
	}
	if opts.Store == nil {
		return nil, errors.New("remote client requires a conversation store")
	}
	if len(opts.Transports) == 0 {
		return nil, errors.New("remote client requires at least one transport")
	}
	if opts.Table == nil {
		opts.Table = DefaultTable()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	chain := NewChain(opts.Table, opts.Transports, opts.Pool.Label, logger)
	return &Client{
		pool:       opts.Pool,
		chain:      chain,
		bootstrap:  NewBootstrap(chain, opts.BootstrapTimeout, opts.SessionMaxAge, logger),
		registry:   NewRegistry(opts.Store, chain, opts.StoreTimeout, opts.CreateTimeout, logger),
		transports: opts.Transports,
		logger:     logger.With("component", "remote.client"),
	}, nil
}

// Send delivers text to the conversation bound to key and returns the reply.
// Errors are *ConfigurationError, *TerminalError, *ExhaustedError, or the
// caller's context error.
func (c *Client) Send(ctx context.Context, key chat.ConversationKey, personaID, text string) (*chat.Reply, error) {
	if err := validateSend(key, personaID, text); err != nil {
		return nil, &TerminalError{Err: err}
	}

	res, err := c.withCredentials(ctx, OpSendTurn, func(ctx context.Context, cred Credential, sess *SessionContext) (*Result, []*AttemptError, error) {
		return c.sendTurn(ctx, cred, sess, key, personaID, text)
	})
	if err != nil {
		return nil, err
	}
	return res.Reply, nil
}

// sendTurn runs resolve and send for one credential, with at most one forced
// re-creation when the backend no longer knows the conversation.
func (c *Client) sendTurn(ctx context.Context, cred Credential, sess *SessionContext, key chat.ConversationKey, personaID, text string) (*Result, []*AttemptError, error) {
	state := phaseBootstrapped

	handle, err := c.registry.Resolve(ctx, key, personaID, sess)
	if err != nil {
		c.logFailure(cred, OpSendTurn, state, err)
		return nil, nil, err
	}
	state = phaseConversationResolved

	req := &Request{
		Credential:     cred,
		Session:        sess,
		PersonaID:      handlePersona(handle, personaID),
		ConversationID: handle.ExternalConversationID,
		Text:           text,
	}

	res, err := c.chain.Execute(ctx, OpSendTurn, req)
	var earlier []*AttemptError
	if err != nil && failureClass(err) == ClassConversationInvalid && !isCallerDone(ctx) {
		earlier = attemptsOf(err, c.pool.Label(cred), OpSendTurn)

		handle, err = c.registry.Recreate(ctx, key, req.PersonaID, sess, handle.ExternalConversationID)
		if err != nil {
			c.logFailure(cred, OpSendTurn, state, err)
			return nil, earlier, err
		}
		req.ConversationID = handle.ExternalConversationID
		res, err = c.chain.Execute(ctx, OpSendTurn, req)
	}
	if err != nil {
		c.logFailure(cred, OpSendTurn, phaseSent, err)
		return nil, earlier, err
	}

	c.logger.Debug("turn delivered", "key", key, "credential", c.pool.Label(cred), "phase", phaseNormalized)
	return res, nil, nil
}

// History returns up to limit turns of the conversation bound to key, oldest
// first. A key with no conversation yields an empty history.
func (c *Client) History(ctx context.Context, key chat.ConversationKey, limit int) ([]chat.Reply, error) {
	if strings.TrimSpace(string(key)) == "" {
		return nil, &TerminalError{Err: errors.New("conversation key is required")}
	}

	handle, err := c.registry.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if !handle.Valid() {
		return []chat.Reply{}, nil
	}

	res, err := c.withCredentials(ctx, OpFetchHistory, func(ctx context.Context, cred Credential, sess *SessionContext) (*Result, []*AttemptError, error) {
		res, err := c.chain.Execute(ctx, OpFetchHistory, &Request{
			Credential:     cred,
			Session:        sess,
			PersonaID:      handle.PersonaID,
			ConversationID: handle.ExternalConversationID,
			Limit:          limit,
		})
		return res, nil, err
	})
	if err != nil {
		return nil, err
	}

	history := res.History
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

// Persona fetches what the backend reports about personaID.
func (c *Client) Persona(ctx context.Context, personaID string) (*persona.Persona, error) {
	if strings.TrimSpace(personaID) == "" {
		return nil, &TerminalError{Err: errors.New("persona id is required")}
	}

	res, err := c.withCredentials(ctx, OpFetchPersona, func(ctx context.Context, cred Credential, sess *SessionContext) (*Result, []*AttemptError, error) {
		res, err := c.chain.Execute(ctx, OpFetchPersona, &Request{Credential: cred, Session: sess, PersonaID: personaID})
		return res, nil, err
	})
	if err != nil {
		return nil, err
	}

	if res.Persona == nil {
		return nil, &ExhaustedError{Operation: OpFetchPersona}
	}
	p := *res.Persona
	if p.ID == "" {
		p.ID = personaID
	}
	return &p, nil
}

// Reset forgets the conversation bound to key.
func (c *Client) Reset(ctx context.Context, key chat.ConversationKey) error {
	if strings.TrimSpace(string(key)) == "" {
		return &TerminalError{Err: errors.New("conversation key is required")}
	}
	return c.registry.Reset(ctx, key)
}

// Close releases transports that hold connections.
func (c *Client) Close() error {
	var errs []error
	for _, t := range c.transports {
		if closer, ok := t.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

type credentialFunc func(ctx context.Context, cred Credential, sess *SessionContext) (*Result, []*AttemptError, error)

// withCredentials runs fn under each credential at most once, starting at the
// pool cursor, bootstrapping sessions as needed and rotating on failure.
func (c *Client) withCredentials(ctx context.Context, op Operation, fn credentialFunc) (*Result, error) {
	_, start, err := c.pool.Current()
	if err != nil {
		return nil, err
	}

	n := c.pool.Size()
	var attempts []*AttemptError

	for i := 0; i < n; i++ {
		cred, pos, err := c.pool.At(start + i)
		if err != nil {
			return nil, err
		}
		label := c.pool.Label(cred)

		var (
			res     *Result
			earlier []*AttemptError
		)
		sess, err := c.bootstrap.EnsureSession(ctx, cred)
		if err != nil {
			c.logFailure(cred, op, phaseInit, err)
		} else {
			res, earlier, err = fn(ctx, cred, sess)
		}
		if err == nil {
			return res, nil
		}

		if isCallerDone(ctx) {
			return nil, fmt.Errorf("remote %s: %w", op, ctx.Err())
		}
		if IsConfiguration(err) {
			return nil, err
		}

		failed := append(earlier, attemptsOf(err, label, op)...)
		attempts = append(attempts, failed...)

		switch failureClass(err) {
		case ClassTerminal:
			return nil, &TerminalError{Attempt: failed[len(failed)-1], Err: err}
		case ClassAuth:
			c.bootstrap.Invalidate(cred)
			c.forget(cred)
		}

		c.pool.AdvanceFrom(pos)
		if i+1 < n {
			c.logger.Warn("rotating credential", "operation", op, "from", label, "error", err)
		}
	}

	return nil, &ExhaustedError{Operation: op, Attempts: attempts}
}

// sessionBound is implemented by transports that hold per-credential state
// derived from a session, such as an authenticated connection.
type sessionBound interface {
	Forget(cred Credential)
}

func (c *Client) forget(cred Credential) {
	for _, t := range c.transports {
		if sb, ok := t.(sessionBound); ok {
			sb.Forget(cred)
		}
	}
}

func (c *Client) logFailure(cred Credential, op Operation, state phase, err error) {
	c.logger.Warn("remote call failed", "operation", op, "credential", c.pool.Label(cred), "phase", state, "class", failureClass(err), "error", err)
}

func handlePersona(handle *chat.ConversationHandle, fallback string) string {
	if handle != nil && handle.PersonaID != "" {
		return handle.PersonaID
	}
	return fallback
}

func validateSend(key chat.ConversationKey, personaID, text string) error {
	switch {
	case strings.TrimSpace(string(key)) == "":
		return errors.New("conversation key is required")
	case strings.TrimSpace(personaID) == "":
		return errors.New("persona id is required")
	case strings.TrimSpace(text) == "":
		return ErrEmptyText
	}
	return nil
}
