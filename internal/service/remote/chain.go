package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ChainError is the failure of one pass over an operation's strategies.
type ChainError struct {
	Operation Operation
	// Class is the class of the attempt that stopped the chain, or
	// ClassRetryable when every strategy was tried.
	Class    Class
	Attempts []*AttemptError
}

func (e *ChainError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, attempt := range e.Attempts {
		parts[i] = attempt.Error()
	}
	return fmt.Sprintf("%s chain failed (%s): %s", e.Operation, e.Class, strings.Join(parts, "; "))
}

func (e *ChainError) Unwrap() []error {
	out := make([]error, len(e.Attempts))
	for i, attempt := range e.Attempts {
		out[i] = attempt
	}
	return out
}

// Exhausted reports whether every strategy was tried.
func (e *ChainError) Exhausted() bool {
	return e.Class == ClassRetryable
}

// Chain tries an operation's strategies in priority order.
type Chain struct {
	table      Table
	transports map[TransportKind]Transport
	labeler    func(Credential) string
	logger     *slog.Logger
}

// NewChain wires the strategy table to its transports.
func NewChain(table Table, transports map[TransportKind]Transport, labeler func(Credential) string, logger *slog.Logger) *Chain {
	if labeler == nil {
		labeler = func(c Credential) string { return c.mask() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		table:      table,
		transports: transports,
		labeler:    labeler,
		logger:     logger.With("component", "remote.chain"),
	}
}

// Len returns the number of strategies configured for op.
func (c *Chain) Len(op Operation) int {
	return len(c.table.Chain(op))
}

func (c *Chain) label(cred Credential) string {
	return c.labeler(cred)
}

// Execute runs op. Success returns immediately; retryable failures advance to the
// next strategy; any other class stops the chain.
func (c *Chain) Execute(ctx context.Context, op Operation, req *Request) (*Result, error) {
	strategies := c.table.Chain(op)
	if len(strategies) == 0 {
		return nil, &ConfigurationError{Err: fmt.Errorf("no strategies configured for %s", op)}
	}

	label := c.label(req.Credential)
	attempts := make([]*AttemptError, 0, len(strategies))

	for idx, s := range strategies {
		if isCallerDone(ctx) {
			return nil, ctx.Err()
		}

		res, err := c.attempt(ctx, s, req)
		if err == nil {
			if idx > 0 {
				c.logger.Info("fallback strategy succeeded", "operation", op, "strategy", s.ID, "credential", label)
			}
			return res, nil
		}

		if isCallerDone(ctx) {
			return nil, ctx.Err()
		}

		class := classifyAttempt(s, err)
		attempts = append(attempts, &AttemptError{
			Credential: label,
			Operation:  op,
			Strategy:   s.ID,
			Class:      class,
			Err:        err,
		})
		c.logger.Warn("strategy failed", "operation", op, "strategy", s.ID, "credential", label, "class", class, "error", err)

		if stopsChain(class) {
			return nil, &ChainError{Operation: op, Class: class, Attempts: attempts}
		}
	}

	return nil, &ChainError{Operation: op, Class: ClassRetryable, Attempts: attempts}
}

func (c *Chain) attempt(ctx context.Context, s Strategy, req *Request) (*Result, error) {
	transport, ok := c.transports[s.Transport]
	if !ok || transport == nil {
		return nil, &TransportError{Kind: KindNetwork, Err: fmt.Errorf("%s transport unavailable", s.Transport)}
	}

	raw, err := transport.Send(ctx, s, req)
	if err != nil {
		return nil, err
	}
	return Normalize(s, raw)
}

// failureClass returns the class governing err at the rotation level.
func failureClass(err error) Class {
	var chainErr *ChainError
	if errors.As(err, &chainErr) {
		return chainErr.Class
	}
	return classify(err)
}

// attemptsOf flattens err into attempt records for the exhausted report.
func attemptsOf(err error, label string, op Operation) []*AttemptError {
	var chainErr *ChainError
	if errors.As(err, &chainErr) {
		return chainErr.Attempts
	}
	return []*AttemptError{{
		Credential: label,
		Operation:  op,
		Strategy:   "-",
		Class:      classify(err),
		Err:        err,
	}}
}
