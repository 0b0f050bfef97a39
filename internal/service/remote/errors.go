package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoCredentials is reported when the credential pool is empty.
	ErrNoCredentials = errors.New("no remote credentials configured")
	// ErrConnectionClosed fails every waiter of a stream connection that went away.
	ErrConnectionClosed = errors.New("stream connection closed")
	// ErrAttemptTimeout is returned when a single attempt ran out of time.
	ErrAttemptTimeout = errors.New("attempt timed out")
	// ErrUnrecognizedShape is returned by a strategy parser for a body it does not own.
	ErrUnrecognizedShape = errors.New("unrecognized response shape")
	// ErrEmptyText rejects blank user input.
	ErrEmptyText = errors.New("message text is empty")
)

// Class decides what the fallback machinery does with a failed attempt.
type Class int

const (
	// ClassRetryable moves on to the next strategy, then the next credential.
	ClassRetryable Class = iota
	// ClassConversationInvalid means the backend no longer knows the conversation.
	ClassConversationInvalid
	// ClassAuth means the session material was rejected.
	ClassAuth
	// ClassTerminal must never be retried.
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassConversationInvalid:
		return "conversation_invalid"
	case ClassAuth:
		return "auth"
	case ClassTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// RemoteError is a backend-reported failure with an explicit class.
type RemoteError struct {
	Class   Class
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Class, e.Message)
}

// AttemptError records one failed strategy attempt.
type AttemptError struct {
	Credential string
	Operation  Operation
	Strategy   string
	Class      Class
	Err        error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s %s via %s (%s): %v", e.Credential, e.Operation, e.Strategy, e.Class, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// ConfigurationError is fatal; nothing can be retried.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return "remote configuration: " + e.Err.Error() }

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TerminalError carries a failure that callers must not retry either.
type TerminalError struct {
	Attempt *AttemptError
	Err     error
}

func (e *TerminalError) Error() string {
	if e.Attempt != nil {
		return "remote terminal: " + e.Attempt.Error()
	}
	return "remote terminal: " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	if e.Attempt != nil {
		return e.Attempt
	}
	return e.Err
}

// ExhaustedError aggregates every attempt made before giving up.
type ExhaustedError struct {
	Operation Operation
	Attempts  []*AttemptError
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "remote %s exhausted after %d attempts", e.Operation, len(e.Attempts))
	if n := len(e.Attempts); n > 0 {
		fmt.Fprintf(&b, ", last: %v", e.Attempts[n-1])
	}
	return b.String()
}

// Unwrap exposes the individual attempts to errors.Is / errors.As.
func (e *ExhaustedError) Unwrap() []error {
	out := make([]error, len(e.Attempts))
	for i, attempt := range e.Attempts {
		out[i] = attempt
	}
	return out
}

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	var target *TerminalError
	return errors.As(err, &target)
}

// IsExhausted reports whether every credential and strategy failed.
func IsExhausted(err error) bool {
	var target *ExhaustedError
	return errors.As(err, &target)
}

// IsConfiguration reports whether err is a fatal configuration problem.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// classify maps any attempt error onto a Class.
func classify(err error) Class {
	if err == nil {
		return ClassRetryable
	}

	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Class
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) && transportErr.Kind == KindStatus {
		return classifyStatus(transportErr.Status)
	}

	// 其余均为网络、超时、连接关闭或解析失败，下一个策略仍可能成功
	return ClassRetryable
}

func classifyStatus(status int) Class {
	switch {
	case status == 401 || status == 403:
		return ClassAuth
	case status == 400 || status == 422:
		return ClassTerminal
	default:
		return ClassRetryable
	}
}

// stopsChain reports whether the remaining strategies of a chain are pointless.
func stopsChain(c Class) bool {
	return c != ClassRetryable
}

// isCallerDone reports whether ctx was cancelled by the caller, as opposed to an
// attempt deadline that the chain set itself.
func isCallerDone(ctx context.Context) bool {
	return ctx.Err() != nil
}
