package remote

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
)

// Operation names one backend capability with its own fallback list.
type Operation string

const (
	OpDiscoverIdentity   Operation = "discoverIdentity"
	OpAcquireSession     Operation = "acquireSession"
	OpCreateConversation Operation = "createConversation"
	OpSendTurn           Operation = "sendTurn"
	OpFetchHistory       Operation = "fetchHistory"
	OpFetchPersona       Operation = "fetchPersona"
)

// bindsConversation reports whether the operation addresses an existing conversation.
func (op Operation) bindsConversation() bool {
	return op == OpSendTurn || op == OpFetchHistory
}

// TransportKind selects the delivery mechanism of a strategy.
type TransportKind int

const (
	Unary TransportKind = iota
	Stream
)

func (k TransportKind) String() string {
	if k == Stream {
		return "stream"
	}
	return "unary"
}

// Request carries everything a strategy may put on the wire.
type Request struct {
	Credential     Credential
	Session        *SessionContext
	PersonaID      string
	ConversationID string
	Text           string
	Limit          int
}

// Result is the normalized outcome of one operation. Only the fields belonging to
// the operation are set.
type Result struct {
	AccountID      string
	Material       *SessionMaterial
	ConversationID string
	Reply          *chat.Reply
	History        []chat.Reply
	Persona        *persona.Persona
}

// Strategy is one (transport, request shape, response contract) candidate.
// Strategies are plain data; the chain and transports are written once.
type Strategy struct {
	ID        string
	Operation Operation
	Transport TransportKind

	// Method and Path apply to unary strategies. Path may contain {conversation}
	// and {persona} placeholders.
	Method string
	Path   string

	// Command names the stream request; Final reports whether an inbound frame
	// correlated to the request completes it.
	Command string
	Final   func(frame gjson.Result) bool

	// Build renders the request body; nil means no body.
	Build func(req *Request) ([]byte, error)
	// Parse owns the success shape this strategy produces.
	Parse func(raw *Raw) (*Result, error)
}

// Table holds the ordered strategies per operation.
type Table map[Operation][]Strategy

// Chain returns the strategies for op in priority order.
func (t Table) Chain(op Operation) []Strategy {
	return t[op]
}

// classifyAttempt refines the generic classification with strategy knowledge.
func classifyAttempt(s Strategy, err error) Class {
	class := classify(err)
	if class != ClassRetryable {
		return class
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.Kind != KindStatus {
		return class
	}

	if mentionsRejection(transportErr.Body) {
		return ClassTerminal
	}
	// 404 既可能是端点版本不存在，也可能是会话失效；只有响应体明确说明时才算会话失效
	if transportErr.Status == http.StatusNotFound && s.Operation.bindsConversation() && mentionsNotFound(transportErr.Body) {
		return ClassConversationInvalid
	}
	return class
}

// classifyMessage maps free-form backend error text onto a Class.
func classifyMessage(msg string) Class {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "not found", "does not exist", "no such chat", "unknown chat"):
		return ClassConversationInvalid
	case containsAny(lower, "unauthorized", "authentication", "forbidden", "invalid token", "csrf"):
		return ClassAuth
	case containsAny(lower, "filtered", "moderation", "content_rejected", "violat"):
		return ClassTerminal
	default:
		return ClassRetryable
	}
}

// mentionsNotFound only trusts structured bodies; a bare 404 page usually means
// the endpoint itself is gone.
func mentionsNotFound(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	return classifyMessage(errorText(body)) == ClassConversationInvalid
}

func mentionsRejection(body []byte) bool {
	if gjson.GetBytes(body, "is_filtered").Bool() {
		return true
	}
	return classifyMessage(errorText(body)) == ClassTerminal
}

// errorText pulls the human-readable error out of the usual error envelopes.
func errorText(body []byte) string {
	if !gjson.ValidBytes(body) {
		return string(body)
	}
	for _, path := range []string{"error", "detail", "comment", "message", "status"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
