package remote

import (
	"context"
	"fmt"
	"net/http"
)

// Raw is the undecoded outcome of one transport call. It never leaves the package.
type Raw struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport delivers one strategy attempt.
type Transport interface {
	Send(ctx context.Context, s Strategy, req *Request) (*Raw, error)
}

// TransportErrorKind distinguishes how a transport call failed.
type TransportErrorKind int

const (
	KindNetwork TransportErrorKind = iota
	KindStatus
	KindParse
	KindTimeout
	KindClosed
)

func (k TransportErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindStatus:
		return "status"
	case KindParse:
		return "parse"
	case KindTimeout:
		return "timeout"
	case KindClosed:
		return "closed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TransportError is the typed failure of a transport call.
type TransportError struct {
	Kind   TransportErrorKind
	Status int
	Body   []byte
	Err    error
}

func (e *TransportError) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("%s error: http %d: %s", e.Kind, e.Status, snippet(e.Body))
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func snippet(body []byte) string {
	const max = 160
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
