package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxUnaryBody = 4 << 20

// UnaryOptions configures the request/response transport.
type UnaryOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// Client overrides the default HTTP client, mainly for tests.
	Client *http.Client
}

// UnaryTransport performs one HTTP exchange per attempt.
type UnaryTransport struct {
	baseURL   string
	timeout   time.Duration
	userAgent string
	client    *http.Client
}

// NewUnaryTransport creates the HTTP transport.
func NewUnaryTransport(opts UnaryOptions) *UnaryTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = newHTTPClient()
	}
	return &UnaryTransport{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		client:    client,
	}
}

// newHTTPClient 构建带连接复用的 HTTP 客户端，单次请求超时由 context 控制
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   15 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Send performs the strategy's HTTP call and returns the raw body.
func (t *UnaryTransport) Send(ctx context.Context, s Strategy, req *Request) (*Raw, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var body io.Reader
	if s.Build != nil {
		payload, err := s.Build(req)
		if err != nil {
			return nil, &RemoteError{Class: ClassTerminal, Message: fmt.Sprintf("build %s request: %v", s.ID, err)}
		}
		body = bytes.NewReader(payload)
	}

	method := s.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, t.baseURL+expandPath(s.Path, req), body)
	if err != nil {
		return nil, &RemoteError{Class: ClassTerminal, Message: fmt.Sprintf("create %s request: %v", s.ID, err)}
	}
	applySessionHeaders(httpReq.Header, req, t.userAgent, t.baseURL)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, wrapUnaryError(parent, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUnaryBody))
	if err != nil {
		return nil, wrapUnaryError(parent, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{Kind: KindStatus, Status: resp.StatusCode, Body: data}
	}

	return &Raw{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func wrapUnaryError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Kind: KindTimeout, Err: ErrAttemptTimeout}
	}
	return &TransportError{Kind: KindNetwork, Err: err}
}

// expandPath substitutes {conversation} and {persona} with escaped values.
func expandPath(tpl string, req *Request) string {
	if req == nil {
		return tpl
	}
	return strings.NewReplacer(
		"{conversation}", url.PathEscape(req.ConversationID),
		"{persona}", url.PathEscape(req.PersonaID),
	).Replace(tpl)
}

// applySessionHeaders sets the credential and session material the backend expects.
func applySessionHeaders(h http.Header, req *Request, userAgent, origin string) {
	h.Set("Accept", "application/json")
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	if origin != "" {
		h.Set("Origin", origin)
		h.Set("Referer", origin+"/")
	}
	if req == nil {
		return
	}
	if req.Credential != "" {
		h.Set("Authorization", "Token "+string(req.Credential))
	}
	if sess := req.Session; sess != nil {
		if sess.AntiForgeryToken != "" {
			h.Set("X-CSRFToken", sess.AntiForgeryToken)
		}
		if cookie := sess.cookieHeader(); cookie != "" {
			h.Set("Cookie", cookie)
		}
	}
}
