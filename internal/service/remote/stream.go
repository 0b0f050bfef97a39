package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// StreamAuth selects how a stream connection authenticates during the handshake.
type StreamAuth string

const (
	// StreamAuthHeader sends the credential as an Authorization header.
	StreamAuthHeader StreamAuth = "header"
	// StreamAuthCookie sends the credential and session cookie as cookies.
	StreamAuthCookie StreamAuth = "cookie"
)

// StreamOptions 流式传输配置
type StreamOptions struct {
	URL              string
	Auth             StreamAuth
	Timeout          time.Duration // 单次请求等待关联回复的超时
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration // 0 关闭心跳
	UserAgent        string
	Origin           string
	CorrelationPath  string // 出入站帧中关联ID所在路径
	Logger           *slog.Logger
}

// DefaultStreamOptions 默认流式传输选项
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		Auth:             StreamAuthCookie,
		Timeout:          45 * time.Second,
		HandshakeTimeout: 15 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		CorrelationPath:  "request_id",
	}
}

// StreamTransport multiplexes concurrent requests over at most one duplex
// connection per credential.
type StreamTransport struct {
	opts   StreamOptions
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	slots  map[Credential]*connSlot
	closed bool
}

type connSlot struct {
	mu   sync.Mutex
	conn *streamConn
}

// NewStreamTransport creates the stream transport; connections open lazily.
func NewStreamTransport(opts StreamOptions) *StreamTransport {
	defaults := DefaultStreamOptions()
	if opts.Auth == "" {
		opts.Auth = defaults.Auth
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.CorrelationPath == "" {
		opts.CorrelationPath = defaults.CorrelationPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StreamTransport{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger: logger.With("component", "remote.stream"),
		slots:  make(map[Credential]*connSlot),
	}
}

// Send writes one correlated request and waits for the frame that completes it.
// Timeouts and cancellation only abandon this call; the connection stays open.
func (t *StreamTransport) Send(ctx context.Context, s Strategy, req *Request) (*Raw, error) {
	if req == nil || req.Session == nil {
		return nil, &RemoteError{Class: ClassTerminal, Message: "stream request without session"}
	}

	frame, correlationID, err := t.buildFrame(s, req)
	if err != nil {
		return nil, &RemoteError{Class: ClassTerminal, Message: fmt.Sprintf("build %s frame: %v", s.ID, err)}
	}

	conn, err := t.connFor(ctx, req)
	if err != nil {
		return nil, err
	}

	w := conn.register(correlationID)
	defer conn.deregister(correlationID)

	if err := conn.write(frame, t.opts.WriteTimeout); err != nil {
		conn.close(err)
		return nil, &TransportError{Kind: KindNetwork, Err: fmt.Errorf("write %s frame: %w", s.ID, err)}
	}

	timer := time.NewTimer(t.opts.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, &TransportError{Kind: KindTimeout, Err: ErrAttemptTimeout}
		case <-w.notify:
			if raw, done, err := settle(s, w.drain()); done {
				return raw, err
			}
		case <-conn.done:
			if raw, done, err := settle(s, w.drain()); done {
				return raw, err
			}
			return nil, &TransportError{Kind: KindClosed, Err: ErrConnectionClosed}
		}
	}
}

// settle 检查已收到的帧，遇到错误帧或最终帧时结束等待
func settle(s Strategy, frames [][]byte) (*Raw, bool, error) {
	for _, frame := range frames {
		parsed := gjson.ParseBytes(frame)
		if err := frameError(parsed); err != nil {
			return nil, true, err
		}
		if s.Final == nil || s.Final(parsed) {
			return &Raw{Status: http.StatusOK, Body: frame}, true, nil
		}
	}
	return nil, false, nil
}

func (t *StreamTransport) buildFrame(s Strategy, req *Request) ([]byte, string, error) {
	frame := []byte(`{}`)
	if s.Build != nil {
		payload, err := s.Build(req)
		if err != nil {
			return nil, "", err
		}
		frame = payload
	}

	var err error
	if s.Command != "" && !gjson.GetBytes(frame, "command").Exists() {
		if frame, err = sjson.SetBytes(frame, "command", s.Command); err != nil {
			return nil, "", err
		}
	}

	correlationID := uuid.NewString()
	if frame, err = sjson.SetBytes(frame, t.opts.CorrelationPath, correlationID); err != nil {
		return nil, "", err
	}
	return frame, correlationID, nil
}

// connFor returns the open connection of the request's credential, dialing if needed.
func (t *StreamTransport) connFor(ctx context.Context, req *Request) (*streamConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, &TransportError{Kind: KindClosed, Err: ErrConnectionClosed}
	}
	slot, ok := t.slots[req.Credential]
	if !ok {
		slot = &connSlot{}
		t.slots[req.Credential] = slot
	}
	t.mu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.conn != nil && !slot.conn.isClosed() {
		return slot.conn, nil
	}

	conn, err := t.dial(ctx, req)
	if err != nil {
		return nil, err
	}
	slot.conn = conn
	return conn, nil
}

func (t *StreamTransport) dial(ctx context.Context, req *Request) (*streamConn, error) {
	header := http.Header{}
	if t.opts.UserAgent != "" {
		header.Set("User-Agent", t.opts.UserAgent)
	}
	if t.opts.Origin != "" {
		header.Set("Origin", t.opts.Origin)
	}

	switch t.opts.Auth {
	case StreamAuthHeader:
		header.Set("Authorization", "Token "+string(req.Credential))
	default:
		cookie := fmt.Sprintf("HTTP_AUTHORIZATION=\"Token %s\"", req.Credential)
		if extra := req.Session.cookieHeader(); extra != "" {
			cookie += "; " + extra
		}
		header.Set("Cookie", cookie)
	}

	ws, resp, err := t.dialer.DialContext(ctx, t.opts.URL, header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, &TransportError{Kind: KindStatus, Status: resp.StatusCode, Err: err}
		}
		return nil, &TransportError{Kind: KindNetwork, Err: fmt.Errorf("stream dial failed: %w", err)}
	}

	label := req.Credential.mask()
	conn := &streamConn{
		ws:      ws,
		waiters: make(map[string]*waiter),
		done:    make(chan struct{}),
		logger:  t.logger.With("conn", label),
	}

	if t.opts.PingInterval > 0 {
		readTimeout := 2 * t.opts.PingInterval
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(readTimeout))
		})
		go conn.pingLoop(t.opts.PingInterval, t.opts.WriteTimeout)
		go conn.readLoop(t.opts.CorrelationPath, readTimeout)
	} else {
		go conn.readLoop(t.opts.CorrelationPath, 0)
	}

	conn.logger.Info("stream connection opened", "url", t.opts.URL)
	return conn, nil
}

// Close shuts every connection; in-flight calls fail with ErrConnectionClosed.
// Forget closes the connection opened for cred. The next send under cred
// dials again with whatever session material it then carries.
func (t *StreamTransport) Forget(cred Credential) {
	t.mu.Lock()
	slot := t.slots[cred]
	t.mu.Unlock()
	if slot == nil {
		return
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.conn != nil {
		slot.conn.shutdown()
		slot.conn = nil
	}
}

func (t *StreamTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	slots := t.slots
	t.slots = make(map[Credential]*connSlot)
	t.mu.Unlock()

	for _, slot := range slots {
		slot.mu.Lock()
		if slot.conn != nil {
			slot.conn.shutdown()
		}
		slot.mu.Unlock()
	}
	return nil
}

// streamConn is one shared duplex connection and its correlation table.
type streamConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	logger  *slog.Logger

	mu      sync.Mutex
	waiters map[string]*waiter

	done      chan struct{}
	closeOnce sync.Once
}

func (c *streamConn) register(id string) *waiter {
	w := &waiter{notify: make(chan struct{}, 1)}
	c.mu.Lock()
	c.waiters[id] = w
	c.mu.Unlock()
	return w
}

func (c *streamConn) deregister(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

func (c *streamConn) lookup(id string) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters[id]
}

func (c *streamConn) write(frame []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *streamConn) readLoop(path string, readTimeout time.Duration) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.close(err)
			return
		}
		if readTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		}

		id := gjson.GetBytes(data, path).String()
		w := c.lookup(id)
		if id == "" || w == nil {
			c.logger.Debug("discarding uncorrelated frame", "correlation_id", id)
			continue
		}
		w.push(data)
	}
}

func (c *streamConn) pingLoop(interval, writeTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close(fmt.Errorf("ping failed: %w", err))
				return
			}
		}
	}
}

func (c *streamConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// close marks the connection dead; every waiter observes done.
func (c *streamConn) close(cause error) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()

		c.mu.Lock()
		pending := len(c.waiters)
		c.mu.Unlock()
		c.logger.Warn("stream connection closed", "error", cause, "pending", pending)
	})
}

func (c *streamConn) shutdown() {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.close(errors.New("transport closed"))
}

// waiter queues the frames correlated to one request.
type waiter struct {
	mu     sync.Mutex
	frames [][]byte
	notify chan struct{}
}

func (w *waiter) push(frame []byte) {
	w.mu.Lock()
	w.frames = append(w.frames, frame)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *waiter) drain() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	frames := w.frames
	w.frames = nil
	return frames
}

// frameError converts a backend error frame into a classified RemoteError.
func frameError(frame gjson.Result) error {
	command := frame.Get("command").String()
	errField := frame.Get("error")
	if !strings.HasSuffix(command, "error") && !errField.Exists() {
		return nil
	}

	msg := frame.Get("comment").String()
	if msg == "" && errField.Type == gjson.String {
		msg = errField.String()
	}
	if msg == "" {
		msg = frame.Raw
	}
	return &RemoteError{Class: classifyMessage(msg), Message: msg}
}
