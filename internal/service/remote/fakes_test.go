package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type call struct {
	Strategy     string
	Credential   Credential
	Conversation string
}

// fakeTransport answers every strategy with a canned success unless respond
// returns something for it. It records every invocation.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []call
	created int
	respond func(s Strategy, req *Request) (*Raw, error)
	delay   map[Operation]time.Duration
}

func (f *fakeTransport) Send(ctx context.Context, s Strategy, req *Request) (*Raw, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{Strategy: s.ID, Credential: req.Credential, Conversation: req.ConversationID})
	delay := f.delay[s.Operation]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.respond != nil {
		if raw, err := f.respond(s, req); raw != nil || err != nil {
			return raw, err
		}
	}
	return f.success(s, req), nil
}

func (f *fakeTransport) success(s Strategy, req *Request) *Raw {
	var body string
	switch s.Operation {
	case OpDiscoverIdentity:
		body = "acct-" + string(req.Credential)
	case OpAcquireSession:
		body = "material-" + string(req.Credential)
	case OpCreateConversation:
		f.mu.Lock()
		f.created++
		body = fmt.Sprintf("conv-%d", f.created)
		f.mu.Unlock()
	case OpSendTurn:
		body = "echo:" + req.Text
	case OpFetchHistory:
		body = "one\ntwo\nthree"
	case OpFetchPersona:
		body = "Persona " + req.PersonaID
	}
	return &Raw{Status: http.StatusOK, Body: []byte(body)}
}

func (f *fakeTransport) count(strategyID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Strategy == strategyID {
			n++
		}
	}
	return n
}

func (f *fakeTransport) callsFor(strategyID string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Strategy == strategyID {
			out = append(out, c)
		}
	}
	return out
}

// testParse decodes the plain-text bodies fakeTransport produces. An empty
// body is an unrecognized shape.
func testParse(op Operation) func(raw *Raw) (*Result, error) {
	return func(raw *Raw) (*Result, error) {
		body := string(raw.Body)
		if body == "" {
			return nil, shapeError("empty body")
		}
		switch op {
		case OpDiscoverIdentity:
			return &Result{AccountID: body}, nil
		case OpAcquireSession:
			return &Result{Material: &SessionMaterial{AntiForgeryToken: body, SessionCookie: body}}, nil
		case OpCreateConversation:
			return &Result{ConversationID: body}, nil
		case OpSendTurn:
			return &Result{Reply: &chat.Reply{ReplyID: "r", Text: body}}, nil
		case OpFetchHistory:
			var history []chat.Reply
			for _, line := range strings.Split(body, "\n") {
				history = append(history, chat.Reply{Text: line})
			}
			return &Result{History: history}, nil
		case OpFetchPersona:
			return &Result{Persona: &persona.Persona{Name: body}}, nil
		}
		return nil, ErrUnrecognizedShape
	}
}

func testStrategy(op Operation, id string) Strategy {
	return Strategy{ID: id, Operation: op, Transport: Unary, Parse: testParse(op)}
}

// testTable has one strategy per operation, except sendTurn which gets one
// strategy per id given.
func testTable(sendIDs ...string) Table {
	table := Table{
		OpDiscoverIdentity:   {testStrategy(OpDiscoverIdentity, "identity")},
		OpAcquireSession:     {testStrategy(OpAcquireSession, "session")},
		OpCreateConversation: {testStrategy(OpCreateConversation, "create")},
		OpFetchHistory:       {testStrategy(OpFetchHistory, "history")},
		OpFetchPersona:       {testStrategy(OpFetchPersona, "persona")},
	}
	if len(sendIDs) == 0 {
		sendIDs = []string{"send"}
	}
	for _, id := range sendIDs {
		table[OpSendTurn] = append(table[OpSendTurn], testStrategy(OpSendTurn, id))
	}
	return table
}

// memStore is a ConversationStore that counts saves.
type memStore struct {
	mu      sync.Mutex
	handles map[chat.ConversationKey]chat.ConversationHandle
	saves   int
}

func newMemStore() *memStore {
	return &memStore{handles: make(map[chat.ConversationKey]chat.ConversationHandle)}
}

func (m *memStore) Load(_ context.Context, key chat.ConversationKey) (*chat.ConversationHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[key]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (m *memStore) Save(_ context.Context, key chat.ConversationKey, handle *chat.ConversationHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[key] = *handle
	m.saves++
	return nil
}

func (m *memStore) Delete(_ context.Context, key chat.ConversationKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, key)
	return nil
}

type clientFixture struct {
	client    *Client
	transport *fakeTransport
	store     *memStore
	pool      *Pool
}

func newClientFixture(t *testing.T, tokens []string, table Table) *clientFixture {
	t.Helper()
	ft := &fakeTransport{}
	store := newMemStore()
	pool := NewPool(tokens)

	client, err := New(Options{
		Pool:       pool,
		Store:      store,
		Table:      table,
		Transports: map[TransportKind]Transport{Unary: ft},
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	return &clientFixture{client: client, transport: ft, store: store, pool: pool}
}

func timeoutErr() error {
	return &TransportError{Kind: KindTimeout, Err: ErrAttemptTimeout}
}

func statusErr(status int, body string) error {
	return &TransportError{Kind: KindStatus, Status: status, Body: []byte(body)}
}
