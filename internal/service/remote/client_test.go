package remote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tavern-relay/internal/model/chat"
)

func TestSendHappyPath(t *testing.T) {
	fx := newClientFixture(t, []string{"tok-a"}, testTable())

	reply, err := fx.client.Send(context.Background(), "guild:1", "persona-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", reply.Text)

	handle, _ := fx.store.Load(context.Background(), "guild:1")
	require.NotNil(t, handle)
	assert.Equal(t, "conv-1", handle.ExternalConversationID)
	assert.Equal(t, "persona-1", handle.PersonaID)

	_, err = fx.client.Send(context.Background(), "guild:1", "persona-1", "again")
	require.NoError(t, err)
	assert.Equal(t, 1, fx.transport.count("create"), "existing conversation must be reused")
	assert.Equal(t, 1, fx.transport.count("identity"), "session must be cached")
}

// 第一个策略超时，第二个策略成功
func TestSendFallsBackToSecondStrategy(t *testing.T) {
	fx := newClientFixture(t, []string{"tok-a", "tok-b"}, testTable("send.0", "send.1"))
	fx.transport.respond = func(s Strategy, _ *Request) (*Raw, error) {
		if s.ID == "send.0" {
			return nil, timeoutErr()
		}
		return nil, nil
	}

	reply, err := fx.client.Send(context.Background(), "k", "p", "hi")
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", reply.Text)
	assert.Equal(t, 1, fx.transport.count("send.0"))
	assert.Equal(t, 1, fx.transport.count("send.1"))

	_, pos, _ := fx.pool.Current()
	assert.Equal(t, 0, pos, "a strategy fallback must not rotate credentials")
}

func TestSendRecreatesInvalidConversationOnce(t *testing.T) {
	fx := newClientFixture(t, []string{"tok-a"}, testTable())
	ctx := context.Background()
	require.NoError(t, fx.store.Save(ctx, "k", &chat.ConversationHandle{
		Key:                    "k",
		ExternalConversationID: "conv-stale",
		PersonaID:              "p",
	}))

	fx.transport.respond = func(s Strategy, req *Request) (*Raw, error) {
		if s.ID == "send" && req.ConversationID == "conv-stale" {
			return nil, statusErr(404, `{"error":"chat not found"}`)
		}
		return nil, nil
	}

	reply, err := fx.client.Send(ctx, "k", "p", "hi")
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", reply.Text)

	assert.Equal(t, 1, fx.transport.count("create"))
	sends := fx.transport.callsFor("send")
	require.Len(t, sends, 2)
	assert.Equal(t, "conv-stale", sends[0].Conversation)
	assert.Equal(t, "conv-1", sends[1].Conversation)

	handle, _ := fx.store.Load(ctx, "k")
	assert.Equal(t, "conv-1", handle.ExternalConversationID)
}

func TestSendExhaustedAfterEveryCredentialAndStrategy(t *testing.T) {
	tokens := []string{"tok-a", "tok-b", "tok-c"}
	fx := newClientFixture(t, tokens, testTable("send.0", "send.1", "send.2"))
	fx.transport.respond = func(s Strategy, _ *Request) (*Raw, error) {
		if s.Operation == OpSendTurn {
			return nil, timeoutErr()
		}
		return nil, nil
	}

	_, err := fx.client.Send(context.Background(), "k", "p", "hi")
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Len(t, exhausted.Attempts, len(tokens)*3)
	assert.False(t, IsTerminal(err))

	total := fx.transport.count("send.0") + fx.transport.count("send.1") + fx.transport.count("send.2")
	assert.Equal(t, len(tokens)*3, total, "attempts are bounded by pool size times chain length")

	seen := map[string]bool{}
	for _, attempt := range exhausted.Attempts {
		seen[attempt.Credential] = true
		assert.NotContains(t, attempt.Credential, "tok-", "credential labels must not leak secrets")
	}
	assert.Len(t, seen, len(tokens))
}

func TestSendRotatesOnAuthFailure(t *testing.T) {
	fx := newClientFixture(t, []string{"tok-a", "tok-b"}, testTable())
	fx.transport.respond = func(s Strategy, req *Request) (*Raw, error) {
		if s.ID == "send" && req.Credential == "tok-a" {
			return nil, statusErr(401, `{"detail":"invalid token"}`)
		}
		return nil, nil
	}

	reply, err := fx.client.Send(context.Background(), "k", "p", "hi")
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", reply.Text)

	sends := fx.transport.callsFor("send")
	require.Len(t, sends, 2)
	assert.Equal(t, Credential("tok-a"), sends[0].Credential)
	assert.Equal(t, Credential("tok-b"), sends[1].Credential)

	assert.False(t, fx.client.bootstrap.Has("tok-a"), "rejected session must be discarded")
	assert.True(t, fx.client.bootstrap.Has("tok-b"))

	cred, _, _ := fx.pool.Current()
	assert.Equal(t, Credential("tok-b"), cred)
}

func TestSendTerminalIsNotRetried(t *testing.T) {
	fx := newClientFixture(t, []string{"tok-a", "tok-b"}, testTable("send.0", "send.1"))
	fx.transport.respond = func(s Strategy, _ *Request) (*Raw, error) {
		if s.ID == "send.0" {
			return nil, &RemoteError{Class: ClassTerminal, Message: "content rejected"}
		}
		return nil, nil
	}

	_, err := fx.client.Send(context.Background(), "k", "p", "hi")
	require.Error(t, err)

	var terminal *TerminalError
	require.ErrorAs(t, err, &terminal)
	require.NotNil(t, terminal.Attempt)
	assert.Equal(t, "send.0", terminal.Attempt.Strategy)
	assert.Zero(t, fx.transport.count("send.1"))
	assert.Len(t, fx.transport.callsFor("send.0"), 1)

	_, pos, _ := fx.pool.Current()
	assert.Equal(t, 0, pos)
}

func TestSendEmptyPoolIsConfigurationError(t *testing.T) {
	fx := newClientFixture(t, nil, testTable())

	_, err := fx.client.Send(context.Background(), "k", "p", "hi")
	assert.True(t, IsConfiguration(err))
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Empty(t, fx.transport.calls)
}

func TestSendRejectsMalformedInput(t *testing.T) {
	fx := newClientFixture(t, []string{"tok-a"}, testTable())

	cases := []struct {
		key, persona, text string
	}{
		{"", "p", "hi"},
		{"k", "", "hi"},
		{"k", "p", "   "},
	}
	for _, tc := range cases {
		_, err := fx.client.Send(context.Background(), chat.ConversationKey(tc.key), tc.persona, tc.text)
		assert.True(t, IsTerminal(err), "input %+v", tc)
	}
	assert.Empty(t, fx.transport.calls)
}

func TestSendReturnsCallerCancellation(t *testing.T) {
	fx := newClientFixture(t, []string{"tok-a", "tok-b"}, testTable())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.client.Send(ctx, "k", "p", "hi")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsExhausted(err))
}

func TestSendConcurrentCallsShareConversation(t *testing.T) {
	fx := newClientFixture(t, []string{"tok-a"}, testTable())
	fx.transport.delay = map[Operation]time.Duration{OpCreateConversation: 20 * time.Millisecond}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.client.Send(context.Background(), "shared", "p", "hi")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fx.transport.count("create"))
	assert.Equal(t, 1, fx.transport.count("identity"))
}

func TestResetForcesNewConversation(t *testing.T) {
	fx := newClientFixture(t, []string{"tok-a"}, testTable())
	ctx := context.Background()

	_, err := fx.client.Send(ctx, "k", "p", "one")
	require.NoError(t, err)
	require.NoError(t, fx.client.Reset(ctx, "k"))

	handle, _ := fx.store.Load(ctx, "k")
	assert.Nil(t, handle)

	_, err = fx.client.Send(ctx, "k", "p", "two")
	require.NoError(t, err)
	assert.Equal(t, 2, fx.transport.count("create"))
}

func TestHistoryWithoutConversationIsEmpty(t *testing.T) {
	fx := newClientFixture(t, []string{"tok-a"}, testTable())

	history, err := fx.client.History(context.Background(), "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, fx.transport.calls)
}

func TestHistoryAppliesLimit(t *testing.T) {
	fx := newClientFixture(t, []string{"tok-a"}, testTable())
	ctx := context.Background()
	_, err := fx.client.Send(ctx, "k", "p", "hi")
	require.NoError(t, err)

	history, err := fx.client.History(ctx, "k", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "two", history[0].Text)
	assert.Equal(t, "three", history[1].Text)
}

func TestPersonaFillsMissingID(t *testing.T) {
	fx := newClientFixture(t, []string{"tok-a"}, testTable())

	p, err := fx.client.Persona(context.Background(), "char-9")
	require.NoError(t, err)
	assert.Equal(t, "char-9", p.ID)
	assert.Equal(t, "Persona char-9", p.Name)

	_, err = fx.client.Persona(context.Background(), "")
	assert.True(t, IsTerminal(err))
}

func TestNewRequiresStoreAndTransport(t *testing.T) {
	_, err := New(Options{Transports: map[TransportKind]Transport{Unary: &fakeTransport{}}})
	assert.Error(t, err)

	_, err = New(Options{Store: newMemStore()})
	assert.Error(t, err)
}

type closingTransport struct {
	fakeTransport
	closed bool
}

func (c *closingTransport) Close() error {
	c.closed = true
	return errors.New("close failed")
}

func TestCloseClosesTransports(t *testing.T) {
	ct := &closingTransport{}
	client, err := New(Options{
		Store:      newMemStore(),
		Transports: map[TransportKind]Transport{Unary: &fakeTransport{}, Stream: ct},
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	assert.Error(t, client.Close())
	assert.True(t, ct.closed)
}

// sendPair runs a cancellable send and, once the first call of strategyID is
// in flight, a second send under context.Background. The first send is then
// cancelled.
func sendPair(t *testing.T, fx *clientFixture, strategyID string) (cancelled, survived error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := make(chan error, 1)
	go func() {
		_, err := fx.client.Send(ctx, "shared", "p", "from a")
		first <- err
	}()
	require.Eventually(t, func() bool { return fx.transport.count(strategyID) == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := fx.client.Send(context.Background(), "shared", "p", "from b")
		second <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	return <-first, <-second
}

func TestSendCancellationDuringBootstrapIsolated(t *testing.T) {
	fx := newClientFixture(t, []string{"tok-a", "tok-b"}, testTable())
	fx.transport.delay = map[Operation]time.Duration{OpDiscoverIdentity: 100 * time.Millisecond}

	cancelled, survived := sendPair(t, fx, "identity")

	assert.ErrorIs(t, cancelled, context.Canceled)
	require.NoError(t, survived)

	identity := fx.transport.callsFor("identity")
	require.Len(t, identity, 1)
	assert.Equal(t, Credential("tok-a"), identity[0].Credential)

	cred, pos, err := fx.pool.Current()
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
	assert.Equal(t, Credential("tok-a"), cred)
}

func TestSendCancellationDuringCreateIsolated(t *testing.T) {
	fx := newClientFixture(t, []string{"tok-a", "tok-b"}, testTable())
	fx.transport.delay = map[Operation]time.Duration{OpCreateConversation: 100 * time.Millisecond}

	cancelled, survived := sendPair(t, fx, "create")

	assert.ErrorIs(t, cancelled, context.Canceled)
	require.NoError(t, survived)

	creates := fx.transport.callsFor("create")
	require.Len(t, creates, 1)
	assert.Equal(t, Credential("tok-a"), creates[0].Credential)
	assert.Len(t, fx.transport.callsFor("send"), 1, "only the surviving send reaches the backend")

	handle, _ := fx.store.Load(context.Background(), "shared")
	require.NotNil(t, handle)
	assert.Equal(t, "conv-1", handle.ExternalConversationID)

	_, pos, err := fx.pool.Current()
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
}

type forgettingTransport struct {
	fakeTransport
	fmu       sync.Mutex
	forgotten []Credential
}

func (f *forgettingTransport) Forget(cred Credential) {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	f.forgotten = append(f.forgotten, cred)
}

func TestSendAuthFailureForgetsSessionBoundState(t *testing.T) {
	ft := &forgettingTransport{}
	ft.respond = func(s Strategy, req *Request) (*Raw, error) {
		if s.ID == "send" && req.Credential == "tok-a" {
			return nil, statusErr(401, `{"detail":"invalid token"}`)
		}
		return nil, nil
	}
	client, err := New(Options{
		Pool:       NewPool([]string{"tok-a", "tok-b"}),
		Store:      newMemStore(),
		Table:      testTable(),
		Transports: map[TransportKind]Transport{Unary: ft},
		Logger:     discardLogger(),
	})
	require.NoError(t, err)

	_, err = client.Send(context.Background(), "k", "p", "hi")
	require.NoError(t, err)

	ft.fmu.Lock()
	defer ft.fmu.Unlock()
	assert.Equal(t, []Credential{"tok-a"}, ft.forgotten)
}
