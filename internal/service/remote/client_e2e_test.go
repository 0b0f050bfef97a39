package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// fakeBackend serves the default strategy table over both transports.
type fakeBackend struct {
	streamCreates atomic.Int32
	streamTurns   atomic.Int32
	unaryCreates  atomic.Int32
	unaryTurns    atomic.Int32
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/user/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token good" {
			http.Error(w, `{"detail":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"user":{"user":{"id":42,"username":"relay"}}}`))
	})
	mux.HandleFunc("/csrf/", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "sess-1", Path: "/"})
		_, _ = w.Write([]byte(`{"csrf_token":"csrf-1"}`))
	})
	mux.HandleFunc("/chat/history/create/", func(w http.ResponseWriter, r *http.Request) {
		n := b.unaryCreates.Add(1)
		fmt.Fprintf(w, `{"external_id":"hist-%d","participants":[]}`, n)
	})
	mux.HandleFunc("/chat/streaming/", func(w http.ResponseWriter, r *http.Request) {
		b.unaryTurns.Add(1)
		var payload struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		fmt.Fprintf(w, "{\"replies\":[{\"id\":7,\"text\":\"unary\"}],\"is_final_chunk\":false}\n")
		fmt.Fprintf(w, "{\"replies\":[{\"id\":7,\"text\":\"unary: %s\"}],\"src_char\":{\"participant\":{\"name\":\"Stark\"}},\"is_final_chunk\":true}\n", payload.Text)
	})
	mux.HandleFunc("/ws/", b.serveStream)
	return mux
}

func (b *fakeBackend) serveStream(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Cookie"), `HTTP_AUTHORIZATION="Token good"`) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame := gjson.ParseBytes(data)
		id := frame.Get("request_id").String()

		switch frame.Get("command").String() {
		case "create_chat":
			b.streamCreates.Add(1)
			out := []byte(`{"command":"create_chat_response"}`)
			out, _ = sjson.SetBytes(out, "request_id", id)
			out, _ = sjson.SetBytes(out, "chat.chat_id", frame.Get("payload.chat.chat_id").String())
			_ = conn.WriteMessage(websocket.TextMessage, out)
		case "create_and_generate_turn":
			b.streamTurns.Add(1)
			text := frame.Get("payload.turn.candidates.0.raw_content").String()
			chatID := frame.Get("payload.turn.turn_key.chat_id").String()
			for _, final := range []bool{false, true} {
				out := []byte(`{"command":"update_turn"}`)
				out, _ = sjson.SetBytes(out, "request_id", id)
				out, _ = sjson.SetBytes(out, "turn.turn_key.chat_id", chatID)
				out, _ = sjson.SetBytes(out, "turn.turn_key.turn_id", "turn-1")
				out, _ = sjson.SetBytes(out, "turn.author.name", "Stark")
				out, _ = sjson.SetBytes(out, "turn.candidates.0.candidate_id", "c1")
				out, _ = sjson.SetBytes(out, "turn.candidates.0.raw_content", "stream: "+text)
				out, _ = sjson.SetBytes(out, "turn.candidates.0.is_final", final)
				_ = conn.WriteMessage(websocket.TextMessage, out)
			}
		}
	}
}

func newBackendClient(t *testing.T, backendURL, streamURL string, tokens []string) *Client {
	t.Helper()
	unary := NewUnaryTransport(UnaryOptions{BaseURL: backendURL, Timeout: 2 * time.Second})

	opts := DefaultStreamOptions()
	opts.URL = streamURL
	opts.PingInterval = 0
	opts.Timeout = 2 * time.Second
	opts.Logger = discardLogger()
	stream := NewStreamTransport(opts)

	client, err := New(Options{
		Pool:       NewPool(tokens),
		Store:      newMemStore(),
		Transports: map[TransportKind]Transport{Unary: unary, Stream: stream},
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientAgainstBackendPrefersStream(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	client := newBackendClient(t, srv.URL, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/", []string{"good"})

	reply, err := client.Send(context.Background(), "guild:1", "char-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "stream: hi", reply.Text)
	assert.Equal(t, "Stark", reply.AuthorLabel)
	assert.Equal(t, int32(1), backend.streamCreates.Load())
	assert.Zero(t, backend.unaryTurns.Load())
}

func TestClientAgainstBackendFallsBackToUnary(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	// 流式端点不可达
	client := newBackendClient(t, srv.URL, "ws://127.0.0.1:1/ws/", []string{"good"})

	reply, err := client.Send(context.Background(), "guild:1", "char-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "unary: hi", reply.Text)
	assert.Equal(t, int32(1), backend.unaryCreates.Load())
	assert.Equal(t, int32(1), backend.unaryTurns.Load())
}

func TestClientAgainstBackendSkipsRejectedCredential(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	client := newBackendClient(t, srv.URL, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/", []string{"revoked", "good"})

	reply, err := client.Send(context.Background(), "k", "char-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "stream: hi", reply.Text)

	cred, _, _ := client.pool.Current()
	assert.Equal(t, Credential("good"), cred)
}
