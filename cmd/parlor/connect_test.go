package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parlor/internal/bus"
	"github.com/2389/parlor/internal/store"
)

// syncBuffer lets the test read output written by runConnect's goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// echoConversation upgrades /ws/{id}, answers every frame with a broadcast
// of it plus a canned reply, and serves a one-message history.
func echoConversation(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "no", http.StatusUnauthorized)
			return
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var in struct {
				Content string `json:"content"`
			}
			if json.Unmarshal(data, &in) != nil {
				_ = ws.Write(ctx, websocket.MessageText, []byte("Invalid message format. Please send JSON."))
				continue
			}
			for _, msg := range []bus.Message{
				{ConversationID: r.PathValue("id"), Sender: "alice", Role: store.RoleUser, Content: in.Content},
				{ConversationID: r.PathValue("id"), Sender: "nova", Role: store.RoleAssistant, Content: "echo: " + in.Content},
			} {
				payload, err := bus.Encode(msg)
				require.NoError(t, err)
				_ = ws.Write(ctx, websocket.MessageText, payload)
			}
		}
	})
	mux.HandleFunc("/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []store.Message{{Sender: "bob", Content: "earlier", Timestamp: time.Now()}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectSendsAndPrints(t *testing.T) {
	color.NoColor = true
	srv := echoConversation(t)

	in, stdin := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runConnect(context.Background(), connectOptions{server: srv.URL, token: "tok", conversationID: "c1"}, in, out)
	}()

	_, err := io.WriteString(stdin, "hello there\n/history\n")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "[alice] hello there") &&
			strings.Contains(s, "[nova] echo: hello there") &&
			strings.Contains(s, "[bob] earlier")
	}, 5*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(stdin, "/quit\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not exit on /quit")
	}
	_ = stdin.Close()
}

func TestConnectRejected(t *testing.T) {
	srv := echoConversation(t)
	err := runConnect(context.Background(), connectOptions{server: srv.URL, token: "bad", conversationID: "c1"}, strings.NewReader(""), io.Discard)
	assert.ErrorContains(t, err, "connecting")
}

func TestWSURL(t *testing.T) {
	u, err := wsURL("https://chat.example.com/", "c 1", "a+b")
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/ws/c%201?token=a%2Bb", u)

	u, err = wsURL("http://localhost:8000", "c1", "t")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/ws/c1?token=t", u)

	_, err = wsURL("ftp://x", "c1", "t")
	assert.Error(t, err)
}
