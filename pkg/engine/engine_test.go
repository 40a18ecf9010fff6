package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-nexus/nexus/pkg/config"
	"github.com/opencode-nexus/nexus/pkg/connection"
	"github.com/opencode-nexus/nexus/pkg/events"
	"github.com/opencode-nexus/nexus/pkg/sessions"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	viper.Reset()
	viper.Set("state.directory", t.TempDir())
	t.Cleanup(viper.Reset)

	cfg := &config.Config{}
	cfg.Server.Timeout = 2 * time.Second
	cfg.Retry = config.RetryConfig{
		MaxAttempts:  2,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
	cfg.Stream = config.StreamConfig{
		MaxRetries:   2,
		BaseDelay:    5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		ChunkTimeout: 2 * time.Second,
		BufferSize:   32,
	}
	config.Set(cfg)
	return cfg
}

// chatServer fakes the endpoints of one prompt round trip
func chatServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/app":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"name": "opencode", "version": "0.4.2", "status": "running"}`))
		case r.URL.Path == "/session" && r.Method == http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id": "ses_1"}`))
		case strings.HasSuffix(r.URL.Path, "/prompt"):
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			frames := []string{
				`{"id": "m1", "role": "assistant", "content": "Hi", "is_chunk": true}`,
				`{"id": "m1", "role": "assistant", "content": " there", "is_chunk": true}`,
				`{"id": "m1", "role": "assistant", "content": "Hi there", "is_chunk": false}`,
			}
			for _, f := range frames {
				fmt.Fprintf(w, "data: %s\n\n", f)
				flusher.Flush()
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Shutdown)
	return e
}

func TestFullChatRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	server := chatServer(t)
	e := newEngine(t, cfg)

	require.NoError(t, e.Connect(context.Background(), server.URL))
	assert.Equal(t, connection.StatusConnected, e.ConnectionStatus())

	session, err := e.CreateSession(context.Background(), "Test")
	require.NoError(t, err)
	assert.Equal(t, session.ID, e.CurrentSession())

	require.NoError(t, e.SendMessage(session.ID, "Hello"))

	// One user turn plus one deduplicated assistant turn.
	require.Eventually(t, func() bool {
		messages, err := e.Messages(session.ID)
		if err != nil || len(messages) != 2 {
			return false
		}
		return messages[1].Content == "Hi there" && !messages[1].Streaming
	}, 2*time.Second, 10*time.Millisecond)

	messages, err := e.Messages(session.ID)
	require.NoError(t, err)
	assert.Equal(t, sessions.RoleUser, messages[0].Role)
	assert.Equal(t, "Hello", messages[0].Content)
	assert.Equal(t, sessions.RoleAssistant, messages[1].Role)

	stats, err := e.SessionStats(session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.MessageCount)
	assert.Equal(t, 1, stats.UserMessages)
	assert.Equal(t, 1, stats.AssistantMessages)
}

func TestSubscribersSeeTheWholeFlow(t *testing.T) {
	cfg := testConfig(t)
	server := chatServer(t)
	e := newEngine(t, cfg)
	sub := e.Subscribe(64)

	require.NoError(t, e.Connect(context.Background(), server.URL))
	session, err := e.CreateSession(context.Background(), "Test")
	require.NoError(t, err)
	require.NoError(t, e.SendMessage(session.ID, "Hello"))

	seen := map[events.Category]bool{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 4 {
		select {
		case ev := <-sub.Events():
			seen[ev.Category] = true
		case <-deadline:
			t.Fatalf("only saw categories %v", seen)
		}
	}
	assert.True(t, seen[events.CategoryConnection])
	assert.True(t, seen[events.CategorySession])
	assert.True(t, seen[events.CategoryMessage])
	assert.True(t, seen[events.CategoryStream])
}

func TestDeleteSessionStopsItsStream(t *testing.T) {
	cfg := testConfig(t)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/app":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"name": "opencode", "version": "0.4.2", "status": "running"}`))
		case r.URL.Path == "/session" && r.Method == http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id": "ses_1"}`))
		case strings.HasSuffix(r.URL.Path, "/prompt"):
			w.Header().Set("Content-Type", "text/event-stream")
			w.(http.Flusher).Flush()
			<-release
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	defer close(release)

	e := newEngine(t, cfg)
	require.NoError(t, e.Connect(context.Background(), server.URL))
	session, err := e.CreateSession(context.Background(), "Test")
	require.NoError(t, err)

	require.NoError(t, e.SendMessage(session.ID, "Hello"))
	require.Eventually(t, func() bool {
		return len(e.ActiveStreams()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.DeleteSession(session.ID))
	assert.Empty(t, e.ActiveStreams())
}

func TestDisconnectStopsStreams(t *testing.T) {
	cfg := testConfig(t)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/app":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"name": "opencode", "version": "0.4.2", "status": "running"}`))
		case r.URL.Path == "/session" && r.Method == http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id": "ses_1"}`))
		case strings.HasSuffix(r.URL.Path, "/prompt"):
			w.Header().Set("Content-Type", "text/event-stream")
			w.(http.Flusher).Flush()
			<-release
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	defer close(release)

	e := newEngine(t, cfg)
	require.NoError(t, e.Connect(context.Background(), server.URL))
	session, err := e.CreateSession(context.Background(), "Test")
	require.NoError(t, err)
	require.NoError(t, e.SendMessage(session.ID, "Hello"))

	e.Disconnect()
	assert.Empty(t, e.ActiveStreams())
	assert.Equal(t, connection.StatusDisconnected, e.ConnectionStatus())

	// Sending against a dropped connection fails cleanly.
	err = e.SendMessage(session.ID, "Hello again")
	require.Error(t, err)

	// Reconnecting does not resurrect the pre-disconnect stream handle.
	require.NoError(t, e.Connect(context.Background(), server.URL))
	assert.Empty(t, e.ActiveStreams())
}

func TestAutoRestoreOnStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Connection.AutoRestore = true
	server := chatServer(t)

	// First engine connects and remembers the server.
	e1 := newEngine(t, cfg)
	require.NoError(t, e1.Connect(context.Background(), server.URL))
	e1.Shutdown()

	// A fresh engine over the same state restores it during Start.
	e2, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e2.Start(context.Background()))
	t.Cleanup(e2.Shutdown)

	assert.Equal(t, connection.StatusConnected, e2.ConnectionStatus())
}
