package streaming

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-nexus/nexus/pkg/config"
	"github.com/opencode-nexus/nexus/pkg/connection"
	"github.com/opencode-nexus/nexus/pkg/errors"
	"github.com/opencode-nexus/nexus/pkg/events"
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
		MaxRetries:   3,
		BaseDelay:    5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		ChunkTimeout: 2 * time.Second,
		BufferSize:   32,
	}
	config.Set(cfg)
	return cfg
}

// sseHandler answers /app and serves the given frames for any prompt
func sseHandler(frames []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/app" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"name": "opencode", "version": "0.4.2", "status": "running"}`))
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/prompt") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
	}
}

func setup(t *testing.T, handler http.Handler) (*Manager, *events.Bridge) {
	t.Helper()
	cfg := testConfig(t)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	bridge := events.New()
	t.Cleanup(bridge.Close)

	conn, err := connection.NewManager(bridge, cfg)
	require.NoError(t, err)
	t.Cleanup(conn.Disconnect)
	require.NoError(t, conn.Connect(context.Background(), server.URL, ""))

	return NewManager(bridge, conn, cfg), bridge
}

func nextMessage(t *testing.T, sub *events.Subscription) events.MessagePayload {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		require.True(t, ok, "bridge closed early")
		return e.Payload.(events.MessagePayload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message event")
		return events.MessagePayload{}
	}
}

func waitForNoHandle(t *testing.T, m *Manager, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := m.Handle(sessionID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamDeliversChunksAndCompletion(t *testing.T) {
	m, bridge := setup(t, sseHandler([]string{
		`{"id": "u1", "role": "user", "content": "Hello", "is_chunk": false}`,
		`{"id": "m1", "role": "assistant", "content": "Hi", "is_chunk": true}`,
		`{"id": "m1", "role": "assistant", "content": " there", "is_chunk": true}`,
		`{"id": "m1", "role": "assistant", "content": "Hi there", "is_chunk": false}`,
	}))
	sub := bridge.Subscribe(32, events.CategoryMessage)

	require.NoError(t, m.Start("s1", "Hello"))

	started := nextMessage(t, sub)
	assert.Equal(t, events.MessageStarted, started.Type)
	assert.Equal(t, "m1", started.MessageID)
	assert.Equal(t, "Hi", started.Content)
	assert.True(t, started.Streaming)

	updated := nextMessage(t, sub)
	assert.Equal(t, events.MessageUpdated, updated.Type)
	assert.Equal(t, "Hi there", updated.Content)

	completed := nextMessage(t, sub)
	assert.Equal(t, events.MessageCompleted, completed.Type)
	assert.Equal(t, "m1", completed.MessageID)
	assert.Equal(t, "Hi there", completed.Content)
	assert.False(t, completed.Streaming)

	// The user echo frame produced no event and the handle is released.
	waitForNoHandle(t, m, "s1")
}

func TestOneStreamPerSession(t *testing.T) {
	release := make(chan struct{})
	m, _ := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/app" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"name": "opencode", "version": "0.4.2", "status": "running"}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer close(release)

	require.NoError(t, m.Start("s1", "Hello"))
	err := m.Start("s1", "Hello again")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindSession))

	// A different session streams independently.
	require.NoError(t, m.Start("s2", "Hello"))

	m.StopAll()
	waitForNoHandle(t, m, "s1")
	waitForNoHandle(t, m, "s2")
}

func TestStopIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	m, bridge := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/app" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"name": "opencode", "version": "0.4.2", "status": "running"}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer close(release)
	sub := bridge.Subscribe(32, events.CategoryStream)

	require.NoError(t, m.Start("s1", "Hello"))
	m.Stop("s1")
	m.Stop("s1") // no stream, no-op
	waitForNoHandle(t, m, "s1")

	var sawStopped bool
	for done := false; !done; {
		select {
		case e := <-sub.Events():
			if e.Payload.(events.StreamPayload).Type == events.StreamStopped {
				sawStopped = true
				done = true
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	assert.True(t, sawStopped)

	// The session can stream again after a stop.
	require.NoError(t, m.Start("s1", "Hello again"))
	m.Stop("s1")
}

func TestConnectFailureRetriesThenCloses(t *testing.T) {
	m, bridge := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/app" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"name": "opencode", "version": "0.4.2", "status": "running"}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	streamSub := bridge.Subscribe(32, events.CategoryStream)
	errSub := bridge.Subscribe(32, events.CategoryError)

	require.NoError(t, m.Start("s1", "Hello"))
	waitForNoHandle(t, m, "s1")

	var reconnects int
	var closed bool
	deadline := time.After(2 * time.Second)
	for !closed {
		select {
		case e := <-streamSub.Events():
			p := e.Payload.(events.StreamPayload)
			switch p.Type {
			case events.StreamReconnecting:
				reconnects++
			case events.StreamClosed:
				closed = true
				assert.NotEmpty(t, p.Message)
			}
		case <-deadline:
			t.Fatal("stream never closed")
		}
	}
	assert.Equal(t, 2, reconnects, "backs off between attempts before giving up")

	errEvent := <-errSub.Events()
	payload := errEvent.Payload.(events.ErrorPayload)
	assert.True(t, payload.Retryable)
	assert.NotEmpty(t, payload.Detail)
}

func TestStreamEndWithoutFinalFrameFinalizes(t *testing.T) {
	m, bridge := setup(t, sseHandler([]string{
		`{"id": "m1", "role": "assistant", "content": "partial ", "is_chunk": true}`,
		`{"id": "m1", "role": "assistant", "content": "answer", "is_chunk": true}`,
	}))
	sub := bridge.Subscribe(32, events.CategoryMessage)

	require.NoError(t, m.Start("s1", "Hello"))

	nextMessage(t, sub) // started
	nextMessage(t, sub) // updated

	final := nextMessage(t, sub)
	assert.Equal(t, events.MessageCompleted, final.Type)
	assert.Equal(t, "m1", final.MessageID)
	assert.Equal(t, "partial answer", final.Content, "accumulated content survives a dropped stream")
	waitForNoHandle(t, m, "s1")
}

func TestChunkTimeoutFinalizesAndReportsError(t *testing.T) {
	m, bridge := setup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/app" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"name": "opencode", "version": "0.4.2", "status": "running"}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `data: {"id": "m1", "role": "assistant", "content": "stuck", "is_chunk": true}`+"\n\n")
		flusher.Flush()
		time.Sleep(500 * time.Millisecond)
	}))

	// Shrink the stall window and spend the whole retry budget on the
	// first attempt so the stall surfaces directly.
	m.chunkTimeout = 50 * time.Millisecond
	m.retryCfg.MaxAttempts = 1

	msgSub := bridge.Subscribe(32, events.CategoryMessage)
	errSub := bridge.Subscribe(32, events.CategoryError)

	require.NoError(t, m.Start("s1", "Hello"))

	nextMessage(t, msgSub) // started
	final := nextMessage(t, msgSub)
	assert.Equal(t, events.MessageCompleted, final.Type)
	assert.Equal(t, "stuck", final.Content)

	errEvent := <-errSub.Events()
	payload := errEvent.Payload.(events.ErrorPayload)
	assert.Contains(t, strings.ToLower(payload.Message), "timed out")
	waitForNoHandle(t, m, "s1")
}

func TestFeedDropResumesOnEventFeed(t *testing.T) {
	var prompts, feeds atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/app":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"name": "opencode", "version": "0.4.2", "status": "running"}`))
		case strings.HasSuffix(r.URL.Path, "/prompt"):
			prompts.Add(1)
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, `data: {"id": "m1", "role": "assistant", "content": "Hel", "is_chunk": true}`+"\n\n")
			w.(http.Flusher).Flush()
			time.Sleep(20 * time.Millisecond)
			// Kill the connection mid-response without a terminating chunk.
			panic(http.ErrAbortHandler)
		case strings.HasSuffix(r.URL.Path, "/events"):
			feeds.Add(1)
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			fmt.Fprint(w, `data: {"id": "m1", "role": "assistant", "content": "lo", "is_chunk": true}`+"\n\n")
			flusher.Flush()
			fmt.Fprint(w, `data: {"id": "m1", "role": "assistant", "content": "Hello", "is_chunk": false}`+"\n\n")
			flusher.Flush()
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	m, bridge := setup(t, handler)
	msgSub := bridge.Subscribe(32, events.CategoryMessage)
	streamSub := bridge.Subscribe(32, events.CategoryStream)

	require.NoError(t, m.Start("s1", "Hello"))

	started := nextMessage(t, msgSub)
	assert.Equal(t, events.MessageStarted, started.Type)
	assert.Equal(t, "Hel", started.Content)

	updated := nextMessage(t, msgSub)
	assert.Equal(t, events.MessageUpdated, updated.Type)
	assert.Equal(t, "m1", updated.MessageID)
	assert.Equal(t, "Hello", updated.Content, "accumulation continues across the reconnect")

	completed := nextMessage(t, msgSub)
	assert.Equal(t, events.MessageCompleted, completed.Type)
	assert.Equal(t, "Hello", completed.Content)

	waitForNoHandle(t, m, "s1")
	assert.Equal(t, int32(1), prompts.Load(), "the prompt runs once")
	assert.Equal(t, int32(1), feeds.Load(), "recovery goes through the read-only feed")

	var seq []events.StreamEventType
	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case e := <-streamSub.Events():
			p := e.Payload.(events.StreamPayload)
			seq = append(seq, p.Type)
			if p.Type == events.StreamClosed {
				assert.Empty(t, p.Message, "the resumed feed ends cleanly")
				done = true
			}
		case <-deadline:
			t.Fatal("stream never closed")
		}
	}
	assert.Equal(t, []events.StreamEventType{
		events.StreamStarted,
		events.StreamActive,
		events.StreamReconnecting,
		events.StreamActive,
		events.StreamClosed,
	}, seq)
}

func TestNewChunkIDFinalizesPreviousMessage(t *testing.T) {
	m, bridge := setup(t, sseHandler([]string{
		`{"id": "m1", "role": "assistant", "content": "first", "is_chunk": true}`,
		`{"id": "m2", "role": "assistant", "content": "second", "is_chunk": true}`,
		`{"id": "m2", "role": "assistant", "content": "second", "is_chunk": false}`,
	}))
	sub := bridge.Subscribe(32, events.CategoryMessage)

	require.NoError(t, m.Start("s1", "Hello"))

	first := nextMessage(t, sub)
	assert.Equal(t, events.MessageStarted, first.Type)
	assert.Equal(t, "m1", first.MessageID)

	finalized := nextMessage(t, sub)
	assert.Equal(t, events.MessageCompleted, finalized.Type)
	assert.Equal(t, "m1", finalized.MessageID)
	assert.Equal(t, "first", finalized.Content)

	second := nextMessage(t, sub)
	assert.Equal(t, events.MessageStarted, second.Type)
	assert.Equal(t, "m2", second.MessageID)

	completed := nextMessage(t, sub)
	assert.Equal(t, events.MessageCompleted, completed.Type)
	assert.Equal(t, "m2", completed.MessageID)
	waitForNoHandle(t, m, "s1")
}

func TestStartRequiresConnection(t *testing.T) {
	cfg := testConfig(t)
	bridge := events.New()
	defer bridge.Close()
	conn, err := connection.NewManager(bridge, cfg)
	require.NoError(t, err)

	m := NewManager(bridge, conn, cfg)
	err = m.Start("s1", "Hello")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotConnected))
}
