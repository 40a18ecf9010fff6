// Package streaming turns a session's prompt response into a sequence of
// message events on the bridge. It owns one stream handle per session,
// reconnection backoff, and the identity rule that keeps chunked updates
// attached to a single message.
package streaming

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/opencode-nexus/nexus/pkg/config"
	"github.com/opencode-nexus/nexus/pkg/connection"
	"github.com/opencode-nexus/nexus/pkg/errors"
	"github.com/opencode-nexus/nexus/pkg/events"
	"github.com/opencode-nexus/nexus/pkg/logger"
	"github.com/opencode-nexus/nexus/pkg/opencode"
	"github.com/opencode-nexus/nexus/pkg/sessions"
)

// State is the lifecycle of one stream
type State string

const (
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// StreamHandle is a read-only snapshot of an active stream
type StreamHandle struct {
	SessionID   string
	State       State
	StartTime   time.Time
	LastEventAt time.Time
	RetryCount  int
}

type activeStream struct {
	sessionID   string
	state       State
	startTime   time.Time
	lastEventAt time.Time
	retryCount  int

	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs the streams. At most one stream exists per session; starting
// a second while one is live is rejected.
type Manager struct {
	mu            sync.RWMutex
	activeStreams map[string]*activeStream

	conn   *connection.Manager
	bridge *events.Bridge
	log    *logger.ComponentLogger

	retryCfg     errors.RetryConfig
	chunkTimeout time.Duration
}

func NewManager(bridge *events.Bridge, conn *connection.Manager, cfg *config.Config) *Manager {
	return &Manager{
		activeStreams: make(map[string]*activeStream),
		conn:          conn,
		bridge:        bridge,
		log:           logger.WithComponent("streaming"),
		retryCfg: errors.RetryConfig{
			MaxAttempts:  cfg.Stream.MaxRetries,
			InitialDelay: cfg.Stream.BaseDelay,
			MaxDelay:     cfg.Stream.MaxDelay,
			Multiplier:   2.0,
		},
		chunkTimeout: cfg.Stream.ChunkTimeout,
	}
}

// Start sends a prompt and begins streaming the response for a session
func (m *Manager) Start(sessionID, prompt string) error {
	client, err := m.conn.Client()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if existing, ok := m.activeStreams[sessionID]; ok && existing.state != StateClosed {
		m.mu.Unlock()
		cancel()
		return errors.NewSession(sessionID, "a response is already streaming")
	}
	st := &activeStream{
		sessionID: sessionID,
		state:     StateConnecting,
		startTime: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.activeStreams[sessionID] = st
	m.mu.Unlock()

	m.log.Debug("Starting stream", "session_id", sessionID)
	m.bridge.PublishStream(sessionID, events.StreamPayload{Type: events.StreamStarted})

	go m.run(ctx, client, st, prompt)
	return nil
}

// Stop cancels a session's stream. Stopping a session with no stream is a
// no-op. Stop returns once the stream goroutine has exited.
func (m *Manager) Stop(sessionID string) {
	m.mu.RLock()
	st, ok := m.activeStreams[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	st.cancel()
	<-st.done
}

// StopAll cancels every active stream, used on disconnect and shutdown
func (m *Manager) StopAll() {
	m.mu.RLock()
	streams := make([]*activeStream, 0, len(m.activeStreams))
	for _, st := range m.activeStreams {
		streams = append(streams, st)
	}
	m.mu.RUnlock()

	for _, st := range streams {
		st.cancel()
		<-st.done
	}
}

// Handle returns a snapshot of the stream for a session, if one is active
func (m *Manager) Handle(sessionID string) (StreamHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.activeStreams[sessionID]
	if !ok {
		return StreamHandle{}, false
	}
	return snapshot(st), true
}

// Active returns snapshots of all current streams
func (m *Manager) Active() []StreamHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StreamHandle, 0, len(m.activeStreams))
	for _, st := range m.activeStreams {
		out = append(out, snapshot(st))
	}
	return out
}

func snapshot(st *activeStream) StreamHandle {
	return StreamHandle{
		SessionID:   st.sessionID,
		State:       st.state,
		StartTime:   st.startTime,
		LastEventAt: st.lastEventAt,
		RetryCount:  st.retryCount,
	}
}

func (m *Manager) setState(st *activeStream, state State) {
	m.mu.Lock()
	st.state = state
	m.mu.Unlock()
}

func (m *Manager) unregister(st *activeStream) {
	m.mu.Lock()
	st.state = StateClosed
	delete(m.activeStreams, st.sessionID)
	m.mu.Unlock()
}

// run drives one stream to completion. The prompt is posted exactly once;
// when the feed drops afterwards the stream reconnects on the session's
// read-only event feed, so retries never run the prompt a second time. The
// assembler's accumulated state survives reconnects, and only exhaustion or
// an explicit stop finalizes a message that is still mid-stream.
func (m *Manager) run(ctx context.Context, client *opencode.Client, st *activeStream, prompt string) {
	defer close(st.done)
	defer m.unregister(st)

	asm := &assembler{manager: m, sessionID: st.sessionID, currentRole: sessions.RoleAssistant}

	attempt := 0
	subscribed := false
	for {
		var failure error
		var es *opencode.EventStream
		var err error
		if subscribed {
			es, err = client.Events(ctx, st.sessionID)
		} else {
			es, err = client.SendMessage(ctx, st.sessionID, prompt)
		}
		if err != nil {
			failure = classifyClientError("stream", err)
		} else {
			subscribed = true
			m.setState(st, StateActive)
			m.bridge.PublishStream(st.sessionID, events.StreamPayload{Type: events.StreamActive})

			failure = m.consume(ctx, st, asm, es)
			es.Close()
		}

		if ctx.Err() != nil {
			asm.finalize()
			m.finishStopped(st)
			return
		}
		if failure == nil {
			asm.finalize()
			m.log.Debug("Stream completed", "session_id", st.sessionID)
			m.bridge.PublishStream(st.sessionID, events.StreamPayload{Type: events.StreamClosed})
			return
		}

		attempt++
		if !errors.IsRetryable(failure) || attempt >= m.retryCfg.MaxAttempts {
			asm.finalize()
			m.finishFailed(st, failure)
			return
		}

		m.mu.Lock()
		st.state = StateReconnecting
		st.retryCount = attempt
		m.mu.Unlock()

		delay := m.retryCfg.Delay(attempt)
		m.log.Warn("Stream feed dropped, backing off", "session_id", st.sessionID, "attempt", attempt, "delay", delay, "error", failure)
		m.bridge.PublishStream(st.sessionID, events.StreamPayload{
			Type:       events.StreamReconnecting,
			RetryCount: attempt,
		})

		select {
		case <-ctx.Done():
			asm.finalize()
			m.finishStopped(st)
			return
		case <-time.After(delay):
		}
	}
}

// consume pumps one feed attempt through the assembler. It never finalizes
// on its own: a feed that dies mid-message returns the error with the
// assembler state intact so a reconnect can keep accumulating.
func (m *Manager) consume(ctx context.Context, st *activeStream, asm *assembler, es *opencode.EventStream) error {
	timer := time.NewTimer(m.chunkTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			return errors.NewTimeout("stream", nil)

		case msg, ok := <-es.Messages():
			if !ok {
				if err := es.Err(); err != nil {
					return errors.Classify("stream", err)
				}
				return nil
			}

			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(m.chunkTimeout)

			m.mu.Lock()
			st.lastEventAt = time.Now()
			m.mu.Unlock()

			asm.apply(msg)
		}
	}
}

// assembler applies the identity rule to incoming frames: chunks sharing an
// id accumulate into one message, a non-chunk frame finalizes that id with
// the server's authoritative content, and a chunk with a new id finalizes
// the previous message first. It outlives individual feed attempts so a
// reconnect resumes the mid-stream message instead of restarting it.
type assembler struct {
	manager   *Manager
	sessionID string

	builder     strings.Builder
	currentID   string
	currentRole string
}

func (a *assembler) apply(msg opencode.WireMessage) {
	if msg.Role == sessions.RoleUser {
		// The server may echo the user turn; it is already local.
		return
	}

	if msg.IsChunk {
		if a.currentID != "" && msg.ID != a.currentID {
			a.finalize()
		}
		first := a.currentID == ""
		a.currentID = msg.ID
		a.currentRole = msg.Role
		a.builder.WriteString(msg.Content)

		eventType := events.MessageUpdated
		if first {
			eventType = events.MessageStarted
		}
		a.manager.bridge.PublishMessage(a.sessionID, events.MessagePayload{
			Type:      eventType,
			MessageID: a.currentID,
			Role:      a.currentRole,
			Content:   a.builder.String(),
			Streaming: true,
		})
		return
	}

	// Final frame: the server's content wins over accumulation, and a
	// repeated final for the same id is a harmless upsert.
	if a.currentID != "" && msg.ID != a.currentID {
		a.finalize()
	}
	a.manager.bridge.PublishMessage(a.sessionID, events.MessagePayload{
		Type:      events.MessageCompleted,
		MessageID: msg.ID,
		Role:      msg.Role,
		Content:   msg.Content,
	})
	a.currentID = ""
	a.builder.Reset()
}

// finalize emits whatever accumulated as a completed message so nothing
// streamed so far is lost. A no-op when no message is mid-stream.
func (a *assembler) finalize() {
	if a.currentID == "" {
		return
	}
	a.manager.bridge.PublishMessage(a.sessionID, events.MessagePayload{
		Type:      events.MessageCompleted,
		MessageID: a.currentID,
		Role:      a.currentRole,
		Content:   a.builder.String(),
	})
	a.currentID = ""
	a.builder.Reset()
}

func (m *Manager) finishStopped(st *activeStream) {
	m.log.Debug("Stream stopped", "session_id", st.sessionID)
	m.bridge.PublishStream(st.sessionID, events.StreamPayload{Type: events.StreamStopped})
}

func (m *Manager) finishFailed(st *activeStream, err error) {
	m.log.Error("Stream failed", "session_id", st.sessionID, "error", err, "detail", errors.TechnicalDetail(err))
	m.bridge.PublishStream(st.sessionID, events.StreamPayload{
		Type:    events.StreamClosed,
		Message: err.Error(),
	})
	m.bridge.PublishError(st.sessionID, events.ErrorPayload{
		Message:   err.Error(),
		Detail:    errors.TechnicalDetail(err),
		Retryable: errors.IsRetryable(err),
	})
}

// classifyClientError maps transport failures onto the error taxonomy
func classifyClientError(operation string, err error) error {
	var httpErr *opencode.HTTPError
	if errors.As(err, &httpErr) {
		return errors.NewServer(httpErr.StatusCode, operation, err.Error())
	}
	return errors.Classify(operation, err)
}
