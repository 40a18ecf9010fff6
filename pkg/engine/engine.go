// Package engine assembles the connection manager, session store, streaming
// manager and event bridge into one facade. Presentation layers talk to the
// engine and subscribe to the bridge; they never reach into the components.
package engine

import (
	"context"

	"github.com/opencode-nexus/nexus/pkg/config"
	"github.com/opencode-nexus/nexus/pkg/connection"
	"github.com/opencode-nexus/nexus/pkg/events"
	"github.com/opencode-nexus/nexus/pkg/logger"
	"github.com/opencode-nexus/nexus/pkg/sessions"
	"github.com/opencode-nexus/nexus/pkg/streaming"
)

type Engine struct {
	cfg     *config.Config
	bridge  *events.Bridge
	conn    *connection.Manager
	store   *sessions.Store
	streams *streaming.Manager
	cancel  context.CancelFunc
	log     *logger.ComponentLogger
}

// New wires the components together. Call Start before use.
func New(cfg *config.Config) (*Engine, error) {
	bridge := events.New()

	conn, err := connection.NewManager(bridge, cfg)
	if err != nil {
		return nil, err
	}
	store, err := sessions.NewStore(bridge, conn, cfg)
	if err != nil {
		return nil, err
	}
	streams := streaming.NewManager(bridge, conn, cfg)

	// A dropped connection tears down every stream; a deleted session
	// tears down its own.
	conn.OnDisconnect(streams.StopAll)
	store.OnDelete(streams.Stop)

	return &Engine{
		cfg:     cfg,
		bridge:  bridge,
		conn:    conn,
		store:   store,
		streams: streams,
		log:     logger.WithComponent("engine"),
	}, nil
}

// Start launches the store's event consumer and, when configured, restores
// the last used connection. A failed restore is logged and the engine comes
// up disconnected.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.store.Run(runCtx)

	if e.cfg.Connection.AutoRestore {
		if err := e.conn.RestoreLastUsed(ctx, e.cfg.Server.APIKey); err != nil {
			e.log.Warn("Could not restore last connection", "error", err)
		}
	}
	return nil
}

// Shutdown stops streams, drops the connection and closes the bridge
func (e *Engine) Shutdown() {
	e.streams.StopAll()
	e.conn.Disconnect()
	if e.cancel != nil {
		e.cancel()
	}
	e.bridge.Close()
	e.log.Info("Engine shut down")
}

// Subscribe attaches a consumer to the event bridge
func (e *Engine) Subscribe(buffer int, categories ...events.Category) *events.Subscription {
	return e.bridge.Subscribe(buffer, categories...)
}

// Connect establishes a connection to the server at url
func (e *Engine) Connect(ctx context.Context, url string) error {
	return e.conn.Connect(ctx, url, e.cfg.Server.APIKey)
}

// ConnectDefault connects to the server named in configuration
func (e *Engine) ConnectDefault(ctx context.Context) error {
	return e.Connect(ctx, e.cfg.ServerURL())
}

// Disconnect drops the current connection
func (e *Engine) Disconnect() {
	e.conn.Disconnect()
}

// ConnectionStatus returns the connection state machine's current state
func (e *Engine) ConnectionStatus() connection.Status {
	return e.conn.Status()
}

// SaveConnection remembers a server without connecting to it
func (e *Engine) SaveConnection(name, url string) (*connection.SavedConnection, error) {
	return e.conn.SaveConnection(name, url)
}

// ListSavedConnections returns remembered servers, most recent first
func (e *Engine) ListSavedConnections() []connection.SavedConnection {
	return e.conn.ListSaved()
}

// RemoveSavedConnection forgets a remembered server
func (e *Engine) RemoveSavedConnection(id string) error {
	return e.conn.RemoveSaved(id)
}

// CreateSession creates a conversation and makes it current
func (e *Engine) CreateSession(ctx context.Context, title string) (*sessions.Session, error) {
	return e.store.CreateSession(ctx, title)
}

// ListSessions returns all local sessions without message bodies
func (e *Engine) ListSessions() []sessions.Session {
	return e.store.List()
}

// SelectSession makes a session current
func (e *Engine) SelectSession(sessionID string) error {
	return e.store.SetCurrent(sessionID)
}

// CurrentSession returns the current session id, empty when none
func (e *Engine) CurrentSession() string {
	return e.store.Current()
}

// DeleteSession removes a session and stops its stream
func (e *Engine) DeleteSession(sessionID string) error {
	return e.store.Delete(sessionID)
}

// RenameSession changes a session's title
func (e *Engine) RenameSession(sessionID, title string) error {
	return e.store.Rename(sessionID, title)
}

// Messages returns a session's history
func (e *Engine) Messages(sessionID string) ([]sessions.Message, error) {
	return e.store.GetMessages(sessionID)
}

// SessionStats summarizes a session
func (e *Engine) SessionStats(sessionID string) (*sessions.Stats, error) {
	return e.store.Stats(sessionID)
}

// SyncMessages replaces local history with the server's copy
func (e *Engine) SyncMessages(ctx context.Context, sessionID string) error {
	return e.store.SyncMessages(ctx, sessionID)
}

// SendMessage records the user turn locally, then streams the assistant's
// response. The local append happens first so the turn is never lost to a
// transport failure.
func (e *Engine) SendMessage(sessionID, text string) error {
	msg, err := e.store.AppendUserMessage(sessionID, text)
	if err != nil {
		return err
	}
	return e.streams.Start(sessionID, msg.Content)
}

// StopStream cancels the stream for a session, if one is active
func (e *Engine) StopStream(sessionID string) {
	e.streams.Stop(sessionID)
}

// ActiveStreams returns snapshots of all in-flight streams
func (e *Engine) ActiveStreams() []streaming.StreamHandle {
	return e.streams.Active()
}
