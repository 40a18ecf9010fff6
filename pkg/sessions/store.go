// Package sessions is the local source of truth for conversations: session
// records, their message history, and the persistence file that survives
// restarts. Remote session handles come from the server; everything else
// lives here.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/opencode-nexus/nexus/pkg/config"
	"github.com/opencode-nexus/nexus/pkg/connection"
	"github.com/opencode-nexus/nexus/pkg/errors"
	"github.com/opencode-nexus/nexus/pkg/events"
	"github.com/opencode-nexus/nexus/pkg/logger"
	"github.com/opencode-nexus/nexus/pkg/opencode"
)

// Session is one conversation. ID is the server's session handle.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// Stats summarizes a session for display
type Stats struct {
	MessageCount      int       `json:"message_count"`
	UserMessages      int       `json:"user_messages"`
	AssistantMessages int       `json:"assistant_messages"`
	TotalChars        int       `json:"total_chars"`
	LastActivity      time.Time `json:"last_activity"`
}

// storeFile is the on-disk shape of the session store
type storeFile struct {
	Sessions []*Session `json:"sessions"`
	Current  string     `json:"current,omitempty"`
}

// Store manages sessions and their persistence. The store mutex guards the
// session map; per-session locks serialize message mutations so interleaved
// sends and stream updates keep their order. Neither lock is held across
// network calls.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	current  string
	locks    map[string]*sync.Mutex

	filePath string
	bridge   *events.Bridge
	conn     *connection.Manager
	retryCfg errors.RetryConfig
	log      *logger.ComponentLogger

	onDelete []func(sessionID string)
}

// NewStore loads or creates the session file. A file that fails to parse is
// moved aside and the store starts empty.
func NewStore(bridge *events.Bridge, conn *connection.Manager, cfg *config.Config) (*Store, error) {
	s := &Store{
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
		filePath: config.BuildStatePath("chat_sessions.json"),
		bridge:   bridge,
		conn:     conn,
		retryCfg: errors.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
		},
		log: logger.WithComponent("sessions"),
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	if _, err := os.Stat(s.filePath); err == nil {
		if err := s.load(); err != nil {
			s.log.Warn("Session file unreadable, starting fresh", "path", s.filePath, "error", err)
			if renameErr := os.Rename(s.filePath, s.filePath+".corrupt"); renameErr != nil {
				return nil, fmt.Errorf("failed to move corrupt session file: %w", renameErr)
			}
		}
	}

	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return fmt.Errorf("failed to read session file: %w", err)
	}
	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to unmarshal session file: %w", err)
	}
	for _, session := range file.Sessions {
		s.sessions[session.ID] = session
	}
	s.current = file.Current
	return nil
}

// save must be called with the write lock held
func (s *Store) save() error {
	file := storeFile{
		Sessions: make([]*Session, 0, len(s.sessions)),
		Current:  s.current,
	}
	for _, session := range s.sessions {
		file.Sessions = append(file.Sessions, session)
	}
	sort.Slice(file.Sessions, func(i, j int) bool {
		return file.Sessions[i].CreatedAt.Before(file.Sessions[j].CreatedAt)
	})

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}
	if err := os.WriteFile(s.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

// lockFor returns the mutation lock for a session, creating it on first use
func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// OnDelete registers a hook run when a session is deleted. The streaming
// layer uses this to stop the session's stream.
func (s *Store) OnDelete(fn func(sessionID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDelete = append(s.onDelete, fn)
}

// CreateSession creates a conversation on the server and mirrors it locally.
// The new session becomes current.
func (s *Store) CreateSession(ctx context.Context, title string) (*Session, error) {
	client, err := s.conn.Client()
	if err != nil {
		return nil, err
	}

	remote, err := errors.Retry(ctx, s.retryCfg, func(ctx context.Context) (*opencode.Session, error) {
		r, err := client.CreateSession(ctx)
		if err != nil {
			return nil, classifyClientError("session create", err)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &Session{
		ID:        remote.ID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]Message, 0),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.current = session.ID
	saveErr := s.save()
	copied := *session
	s.mu.Unlock()

	if saveErr != nil {
		s.log.Warn("Failed to persist new session", "session_id", session.ID, "error", saveErr)
	}

	s.log.Info("Session created", "session_id", session.ID, "title", title)
	s.bridge.PublishSession(session.ID, events.SessionPayload{
		Type:  events.SessionCreated,
		Title: title,
	})
	return &copied, nil
}

// List returns all sessions, most recently active first. Message bodies are
// omitted; callers that need history use GetMessages.
func (s *Store) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		copied := *session
		copied.Messages = nil
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Get returns a copy of a session including its messages
func (s *Store) Get(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.NewSession(sessionID, "session not found")
	}
	copied := *session
	copied.Messages = append([]Message(nil), session.Messages...)
	return &copied, nil
}

// GetMessages returns a copy of a session's message history
func (s *Store) GetMessages(sessionID string) ([]Message, error) {
	session, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return session.Messages, nil
}

// Delete removes a session and runs the delete hooks
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		return errors.NewSession(sessionID, "session not found")
	}
	delete(s.sessions, sessionID)
	delete(s.locks, sessionID)
	if s.current == sessionID {
		s.current = ""
	}
	saveErr := s.save()
	hooks := make([]func(string), len(s.onDelete))
	copy(hooks, s.onDelete)
	s.mu.Unlock()

	if saveErr != nil {
		s.log.Warn("Failed to persist session delete", "session_id", sessionID, "error", saveErr)
	}

	for _, fn := range hooks {
		fn(sessionID)
	}

	s.log.Info("Session deleted", "session_id", sessionID)
	s.bridge.PublishSession(sessionID, events.SessionPayload{Type: events.SessionDeleted})
	return nil
}

// Rename changes a session's title
func (s *Store) Rename(sessionID, title string) error {
	if title == "" {
		return errors.NewValidation("title", "must not be empty")
	}

	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return errors.NewSession(sessionID, "session not found")
	}
	session.Title = title
	session.UpdatedAt = time.Now()
	saveErr := s.save()
	s.mu.Unlock()

	if saveErr != nil {
		s.log.Warn("Failed to persist rename", "session_id", sessionID, "error", saveErr)
	}

	s.bridge.PublishSession(sessionID, events.SessionPayload{
		Type:  events.SessionRenamed,
		Title: title,
	})
	return nil
}

// SetCurrent marks a session as the active one
func (s *Store) SetCurrent(sessionID string) error {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		return errors.NewSession(sessionID, "session not found")
	}
	s.current = sessionID
	saveErr := s.save()
	s.mu.Unlock()

	if saveErr != nil {
		s.log.Warn("Failed to persist current session", "session_id", sessionID, "error", saveErr)
	}

	s.bridge.PublishSession(sessionID, events.SessionPayload{Type: events.SessionSelected})
	return nil
}

// Current returns the active session id, or empty when none is selected
func (s *Store) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// AppendUserMessage records an outgoing user turn before it goes on the
// wire. An untitled session takes its title from the first message.
func (s *Store) AppendUserMessage(sessionID, content string) (*Message, error) {
	if len(content) == 0 {
		return nil, errors.NewValidation("message", "must not be empty")
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	msg := NewUserMessage(content)
	if msg.Content == "" {
		return nil, errors.NewValidation("message", "must not be empty")
	}

	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NewSession(sessionID, "session not found")
	}
	session.Messages = append(session.Messages, msg)
	session.UpdatedAt = msg.Timestamp
	if session.Title == "" {
		session.Title = titleFromContent(msg.Content)
	}
	saveErr := s.save()
	s.mu.Unlock()

	if saveErr != nil {
		s.log.Warn("Failed to persist message", "session_id", sessionID, "error", saveErr)
	}

	s.bridge.PublishMessage(sessionID, events.MessagePayload{
		Type:      events.MessageSent,
		MessageID: msg.ID,
		Role:      msg.Role,
		Content:   msg.Content,
	})
	return &msg, nil
}

// UpsertStreamingMessage applies a streamed assistant update. A message with
// the same id is updated in place; anything else is appended. Disk writes
// happen only when the message finalizes, not on every chunk.
func (s *Store) UpsertStreamingMessage(sessionID, messageID, role, content string, streaming bool) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return errors.NewSession(sessionID, "session not found")
	}

	now := time.Now()
	updated := false
	for i := range session.Messages {
		if session.Messages[i].ID == messageID {
			session.Messages[i].Content = content
			session.Messages[i].Streaming = streaming
			updated = true
			break
		}
	}
	if !updated {
		session.Messages = append(session.Messages, Message{
			ID:        messageID,
			Role:      role,
			Content:   content,
			Timestamp: now,
			Streaming: streaming,
		})
	}
	session.UpdatedAt = now

	var saveErr error
	if !streaming {
		saveErr = s.save()
	}
	s.mu.Unlock()

	if saveErr != nil {
		s.log.Warn("Failed to persist message", "session_id", sessionID, "error", saveErr)
	}
	return nil
}

// SyncMessages replaces local history with the server's authoritative copy
func (s *Store) SyncMessages(ctx context.Context, sessionID string) error {
	client, err := s.conn.Client()
	if err != nil {
		return err
	}

	s.mu.RLock()
	_, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return errors.NewSession(sessionID, "session not found")
	}

	wire, err := errors.Retry(ctx, s.retryCfg, func(ctx context.Context) ([]opencode.WireMessage, error) {
		m, err := client.GetMessages(ctx, sessionID)
		if err != nil {
			return nil, classifyClientError("message sync", err)
		}
		return m, nil
	})
	if err != nil {
		return err
	}

	messages := make([]Message, 0, len(wire))
	for _, w := range wire {
		messages = append(messages, Message{
			ID:        w.ID,
			Role:      w.Role,
			Content:   w.Content,
			Timestamp: parseWireTime(w.Timestamp),
		})
	}

	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return errors.NewSession(sessionID, "session not found")
	}
	session.Messages = messages
	session.UpdatedAt = time.Now()
	saveErr := s.save()
	s.mu.Unlock()

	if saveErr != nil {
		s.log.Warn("Failed to persist synced messages", "session_id", sessionID, "error", saveErr)
	}

	s.log.Info("Synced session history", "session_id", sessionID, "messages", len(messages))
	return nil
}

// Stats computes display statistics for a session
func (s *Store) Stats(sessionID string) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.NewSession(sessionID, "session not found")
	}

	stats := &Stats{
		MessageCount: len(session.Messages),
		LastActivity: session.UpdatedAt,
	}
	for _, msg := range session.Messages {
		stats.TotalChars += len(msg.Content)
		switch msg.Role {
		case RoleUser:
			stats.UserMessages++
		case RoleAssistant:
			stats.AssistantMessages++
		}
	}
	return stats, nil
}

func parseWireTime(value string) time.Time {
	if value == "" {
		return time.Now()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Now()
}

// classifyClientError maps transport failures onto the error taxonomy
func classifyClientError(operation string, err error) error {
	var httpErr *opencode.HTTPError
	if errors.As(err, &httpErr) {
		return errors.NewServer(httpErr.StatusCode, operation, err.Error())
	}
	return errors.Classify(operation, err)
}
