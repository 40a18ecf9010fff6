package connection

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/opencode-nexus/nexus/pkg/errors"
	"github.com/opencode-nexus/nexus/pkg/logger"
)

// labelFromURL derives a display name from a server URL, falling back to the
// raw string when it does not parse.
func labelFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

// validateServerURL rejects addresses that cannot name a server before any
// dialing happens.
func validateServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.NewValidation("server URL", "must be an http or https address with a host")
	}
	return nil
}

// SavedConnection is one remembered server. API keys are never persisted;
// they come from configuration at connect time.
type SavedConnection struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	URL           string    `json:"url"`
	ServerName    string    `json:"server_name,omitempty"`
	ServerVersion string    `json:"server_version,omitempty"`
	LastUsed      time.Time `json:"last_used"`
}

// Store manages the saved-connection file
type Store struct {
	Connections []*SavedConnection `json:"connections"`
	mu          sync.RWMutex
	filePath    string
}

// NewStore loads or creates the saved-connection file. A file that fails to
// parse is moved aside rather than deleted, and the store starts empty.
func NewStore(filePath string) (*Store, error) {
	s := &Store{
		Connections: make([]*SavedConnection, 0),
		filePath:    filePath,
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	if _, err := os.Stat(filePath); err == nil {
		if err := s.load(); err != nil {
			log := logger.WithComponent("connection_store")
			log.Warn("Connection file unreadable, starting fresh", "path", filePath, "error", err)
			if renameErr := os.Rename(filePath, filePath+".corrupt"); renameErr != nil {
				return nil, fmt.Errorf("failed to move corrupt connection file: %w", renameErr)
			}
			s.Connections = make([]*SavedConnection, 0)
		}
	}

	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return fmt.Errorf("failed to read connection file: %w", err)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to unmarshal connection file: %w", err)
	}
	return nil
}

// save must be called with the write lock held
func (s *Store) save() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal connections: %w", err)
	}
	if err := os.WriteFile(s.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write connection file: %w", err)
	}
	return nil
}

// Upsert records a connection by URL, refreshing its last-used time
func (s *Store) Upsert(conn SavedConnection) (*SavedConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.Connections {
		if existing.URL == conn.URL {
			existing.LastUsed = conn.LastUsed
			if conn.Name != "" {
				existing.Name = conn.Name
			}
			if conn.ServerName != "" {
				existing.ServerName = conn.ServerName
			}
			if conn.ServerVersion != "" {
				existing.ServerVersion = conn.ServerVersion
			}
			return existing, s.save()
		}
	}

	added := conn
	if added.Name == "" {
		added.Name = labelFromURL(added.URL)
	}
	s.Connections = append(s.Connections, &added)
	return &added, s.save()
}

// List returns saved connections, most recently used first
func (s *Store) List() []SavedConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SavedConnection, 0, len(s.Connections))
	for _, c := range s.Connections {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUsed.After(out[j].LastUsed)
	})
	return out
}

// Remove deletes a saved connection by id
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.Connections {
		if c.ID == id {
			s.Connections = append(s.Connections[:i], s.Connections[i+1:]...)
			return s.save()
		}
	}
	return fmt.Errorf("no saved connection with id %s", id)
}

// MostRecent returns the last-used connection, or nil when none are saved
func (s *Store) MostRecent() *SavedConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *SavedConnection
	for _, c := range s.Connections {
		if best == nil || c.LastUsed.After(best.LastUsed) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	copied := *best
	return &copied
}
