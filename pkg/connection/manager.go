// Package connection owns the lifecycle of the link to an OpenCode server:
// connecting with retries, background health monitoring, and the saved
// connection list.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-nexus/nexus/pkg/config"
	"github.com/opencode-nexus/nexus/pkg/errors"
	"github.com/opencode-nexus/nexus/pkg/events"
	"github.com/opencode-nexus/nexus/pkg/logger"
	"github.com/opencode-nexus/nexus/pkg/opencode"
)

// Status is the connection state machine
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Manager drives the connection state machine. All methods are safe for
// concurrent use. The internal lock is never held across network calls.
type Manager struct {
	mu           sync.RWMutex
	status       Status
	client       *opencode.Client
	connectionID string
	url          string

	store  *Store
	bridge *events.Bridge
	log    *logger.ComponentLogger

	healthInterval time.Duration
	healthCancel   context.CancelFunc
	healthDone     chan struct{}

	retryCfg errors.RetryConfig
	timeout  time.Duration

	onDisconnect []func()
}

// NewManager builds a manager backed by the saved-connection file under the
// state directory.
func NewManager(bridge *events.Bridge, cfg *config.Config) (*Manager, error) {
	store, err := NewStore(config.BuildStatePath("server_connections.json"))
	if err != nil {
		return nil, err
	}
	return &Manager{
		status:         StatusDisconnected,
		store:          store,
		bridge:         bridge,
		log:            logger.WithComponent("connection"),
		healthInterval: cfg.Connection.HealthInterval,
		retryCfg: errors.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
		},
		timeout: cfg.Server.Timeout,
	}, nil
}

// OnDisconnect registers a hook that runs whenever the connection drops.
// The streaming layer uses this to tear down active streams.
func (m *Manager) OnDisconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// Connect probes the server at url and, on success, marks it connected,
// records it in the saved list and starts health monitoring. A second
// Connect while one is in progress is rejected.
func (m *Manager) Connect(ctx context.Context, url, apiKey string) error {
	if err := validateServerURL(url); err != nil {
		return err
	}

	m.mu.Lock()
	if m.status == StatusConnecting {
		m.mu.Unlock()
		return &errors.AppError{
			Kind:    errors.KindValidation,
			Message: "A connection attempt is already in progress",
		}
	}
	if m.healthCancel != nil {
		m.stopHealthLocked()
	}
	m.status = StatusConnecting
	m.url = url
	m.mu.Unlock()

	m.bridge.PublishConnection("", events.ConnectionPayload{
		Type: events.ConnectionConnecting,
		URL:  url,
	})
	m.log.Info("Connecting to server", "url", url)

	client := opencode.NewClientWithKey(url, apiKey)
	client.SetTimeout(m.timeout)

	info, err := errors.Retry(ctx, m.retryCfg, func(ctx context.Context) (*opencode.AppInfo, error) {
		i, err := client.AppInfo(ctx)
		if err != nil {
			return nil, classifyClientError("connect", err)
		}
		return i, nil
	})
	if err != nil {
		m.mu.Lock()
		m.status = StatusError
		m.mu.Unlock()

		m.log.Error("Connection failed", "url", url, "error", err)
		m.bridge.PublishConnection("", events.ConnectionPayload{
			Type:    events.ConnectionError,
			URL:     url,
			Message: err.Error(),
		})
		m.bridge.PublishError("", events.ErrorPayload{
			Message:   err.Error(),
			Detail:    errors.TechnicalDetail(err),
			Retryable: errors.IsRetryable(err),
		})
		return err
	}

	saved, storeErr := m.store.Upsert(SavedConnection{
		ID:            uuid.New().String(),
		URL:           url,
		ServerName:    info.Name,
		ServerVersion: info.Version,
		LastUsed:      time.Now(),
	})
	if storeErr != nil {
		// Persistence trouble does not invalidate a live connection.
		m.log.Warn("Failed to record connection", "error", storeErr)
	}

	m.mu.Lock()
	m.client = client
	m.status = StatusConnected
	if saved != nil {
		m.connectionID = saved.ID
	}
	connectionID := m.connectionID
	m.mu.Unlock()

	m.log.Info("Connected", "url", url, "server", info.Name, "version", info.Version)
	m.bridge.PublishConnection(connectionID, events.ConnectionPayload{
		Type:          events.ConnectionConnected,
		URL:           url,
		ServerName:    info.Name,
		ServerVersion: info.Version,
	})

	m.startHealthLoop()
	return nil
}

// Disconnect drops the current connection. Calling it while already
// disconnected is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.status == StatusDisconnected {
		m.mu.Unlock()
		return
	}
	m.stopHealthLocked()
	m.client = nil
	m.status = StatusDisconnected
	url := m.url
	connectionID := m.connectionID
	hooks := make([]func(), len(m.onDisconnect))
	copy(hooks, m.onDisconnect)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}

	m.log.Info("Disconnected", "url", url)
	m.bridge.PublishConnection(connectionID, events.ConnectionPayload{
		Type: events.ConnectionDisconnected,
		URL:  url,
	})
}

// Status returns the current connection state
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// CurrentURL returns the address of the current or last attempted server
func (m *Manager) CurrentURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.url
}

// Client returns the live server client, or a not-connected error
func (m *Manager) Client() (*opencode.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil || (m.status != StatusConnected && m.status != StatusError) {
		return nil, errors.NewNotConnected("no active server connection")
	}
	return m.client, nil
}

// SaveConnection records a server in the saved list without connecting to
// it. An existing entry for the same URL is refreshed rather than duplicated.
func (m *Manager) SaveConnection(name, serverURL string) (*SavedConnection, error) {
	if err := validateServerURL(serverURL); err != nil {
		return nil, err
	}
	return m.store.Upsert(SavedConnection{
		ID:       uuid.New().String(),
		Name:     name,
		URL:      serverURL,
		LastUsed: time.Now(),
	})
}

// ListSaved returns remembered connections, most recent first
func (m *Manager) ListSaved() []SavedConnection {
	return m.store.List()
}

// RemoveSaved forgets a remembered connection
func (m *Manager) RemoveSaved(id string) error {
	return m.store.Remove(id)
}

// RestoreLastUsed reconnects to the most recently used server. Having no
// saved connections is not an error; a failed reconnect is reported to the
// caller but leaves the manager cleanly disconnected.
func (m *Manager) RestoreLastUsed(ctx context.Context, apiKey string) error {
	last := m.store.MostRecent()
	if last == nil {
		m.log.Debug("No saved connection to restore")
		return nil
	}

	m.log.Info("Restoring last connection", "url", last.URL)
	if err := m.Connect(ctx, last.URL, apiKey); err != nil {
		m.mu.Lock()
		m.status = StatusDisconnected
		m.mu.Unlock()
		return err
	}
	return nil
}

// startHealthLoop launches the periodic health probe. The loop keeps
// running through failures so a recovered server flips the state back to
// connected without user action.
func (m *Manager) startHealthLoop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthCancel != nil || m.healthInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel
	m.healthDone = make(chan struct{})

	go m.healthLoop(ctx, m.client, m.connectionID, m.healthDone)
}

// stopHealthLocked must be called with the write lock held
func (m *Manager) stopHealthLocked() {
	if m.healthCancel == nil {
		return
	}
	m.healthCancel()
	m.healthCancel = nil
	done := m.healthDone
	m.healthDone = nil
	m.mu.Unlock()
	<-done
	m.mu.Lock()
}

func (m *Manager) healthLoop(ctx context.Context, client *opencode.Client, connectionID string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		health, _ := client.CheckHealth(checkCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}

		if !health.Available {
			m.mu.Lock()
			wasConnected := m.status == StatusConnected
			m.status = StatusError
			m.mu.Unlock()

			if wasConnected {
				m.log.Warn("Health check failed", "url", client.BaseURL(), "error", health.Error)
				m.bridge.PublishConnection(connectionID, events.ConnectionPayload{
					Type:    events.ConnectionError,
					URL:     client.BaseURL(),
					Message: "Lost contact with server",
				})
			}
			continue
		}

		m.mu.Lock()
		recovered := m.status == StatusError
		m.status = StatusConnected
		m.mu.Unlock()

		if recovered {
			m.log.Info("Server recovered", "url", client.BaseURL())
			m.bridge.PublishConnection(connectionID, events.ConnectionPayload{
				Type:          events.ConnectionConnected,
				URL:           client.BaseURL(),
				ServerName:    nameOf(health.Info),
				ServerVersion: versionOf(health.Info),
			})
		}

		m.bridge.PublishConnection(connectionID, events.ConnectionPayload{
			Type:    events.ConnectionHealthCheck,
			URL:     client.BaseURL(),
			Latency: health.Latency,
		})
	}
}

func nameOf(info *opencode.AppInfo) string {
	if info == nil {
		return ""
	}
	return info.Name
}

func versionOf(info *opencode.AppInfo) string {
	if info == nil {
		return ""
	}
	return info.Version
}

// classifyClientError maps transport failures onto the error taxonomy,
// pulling the HTTP status out when the server answered.
func classifyClientError(operation string, err error) error {
	var httpErr *opencode.HTTPError
	if errors.As(err, &httpErr) {
		return errors.NewServer(httpErr.StatusCode, operation, err.Error())
	}
	return errors.Classify(operation, err)
}
