package sessions

import (
	"context"

	"github.com/opencode-nexus/nexus/pkg/events"
)

// Run consumes message events off the bridge and applies them to local
// session state. The streaming layer publishes updates rather than touching
// the store directly, so every consumer sees the same sequence. Run returns
// when ctx is cancelled or the bridge closes.
func (s *Store) Run(ctx context.Context) {
	sub := s.bridge.Subscribe(64, events.CategoryMessage)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, ok := e.Payload.(events.MessagePayload)
			if !ok {
				continue
			}
			s.apply(e.SessionID, payload)
		}
	}
}

func (s *Store) apply(sessionID string, p events.MessagePayload) {
	switch p.Type {
	case events.MessageStarted, events.MessageUpdated:
		if err := s.UpsertStreamingMessage(sessionID, p.MessageID, p.Role, p.Content, true); err != nil {
			s.log.Debug("Dropping stream update for unknown session", "session_id", sessionID, "message_id", p.MessageID)
		}
	case events.MessageCompleted:
		if err := s.UpsertStreamingMessage(sessionID, p.MessageID, p.Role, p.Content, false); err != nil {
			s.log.Debug("Dropping final message for unknown session", "session_id", sessionID, "message_id", p.MessageID)
		}
	case events.MessageSent:
		// Already recorded locally by AppendUserMessage.
	}
}
