package opencode

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/opencode-nexus/nexus/pkg/logger"
)

// EventStream decodes a server-sent-event response body into WireMessage
// values. Messages arrive on the channel returned by Messages; the channel
// closes when the server finishes the stream, an error occurs, or Close is
// called. Err reports the terminal error once the channel has closed.
type EventStream struct {
	body      io.ReadCloser
	messages  chan WireMessage
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func newEventStream(body io.ReadCloser) *EventStream {
	s := &EventStream{
		body:     body,
		messages: make(chan WireMessage, 16),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *EventStream) run() {
	log := logger.WithComponent("opencode_sse")
	defer close(s.messages)
	defer s.body.Close()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return
		}

		var msg WireMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			log.Warn("Skipping malformed event frame", "error", err)
			continue
		}

		// The consumer may have abandoned the stream; a Close must free
		// this goroutine even when the buffer is full.
		select {
		case s.messages <- msg:
		case <-s.done:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
}

// Messages returns the decoded event channel
func (s *EventStream) Messages() <-chan WireMessage {
	return s.messages
}

// Err reports why the stream ended. Valid once Messages has closed; nil
// means the server completed the stream normally.
func (s *EventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the stream down. The reader goroutine exits and Messages
// closes shortly after. Safe to call more than once.
func (s *EventStream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.body.Close()
	})
}
