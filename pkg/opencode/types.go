package opencode

// AppInfo is the server's identity response from GET /app
type AppInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// Session is a server-side conversation handle
type Session struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Created string `json:"created_at,omitempty"`
}

// SessionsResponse wraps GET /sessions
type SessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

// PromptPart is one element of an outgoing prompt body
type PromptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest is the POST body for /session/{id}/prompt
type PromptRequest struct {
	Parts []PromptPart `json:"parts"`
}

// WireMessage is a message record as the server emits it, both in SSE
// frames and in GET /session/{id}/messages. IsChunk marks a partial
// content delta; a frame with IsChunk false carries the final content
// for its ID.
type WireMessage struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content"`
	Role      string `json:"role"`
	Timestamp string `json:"timestamp,omitempty"`
	IsChunk   bool   `json:"is_chunk"`
}

// MessagesResponse wraps GET /session/{id}/messages
type MessagesResponse struct {
	Messages []WireMessage `json:"messages"`
}
