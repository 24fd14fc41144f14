package models

// Turn is a prior conversation turn supplied by the widget
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// PageContext describes the page the visitor is chatting from
type PageContext struct {
	URL      string   `json:"url,omitempty"`
	Title    string   `json:"title,omitempty"`
	Headings []string `json:"headings,omitempty"`
}

// SessionData is the widget's session, behavior and page snapshot
type SessionData struct {
	UserID      string         `json:"userId,omitempty"`
	CurrentPath string         `json:"currentPath,omitempty"`
	Page        *PageContext   `json:"pageContext,omitempty"`
	Device      map[string]any `json:"device,omitempty"`
	Location    map[string]any `json:"location,omitempty"`
	Behavior    map[string]any `json:"behavior,omitempty"`
}

// ChatRequest is the inbound widget message
type ChatRequest struct {
	AgentID             string       `json:"agentId"`
	Message             string       `json:"message"`
	SessionID           string       `json:"sessionId"`
	AnonymousUserID     *string      `json:"anonymousUserId"`
	ConversationHistory []Turn       `json:"conversationHistory"`
	Timestamp           int64        `json:"timestamp"`
	SessionData         *SessionData `json:"sessionData,omitempty"`
	HMAC                string       `json:"hmac,omitempty"`
	Origin              string       `json:"-"`
}

// ChatResponse is returned for every delivered reply
type ChatResponse struct {
	Response        string   `json:"response"`
	SessionID       string   `json:"sessionId"`
	RelevantSources []string `json:"relevantSources"`
}
