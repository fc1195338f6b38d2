package types

// Message represents either a User or Assistant message in a conversation.
// Messages are immutable in identity; their aggregate counters and terminal
// fields are updated as the turn progresses. Every message belongs to
// exactly one session; assistant messages reference the user message that
// triggered them via ParentID.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      string      `json:"role"` // "user" | "assistant"
	ParentID  *string     `json:"parentID,omitempty"`
	Time      MessageTime `json:"time"`

	// User-specific fields
	Agent  string          `json:"agent,omitempty"`
	Model  *ModelRef       `json:"model,omitempty"`
	System *string         `json:"system,omitempty"`
	Tools  map[string]bool `json:"tools,omitempty"`
	Path   *MessagePath    `json:"path,omitempty"`

	// Assistant-specific fields
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	Mode       string        `json:"mode,omitempty"`
	Finish     *string       `json:"finish,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	Tokens     *TokenUsage   `json:"tokens,omitempty"`
	IsSummary  bool          `json:"summary,omitempty"`
	Error      *MessageError `json:"error,omitempty"`
}

// MessagePath records the working directory a message's tool calls ran
// against, needed so sub-agent transcripts can be replayed against the
// right cwd/root pair after a revert.
type MessagePath struct {
	Cwd  string `json:"cwd"`
	Root string `json:"root"`
}

// MessageTime contains timestamps for a message.
type MessageTime struct {
	Created   int64  `json:"created"`
	Updated   *int64 `json:"updated,omitempty"`
	Completed *int64 `json:"completed,omitempty"`
}

// ModelRef references a specific model from a provider.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TokenUsage contains token usage statistics for a message.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning,omitempty"`
	Cache     CacheUsage `json:"cache,omitempty"`
}

// CacheUsage contains cache hit/write statistics.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// MessageError represents an error that occurred during message processing.
type MessageError struct {
	Type    string `json:"type"` // "abort" | "max_steps" | "api" | "output_length"
	Message string `json:"message"`
}
