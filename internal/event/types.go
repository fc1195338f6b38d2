package event

import "github.com/relaycode/relayd/pkg/types"

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	Info *types.Session `json:"info"`
}

// SessionUpdatedData is the data for session.updated events.
type SessionUpdatedData struct {
	Info *types.Session `json:"info"`
}

// SessionDeletedData is the data for session.deleted events.
type SessionDeletedData struct {
	Info *types.Session `json:"info"`
}

// SessionIdleData is the data for session.idle events.
type SessionIdleData struct {
	SessionID string `json:"sessionID"`
}

// SessionErrorData is the data for session.error events.
type SessionErrorData struct {
	SessionID string              `json:"sessionID,omitempty"`
	Error     *types.MessageError `json:"error,omitempty"`
}

// SessionAbortedData is the data for session.aborted events.
type SessionAbortedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID,omitempty"`
}

// SessionAgentSwitchData is the data for session.agent_switch events.
type SessionAgentSwitchData struct {
	SessionID string `json:"sessionID"`
	Agent     string `json:"agent"`
}

// SessionCompletedData is the data for session.completed events.
type SessionCompletedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

// SessionCompactedData is the data for session.compacted events.
type SessionCompactedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"` // the summary message produced
}

// SessionCompactingProgressData is the data for session.compacting.progress events.
type SessionCompactingProgressData struct {
	SessionID     string `json:"sessionID"`
	Step          string `json:"step"` // "started" | "context" | "done"
	MessagesCount int    `json:"messagesCount,omitempty"`
	TokensInput   int    `json:"tokensInput,omitempty"`
}

// SessionDiffData is the data for session.diff events, published whenever
// an edit tool updates a session's accumulated file diff summary.
type SessionDiffData struct {
	SessionID string          `json:"sessionID"`
	Diff      types.FileDiff  `json:"diff"`
	Summary   types.SessionSummary `json:"summary"`
}

// MessageCreatedData is the data for message.created events.
type MessageCreatedData struct {
	Info *types.Message `json:"info"`
}

// MessageUpdatedData is the data for message.updated events.
type MessageUpdatedData struct {
	Info *types.Message `json:"info"`
}

// MessageRemovedData is the data for message.removed events.
type MessageRemovedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

// MessagePartUpdatedData is the data for message.part.updated events. Delta
// is advisory: receivers may recompute from part.text instead.
type MessagePartUpdatedData struct {
	Part  types.Part `json:"part"`
	Delta string     `json:"delta,omitempty"`
}

// Deprecated: use MessagePartUpdatedData.
type PartUpdatedData = MessagePartUpdatedData

// MessagePartRemovedData is the data for message.part.removed events.
type MessagePartRemovedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	PartID    string `json:"partID"`
}

// FileEditedData is the data for file.edited events.
type FileEditedData struct {
	File string `json:"file"`
}

// TodoUpdatedData is the data for todo.updated events.
type TodoUpdatedData struct {
	SessionID string           `json:"sessionID"`
	Todos     []types.TodoInfo `json:"todos"`
}

// PermissionUpdatedData is the data for permission.updated events: a new
// ask is outstanding and awaiting a respond() call.
type PermissionUpdatedData struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"sessionID"`
	MessageID      string         `json:"messageID,omitempty"`
	CallID         string         `json:"callID,omitempty"`
	PermissionType string         `json:"permissionType"`
	Pattern        []string       `json:"pattern,omitempty"`
	Title          string         `json:"title"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Deprecated: use PermissionUpdatedData.
type PermissionRequiredData = PermissionUpdatedData

// PermissionRepliedData is the data for permission.replied events.
type PermissionRepliedData struct {
	PermissionID string `json:"permissionID"`
	SessionID    string `json:"sessionID"`
	Response     string `json:"response"` // "once" | "always" | "reject" | "pin"
}

// Deprecated: use PermissionRepliedData.
type PermissionResolvedData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Granted   bool   `json:"granted"`
}

// VcsBranchUpdatedData is the data for vcs.branch.updated events.
type VcsBranchUpdatedData struct {
	Branch string `json:"branch"`
}

// CommandExecutedData is the data for command.executed events.
type CommandExecutedData struct {
	SessionID string `json:"sessionID"`
	Command   string `json:"command"`
}
