package types

import "encoding/json"

// Part represents a component of an assistant message. Within a message,
// Part IDs are strictly increasing and preserve arrival order.
type Part interface {
	PartType() string
	PartID() string
	PartSessionID() string
	PartMessageID() string
}

// PartTime contains timing information for a message part.
type PartTime struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// TextPart is append-only until Time.End is set. Synthetic=true marks
// content injected by the system (e.g. the compaction resume message) and
// is excluded from some filters (title generation, doom-loop hashing).
type TextPart struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	Type      string         `json:"type"` // always "text"
	Text      string         `json:"text"`
	Time      PartTime       `json:"time,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Synthetic bool           `json:"synthetic,omitempty"`
}

func (p *TextPart) PartType() string      { return "text" }
func (p *TextPart) PartID() string        { return p.ID }
func (p *TextPart) PartSessionID() string { return p.SessionID }
func (p *TextPart) PartMessageID() string { return p.MessageID }

// ReasoningPart represents extended thinking/reasoning content.
type ReasoningPart struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	MessageID string   `json:"messageID"`
	Type      string   `json:"type"` // always "reasoning"
	Text      string   `json:"text"`
	Time      PartTime `json:"time,omitempty"`
}

func (p *ReasoningPart) PartType() string      { return "reasoning" }
func (p *ReasoningPart) PartID() string        { return p.ID }
func (p *ReasoningPart) PartSessionID() string { return p.SessionID }
func (p *ReasoningPart) PartMessageID() string { return p.MessageID }

// ToolTime brackets a tool call's running state.
type ToolTime struct {
	Start int64  `json:"start"`
	End   *int64 `json:"end,omitempty"`
}

// ToolState is the state machine of a ToolPart: pending -> running{input} ->
// completed{input,output,title,time,compacted?} | error{message}.
type ToolState struct {
	Status     string         `json:"status"` // "pending" | "running" | "completed" | "error"
	Input      map[string]any `json:"input,omitempty"`
	Raw        string         `json:"raw,omitempty"` // accumulated, not-yet-parseable JSON input during streaming
	Output     *string        `json:"output,omitempty"`
	Title      *string        `json:"title,omitempty"`
	Error      *string        `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Attachments []string      `json:"attachments,omitempty"`
	Time       *ToolTime      `json:"time,omitempty"`
	// Compacted records when pruning truncated this tool's output; a
	// completed ToolPart is otherwise append-only and final.
	Compacted *int64 `json:"compacted,omitempty"`
}

// ToolPart represents a tool call and its result.
type ToolPart struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionID"`
	MessageID string    `json:"messageID"`
	Type      string    `json:"type"` // always "tool"
	CallID    string    `json:"callID"`
	Tool      string    `json:"tool"`
	State     ToolState `json:"state"`
}

func (p *ToolPart) PartType() string      { return "tool" }
func (p *ToolPart) PartID() string        { return p.ID }
func (p *ToolPart) PartSessionID() string { return p.SessionID }
func (p *ToolPart) PartMessageID() string { return p.MessageID }

// FilePart represents a file attachment: either a URL or inline bytes.
type FilePart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "file"
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url,omitempty"`
	Bytes     []byte `json:"bytes,omitempty"`
}

func (p *FilePart) PartType() string      { return "file" }
func (p *FilePart) PartID() string        { return p.ID }
func (p *FilePart) PartSessionID() string { return p.SessionID }
func (p *FilePart) PartMessageID() string { return p.MessageID }

// StepStartPart brackets the beginning of a provider step, carrying an
// optional workspace snapshot pointer used by the history/revert UI.
type StepStartPart struct {
	ID        string  `json:"id"`
	SessionID string  `json:"sessionID"`
	MessageID string  `json:"messageID"`
	Type      string  `json:"type"` // always "step-start"
	Snapshot  *string `json:"snapshot,omitempty"`
}

func (p *StepStartPart) PartType() string      { return "step-start" }
func (p *StepStartPart) PartID() string        { return p.ID }
func (p *StepStartPart) PartSessionID() string { return p.SessionID }
func (p *StepStartPart) PartMessageID() string { return p.MessageID }

// StepFinishPart brackets the end of a provider step.
type StepFinishPart struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	MessageID string      `json:"messageID"`
	Type      string      `json:"type"` // always "step-finish"
	Reason    string      `json:"reason"`
	Cost      float64     `json:"cost,omitempty"`
	Tokens    *TokenUsage `json:"tokens,omitempty"`
	Snapshot  *string     `json:"snapshot,omitempty"`
}

func (p *StepFinishPart) PartType() string      { return "step-finish" }
func (p *StepFinishPart) PartID() string        { return p.ID }
func (p *StepFinishPart) PartSessionID() string { return p.SessionID }
func (p *StepFinishPart) PartMessageID() string { return p.MessageID }

// RetryPart records a transient failure preceding a retried step.
type RetryPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "retry"
	Attempt   int    `json:"attempt"`
	Error     string `json:"error"`
}

// CompactionPart marks a point in the part log where a user explicitly
// requested (or the Turn Runner auto-triggered) a compaction. It is carried
// as an ordinary part on the triggering resume message.
type CompactionPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "compaction"
	Summary   string `json:"summary,omitempty"`
	Count     int    `json:"count,omitempty"`
	Auto      bool   `json:"auto,omitempty"`
}

func (p *CompactionPart) PartType() string      { return "compaction" }
func (p *CompactionPart) PartID() string        { return p.ID }
func (p *CompactionPart) PartSessionID() string { return p.SessionID }
func (p *CompactionPart) PartMessageID() string { return p.MessageID }

func (p *RetryPart) PartType() string      { return "retry" }
func (p *RetryPart) PartID() string        { return p.ID }
func (p *RetryPart) PartSessionID() string { return p.SessionID }
func (p *RetryPart) PartMessageID() string { return p.MessageID }

// PatchPart records edits made by edit tools for the history UI.
type PatchPart struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	MessageID string     `json:"messageID"`
	Type      string     `json:"type"` // always "patch"
	Files     []FileDiff `json:"files"`
}

func (p *PatchPart) PartType() string      { return "patch" }
func (p *PatchPart) PartID() string        { return p.ID }
func (p *PatchPart) PartSessionID() string { return p.SessionID }
func (p *PatchPart) PartMessageID() string { return p.MessageID }

// RawPart is used to sniff the Type discriminator before full unmarshal.
type RawPart struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"-"`
}

// UnmarshalPart unmarshals a JSON part into the appropriate concrete type.
func UnmarshalPart(data []byte) (Part, error) {
	var raw RawPart
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	switch raw.Type {
	case "reasoning":
		var p ReasoningPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "tool":
		var p ToolPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "file":
		var p FilePart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "step-start":
		var p StepStartPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "step-finish":
		var p StepFinishPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "retry":
		var p RetryPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "compaction":
		var p CompactionPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "patch":
		var p PatchPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "text":
		fallthrough
	default:
		// Unknown/legacy types fall back to text so old logs still load.
		var p TextPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	}
}
