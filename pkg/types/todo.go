package types

// TodoInfo is a single entry in a session's todo list, surfaced to the model
// as a lightweight planning aid and to the UI as progress tracking.
type TodoInfo struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"` // "pending" | "in_progress" | "completed"
	Priority string `json:"priority,omitempty"`
}
