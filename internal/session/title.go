package session

import (
	"context"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/relaycode/relayd/internal/event"
	"github.com/relaycode/relayd/internal/provider"
	"github.com/relaycode/relayd/pkg/types"
)

const titleSystemPrompt = `You are a title generator. You output ONLY a thread title. Nothing else.

Generate a brief title that would help the user find this conversation later.

Rules:
- A single line, ≤50 characters
- No explanations
- Use -ing verbs for actions (Debugging, Implementing, Analyzing)
- Keep exact: technical terms, numbers, filenames
- Remove: the, this, my, a, an
- Always output something meaningful

Examples:
"debug 500 errors in production" → Debugging production 500 errors
"refactor user service" → Refactoring user service
"implement rate limiting" → Implementing rate limiting`

const defaultTitlePrefix = "New Session"

// maxTitleChars caps a generated title, matching the ≤50 rule in titleSystemPrompt.
const maxTitleChars = 50

// isDefaultTitle reports whether title is still the placeholder assigned at
// session creation, as opposed to one a prior ensureTitle call already wrote.
func isDefaultTitle(title string) bool {
	return title == defaultTitlePrefix || strings.HasPrefix(title, defaultTitlePrefix)
}

// ensureTitle names a root session from its first real user message. It is a
// no-op for child (sub-agent) sessions, which inherit their title from the
// spawning Task call, and for turns carrying only a synthetic resume message
// (compaction summary, retry replay) — those would otherwise overwrite a
// title with text a human never actually typed.
func (p *Processor) ensureTitle(
	ctx context.Context,
	session *types.Session,
	userContent string,
) {
	if session.ParentID != nil && *session.ParentID != "" {
		return
	}

	if !isDefaultTitle(session.Title) {
		return
	}

	if strings.TrimSpace(userContent) == "" {
		return
	}

	// Get the default model for title generation
	model, err := p.providerRegistry.DefaultModel()
	if err != nil {
		return
	}

	prov, err := p.providerRegistry.Get(model.ProviderID)
	if err != nil {
		return
	}

	// Create title generation request
	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model: model.ID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: titleSystemPrompt},
			{Role: schema.User, Content: "Generate a title for this conversation:\n\n" + userContent},
		},
		MaxTokens: 50, // Short title
	})
	if err != nil {
		return
	}
	defer stream.Close()

	// Collect response
	var title strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}
		title.WriteString(msg.Content)
	}

	// Clean up title
	titleText := strings.TrimSpace(title.String())
	// Get first non-empty line
	for _, line := range strings.Split(titleText, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			titleText = line
			break
		}
	}

	if len(titleText) > maxTitleChars {
		titleText = titleText[:maxTitleChars-3] + "..."
	}

	if titleText == "" || isDefaultTitle(titleText) {
		return
	}

	session.Title = titleText
	if err := p.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session); err != nil {
		return
	}

	event.PublishSync(event.Event{
		Type: event.SessionUpdated,
		Data: event.SessionUpdatedData{Info: session},
	})
}
