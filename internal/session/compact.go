package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/relaycode/relayd/internal/event"
	"github.com/relaycode/relayd/internal/permission"
	"github.com/relaycode/relayd/internal/provider"
	"github.com/relaycode/relayd/internal/vcs"
	"github.com/relaycode/relayd/pkg/types"
)

const (
	// OutputTokenMax caps how much of a model's output-token budget the
	// overflow predicate reserves, independent of how large a model's own
	// claimed output window is.
	OutputTokenMax = 32000

	// PruneProtectTokens is the amount of trailing tool-output (estimated
	// tokens) prune() never truncates, regardless of age.
	PruneProtectTokens = 20000

	// PruneMinimumTokens is the minimum excess over budget required before
	// prune() does any work at all.
	PruneMinimumTokens = 5000

	// SummaryMaxTokens bounds the length of a compaction's summary.
	SummaryMaxTokens = 2000

	// resumeUserRequestMaxChars bounds how much of the original user
	// request is echoed into the resume message.
	resumeUserRequestMaxChars = 500

	// fileHistogramMax caps the number of distinct files surfaced in the
	// resume message's file-activity histogram.
	fileHistogramMax = 15
)

// ShouldCompact implements the Compactor's overflow predicate: given the
// assistant message's rolling token usage and the model's context/output
// limits, usable = context - min(limit.output, OutputTokenMax); overflow
// iff input + cache.read + output > usable. Disabled entirely when
// AUTOCOMPACT_OFF is set, per spec.
func ShouldCompact(tokens *types.TokenUsage, model *types.Model) bool {
	if autocompactDisabled() {
		return false
	}
	if tokens == nil || model == nil {
		return false
	}
	reserve := model.Limit.Output
	if reserve > OutputTokenMax {
		reserve = OutputTokenMax
	}
	usable := model.Limit.Context - reserve
	if usable <= 0 {
		return false
	}
	usage := tokens.Input + tokens.Cache.Read + tokens.Output
	return usage > usable
}

// runCompaction implements the Compactor's run() sequence (spec §4.6):
// summarize the conversation so far into a new assistant message marked
// summary:true, then synthesize a synthetic resume user message carrying
// enough context (git state, todos, file activity, diffs, summary text) for
// the turn to continue without the full transcript.
func (p *Processor) runCompaction(
	ctx context.Context,
	sessionID string,
	messages []*types.Message,
	callback ProcessCallback,
) error {
	session, err := p.findSession(ctx, sessionID)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	session.Time.Compacting = &now
	p.saveSession(session)
	defer func() {
		session.Time.Compacting = nil
		p.saveSession(session)
	}()

	event.Publish(event.Event{
		Type: event.SessionCompactingProgress,
		Data: event.SessionCompactingProgressData{
			SessionID:     sessionID,
			Step:          "started",
			MessagesCount: len(messages),
			TokensInput:   sumInputTokens(messages),
		},
	})

	// Select everything since the last summary:true anchor (or the whole
	// history, if there isn't one yet) and render it as a plain transcript.
	toSummarize := messagesSinceLastAnchor(messages)

	providerID := p.defaultProviderID
	modelID := p.defaultModelID
	if len(messages) > 0 && messages[len(messages)-1].Model != nil {
		providerID = messages[len(messages)-1].Model.ProviderID
		modelID = messages[len(messages)-1].Model.ModelID
	}

	prov, err := p.providerRegistry.Get(providerID)
	if err != nil {
		return fmt.Errorf("provider not found: %w", err)
	}
	model, err := p.providerRegistry.GetModel(providerID, modelID)
	if err != nil {
		return fmt.Errorf("model not found: %w", err)
	}

	summaryPrompt := buildSummaryPrompt(ctx, p, toSummarize)

	summaryMsg, summaryText, err := p.streamSummary(ctx, sessionID, session, providerID, modelID, prov, model, summaryPrompt, callback)
	if err != nil {
		return fmt.Errorf("failed to stream summary: %w", err)
	}

	resumeMsg, resumePart := p.buildResumeMessage(ctx, sessionID, session, toSummarize, summaryText)
	if err := p.storage.Put(ctx, []string{"message", sessionID, resumeMsg.ID}, resumeMsg); err != nil {
		return fmt.Errorf("failed to save resume message: %w", err)
	}
	if err := p.savePart(ctx, resumeMsg.ID, resumePart); err != nil {
		return fmt.Errorf("failed to save resume part: %w", err)
	}

	compactionPart := &types.CompactionPart{
		ID:        generatePartID(),
		SessionID: sessionID,
		MessageID: resumeMsg.ID,
		Type:      "compaction",
		Summary:   summaryText,
		Count:     len(toSummarize),
		Auto:      true,
	}
	if err := p.savePart(ctx, resumeMsg.ID, compactionPart); err != nil {
		return fmt.Errorf("failed to save compaction part: %w", err)
	}

	callback(resumeMsg, []types.Part{resumePart, compactionPart})

	event.Publish(event.Event{
		Type: event.MessageCreated,
		Data: event.MessageCreatedData{Info: resumeMsg},
	})
	event.Publish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: resumePart},
	})
	event.Publish(event.Event{
		Type: event.SessionCompactingProgress,
		Data: event.SessionCompactingProgressData{SessionID: sessionID, Step: "context"},
	})
	event.Publish(event.Event{
		Type: event.SessionCompacted,
		Data: event.SessionCompactedData{SessionID: sessionID, MessageID: summaryMsg.ID},
	})
	event.Publish(event.Event{
		Type: event.SessionCompactingProgress,
		Data: event.SessionCompactingProgressData{SessionID: sessionID, Step: "done"},
	})

	// Prune completed tool output now that the summary covers it; failures
	// here are non-fatal, the next compaction cycle will retry.
	_ = p.prune(ctx, sessionID)

	return nil
}

// streamSummary generates the summary:true assistant message, retrying
// transient provider errors with the same policy as the turn runner (§4.7).
func (p *Processor) streamSummary(
	ctx context.Context,
	sessionID string,
	session *types.Session,
	providerID, modelID string,
	prov provider.Provider,
	model *types.Model,
	summaryPrompt string,
	callback ProcessCallback,
) (*types.Message, string, error) {
	now := time.Now().UnixMilli()
	summaryMsg := &types.Message{
		ID:         generatePartID(),
		SessionID:  sessionID,
		Role:       "assistant",
		ProviderID: providerID,
		ModelID:    modelID,
		IsSummary:  true,
		Path: &types.MessagePath{
			Cwd:  session.Directory,
			Root: session.Directory,
		},
		Time:   types.MessageTime{Created: now},
		Tokens: &types.TokenUsage{},
	}
	if err := p.storage.Put(ctx, []string{"message", sessionID, summaryMsg.ID}, summaryMsg); err != nil {
		return nil, "", err
	}
	callback(summaryMsg, nil)
	event.Publish(event.Event{
		Type: event.MessageCreated,
		Data: event.MessageCreatedData{Info: summaryMsg},
	})

	textPart := &types.TextPart{
		ID:        generatePartID(),
		SessionID: sessionID,
		MessageID: summaryMsg.ID,
		Type:      "text",
	}
	p.savePart(ctx, summaryMsg.ID, textPart)

	req := &provider.CompletionRequest{
		Model: model.ID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: compactionSystemPrompt},
			{Role: schema.User, Content: summaryPrompt},
		},
		MaxTokens: SummaryMaxTokens,
	}

	retryBackoff := newRetryBackoff(ctx)
	var stream *provider.CompletionStream
	for attempt := 1; ; attempt++ {
		var err error
		stream, err = prov.CreateCompletion(ctx, req)
		if err == nil {
			break
		}
		if !isRetryable(err) {
			return nil, "", err
		}
		part := newRetryPart(sessionID, summaryMsg.ID, attempt, err)
		p.savePart(ctx, summaryMsg.ID, part)
		delay := getBoundedDelay(retryBackoff, 0)
		if delay == backoff.Stop {
			return nil, "", err
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(delay):
		}
	}
	defer stream.Close()

	var full strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", err
		}
		full.WriteString(msg.Content)
		textPart.Text = full.String()
		p.savePart(ctx, summaryMsg.ID, textPart)
		event.Publish(event.Event{
			Type: event.MessagePartUpdated,
			Data: event.MessagePartUpdatedData{Part: textPart, Delta: msg.Content},
		})
	}

	summaryMsg.Tokens = &types.TokenUsage{
		Input:  estimateTokens(summaryPrompt),
		Output: estimateTokens(full.String()),
	}
	p.saveMessage(ctx, sessionID, summaryMsg)

	return summaryMsg, full.String(), nil
}

// buildResumeMessage assembles the synthetic resume user message per spec
// §4.6 step 5: original request preview, git state, todos, file-activity
// histogram, session diffs, and the summary text.
func (p *Processor) buildResumeMessage(
	ctx context.Context,
	sessionID string,
	session *types.Session,
	summarizedMessages []*types.Message,
	summaryText string,
) (*types.Message, *types.TextPart) {
	var b strings.Builder

	if req := firstUserRequestText(ctx, p, summarizedMessages); req != "" {
		b.WriteString("## Original request\n")
		if len(req) > resumeUserRequestMaxChars {
			req = req[:resumeUserRequestMaxChars] + "..."
		}
		b.WriteString(req)
		b.WriteString("\n\n")
	}

	gitState := vcs.GetState(session.Directory)
	b.WriteString("## Git state\n")
	b.WriteString(fmt.Sprintf("branch: %s\n", gitState.Branch))
	b.WriteString(fmt.Sprintf("staged: %s\n", formatFileList(gitState.Staged)))
	b.WriteString(fmt.Sprintf("uncommitted: %s\n\n", formatFileList(gitState.Uncommitted)))

	if todos, err := GetTodos(ctx, p.storage, sessionID); err == nil {
		var pending []types.TodoInfo
		for _, t := range todos {
			if t.Status != "completed" {
				pending = append(pending, t)
			}
		}
		if len(pending) > 0 {
			b.WriteString("## Pending todos\n")
			for _, t := range pending {
				b.WriteString(fmt.Sprintf("- [%s] %s\n", t.Status, t.Content))
			}
			b.WriteString("\n")
		}
	}

	if hist := fileActivityHistogram(ctx, p, summarizedMessages); len(hist) > 0 {
		b.WriteString("## File activity\n")
		for _, h := range hist {
			b.WriteString(fmt.Sprintf("- %s (%d)\n", h.file, h.count))
		}
		b.WriteString("\n")
	}

	if len(session.Summary.Diffs) > 0 {
		b.WriteString("## Session diffs\n")
		for _, d := range session.Summary.Diffs {
			b.WriteString(fmt.Sprintf("- %s (+%d/-%d)\n", d.File, d.Additions, d.Deletions))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Summary\n")
	b.WriteString(summaryText)

	now := time.Now().UnixMilli()
	resumeMsg := &types.Message{
		ID:        generatePartID(),
		SessionID: sessionID,
		Role:      "user",
		Path: &types.MessagePath{
			Cwd:  session.Directory,
			Root: session.Directory,
		},
		Time: types.MessageTime{Created: now},
	}
	resumePart := &types.TextPart{
		ID:        generatePartID(),
		SessionID: sessionID,
		MessageID: resumeMsg.ID,
		Type:      "text",
		Text:      b.String(),
		Synthetic: true,
	}
	return resumeMsg, resumePart
}

func formatFileList(files []string) string {
	if len(files) == 0 {
		return "(none)"
	}
	return strings.Join(files, ", ")
}

// firstUserRequestText returns the text content of the earliest user message
// among the ones being summarized.
func firstUserRequestText(ctx context.Context, p *Processor, messages []*types.Message) string {
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		for _, part := range parts {
			if tp, ok := part.(*types.TextPart); ok && !tp.Synthetic && tp.Text != "" {
				return tp.Text
			}
		}
	}
	return ""
}

type fileActivity struct {
	file  string
	count int
}

// fileActivityHistogram derives a top-N file-touch histogram from completed
// bash tool calls across messages (there is no dedicated read/edit/write
// tool in this surface; file access happens through bash commands), capped
// at fileHistogramMax with the overflow folded into a single "... and N
// more" entry.
func fileActivityHistogram(ctx context.Context, p *Processor, messages []*types.Message) []fileActivity {
	counts := make(map[string]int)
	for _, msg := range messages {
		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		for _, part := range parts {
			tp, ok := part.(*types.ToolPart)
			if !ok || tp.Tool != "bash" || tp.State.Status != "completed" {
				continue
			}
			cmdStr, ok := tp.State.Input["command"].(string)
			if !ok || cmdStr == "" {
				continue
			}
			parsed, err := permission.ParseBashCommand(cmdStr)
			if err != nil {
				continue
			}
			for _, cmd := range parsed {
				if !permission.IsDangerousCommand(cmd.Name) {
					continue
				}
				for _, path := range permission.ExtractPaths(cmd) {
					counts[path]++
				}
			}
		}
	}

	result := make([]fileActivity, 0, len(counts))
	for file, count := range counts {
		result = append(result, fileActivity{file: file, count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].count != result[j].count {
			return result[i].count > result[j].count
		}
		return result[i].file < result[j].file
	})

	if len(result) > fileHistogramMax {
		dropped := len(result) - fileHistogramMax
		result = result[:fileHistogramMax]
		result = append(result, fileActivity{file: fmt.Sprintf("... and %d more", dropped)})
	}
	return result
}

// messagesSinceLastAnchor returns messages after the most recent summary:true
// message, or all messages if there is no prior anchor.
func messagesSinceLastAnchor(messages []*types.Message) []*types.Message {
	lastAnchor := -1
	for i, msg := range messages {
		if msg.IsSummary {
			lastAnchor = i
		}
	}
	return messages[lastAnchor+1:]
}

func sumInputTokens(messages []*types.Message) int {
	total := 0
	for _, msg := range messages {
		if msg.Tokens != nil {
			total += msg.Tokens.Input
		}
	}
	return total
}

func autocompactDisabled() bool {
	v := os.Getenv("AUTOCOMPACT_OFF")
	return v != "" && v != "0" && v != "false"
}

// buildSummaryPrompt creates a prompt for summarizing messages.
func buildSummaryPrompt(ctx context.Context, p *Processor, messages []*types.Message) string {
	var prompt strings.Builder

	prompt.WriteString("Please summarize the following conversation, focusing on:\n")
	prompt.WriteString("1. Key decisions and outcomes\n")
	prompt.WriteString("2. Files that were modified\n")
	prompt.WriteString("3. Important context for continuing the work\n\n")
	prompt.WriteString("---\n\n")

	for _, msg := range messages {
		if msg.Role == "user" {
			prompt.WriteString("USER:\n")
		} else {
			prompt.WriteString("ASSISTANT:\n")
		}

		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}

		for _, part := range parts {
			switch pt := part.(type) {
			case *types.TextPart:
				prompt.WriteString(pt.Text)
				prompt.WriteString("\n")
			case *types.ToolPart:
				prompt.WriteString(fmt.Sprintf("[Tool: %s]\n", pt.Tool))
				if pt.State.Output != nil {
					output := *pt.State.Output
					if len(output) > 500 {
						output = output[:500] + "..."
					}
					prompt.WriteString(output)
					prompt.WriteString("\n")
				}
			}
		}

		prompt.WriteString("\n")
	}

	return prompt.String()
}

// estimateTokens provides a rough estimate of token count.
func estimateTokens(text string) int {
	// Rough estimate: ~4 characters per token
	return len(text) / 4
}

// compactionSystemPrompt is the system prompt for generating summaries.
const compactionSystemPrompt = `You are a conversation summarizer. Create a concise summary of the conversation that preserves key context for continuing the discussion.

Focus on:
1. What was accomplished
2. Current work in progress
3. Files involved
4. Next steps
5. Any key user requests or constraints

Be concise but detailed enough that work can continue seamlessly.`

// prune walks a session's parts backwards, protecting the most recent two
// user turns and the last PruneProtectTokens worth of tool output. Older
// completed ToolParts have their output marked compacted (excluded from
// future provider assemblies, but never deleted). Skipped entirely when the
// total excess over budget is under PruneMinimumTokens.
func (p *Processor) prune(ctx context.Context, sessionID string) error {
	messages, err := p.loadMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].Time.Created < messages[j].Time.Created })

	type toolEntry struct {
		msg  *types.Message
		part *types.ToolPart
	}

	var tools []toolEntry
	totalOutputTokens := 0
	userTurnsSeen := 0
	protectFromIdx := len(messages)

	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role == "user" {
			userTurnsSeen++
			if userTurnsSeen <= 2 {
				protectFromIdx = i
			}
		}
		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		for _, part := range parts {
			tp, ok := part.(*types.ToolPart)
			if !ok || tp.State.Status != "completed" || tp.State.Compacted != nil {
				continue
			}
			tools = append(tools, toolEntry{msg: msg, part: tp})
			if tp.State.Output != nil {
				totalOutputTokens += estimateTokens(*tp.State.Output)
			}
		}
	}

	excess := totalOutputTokens - PruneProtectTokens
	if excess < PruneMinimumTokens {
		return nil
	}

	protectedTokens := 0
	now := time.Now().UnixMilli()
	// tools was built newest-first; walk it in order so the protected
	// budget fills with the most recent output.
	for i := 0; i < len(tools); i++ {
		entry := tools[i]
		msgIdx := messageIndex(messages, entry.msg.ID)
		if msgIdx >= protectFromIdx {
			if entry.part.State.Output != nil {
				protectedTokens += estimateTokens(*entry.part.State.Output)
			}
			continue
		}
		outputTokens := 0
		if entry.part.State.Output != nil {
			outputTokens = estimateTokens(*entry.part.State.Output)
		}
		if protectedTokens+outputTokens <= PruneProtectTokens {
			protectedTokens += outputTokens
			continue
		}
		entry.part.State.Compacted = &now
		p.savePart(ctx, entry.msg.ID, entry.part)
	}

	return nil
}

func messageIndex(messages []*types.Message, id string) int {
	for i, m := range messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}
