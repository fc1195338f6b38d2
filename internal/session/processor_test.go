package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relaycode/relayd/internal/storage"
	"github.com/relaycode/relayd/internal/tool"
	"github.com/relaycode/relayd/pkg/types"
)

func TestNewProcessor(t *testing.T) {
	store := storage.New(t.TempDir())

	toolReg := tool.NewRegistry(t.TempDir(), store)

	proc := NewProcessor(nil, toolReg, store, nil, "", "", nil)

	assert.NotNil(t, proc)
	assert.NotNil(t, proc.sessions)
	assert.Empty(t, proc.sessions)
}

func TestProcessor_IsProcessing(t *testing.T) {
	store := storage.New(t.TempDir())

	toolReg := tool.NewRegistry(t.TempDir(), store)
	proc := NewProcessor(nil, toolReg, store, nil, "", "", nil)

	// Initially not processing
	assert.False(t, proc.IsProcessing("session1"))

	// Acquiring the lock directly (as Process would) makes it processing
	handle, err := proc.locker.Acquire(context.Background(), "session1")
	assert.NoError(t, err)

	assert.True(t, proc.IsProcessing("session1"))

	handle.Release()
	assert.False(t, proc.IsProcessing("session1"))
}

func TestProcessor_Abort(t *testing.T) {
	store := storage.New(t.TempDir())

	toolReg := tool.NewRegistry(t.TempDir(), store)
	proc := NewProcessor(nil, toolReg, store, nil, "", "", nil)

	// Try to abort non-existent session
	err := proc.Abort("nonexistent")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "session not processing")

	handle, err := proc.locker.Acquire(context.Background(), "session1")
	assert.NoError(t, err)

	// Abort should succeed
	err = proc.Abort("session1")
	assert.NoError(t, err)

	// Handle's context should be cancelled
	select {
	case <-handle.Context().Done():
		// Expected
	default:
		t.Fatal("context should be cancelled")
	}
}

func TestProcessor_GetActiveState(t *testing.T) {
	store := storage.New(t.TempDir())

	toolReg := tool.NewRegistry(t.TempDir(), store)
	proc := NewProcessor(nil, toolReg, store, nil, "", "", nil)

	// No active session
	msg, parts, ok := proc.GetActiveState("session1")
	assert.False(t, ok)
	assert.Nil(t, msg)
	assert.Nil(t, parts)

	// Add session state
	testMsg := &types.Message{ID: "msg1", Role: "assistant"}
	testParts := []types.Part{&types.TextPart{ID: "part1", Type: "text", Text: "Hello"}}

	proc.mu.Lock()
	proc.sessions["session1"] = &sessionState{
		message: testMsg,
		parts:   testParts,
	}
	proc.mu.Unlock()

	// Now should return state
	msg, parts, ok = proc.GetActiveState("session1")
	assert.True(t, ok)
	assert.Equal(t, testMsg, msg)
	assert.Equal(t, testParts, parts)
}

func TestAgent_ToolEnabled(t *testing.T) {
	tests := []struct {
		name     string
		agent    *Agent
		toolID   string
		expected bool
	}{
		{
			name:     "empty agent allows all tools",
			agent:    &Agent{},
			toolID:   "Read",
			expected: true,
		},
		{
			name: "explicitly enabled tool",
			agent: &Agent{
				Tools: []string{"Read", "Write"},
			},
			toolID:   "Read",
			expected: true,
		},
		{
			name: "tool not in enabled list",
			agent: &Agent{
				Tools: []string{"Read", "Write"},
			},
			toolID:   "Bash",
			expected: false,
		},
		{
			name: "explicitly disabled tool",
			agent: &Agent{
				DisabledTools: []string{"Bash"},
			},
			toolID:   "Bash",
			expected: false,
		},
		{
			name: "disabled takes precedence",
			agent: &Agent{
				Tools:         []string{"Bash"},
				DisabledTools: []string{"Bash"},
			},
			toolID:   "Bash",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.agent.ToolEnabled(tt.toolID)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestDefaultAgent(t *testing.T) {
	agent := DefaultAgent()

	assert.Equal(t, "default", agent.Name)
	assert.Equal(t, 0.7, agent.Temperature)
	assert.Equal(t, 1.0, agent.TopP)
	assert.Equal(t, 50, agent.MaxSteps)
	assert.Equal(t, "ask", agent.Permission.DoomLoop)
	assert.Equal(t, "ask", agent.Permission.Bash)
	assert.Equal(t, "ask", agent.Permission.Write)
}

func TestCodeAgent(t *testing.T) {
	agent := CodeAgent()

	assert.Equal(t, "code", agent.Name)
	assert.Equal(t, 0.3, agent.Temperature)
	assert.Equal(t, 100, agent.MaxSteps)
	assert.NotEmpty(t, agent.Prompt)
	assert.Equal(t, "allow", agent.Permission.Write)
}

func TestPlanAgent(t *testing.T) {
	agent := PlanAgent()

	assert.Equal(t, "plan", agent.Name)
	assert.Equal(t, 0.5, agent.Temperature)
	assert.Equal(t, 20, agent.MaxSteps)
	assert.Contains(t, agent.DisabledTools, "bash")
	assert.Equal(t, "deny", agent.Permission.Write)
}

func TestSystemPrompt_Build(t *testing.T) {
	session := &types.Session{
		ID:        "test-session",
		Directory: t.TempDir(),
	}
	agent := DefaultAgent()

	prompt := NewSystemPrompt(session, agent, "anthropic", "claude-sonnet-4")
	result := prompt.Build()

	// Should contain provider header
	assert.Contains(t, result, "Claude")
	assert.Contains(t, result, "Anthropic")

	// Should contain environment info
	assert.Contains(t, result, "Environment Information")
	assert.Contains(t, result, "Working Directory")
	assert.Contains(t, result, "Platform")

	// Should contain tool instructions
	assert.Contains(t, result, "Tool Usage Guidelines")
	assert.Contains(t, result, "**Bash**")
}

func TestSystemPrompt_ProviderHeaders(t *testing.T) {
	tests := []struct {
		provider string
		expected string
	}{
		{"anthropic", "Claude"},
		{"openai", "helpful AI assistant"},
		{"google", "helpful AI assistant"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			prompt := NewSystemPrompt(nil, DefaultAgent(), tt.provider, "test-model")
			result := prompt.Build()
			assert.Contains(t, result, tt.expected)
		})
	}
}

func TestShouldCompact(t *testing.T) {
	model := &types.Model{
		Limit: types.ModelLimit{Context: 100000, Output: 8000},
	}

	assert.False(t, ShouldCompact(nil, model))
	assert.False(t, ShouldCompact(&types.TokenUsage{}, nil))

	// usable = 100000 - min(8000, OutputTokenMax) = 92000
	assert.False(t, ShouldCompact(&types.TokenUsage{Input: 90000}, model))
	assert.True(t, ShouldCompact(&types.TokenUsage{Input: 92001}, model))
	assert.True(t, ShouldCompact(&types.TokenUsage{Input: 50000, Output: 30000, Cache: types.CacheUsage{Read: 15000}}, model))
}

func TestShouldCompact_ReservesAtMostOutputTokenMax(t *testing.T) {
	// A model advertising a huge output window still only reserves OutputTokenMax.
	model := &types.Model{
		Limit: types.ModelLimit{Context: 100000, Output: 90000},
	}
	usable := 100000 - OutputTokenMax
	assert.False(t, ShouldCompact(&types.TokenUsage{Input: usable}, model))
	assert.True(t, ShouldCompact(&types.TokenUsage{Input: usable + 1}, model))
}

func TestShouldCompact_AutocompactOff(t *testing.T) {
	t.Setenv("AUTOCOMPACT_OFF", "1")
	model := &types.Model{Limit: types.ModelLimit{Context: 100, Output: 10}}
	assert.False(t, ShouldCompact(&types.TokenUsage{Input: 1000000}, model))
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text     string
		expected int
	}{
		{"", 0},
		{"Hello", 1},
		{"Hello World", 2},
		{"This is a test message with some words", 9},
	}

	for _, tt := range tests {
		result := estimateTokens(tt.text)
		assert.Equal(t, tt.expected, result, "text: %s", tt.text)
	}
}

func TestGeneratePartID(t *testing.T) {
	id1 := generatePartID()
	id2 := generatePartID()

	assert.NotEmpty(t, id1)
	assert.NotEmpty(t, id2)
	assert.NotEqual(t, id1, id2)
	assert.Len(t, id1, 26) // ULID length
}

func TestPtr(t *testing.T) {
	s := "test"
	p := ptr(s)
	assert.NotNil(t, p)
	assert.Equal(t, s, *p)

	n := 42
	pn := ptr(n)
	assert.NotNil(t, pn)
	assert.Equal(t, n, *pn)
}

func TestToolState(t *testing.T) {
	assert.Equal(t, ToolState("pending"), ToolStatePending)
	assert.Equal(t, ToolState("running"), ToolStateRunning)
	assert.Equal(t, ToolState("completed"), ToolStateCompleted)
	assert.Equal(t, ToolState("error"), ToolStateError)
}

func TestCompactionPart(t *testing.T) {
	part := &types.CompactionPart{
		ID:      "test-id",
		Type:    "compaction",
		Summary: "This is a summary",
		Count:   5,
	}

	assert.Equal(t, "compaction", part.PartType())
	assert.Equal(t, "test-id", part.PartID())
}

func TestSessionState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state := &sessionState{
		ctx:     ctx,
		cancel:  cancel,
		step:    0,
		retries: 0,
	}

	assert.NotNil(t, state.ctx)
	assert.NotNil(t, state.cancel)
	assert.Equal(t, 0, state.step)
	assert.Equal(t, 0, state.retries)
}

func TestProcessCallback(t *testing.T) {
	var callCount int
	var lastMsg *types.Message
	var lastParts []types.Part

	callback := ProcessCallback(func(msg *types.Message, parts []types.Part) {
		callCount++
		lastMsg = msg
		lastParts = parts
	})

	msg := &types.Message{ID: "test"}
	parts := []types.Part{&types.TextPart{ID: "p1"}}

	callback(msg, parts)

	assert.Equal(t, 1, callCount)
	assert.Equal(t, msg, lastMsg)
	assert.Equal(t, parts, lastParts)
}

func TestConstants(t *testing.T) {
	assert.Equal(t, 50, MaxSteps)
	assert.Equal(t, 10, ChatMaxRetries)
	assert.Equal(t, time.Second, RetryInitialInterval)
	assert.Equal(t, 30*time.Second, RetryMaxInterval)
	assert.Equal(t, 2*time.Minute, RetryMaxElapsedTime)
}

func TestNewRetryBackoff(t *testing.T) {
	ctx := context.Background()
	b := newRetryBackoff(ctx)

	// First backoff should be around RetryInitialInterval (with jitter)
	interval1 := b.NextBackOff()
	assert.NotEqual(t, interval1, time.Duration(0))

	// Second backoff should be longer due to exponential increase
	interval2 := b.NextBackOff()
	assert.NotEqual(t, interval2, time.Duration(0))

	// Third backoff
	interval3 := b.NextBackOff()
	assert.NotEqual(t, interval3, time.Duration(0))
}

func TestNewRetryBackoff_ExhaustsAtMaxRetries(t *testing.T) {
	ctx := context.Background()
	b := newRetryBackoff(ctx)

	for i := 0; i < ChatMaxRetries; i++ {
		interval := b.NextBackOff()
		assert.GreaterOrEqual(t, interval, time.Duration(0), "attempt %d should still be retrying", i)
	}

	// One past ChatMaxRetries should hit backoff.Stop (-1)
	final := b.NextBackOff()
	assert.Less(t, final, time.Duration(0))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(nil))
	assert.False(t, isRetryable(context.Canceled))
	assert.False(t, isRetryable(context.DeadlineExceeded))
	assert.True(t, isRetryable(assert.AnError))
}

func TestNewRetryBackoff_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	b := newRetryBackoff(ctx)

	// First backoff should work
	interval1 := b.NextBackOff()
	assert.Greater(t, interval1, time.Duration(0))

	// Cancel the context
	cancel()

	// After cancellation, should return backoff.Stop
	interval2 := b.NextBackOff()
	assert.Less(t, interval2, time.Duration(0))
}
