package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaycode/relayd/internal/locking"
	"github.com/relaycode/relayd/internal/permission"
	"github.com/relaycode/relayd/internal/provider"
	"github.com/relaycode/relayd/internal/storage"
	"github.com/relaycode/relayd/internal/tool"
	"github.com/relaycode/relayd/pkg/types"
)

// Processor handles message processing and the agentic loop.
type Processor struct {
	mu sync.Mutex

	providerRegistry  *provider.Registry
	toolRegistry      *tool.Registry
	storage           *storage.Storage
	permissionChecker *permission.Checker
	doomDetector      *permission.DoomLoopDetector
	locker            *locking.Manager

	// Default provider and model to use when not specified
	defaultProviderID string
	defaultModelID    string

	// Active sessions being processed, keyed by sessionID. Presence in
	// this map is gated by locker: a session only appears here while it
	// holds the session lock.
	sessions map[string]*sessionState

	// config drives agent resolution (preset expansion + config-defaults
	// merge) in Process. May be nil, in which case Process falls back to
	// whatever *Agent the caller passed directly.
	config *types.Config
}

// SetConfig installs the loaded configuration used to resolve an agent by
// name (preset expansion, per-agent config, tool enable-map) when Process
// is called with a nil *Agent and the name comes from a pending agent switch.
func (p *Processor) SetConfig(cfg *types.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config = cfg
}

// sessionState tracks the state of an active session being processed.
type sessionState struct {
	ctx     context.Context
	cancel  context.CancelFunc
	message *types.Message
	parts   []types.Part
	step    int
	retries int
}

// ProcessCallback is called with message updates during processing.
type ProcessCallback func(msg *types.Message, parts []types.Part)

// NewProcessor creates a new session processor. locker, if nil, is
// allocated internally; pass a shared *locking.Manager when a Service
// needs to Abort/SwitchAgent the same sessions this Processor runs.
func NewProcessor(
	providerReg *provider.Registry,
	toolReg *tool.Registry,
	store *storage.Storage,
	permChecker *permission.Checker,
	defaultProviderID string,
	defaultModelID string,
	locker *locking.Manager,
) *Processor {
	// Use reasonable defaults if not specified
	if defaultProviderID == "" {
		defaultProviderID = "anthropic"
	}
	if defaultModelID == "" {
		defaultModelID = "claude-sonnet-4-20250514"
	}
	if locker == nil {
		locker = locking.NewManager()
	}
	return &Processor{
		providerRegistry:  providerReg,
		toolRegistry:      toolReg,
		storage:           store,
		permissionChecker: permChecker,
		doomDetector:      permission.NewDoomLoopDetector(),
		locker:            locker,
		defaultProviderID: defaultProviderID,
		defaultModelID:    defaultModelID,
		sessions:          make(map[string]*sessionState),
	}
}

// Process handles a new user message and generates an assistant response.
// This is the main entry point for the agentic loop. It fails fast with a
// *locking.SessionLockedError if a turn is already running for sessionID
// instead of queueing the call.
func (p *Processor) Process(ctx context.Context, sessionID string, agent *Agent, callback ProcessCallback) error {
	handle, err := p.locker.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer handle.Release()

	// A nil agent means "resolve the real one": consume any pending
	// agent-switch request recorded against this session, then expand it
	// (preset or named config entry) against the loaded config.
	if agent == nil {
		name, _ := p.locker.ConsumePendingSwitch(sessionID)
		p.mu.Lock()
		cfg := p.config
		p.mu.Unlock()
		agent = ResolveAgent(cfg, name, nil)
	}

	state := &sessionState{ctx: handle.Context(), cancel: func() {}}
	p.mu.Lock()
	p.sessions[sessionID] = state
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.sessions, sessionID)
		p.mu.Unlock()
	}()

	return p.runLoop(handle.Context(), sessionID, state, agent, callback)
}

// Abort cancels processing for a session.
func (p *Processor) Abort(sessionID string) error {
	if !p.locker.Abort(sessionID) {
		return fmt.Errorf("session not processing: %s", sessionID)
	}
	return nil
}

// IsProcessing returns whether a session is currently processing.
func (p *Processor) IsProcessing(sessionID string) bool {
	return p.locker.IsLocked(sessionID)
}

// GetActiveState returns the current state for a processing session.
func (p *Processor) GetActiveState(sessionID string) (*types.Message, []types.Part, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.sessions[sessionID]
	if !ok {
		return nil, nil, false
	}

	return state.message, state.parts, true
}
