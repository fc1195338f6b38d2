package permission

import (
	"context"
	"fmt"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/relaycode/relayd/internal/event"
)

// ParentResolver looks up a session's parent, mirroring the storage layer's
// session hierarchy without this package importing storage directly.
type ParentResolver func(sessionID string) (parentID string, ok bool)

// PinVerifier checks a submitted PIN against the configured hash. A nil
// PinVerifier means no PIN is configured; a "pin" response then fails
// verification and is handled like any other invalid PIN.
type PinVerifier func(pin string) bool

// pendingEntry is the resolver shared between an ask() call and every twin
// registered for it in an ancestor session's pending table. There is
// exactly one pendingEntry per permission ID, however many sessions'
// pending tables reference it.
type pendingEntry struct {
	req Request
	ch  chan Response
	// owners lists every sessionID whose pending table holds this entry:
	// owners[0] is the asking (child) session; any further entries are
	// forwarded ancestor twins, appended in the order they were forwarded.
	owners []string
}

// PluginDecision is the result of the permission.ask plugin hook (§6
// Plugin.trigger), mirroring its {status: ask|allow|deny} return shape.
type PluginDecision string

const (
	PluginAsk   PluginDecision = "ask"
	PluginAllow PluginDecision = "allow"
	PluginDeny  PluginDecision = "deny"
)

// PluginTrigger invokes a named plugin hook with a payload and reports its
// decision. A nil PluginTrigger means no plugins are installed and every ask
// proceeds straight to the pending-registration/publish path.
type PluginTrigger func(ctx context.Context, name string, payload map[string]any) (PluginDecision, error)

// Checker is the Permission Broker.
type Checker struct {
	mu       sync.Mutex
	approved map[string]map[string]bool          // sessionID -> key -> true
	pending  map[string]map[string]*pendingEntry // sessionID -> permissionID -> entry

	parentOf  ParentResolver
	verifyPIN PinVerifier
	onAlways  func(sessionID string, typ PermissionType, patterns []string)
	plugin    PluginTrigger
}

// NewChecker creates a Permission Broker. parentOf and verifyPIN may be nil.
func NewChecker(parentOf ParentResolver, verifyPIN PinVerifier) *Checker {
	return &Checker{
		approved:  make(map[string]map[string]bool),
		pending:   make(map[string]map[string]*pendingEntry),
		parentOf:  parentOf,
		verifyPIN: verifyPIN,
	}
}

// WithOnAlways installs the persistence callback invoked on "always", so
// the caller can write the newly-approved pattern back into agent config.
func (c *Checker) WithOnAlways(fn func(sessionID string, typ PermissionType, patterns []string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAlways = fn
}

// WithPluginTrigger installs the permission.ask plugin hook consulted by Ask
// before a request is published and parked pending a human response.
func (c *Checker) WithPluginTrigger(fn PluginTrigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugin = fn
}

// pluginPayload builds the permission.ask hook payload from a request.
func pluginPayload(req Request) map[string]any {
	return map[string]any{
		"sessionID": req.SessionID,
		"messageID": req.MessageID,
		"callID":    req.CallID,
		"type":      string(req.Type),
		"pattern":   req.Pattern,
		"title":     req.Title,
		"metadata":  req.Metadata,
	}
}

// keysFor computes the coverage keys a request must clear. A pattern-less
// request is keyed on its type alone; a patterned request (bash commands,
// file globs) is keyed per-pattern so "always" on one pattern never
// silently covers another.
func keysFor(req Request) []string {
	if len(req.Pattern) == 0 {
		return []string{string(req.Type)}
	}
	keys := make([]string, len(req.Pattern))
	for i, p := range req.Pattern {
		keys[i] = string(req.Type) + ":" + p
	}
	return keys
}

// covered reports whether every key is matched by an already-approved key
// for sessionID, where an approved key may itself be a glob.
func (c *Checker) covered(sessionID string, keys []string) bool {
	approved := c.approved[sessionID]
	if len(approved) == 0 {
		return false
	}
	for _, key := range keys {
		if approved[key] {
			continue
		}
		matched := false
		for ak := range approved {
			if ok, _ := doublestar.Match(ak, key); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func (c *Checker) approveKeys(sessionID string, keys []string) {
	if c.approved[sessionID] == nil {
		c.approved[sessionID] = make(map[string]bool)
	}
	for _, k := range keys {
		c.approved[sessionID][k] = true
	}
}

func (c *Checker) registerPending(sessionID, permissionID string, entry *pendingEntry) {
	if c.pending[sessionID] == nil {
		c.pending[sessionID] = make(map[string]*pendingEntry)
	}
	c.pending[sessionID][permissionID] = entry
}

func (c *Checker) removeEntry(entry *pendingEntry) {
	for _, owner := range entry.owners {
		if m := c.pending[owner]; m != nil {
			delete(m, entry.req.ID)
		}
	}
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Check evaluates a statically-resolved agent action: allow/deny resolve
// immediately, ask delegates to Ask.
func (c *Checker) Check(ctx context.Context, action PermissionAction, req Request) error {
	switch action {
	case ActionAllow:
		return nil
	case ActionDeny:
		return &RejectedError{SessionID: req.SessionID, Type: req.Type, CallID: req.CallID, Message: fmt.Sprintf("%s is denied by configuration", req.Type)}
	default:
		return c.Ask(ctx, req)
	}
}

// Ask blocks until req is resolved by prior approval or by an explicit
// user response via Respond. Returns nil on approval, or a *RejectedError
// (an invalid PIN reaches Ask as a rejection), a plugin hook error, or
// ctx.Err() on failure.
func (c *Checker) Ask(ctx context.Context, req Request) error {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	keys := keysFor(req)

	c.mu.Lock()

	// Step 1: already covered for this session.
	if c.covered(req.SessionID, keys) {
		c.mu.Unlock()
		return nil
	}

	// Step 2: parent coverage caches into the child and returns.
	if c.parentOf != nil {
		if parentID, ok := c.parentOf(req.SessionID); ok && c.covered(parentID, keys) {
			c.approveKeys(req.SessionID, keys)
			c.mu.Unlock()
			return nil
		}
	}

	c.mu.Unlock()

	// Step 3: consult the permission.ask plugin hook before parking the
	// request pending a human response. A deny throws Rejected immediately;
	// an allow resolves with no pending registration and no prompt ever
	// reaches the user.
	if c.plugin != nil {
		decision, err := c.plugin(ctx, "permission.ask", pluginPayload(req))
		if err != nil {
			return err
		}
		switch decision {
		case PluginDeny:
			return &RejectedError{SessionID: req.SessionID, Type: req.Type, CallID: req.CallID, Message: fmt.Sprintf("%s denied by plugin", req.Type)}
		case PluginAllow:
			return nil
		}
	}

	c.mu.Lock()

	// Step 4: register pending and publish.
	entry := &pendingEntry{req: req, ch: make(chan Response, 1), owners: []string{req.SessionID}}
	c.registerPending(req.SessionID, req.ID, entry)

	event.PublishSync(event.Event{
		Type: event.PermissionUpdated,
		Data: event.PermissionUpdatedData{
			ID: req.ID, SessionID: req.SessionID, MessageID: req.MessageID,
			CallID: req.CallID, PermissionType: string(req.Type),
			Pattern: req.Pattern, Title: req.Title, Metadata: req.Metadata,
		},
	})

	// Forward a twin to the parent session under the SAME permission ID,
	// so either session's collaborator can resolve it; metadata mirrors
	// the originating session so the UI can attribute it correctly.
	if c.parentOf != nil {
		if parentID, ok := c.parentOf(req.SessionID); ok {
			entry.owners = append(entry.owners, parentID)
			c.registerPending(parentID, req.ID, entry)

			fwdMeta := cloneMeta(req.Metadata)
			fwdMeta["originSessionID"] = req.SessionID

			event.PublishSync(event.Event{
				Type: event.PermissionUpdated,
				Data: event.PermissionUpdatedData{
					ID: req.ID, SessionID: parentID, MessageID: req.MessageID,
					CallID: req.CallID, PermissionType: string(req.Type),
					Pattern: req.Pattern, Title: req.Title, Metadata: fwdMeta,
				},
			})
		}
	}

	c.mu.Unlock()

	select {
	case resp := <-entry.ch:
		if resp.Kind == ResponseReject {
			msg := resp.Message
			if msg == "" {
				msg = "permission rejected"
			}
			return &RejectedError{SessionID: req.SessionID, Type: req.Type, CallID: req.CallID, Message: msg}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		c.removeEntry(entry)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Respond resolves a pending permission. sessionID is whichever session's
// pending table the caller observed the request under (the asking child
// or a forwarding ancestor); both resolve the same entry.
func (c *Checker) Respond(sessionID, permissionID string, resp Response) error {
	c.mu.Lock()

	entry, ok := c.lookup(sessionID, permissionID)
	if !ok {
		c.mu.Unlock()
		return nil
	}

	if resp.Kind == ResponsePin {
		if c.verifyPIN == nil || !c.verifyPIN(resp.PIN) {
			// Invalid PIN: the pending entry is discarded outright and the
			// blocked Ask() call is rejected. The caller must re-invoke
			// the tool to ask again rather than retry the same permission
			// ID in place; the entry is not left pending for another
			// guess.
			c.removeEntry(entry)
			c.mu.Unlock()
			entry.ch <- Response{Kind: ResponseReject, Message: "invalid PIN"}
			return &InvalidPINError{SessionID: sessionID}
		}
		resp.Kind = ResponseOnce
	}

	req := entry.req
	if resp.Metadata != nil {
		req.Metadata = mergeMeta(req.Metadata, resp.Metadata)
	}
	c.removeEntry(entry)

	type cascadeResult struct {
		id        string
		sessionID string
	}
	var cascaded []cascadeResult
	if resp.Kind == ResponseAlways {
		keys := keysFor(req)
		// §4.4: "always" approves the origin's set and, when answered via a
		// forwarded twin, the responding session's own set too — otherwise a
		// parent that just said "always" would be re-asked the next time it
		// triggers the same key directly.
		c.approveKeys(req.SessionID, keys)
		if sessionID != req.SessionID {
			c.approveKeys(sessionID, keys)
		}
		if c.onAlways != nil {
			c.onAlways(req.SessionID, req.Type, req.Pattern)
		}
		for _, id := range c.cascadeLocked(req.SessionID, entry) {
			cascaded = append(cascaded, cascadeResult{id: id, sessionID: req.SessionID})
		}
		if sessionID != req.SessionID {
			for _, id := range c.cascadeLocked(sessionID, entry) {
				cascaded = append(cascaded, cascadeResult{id: id, sessionID: sessionID})
			}
		}
	}

	c.mu.Unlock()

	event.PublishSync(event.Event{
		Type: event.PermissionReplied,
		Data: event.PermissionRepliedData{PermissionID: permissionID, SessionID: req.SessionID, Response: string(resp.Kind)},
	})
	for _, cr := range cascaded {
		event.PublishSync(event.Event{
			Type: event.PermissionReplied,
			Data: event.PermissionRepliedData{PermissionID: cr.id, SessionID: cr.sessionID, Response: string(ResponseAlways)},
		})
	}

	entry.ch <- resp
	return nil
}

func (c *Checker) lookup(sessionID, permissionID string) (*pendingEntry, bool) {
	m := c.pending[sessionID]
	if m == nil {
		return nil, false
	}
	e, ok := m[permissionID]
	return e, ok
}

// cascadeLocked auto-resolves every other pending entry for sessionID now
// covered by the just-installed approval. It snapshots the pending set
// before iterating so entries resolved mid-pass don't perturb iteration,
// and must be called with c.mu held: each entry's channel is buffered
// (capacity 1), so sending on it here does not block while holding the lock.
func (c *Checker) cascadeLocked(sessionID string, justResolved *pendingEntry) []string {
	remaining := c.pending[sessionID]
	snapshot := make([]*pendingEntry, 0, len(remaining))
	for _, e := range remaining {
		if e != justResolved {
			snapshot = append(snapshot, e)
		}
	}

	var cascaded []string
	for _, e := range snapshot {
		if !c.covered(sessionID, keysFor(e.req)) {
			continue
		}
		c.removeEntry(e)
		cascaded = append(cascaded, e.req.ID)
		e.ch <- Response{Kind: ResponseAlways}
	}
	return cascaded
}

func mergeMeta(base, overlay map[string]any) map[string]any {
	merged := cloneMeta(base)
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// Pending lists outstanding requests visible under sessionID's table,
// including forwarded twins from descendant sessions.
func (c *Checker) Pending(sessionID string) []Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.pending[sessionID]
	out := make([]Request, 0, len(m))
	for _, e := range m {
		out = append(out, e.req)
	}
	return out
}

// ClearSession drops every approval recorded for a session. Pending asks
// are left untouched; callers that want to abort them should reject via
// Respond explicitly.
func (c *Checker) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.approved, sessionID)
}

// RejectAll resolves every still-pending ask across every session with a
// rejection, unblocking any Ask call waiting on a response. Used on daemon
// shutdown so a blocked tool call doesn't hang the process past its grace
// period; a forwarded twin is only rejected once even though it appears in
// more than one session's pending table.
func (c *Checker) RejectAll(message string) {
	c.mu.Lock()
	seen := make(map[string]*pendingEntry)
	for _, m := range c.pending {
		for id, e := range m {
			seen[id] = e
		}
	}
	for _, e := range seen {
		c.removeEntry(e)
	}
	c.mu.Unlock()

	for _, e := range seen {
		event.PublishSync(event.Event{
			Type: event.PermissionReplied,
			Data: event.PermissionRepliedData{PermissionID: e.req.ID, SessionID: e.req.SessionID, Response: string(ResponseReject)},
		})
		e.ch <- Response{Kind: ResponseReject, Message: message}
	}
}
