package session

import "github.com/relaycode/relayd/pkg/types"

// Built-in agent presets: shorthand names that expand into a full
// permission/tools tree before the config-defaults -> agent-defaults ->
// request-overrides merge runs. A session or request may reference one of
// these directly in place of a name from config's agent map.
const (
	PresetYolo      = "yolo"
	PresetReadonly  = "readonly"
	PresetReadwrite = "readwrite"
	PresetDefault   = "default"
)

func isBuiltInPreset(name string) bool {
	switch name {
	case PresetYolo, PresetReadonly, PresetReadwrite, PresetDefault:
		return true
	}
	return false
}

// expandPreset returns the Agent a built-in preset name expands to, before
// any config/request overrides are layered on top.
func expandPreset(name string) *Agent {
	base := &Agent{
		Name:        name,
		Temperature: 0.7,
		TopP:        1.0,
		MaxSteps:    50,
	}
	switch name {
	case PresetYolo:
		// Pre-approves bash and writes (doom-loop detection still asks);
		// for sandboxed or disposable environments only.
		base.Permission = AgentPermission{DoomLoop: "ask", Bash: "allow", Write: "allow"}
	case PresetReadonly:
		base.Permission = AgentPermission{DoomLoop: "deny", Bash: "deny", Write: "deny"}
		base.DisabledTools = []string{"bash"}
	case PresetReadwrite:
		// Edits allowed without asking; bash still gated.
		base.Permission = AgentPermission{DoomLoop: "ask", Bash: "ask", Write: "allow"}
	case PresetDefault:
		base.Permission = AgentPermission{DoomLoop: "ask", Bash: "ask", Write: "ask"}
	default:
		return DefaultAgent()
	}
	return base
}

// overrideString normalizes a types.PermissionConfig field (empty
// meaning "unset, inherit") against an existing value.
func overrideString(base, override string) string {
	if override != "" {
		return override
	}
	return base
}

// ResolveAgent implements the agent-resolution step of a turn request:
// built-in presets are expanded first, then config defaults, the named
// agent's own config, and finally request-level overrides are merged in,
// each layer winning over the last for any field it sets.
//
// name is whatever the caller asked for: a preset name, a key into
// cfg.Agent, or empty for the default agent. overrides carries per-request
// values (e.g. a one-off temperature/permission for this turn only) and may be
// nil.
func ResolveAgent(cfg *types.Config, name string, overrides *types.AgentConfig) *Agent {
	var result *Agent
	switch {
	case name == "":
		result = expandPreset(PresetDefault)
	case isBuiltInPreset(name):
		result = expandPreset(name)
	default:
		result = expandPreset(PresetDefault)
		result.Name = name
	}

	// Layer 1: config-wide tool defaults.
	if cfg != nil && len(cfg.Tools) > 0 {
		enabled := make([]string, 0, len(cfg.Tools))
		for tool, on := range cfg.Tools {
			if on {
				enabled = append(enabled, tool)
			} else {
				result.DisabledTools = append(result.DisabledTools, tool)
			}
		}
		if len(enabled) > 0 {
			result.Tools = enabled
		}
	}
	if cfg != nil && cfg.Permission != nil {
		applyPermissionConfig(&result.Permission, cfg.Permission)
	}

	// Layer 2: the named agent's own config entry, if one exists and isn't
	// itself a bare preset reference.
	if cfg != nil && !isBuiltInPreset(name) {
		if agentCfg, ok := cfg.Agent[name]; ok {
			applyAgentConfig(result, &agentCfg)
		}
	}

	// Layer 3: request-level overrides, last wins.
	if overrides != nil {
		applyAgentConfig(result, overrides)
	}

	return result
}

func applyPermissionConfig(dst *AgentPermission, src *types.PermissionConfig) {
	dst.DoomLoop = overrideString(dst.DoomLoop, src.DoomLoop)
	dst.Write = overrideString(dst.Write, src.Edit)
	if bashStr, ok := src.Bash.(string); ok {
		dst.Bash = overrideString(dst.Bash, bashStr)
	}
}

func applyAgentConfig(dst *Agent, src *types.AgentConfig) {
	if src.Prompt != "" {
		dst.Prompt = src.Prompt
	}
	if src.Temperature != nil {
		dst.Temperature = *src.Temperature
	}
	if src.TopP != nil {
		dst.TopP = *src.TopP
	}
	if len(src.Tools) > 0 {
		for tool, on := range src.Tools {
			if on {
				dst.Tools = append(dst.Tools, tool)
			} else {
				dst.DisabledTools = append(dst.DisabledTools, tool)
			}
		}
	}
	if src.Permission != nil {
		applyPermissionConfig(&dst.Permission, src.Permission)
	}
}
