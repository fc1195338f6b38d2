package permission

import (
	"strings"
)

// MatchBashPermission finds the action for cmd among the session's bash
// permission patterns. Every configured pattern is tested with MatchPattern
// rather than a fixed set of string shapes, so a policy can pin an exact
// argument ("git commit -m *") and not just the four canonical forms. When
// several patterns match, the one with the most non-wildcard tokens wins
// (patternSpecificity); among equally specific matches the winner follows
// map iteration order and is not defined.
func MatchBashPermission(cmd BashCommand, permissions map[string]PermissionAction) PermissionAction {
	best := ActionAsk
	bestScore := -1
	matched := false

	for pattern, action := range permissions {
		if !MatchPattern(pattern, cmd) {
			continue
		}
		if score := patternSpecificity(pattern); score > bestScore {
			bestScore = score
			best = action
			matched = true
		}
	}

	if !matched {
		return ActionAsk
	}
	return best
}

// patternSpecificity counts the non-wildcard tokens in pattern. Higher is
// more specific: "git commit *" (2) outranks "git *" (1) outranks "*" (0).
func patternSpecificity(pattern string) int {
	score := 0
	for _, tok := range strings.Fields(pattern) {
		if tok != "*" {
			score++
		}
	}
	return score
}

// MatchPattern checks if a command matches a wildcard pattern.
// Pattern format: "command subcommand *" or "command *" or "*"
func MatchPattern(pattern string, cmd BashCommand) bool {
	parts := strings.Split(pattern, " ")
	if len(parts) == 0 {
		return false
	}

	// Global wildcard matches everything
	if parts[0] == "*" && len(parts) == 1 {
		return true
	}

	// Match command name
	if parts[0] != "*" && parts[0] != cmd.Name {
		return false
	}

	// If only command name, must match exactly
	if len(parts) == 1 {
		return cmd.Name == parts[0] && len(cmd.Args) == 0
	}

	// If pattern ends with *, match any subcommand/args
	if parts[len(parts)-1] == "*" {
		// Match intermediate parts (subcommands)
		for i := 1; i < len(parts)-1; i++ {
			argIndex := i - 1
			if argIndex >= len(cmd.Args) {
				return false
			}
			if parts[i] != "*" && parts[i] != cmd.Args[argIndex] {
				return false
			}
		}
		return true
	}

	// Exact match required
	if len(parts)-1 != len(cmd.Args) {
		return false
	}
	for i := 1; i < len(parts); i++ {
		if parts[i] != cmd.Args[i-1] {
			return false
		}
	}
	return true
}

// BuildPattern creates a permission pattern for a command.
// For "git commit -m msg", returns "git commit *"
// For "ls -la", returns "ls *"
func BuildPattern(cmd BashCommand) string {
	if cmd.Subcommand != "" {
		return cmd.Name + " " + cmd.Subcommand + " *"
	}
	return cmd.Name + " *"
}

// BuildPatterns creates permission patterns for multiple commands.
func BuildPatterns(commands []BashCommand) []string {
	seen := make(map[string]bool)
	var patterns []string

	for _, cmd := range commands {
		// Skip "cd" since we handle directory changes separately
		if cmd.Name == "cd" {
			continue
		}

		pattern := BuildPattern(cmd)
		if !seen[pattern] {
			seen[pattern] = true
			patterns = append(patterns, pattern)
		}
	}

	return patterns
}
