// Package config provides configuration loading, merging, and path management for relayd.
//
// This package handles the configuration system that supports multiple sources
// and formats, with a loading strategy that ensures proper precedence.
//
// # Configuration Loading
//
// The Load function merges configuration from multiple sources in priority
// order:
//
//  1. Global config (~/.config/relayd/ - XDG compliant)
//  2. Project config at the given directory
//     (.relayd/relayd.json and .relayd/relayd.jsonc)
//  3. The file named by RELAYD_CONFIG
//  4. Inline JSON in RELAYD_CONFIG_CONTENT
//  5. Environment variables
//
// Configuration files are loaded in a specific order to ensure that more specific
// configurations override more general ones, while environment variables have the
// highest precedence.
//
// # Supported Formats
//
// The package supports both JSON and JSONC (JSON with Comments) formats:
//   - relayd.json - Standard JSON configuration
//   - relayd.jsonc - JSON with comments; // and /* */ comments are stripped
//     before unmarshaling
//
// # Configuration Merging
//
// When multiple configuration sources are found, they are merged key by key,
// without descending into nested objects:
//   - Top-level strings are overwritten when the later source sets them
//   - The provider and agent maps are combined by key; an entry in the later
//     source replaces the earlier entry for that key as a whole
//   - The permission and PIN blocks are replaced as a whole
//   - Instructions are appended
//
// # Path Management
//
// The package provides XDG Base Directory Specification compliant path management
// through the Paths type:
//   - Data: ~/.local/share/relayd (XDG_DATA_HOME)
//   - Config: ~/.config/relayd (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/relayd (XDG_CACHE_HOME)
//   - State: ~/.local/state/relayd (XDG_STATE_HOME)
//
// On Windows, these paths are adapted to use APPDATA as appropriate.
//
// # Environment Variable Overrides
//
// Two environment variables provide direct configuration overrides, applied after
// all config files are merged:
//   - RELAYD_MODEL - Override the default model
//   - RELAYD_SMALL_MODEL - Override the small model
//
// Provider API keys (ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY,
// AWS_ACCESS_KEY_ID) are also read from the environment and fill in a provider's
// apiKey when the config file didn't already set one.
//
// # Usage Example
//
//	// Load configuration from the current directory
//	config, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Get standard paths
//	paths := config.GetPaths()
//	err = paths.EnsurePaths() // Create directories if they don't exist
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Save configuration
//	err = config.Save(config, config.GlobalConfigPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Project Scope
//
// Project config is read from the single directory passed to Load; callers that
// want project-root discovery (e.g. walking up to a .git directory) resolve that
// directory themselves before calling Load, the way internal/project does for
// naming a project's session store.
package config