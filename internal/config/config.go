package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/relaycode/relayd/pkg/types"
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/relayd/)
// 2. Project config (.relayd/)
// 3. RELAYD_CONFIG file
// 4. RELAYD_CONFIG_CONTENT inline JSON
// 5. Environment variables
func Load(directory string) (*types.Config, error) {
	config := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
		Agent:    make(map[string]types.AgentConfig),
	}

	// 1. Global config
	globalPath := GetPaths().Config
	loadConfigFile(filepath.Join(globalPath, "relayd.json"), config)
	loadConfigFile(filepath.Join(globalPath, "relayd.jsonc"), config)

	// 2. Project config
	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".relayd", "relayd.json"), config)
		loadConfigFile(filepath.Join(directory, ".relayd", "relayd.jsonc"), config)
	}

	// 3. RELAYD_CONFIG points at a specific file, loaded relative to its own directory.
	if customPath := os.Getenv("RELAYD_CONFIG"); customPath != "" {
		loadConfigFile(customPath, config)
	}

	// 4. RELAYD_CONFIG_CONTENT carries inline JSON, interpolated relative to directory.
	if content := os.Getenv("RELAYD_CONFIG_CONTENT"); content != "" {
		data := interpolate([]byte(content), directory)
		var fileConfig types.Config
		if err := json.Unmarshal(data, &fileConfig); err == nil {
			mergeConfig(config, &fileConfig)
		}
	}

	// 5. Environment variables
	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file, expanding {env:...} and
// {file:...} placeholders relative to the file's own directory.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// Strip JSONC comments if needed
	data = stripJSONComments(data)
	data = interpolate(data, filepath.Dir(path))

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var (
	envPlaceholder  = regexp.MustCompile(`\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)
	filePlaceholder = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate expands {env:VAR} and {file:path} placeholders in raw config
// JSON before it is unmarshaled. {env:VAR} expands to the environment
// variable's value, or the empty string if it is unset. {file:path} expands
// to the named file's contents, resolved relative to baseDir when path is
// relative (~/ is expanded to the home directory); a missing file leaves the
// placeholder untouched rather than failing the whole load.
func interpolate(data []byte, baseDir string) []byte {
	data = envPlaceholder.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPlaceholder.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})

	data = filePlaceholder.ReplaceAllFunc(data, func(match []byte) []byte {
		path := string(filePlaceholder.FindSubmatch(match)[1])
		resolved := path
		switch {
		case len(path) >= 2 && path[:2] == "~/":
			if home, err := os.UserHomeDir(); err == nil {
				resolved = filepath.Join(home, path[2:])
			}
		case !filepath.IsAbs(path):
			resolved = filepath.Join(baseDir, path)
		}

		contents, err := os.ReadFile(resolved)
		if err != nil {
			return match
		}

		escaped, err := json.Marshal(string(contents))
		if err != nil {
			return match
		}
		// json.Marshal wraps the value in quotes; the placeholder itself is
		// already inside the surrounding JSON string literal, so strip them.
		return escaped[1 : len(escaped)-1]
	})

	return data
}

// stripJSONComments removes // and /* */ comments from JSONC.
func stripJSONComments(data []byte) []byte {
	// Remove single-line comments
	singleLine := regexp.MustCompile(`//.*$`)
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		lines[i] = singleLine.ReplaceAll(line, nil)
	}
	data = bytes.Join(lines, []byte("\n"))

	// Remove multi-line comments
	multiLine := regexp.MustCompile(`/\*[\s\S]*?\*/`)
	data = multiLine.ReplaceAll(data, nil)

	return data
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.SmallModel != "" {
		target.SmallModel = source.SmallModel
	}
	if source.Username != "" {
		target.Username = source.Username
	}
	if len(source.Instructions) > 0 {
		target.Instructions = append(target.Instructions, source.Instructions...)
	}

	// Merge providers
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}

	// Merge agents
	if source.Agent != nil {
		if target.Agent == nil {
			target.Agent = make(map[string]types.AgentConfig)
		}
		for k, v := range source.Agent {
			target.Agent[k] = v
		}
	}

	// Merge permission config
	if source.Permission != nil {
		target.Permission = source.Permission
	}

	// Merge PIN config
	if source.Pin != nil {
		target.Pin = source.Pin
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	// Provider API keys
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GOOGLE_API_KEY",
		"bedrock":   "AWS_ACCESS_KEY_ID",
	}

	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Provider == nil {
				config.Provider = make(map[string]types.ProviderConfig)
			}
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	// Model override
	if model := os.Getenv("RELAYD_MODEL"); model != "" {
		config.Model = model
	}

	// Small model override
	if smallModel := os.Getenv("RELAYD_SMALL_MODEL"); smallModel != "" {
		config.SmallModel = smallModel
	}
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
