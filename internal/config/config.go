package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tidwall/jsonc"

	"github.com/pairit/pairit/pkg/types"
)

var envInterpolation = regexp.MustCompile(`\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load loads the process ServerConfig from, in increasing priority:
//  1. the global config file (~/.config/pairit/pairit.jsonc)
//  2. the project config file (<directory>/.pairit/pairit.jsonc)
//  3. environment variable overrides
//
// Later layers merge over earlier ones field-by-field. Files may carry
// comments; they are stripped with github.com/tidwall/jsonc before
// unmarshalling.
func Load(directory string) (*types.ServerConfig, error) {
	cfg := &types.ServerConfig{
		Provider: make(map[string]types.ProviderConfig),
	}

	paths := GetPaths()
	loadConfigFile(filepath.Join(paths.Config, "pairit.json"), cfg)
	loadConfigFile(filepath.Join(paths.Config, "pairit.jsonc"), cfg)

	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".pairit", "pairit.json"), cfg)
		loadConfigFile(filepath.Join(directory, ".pairit", "pairit.jsonc"), cfg)
	}

	if p := os.Getenv("PAIRIT_CONFIG"); p != "" {
		loadConfigFile(p, cfg)
	}
	if inline := os.Getenv("PAIRIT_CONFIG_CONTENT"); inline != "" {
		var fileConfig types.ServerConfig
		if err := json.Unmarshal(interpolate([]byte(inline)), &fileConfig); err == nil {
			mergeConfig(cfg, &fileConfig)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// loadConfigFile loads and merges a single config file. A missing or
// unparsable file contributes nothing and its error is returned; Load
// ignores that error.
func loadConfigFile(path string, cfg *types.ServerConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	data = jsonc.ToJSON(interpolate(data))

	var fileConfig types.ServerConfig
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}
	mergeConfig(cfg, &fileConfig)
	return nil
}

// interpolate expands {env:VAR_NAME} placeholders so credentials can stay
// out of the config file itself.
func interpolate(data []byte) []byte {
	return envInterpolation.ReplaceAllFunc(data, func(m []byte) []byte {
		groups := envInterpolation.FindSubmatch(m)
		return []byte(os.Getenv(string(groups[1])))
	})
}

func mergeConfig(target, source *types.ServerConfig) {
	if source.ListenAddr != "" {
		target.ListenAddr = source.ListenAddr
	}
	if source.StorageDir != "" {
		target.StorageDir = source.StorageDir
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.ObjectStore.Backend != "" {
		target.ObjectStore = source.ObjectStore
	}
	if source.Identity.Mode != "" {
		target.Identity = source.Identity
	}
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}
}

// applyEnvOverrides applies the conventional provider API key environment
// variables on top of whatever the config files declared.
func applyEnvOverrides(cfg *types.ServerConfig) {
	providerEnvVar := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	for providerID, envVar := range providerEnvVar {
		apiKey := os.Getenv(envVar)
		if apiKey == "" {
			continue
		}
		p := cfg.Provider[providerID]
		if p.Options == nil {
			p.Options = &types.ProviderOptions{}
		}
		if p.Options.APIKey == "" {
			p.Options.APIKey = apiKey
			cfg.Provider[providerID] = p
		}
	}

	if model := os.Getenv("PAIRIT_MODEL"); model != "" {
		cfg.Model = model
	}
	if addr := os.Getenv("PAIRIT_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if dir := os.Getenv("PAIRIT_STORAGE_DIR"); dir != "" {
		cfg.StorageDir = dir
	}
}

func applyDefaults(cfg *types.ServerConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = filepath.Join(GetPaths().Data, "storage")
	}
	if cfg.ObjectStore.Backend == "" {
		cfg.ObjectStore.Backend = "fs"
	}
	if cfg.ObjectStore.Backend == "fs" && cfg.ObjectStore.FSRoot == "" {
		cfg.ObjectStore.FSRoot = filepath.Join(GetPaths().Data, "media")
	}
	if cfg.Identity.Mode == "" {
		cfg.Identity.Mode = "none"
	}
}

// Save writes cfg as indented JSON to path, creating parent directories
// as needed.
func Save(cfg *types.ServerConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
