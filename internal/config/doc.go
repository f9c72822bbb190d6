// Package config provides configuration loading and XDG path management
// for the Pairit server process itself (listen address, storage directory,
// object store backend, provider API keys, identity mode) — not to be
// confused with internal/compiler, which compiles per-experiment documents.
//
// # Configuration loading
//
// Load merges configuration from several layers, lowest priority first:
//
//  1. Global config (~/.config/pairit/pairit.json(c))
//  2. Project config, if a working directory is supplied
//     (<directory>/.pairit/pairit.json(c))
//  3. PAIRIT_CONFIG (a file path) and PAIRIT_CONFIG_CONTENT (inline JSON)
//  4. Environment variable overrides (provider API keys, PAIRIT_MODEL,
//     PAIRIT_LISTEN_ADDR, PAIRIT_STORAGE_DIR), which take highest
//     precedence
//
// Later sources are merged over earlier ones field-by-field; maps merge by
// key rather than replacing wholesale.
//
// # JSONC and variable interpolation
//
// Config files may use JSON-with-comments; comments are stripped via
// github.com/tidwall/jsonc before unmarshalling. A config value may
// reference an environment variable with {env:VAR_NAME}, expanded before
// parsing — useful for keeping provider API keys out of the file itself.
//
// # Paths
//
// GetPaths returns the XDG Base Directory Specification locations used for
// the server's default storage and config directories, with a Windows
// fallback to %APPDATA%.
package config
