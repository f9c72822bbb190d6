package types

// ServerConfig is the process-level configuration for a running Pairit
// server: listen address, storage backend location, object store backend,
// provider credentials and the identity boundary mode. It is distinct from
// ExperimentConfig, which is per-study data the manager surface uploads;
// ServerConfig is operator-supplied and loaded once at startup
// (internal/config.Load).
type ServerConfig struct {
	ListenAddr  string                    `json:"listenAddr,omitempty"`
	StorageDir  string                    `json:"storageDir,omitempty"`
	ObjectStore ObjectStoreConfig         `json:"objectStore,omitempty"`
	Provider    map[string]ProviderConfig `json:"provider,omitempty"`
	Model       string                    `json:"model,omitempty"` // default "provider/model" for agents that don't override
	Identity    IdentityConfig            `json:"identity,omitempty"`
}

// ObjectStoreConfig selects and parameterizes the ObjectStore boundary:
// either a filesystem backend for development or an S3-backed one for
// production.
type ObjectStoreConfig struct {
	Backend       string `json:"backend,omitempty"` // "fs" | "s3"
	FSRoot        string `json:"fsRoot,omitempty"`
	S3Bucket      string `json:"s3Bucket,omitempty"`
	S3Region      string `json:"s3Region,omitempty"`
	S3Endpoint    string `json:"s3Endpoint,omitempty"`
	PublicBaseURL string `json:"publicBaseUrl,omitempty"`
}

// IdentityConfig selects the IdentityProvider boundary implementation.
type IdentityConfig struct {
	Mode string `json:"mode,omitempty"` // "none" | "header" | "static"
	// HeaderName is the trusted header carrying the caller's userId when
	// Mode == "header" (e.g. behind an auth-terminating proxy).
	HeaderName string `json:"headerName,omitempty"`
	// StaticUsers maps a bearer token to a userId when Mode == "static",
	// used for local development and tests.
	StaticUsers map[string]string `json:"staticUsers,omitempty"`
}

// ProviderConfig configures one agent-runtime model provider.
type ProviderConfig struct {
	Disable bool             `json:"disable,omitempty"`
	Npm     string           `json:"npm,omitempty"` // provider package hint: "@ai-sdk/anthropic" | "@ai-sdk/openai"
	Model   string           `json:"model,omitempty"`
	Options *ProviderOptions `json:"options,omitempty"`
}

// ProviderOptions carries provider credentials, sourced from config or
// environment-variable interpolation ({env:VAR}).
type ProviderOptions struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// Model describes one model a provider exposes, surfaced for diagnostics
// and for the agent runtime's model-string resolution ("provider/model",
// per an experiment's AgentConfig.Model).
type Model struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	ProviderID        string       `json:"providerId"`
	ContextLength     int          `json:"contextLength,omitempty"`
	MaxOutputTokens   int          `json:"maxOutputTokens,omitempty"`
	SupportsTools     bool         `json:"supportsTools,omitempty"`
	SupportsVision    bool         `json:"supportsVision,omitempty"`
	SupportsReasoning bool         `json:"supportsReasoning,omitempty"`
	InputPrice        float64      `json:"inputPrice,omitempty"`  // USD per million input tokens
	OutputPrice       float64      `json:"outputPrice,omitempty"` // USD per million output tokens
	Options           ModelOptions `json:"options,omitempty"`
}

// ModelOptions carries provider-specific capability flags that affect how
// the agent runtime builds a request for this model.
type ModelOptions struct {
	PromptCaching  bool `json:"promptCaching,omitempty"`
	ExtendedOutput bool `json:"extendedOutput,omitempty"`
}
