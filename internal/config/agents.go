package config

// AgentsConfig configures agent runner selection and asset locations.
type AgentsConfig struct {
	// Provider: "gemini" or "mock". The agent runner abstraction keeps the
	// orchestrator independent of the concrete LLM backend.
	Provider string `json:"provider"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model"`

	// AssetsDir holds agent and skill definition documents
	// (front-matter header + instruction body).
	AssetsDir string `json:"assets_dir"`

	// HotReload rescans AssetsDir when files change.
	HotReload bool `json:"hot_reload"`
}

// DefaultAgentsConfig returns defaults pointing at the workspace assets dir.
func DefaultAgentsConfig() AgentsConfig {
	return AgentsConfig{
		Provider:  "gemini",
		Model:     "gemini-2.0-flash",
		AssetsDir: ".helm/agents",
		HotReload: true,
	}
}
