package embedding

import "context"

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" or "local"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// ZeroVector returns the placeholder embedding recorded when no provider is
// available or the provider fails. Episodic capture must never fail a run.
func ZeroVector(dim int) []float32 {
	if dim <= 0 {
		dim = 384
	}
	return make([]float32, dim)
}
