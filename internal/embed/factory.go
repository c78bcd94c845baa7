package embed

import (
	"fmt"
	"time"
)

// Settings selects and configures an embedding provider.
type Settings struct {
	Provider   string
	Model      string
	URL        string
	Dimensions int
	// CacheSize bounds the in-process embedding cache; zero selects the
	// default.
	CacheSize int
	// CacheTTL expires cached embeddings; zero means no expiration.
	CacheTTL time.Duration
}

// New builds the configured provider wrapped with an embedding cache.
func New(s Settings) (Provider, error) {
	switch s.Provider {
	case "", "ollama":
		p := NewOllamaProvider(OllamaConfig{
			URL:        s.URL,
			Model:      s.Model,
			Dimensions: s.Dimensions,
		})
		return WithCacheAndTTL(p, s.CacheSize, s.CacheTTL), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", s.Provider)
	}
}
