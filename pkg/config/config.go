// Package config defines the context optimization configuration and its
// validation rules. Configuration is plain data: the optimizer receives a
// validated Config and never reaches back into global state.
package config

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// ScoringWeights controls how the four relevance signals are combined.
// Each weight must be in [0,1].
type ScoringWeights struct {
	Embedding float64 `json:"embedding" yaml:"embedding"`
	BM25      float64 `json:"bm25" yaml:"bm25"`
	Recency   float64 `json:"recency" yaml:"recency"`
	Manual    float64 `json:"manual" yaml:"manual"`
}

// DefaultScoringWeights returns the default signal weighting.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		Embedding: 0.4,
		BM25:      0.4,
		Recency:   0.15,
		Manual:    0.05,
	}
}

// Config holds all tunables of the context optimization engine.
type Config struct {
	// Enabled turns optimization on. When false, OptimizeContext returns
	// the full history unmodified and the budget is ignored.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// MaxChunks caps the number of chunks (mandatory plus optional) in an
	// optimized window. Zero means unlimited.
	MaxChunks int `json:"maxChunks" yaml:"max_chunks"`

	// EmbeddingEnabled controls whether the embedding signal is computed.
	// When false the embedding score is 0 for every chunk.
	EmbeddingEnabled bool `json:"embeddingEnabled" yaml:"embedding_enabled"`

	// AggressivePruning applies a stricter per-chunk score cutoff before
	// budget selection, guaranteeing equal-or-greater reduction than the
	// default mode for the same budget.
	AggressivePruning bool `json:"aggressivePruning" yaml:"aggressive_pruning"`

	// ScoringWeights combines the relevance signals.
	ScoringWeights ScoringWeights `json:"scoringWeights" yaml:"scoring_weights"`

	// MandatoryTagPatterns is a list of glob patterns matched against chunk
	// tags. A chunk whose tag matches any pattern is treated as mandatory,
	// exactly like a pinned chunk. The defaults reproduce the built-in
	// system-prompt / tool-definition behavior.
	MandatoryTagPatterns []string `json:"mandatoryTagPatterns" yaml:"mandatory_tag_patterns"`

	// DebugScoreWriteback copies each chunk's computed scores into its
	// metadata after scoring. Advisory only: selection never reads these
	// fields, so concurrent optimize calls may freely race on them.
	DebugScoreWriteback bool `json:"debugScoreWriteback" yaml:"debug_score_writeback"`
}

// Default returns the engine's default configuration.
func Default() *Config {
	return &Config{
		Enabled:              true,
		MaxChunks:            50,
		EmbeddingEnabled:     true,
		AggressivePruning:    false,
		ScoringWeights:       DefaultScoringWeights(),
		MandatoryTagPatterns: []string{"system-prompt", "tool-definition"},
	}
}

// ValidationError describes a rejected configuration field. A failed
// update leaves the previous configuration unchanged.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// Validate checks ranges and pattern syntax. It returns a *ValidationError
// describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.MaxChunks < 0 {
		return &ValidationError{Field: "maxChunks", Reason: fmt.Sprintf("must be >= 0, got %d", c.MaxChunks)}
	}
	weights := []struct {
		field string
		value float64
	}{
		{"scoringWeights.embedding", c.ScoringWeights.Embedding},
		{"scoringWeights.bm25", c.ScoringWeights.BM25},
		{"scoringWeights.recency", c.ScoringWeights.Recency},
		{"scoringWeights.manual", c.ScoringWeights.Manual},
	}
	for _, w := range weights {
		if w.value < 0 || w.value > 1 {
			return &ValidationError{Field: w.field, Reason: fmt.Sprintf("must be in [0,1], got %v", w.value)}
		}
	}
	for _, pattern := range c.MandatoryTagPatterns {
		if _, err := glob.Compile(pattern); err != nil {
			return &ValidationError{Field: "mandatoryTagPatterns", Reason: fmt.Sprintf("bad pattern %q: %v", pattern, err)}
		}
	}
	return nil
}

// Clone returns an independent copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	clone.MandatoryTagPatterns = append([]string(nil), c.MandatoryTagPatterns...)
	return &clone
}

// CompileMandatoryPatterns compiles the mandatory tag patterns. Patterns
// are assumed to have passed Validate; a compile failure here is reported
// rather than silently dropped.
func (c *Config) CompileMandatoryPatterns() ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(c.MandatoryTagPatterns))
	for _, pattern := range c.MandatoryTagPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad mandatory tag pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// LoadFile reads a YAML config file, layering it over the defaults.
// The result is validated before being returned.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
