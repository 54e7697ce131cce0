// Package embedding defines the embedding-vector collaborator boundary.
// The optimizer treats providers as best-effort: any failure degrades to a
// zero embedding signal and is never surfaced to callers.
package embedding

import "context"

// Provider generates vector embeddings for text.
type Provider interface {
	// EmbedBatch generates embeddings for multiple texts, one vector per
	// input in the same order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int

	// Name returns the provider name for logging.
	Name() string
}
