// Package embeddings generates vectors for app and function descriptions
// so the catalog can be searched by intent.
package embeddings

import "context"

// Driver produces vector embeddings for batches of text.
type Driver interface {
	// Kind identifies the backend, e.g. "openai" or "hash".
	Kind() string
	// Dimensions is the width of the vectors this driver produces.
	Dimensions() int
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	// HealthCheck verifies the backend is reachable and the credentials work.
	HealthCheck(ctx context.Context) error
}

// EmbedOne is a convenience wrapper for single-text callers.
func EmbedOne(ctx context.Context, d Driver, text string) ([]float64, error) {
	vectors, err := d.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, nil
	}
	return vectors[0], nil
}
