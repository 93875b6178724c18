package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// HashDriver produces deterministic pseudo-embeddings from a SHA-256 of
// the input. Used in local environments and tests so the catalog can be
// seeded and searched without an embedding provider. Similar texts do NOT
// get similar vectors; only equality is preserved.
type HashDriver struct {
	dimensions int
}

func NewHashDriver(dimensions int) *HashDriver {
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &HashDriver{dimensions: dimensions}
}

func (d *HashDriver) Kind() string    { return "hash" }
func (d *HashDriver) Dimensions() int { return d.dimensions }

func (d *HashDriver) Embed(_ context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vectors[i] = d.vector(text)
	}
	return vectors, nil
}

func (d *HashDriver) HealthCheck(context.Context) error { return nil }

func (d *HashDriver) vector(text string) []float64 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float64, d.dimensions)
	var norm float64
	digest := seed
	for i := 0; i < d.dimensions; i++ {
		if i%8 == 0 && i > 0 {
			digest = sha256.Sum256(digest[:])
		}
		bits := binary.BigEndian.Uint32(digest[(i%8)*4 : (i%8)*4+4])
		v := float64(int32(bits)) / math.MaxInt32
		vec[i] = v
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}
