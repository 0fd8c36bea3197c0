package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Embedder produces vector embeddings for text. The fact store records the
// embedder's Model() in its metadata the first time EmbedFacts embeds a
// batch, and NewSQLiteStore refuses an embedder whose model doesn't match
// the recorded one, so embeddings are only ever compared within a single
// embedder's space.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// embedMaxElapsed bounds the total time spent retrying a transient
// embedding failure (e.g. a model still loading).
const embedMaxElapsed = 5 * time.Second

// embedWithRetry calls e.Embed, retrying transient failures with bounded
// exponential backoff. Returns immediately on context cancellation.
func embedWithRetry(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = embedMaxElapsed

	var result [][]float32
	attempts := 0
	op := func() error {
		attempts++
		var err error
		result, err = e.Embed(ctx, texts)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("memory: embedding failed after %d attempts: %w", attempts, err)
	}
	return result, nil
}

// Single embeds a single text using the given Embedder, with retries.
func Single(ctx context.Context, e Embedder, text string) ([]float32, error) {
	results, err := embedWithRetry(ctx, e, []string{text})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("memory: empty embedding response")
	}
	return results[0], nil
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 if the vectors differ in length, are empty, or have zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		normA += fa * fa
		normB += fb * fb
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// EncodeFloat32s serializes a float32 slice to a little-endian byte slice,
// suitable for storing as a BLOB in SQLite.
func EncodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeFloat32s deserializes a little-endian byte slice back to a float32 slice.
func DecodeFloat32s(buf []byte) []float32 {
	n := len(buf) / 4
	v := make([]float32, n)
	for i := range n {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
