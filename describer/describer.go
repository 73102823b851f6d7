package describer

import "context"

// Describer turns images into text descriptions and text into embedding
// vectors using a specific model backend.
type Describer interface {
	// Name returns the name of the backing service, e.g. "openai".
	Name() string

	// Model returns the embedding model identifier. Embeddings produced by
	// different models must never be compared against each other, so the
	// cache tags every vector with this value.
	Model() string

	// DescribeImage returns an English description of the provided image.
	// The image data should be the full contents of an image file including
	// the header. The provided ctx is used as a parent context for the
	// request to the vision model.
	DescribeImage(ctx context.Context, image []byte) (string, error)

	// Embeddings returns the embedding vector for the given text. All
	// vectors returned for a given Model() have the same length.
	Embeddings(ctx context.Context, text string) ([]float32, error)

	// IsHealthy returns whether the backing service is reachable.
	IsHealthy() bool
}
