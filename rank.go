package snapseek

import (
	"fmt"
	"math"
	"sort"
)

// RankedResult is one entry of a ranking, score is the cosine similarity in
// [-1, 1] between the query and the image description embedding.
type RankedResult struct {
	Image *Image
	Score float32
}

// dotp computes the unnormalized dot-product between two vectors. It assumes
// that a and b are equal length.
func dotp(a, b []float32) float32 {
	var sum float64
	for i := range len(a) {
		sum += float64(a[i]) * float64(b[i])
	}

	return float32(sum)
}

// CosineSimilarity returns the cosine of the angle between a and b. If
// either vector has (near) zero norm the similarity is defined as 0 rather
// than dividing by zero. Vectors of different lengths are an error, that
// only happens when embeddings from different models are mixed.
func CosineSimilarity(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0.0, fmt.Errorf("embeddings are different lengths, %d and %d", len(a), len(b))
	}

	dot := dotp(a, b)

	// Compute the squared magnitudes of the two vectors
	ma := dotp(a, a)
	mb := dotp(b, b)
	if ma < 1e-6 || mb < 1e-6 {
		return 0, nil
	}

	return dot / (float32(math.Sqrt(float64(ma))) * float32(math.Sqrt(float64(mb)))), nil
}

// Rank scores every embedding against queryvec and returns at most k
// results in non-increasing score order. Ties keep the order the images
// were discovered in, which EmbeddingsForModel already provides. An empty
// embedding set returns an empty ranking.
func Rank(queryvec []float32, embeds []*Embedding, k int) ([]RankedResult, error) {
	if k <= 0 || len(embeds) == 0 {
		return nil, nil
	}

	results := make([]RankedResult, 0, len(embeds))
	for _, emb := range embeds {
		score, err := CosineSimilarity(queryvec, emb.Vector)
		if err != nil {
			return nil, fmt.Errorf("scoring image %d: %w", emb.ImageId, err)
		}

		results = append(results, RankedResult{Image: emb.Image, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	return results[:min(k, len(results))], nil
}
