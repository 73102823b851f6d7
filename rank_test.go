package snapseek

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	t.Run("self similarity is one", func(t *testing.T) {
		a := []float32{0.3, -1.2, 4.5, 0.01}
		score, err := CosineSimilarity(a, a)
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		if math.Abs(float64(score)-1) > 1e-5 {
			t.Errorf("Expected score 1, got %f", score)
		}
	})

	t.Run("symmetry", func(t *testing.T) {
		a := []float32{1, 2, 3}
		b := []float32{-4, 0.5, 2}
		sab, err := CosineSimilarity(a, b)
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		sba, err := CosineSimilarity(b, a)
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		if sab != sba {
			t.Errorf("Expected %f == %f", sab, sba)
		}
	})

	t.Run("opposite vectors", func(t *testing.T) {
		a := []float32{1, 0, 2}
		b := []float32{-1, 0, -2}
		score, err := CosineSimilarity(a, b)
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		if math.Abs(float64(score)+1) > 1e-5 {
			t.Errorf("Expected score -1, got %f", score)
		}
	})

	t.Run("zero norm scores zero", func(t *testing.T) {
		a := []float32{0, 0, 0}
		b := []float32{1, 2, 3}
		score, err := CosineSimilarity(a, b)
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		if score != 0 {
			t.Errorf("Expected score 0, got %f", score)
		}
	})

	t.Run("length mismatch", func(t *testing.T) {
		if _, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); err == nil {
			t.Error("Expected an error")
		}
	})
}

func embedFixture(id int, desc string, vec []float32) *Embedding {
	return &Embedding{
		Id:      id,
		ImageId: id,
		Vector:  vec,
		Image: &Image{
			Id:          id,
			Source:      "/photos/" + desc,
			Description: desc,
		},
	}
}

func TestRank(t *testing.T) {
	t.Run("empty set", func(t *testing.T) {
		results, err := Rank([]float32{1, 0}, nil, 5)
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		if len(results) != 0 {
			t.Errorf("Expected no results, got %d", len(results))
		}
	})

	t.Run("at most k results in non-increasing order", func(t *testing.T) {
		embeds := []*Embedding{
			embedFixture(1, "low", []float32{1, 1}),
			embedFixture(2, "high", []float32{1, 0.05}),
			embedFixture(3, "mid", []float32{1, 0.5}),
			embedFixture(4, "negative", []float32{-1, 0}),
		}

		results, err := Rank([]float32{1, 0}, embeds, 3)
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		if expected, actual := 3, len(results); expected != actual {
			t.Fatalf("Expected %d results, got %d", expected, actual)
		}
		for i := 1; i < len(results); i++ {
			if results[i].Score > results[i-1].Score {
				t.Errorf("Results out of order at %d: %f > %f", i, results[i].Score, results[i-1].Score)
			}
		}
		if expected, actual := "high", results[0].Image.Description; expected != actual {
			t.Errorf("Expected top result %q, got %q", expected, actual)
		}
	})

	t.Run("k larger than set", func(t *testing.T) {
		embeds := []*Embedding{
			embedFixture(1, "a", []float32{1, 0}),
			embedFixture(2, "b", []float32{0, 1}),
		}
		results, err := Rank([]float32{1, 0}, embeds, 10)
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		if expected, actual := 2, len(results); expected != actual {
			t.Errorf("Expected %d results, got %d", expected, actual)
		}
	})

	t.Run("ties keep discovery order", func(t *testing.T) {
		// Three identical vectors, the ranking must preserve input order.
		vec := []float32{0.5, 0.5}
		embeds := []*Embedding{
			embedFixture(7, "first", vec),
			embedFixture(8, "second", vec),
			embedFixture(9, "third", vec),
		}
		results, err := Rank([]float32{1, 1}, embeds, 3)
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		for i, expected := range []string{"first", "second", "third"} {
			if actual := results[i].Image.Description; expected != actual {
				t.Errorf("Position %d: expected %q, got %q", i, expected, actual)
			}
		}
	})

	t.Run("mixed vector lengths error", func(t *testing.T) {
		embeds := []*Embedding{
			embedFixture(1, "a", []float32{1, 0}),
			embedFixture(2, "b", []float32{1, 0, 0}),
		}
		if _, err := Rank([]float32{1, 0}, embeds, 2); err == nil {
			t.Error("Expected an error")
		}
	})

	t.Run("dog on the beach ranks first", func(t *testing.T) {
		// Fixture vectors stand in for real embeddings: the beach dog
		// record points nearly the same direction as the query.
		embeds := []*Embedding{
			embedFixture(1, "a city street at night", []float32{0.1, 0.9, 0.2}),
			embedFixture(2, "a golden retriever running on sandy beach", []float32{0.8, 0.1, 0.55}),
			embedFixture(3, "a bowl of fruit on a table", []float32{0.2, 0.3, 0.9}),
		}
		query := []float32{0.82, 0.12, 0.5}

		results, err := Rank(query, embeds, 3)
		if err != nil {
			t.Fatalf("Unexpected error %s", err)
		}
		if expected, actual := 2, results[0].Image.Id; expected != actual {
			t.Errorf("Expected image %d first, got %d", expected, actual)
		}
	})
}
