package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSplitBatchesRespectsTextCount(t *testing.T) {
	texts := make([]string, 450)
	for i := range texts {
		texts[i] = "word"
	}
	batches := splitBatches(texts, BatchOptions{MaxTexts: 200, MaxTokens: 1 << 30}, func(string) int { return 1 })
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	if len(batches[0]) != 200 || len(batches[2]) != 50 {
		t.Errorf("batch sizes = %d, %d, %d", len(batches[0]), len(batches[1]), len(batches[2]))
	}
}

func TestSplitBatchesRespectsTokenBudget(t *testing.T) {
	texts := []string{"a", "b", "c", "d"}
	batches := splitBatches(texts, BatchOptions{MaxTexts: 100, MaxTokens: 10}, func(string) int { return 6 })
	if len(batches) != 4 {
		t.Fatalf("batches = %d, want 4 (one per text)", len(batches))
	}
}

func TestSplitBatchesOversizedTextGoesAlone(t *testing.T) {
	texts := []string{"small", "huge", "small"}
	count := func(s string) int {
		if s == "huge" {
			return 1000
		}
		return 1
	}
	batches := splitBatches(texts, BatchOptions{MaxTexts: 100, MaxTokens: 10}, count)
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	if len(batches[1]) != 1 || batches[1][0] != "huge" {
		t.Errorf("oversized text not isolated: %v", batches[1])
	}
}

func TestOpenAIEmbedderDimensionValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIEmbeddingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := openAIEmbeddingResponse{}
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: make([]float32, 4), Index: i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder("key", "test-model")
	e.BaseURL = srv.URL
	e.Dim = 4
	vectors, err := e.Embed(context.Background(), []string{"one", "two"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vectors) != 2 || len(vectors[0]) != 4 {
		t.Errorf("vectors = %d x %d", len(vectors), len(vectors[0]))
	}

	// Wrong dimension is a hard error.
	e.Dim = 8
	if _, err := e.Embed(context.Background(), []string{"one"}); err == nil {
		t.Fatal("dimension mismatch accepted")
	}
}

func TestOpenAIEmbedderCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openAIEmbeddingResponse{}) // zero vectors
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder("key", "test-model")
	e.BaseURL = srv.URL
	if _, err := e.Embed(context.Background(), []string{"one"}); err == nil {
		t.Fatal("count mismatch accepted")
	}
}

func TestBM25SameTextSameVector(t *testing.T) {
	e := NewBM25Embedder()
	vecs, err := e.Embed(context.Background(), []string{"alpha beta beta", "alpha beta beta"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	a, b := vecs[0], vecs[1]
	if len(a.Indices) != len(b.Indices) {
		t.Fatalf("term counts differ: %d vs %d", len(a.Indices), len(b.Indices))
	}
	for i := range a.Indices {
		if a.Indices[i] != b.Indices[i] {
			t.Errorf("index %d differs", i)
		}
	}
}

func TestBM25RepeatedTermSaturates(t *testing.T) {
	e := NewBM25Embedder()
	vecs, _ := e.Embed(context.Background(), []string{"term term term term unique"})
	v := vecs[0]
	if len(v.Indices) != 2 {
		t.Fatalf("terms = %d, want 2", len(v.Indices))
	}
	// Indices come back sorted.
	if v.Indices[0] > v.Indices[1] {
		t.Error("indices unsorted")
	}
}

func TestBM25IgnoresShortAndNonWordTokens(t *testing.T) {
	e := NewBM25Embedder()
	vecs, _ := e.Embed(context.Background(), []string{"a I ! ?? -- ok"})
	if len(vecs[0].Indices) != 1 {
		t.Errorf("terms = %d, want 1 (only 'ok')", len(vecs[0].Indices))
	}
}

func TestPackDeterministicAndBounded(t *testing.T) {
	dense := make([]float32, 1536)
	for i := range dense {
		dense[i] = float32(i%7) - 3
	}
	a := Pack(dense)
	b := Pack(dense)
	if len(a) != PackedDim {
		t.Fatalf("packed length = %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("pack not deterministic")
		}
	}
}

func TestPackZeroVector(t *testing.T) {
	out := Pack(make([]float32, 384))
	for _, v := range out {
		if v != 0 {
			t.Fatal("zero vector packed to nonzero")
		}
	}
}

func TestPackSmallVector(t *testing.T) {
	out := Pack([]float32{1, -1})
	if len(out) != PackedDim {
		t.Fatalf("packed length = %d", len(out))
	}
}
