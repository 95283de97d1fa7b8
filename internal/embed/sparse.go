package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/airweave/airweave/pkg/models"
)

// BM25Embedder produces sparse lexical vectors. Term indices are stable FNV
// hashes of stemmed tokens; values follow the BM25 term-frequency saturation
// curve with corpus statistics accumulated per process.
type BM25Embedder struct {
	K1 float64
	B  float64

	mu       sync.Mutex
	docCount int64
	totalLen int64
	docFreq  map[uint32]int64
}

// NewBM25Embedder applies the conventional k1=1.2, b=0.75 parameters.
func NewBM25Embedder() *BM25Embedder {
	return &BM25Embedder{K1: 1.2, B: 0.75, docFreq: map[uint32]int64{}}
}

func (e *BM25Embedder) Embed(ctx context.Context, texts []string) ([]models.SparseVector, error) {
	out := make([]models.SparseVector, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *BM25Embedder) embedOne(text string) models.SparseVector {
	terms := tokenize(text)
	tf := map[uint32]int{}
	for _, t := range terms {
		tf[termIndex(t)]++
	}

	e.mu.Lock()
	e.docCount++
	e.totalLen += int64(len(terms))
	for idx := range tf {
		e.docFreq[idx]++
	}
	avgLen := float64(e.totalLen) / float64(e.docCount)
	n := float64(e.docCount)
	docLen := float64(len(terms))

	vec := models.SparseVector{
		Indices: make([]uint32, 0, len(tf)),
		Values:  make([]float32, 0, len(tf)),
	}
	for idx, freq := range tf {
		df := float64(e.docFreq[idx])
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		f := float64(freq)
		score := idf * (f * (e.K1 + 1)) / (f + e.K1*(1-e.B+e.B*docLen/avgLen))
		vec.Indices = append(vec.Indices, idx)
		vec.Values = append(vec.Values, float32(score))
	}
	e.mu.Unlock()

	sortSparse(&vec)
	return vec
}

func termIndex(term string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(term))
	return h.Sum32()
}

func tokenize(text string) []string {
	var terms []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() >= 2 {
			terms = append(terms, cur.String())
		}
		cur.Reset()
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return terms
}

func sortSparse(v *models.SparseVector) {
	// Insertion sort by index; vocab per chunk is small.
	for i := 1; i < len(v.Indices); i++ {
		idx, val := v.Indices[i], v.Values[i]
		j := i - 1
		for j >= 0 && v.Indices[j] > idx {
			v.Indices[j+1] = v.Indices[j]
			v.Values[j+1] = v.Values[j]
			j--
		}
		v.Indices[j+1] = idx
		v.Values[j+1] = val
	}
}
