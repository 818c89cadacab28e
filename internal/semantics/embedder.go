// Package semantics scores the coherence of URL bundles. The default
// embedder is TF-IDF over URL tokens with sparse vectors; anything
// matching the Embedder interface (a dense sentence encoder, for
// instance) can be swapped in at construction.
package semantics

import (
	"math"
	"strings"
	"unicode"
)

// Vector is a sparse term-weight map.
type Vector map[string]float64

// Embedder turns URLs into comparable vectors. Fit learns corpus
// statistics; Embed must be called after Fit.
type Embedder interface {
	Fit(urls []string)
	Embed(urls []string) []Vector
}

// Tokenize splits a URL into lowercase terms: separators are
// /, -, _, . and the query/fragment markers; camelCase boundaries
// also split.
func Tokenize(url string) []string {
	var tokens []string
	var b strings.Builder

	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, strings.ToLower(b.String()))
			b.Reset()
		}
	}

	var prev rune
	for _, r := range url {
		switch {
		case r == '/' || r == '-' || r == '_' || r == '.' || r == '?' ||
			r == '&' || r == '=' || r == '#' || r == ':':
			flush()
		case unicode.IsUpper(r) && unicode.IsLower(prev):
			flush()
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
		prev = r
	}
	flush()

	// Drop bare scheme tokens; they carry no topical signal.
	out := tokens[:0]
	for _, t := range tokens {
		if t == "https" || t == "http" || t == "www" {
			continue
		}
		out = append(out, t)
	}
	return out
}

// TFIDF is the default embedder: term frequency scaled by smoothed
// inverse document frequency, L2-normalized.
type TFIDF struct {
	idf  map[string]float64
	docs int
}

func NewTFIDF() *TFIDF {
	return &TFIDF{idf: make(map[string]float64)}
}

// Fit computes document frequencies over the URL corpus.
func (t *TFIDF) Fit(urls []string) {
	df := make(map[string]int)
	for _, u := range urls {
		seen := make(map[string]struct{})
		for _, tok := range Tokenize(u) {
			seen[tok] = struct{}{}
		}
		for tok := range seen {
			df[tok]++
		}
	}
	t.docs = len(urls)
	t.idf = make(map[string]float64, len(df))
	for tok, n := range df {
		// Smoothed IDF keeps terms present in every document from
		// zeroing out.
		t.idf[tok] = math.Log(float64(1+t.docs)/float64(1+n)) + 1
	}
}

// Embed maps each URL to its L2-normalized TF-IDF vector. Terms never
// seen during Fit get the maximum IDF.
func (t *TFIDF) Embed(urls []string) []Vector {
	unseenIDF := math.Log(float64(1+t.docs)) + 1
	vectors := make([]Vector, len(urls))
	for i, u := range urls {
		tokens := Tokenize(u)
		if len(tokens) == 0 {
			vectors[i] = Vector{}
			continue
		}
		tf := make(map[string]float64)
		for _, tok := range tokens {
			tf[tok]++
		}
		v := make(Vector, len(tf))
		for tok, count := range tf {
			idf, ok := t.idf[tok]
			if !ok {
				idf = unseenIDF
			}
			v[tok] = (count / float64(len(tokens))) * idf
		}
		vectors[i] = normalize(v)
	}
	return vectors
}

func normalize(v Vector) Vector {
	var sum float64
	for _, w := range v {
		sum += w * w
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for tok := range v {
		v[tok] /= norm
	}
	return v
}

// Cosine computes the cosine similarity of two sparse vectors. Either
// vector being zero yields 0.
func Cosine(a, b Vector) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	// Iterate the smaller map.
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot, na, nb float64
	for tok, w := range a {
		if bw, ok := b[tok]; ok {
			dot += w * bw
		}
		na += w * w
	}
	for _, w := range b {
		nb += w * w
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Clamp float drift.
	if sim > 1 {
		sim = 1
	}
	if sim < 0 {
		sim = 0
	}
	return sim
}
