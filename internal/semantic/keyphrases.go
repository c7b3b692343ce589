// Package semantic enriches chunks with key phrases and readability scores.
// Extraction is embedding-guided when a model is available and falls back to
// frequency ranking when it is not.
package semantic

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/foldermcp/foldermcp/internal/embed"
)

// Extraction defaults. Candidate caps differ by backend: sequential CPU
// models embed few candidates cheaply, batch-capable ones take more.
const (
	DefaultMinN       = 2
	DefaultMaxN       = 4
	DefaultTopK       = 10
	DefaultLambda     = 0.5
	DefaultThreshold  = 0.3
	CandidateCapCPU   = 15
	CandidateCapBatch = 50

	minPhraseChars = 4
	maxPhraseChars = 80
)

// Options tunes key-phrase extraction.
type Options struct {
	MinN         int
	MaxN         int
	TopK         int
	Lambda       float64 // MMR diversity factor
	Threshold    float64 // minimum cosine to the document embedding
	CandidateCap int
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.MinN <= 0 {
		o.MinN = DefaultMinN
	}
	if o.MaxN < o.MinN {
		o.MaxN = DefaultMaxN
	}
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.Lambda <= 0 {
		o.Lambda = DefaultLambda
	}
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.CandidateCap <= 0 {
		o.CandidateCap = CandidateCapBatch
	}
	return o
}

// Result carries the extracted phrases plus the multiword ratio reported
// for observability.
type Result struct {
	Phrases        []string
	MultiwordRatio float64
}

// Extractor pulls key phrases from chunk text. A nil embedder selects the
// frequency fallback.
type Extractor struct {
	embedder embed.Embedder
	opts     Options
}

// NewExtractor builds an extractor. embedder may be nil.
func NewExtractor(embedder embed.Embedder, opts Options) *Extractor {
	return &Extractor{embedder: embedder, opts: opts.WithDefaults()}
}

// EndDocument clears the embedder's candidate cache, when it carries one, so
// the next document's candidates score fresh.
func (e *Extractor) EndDocument() {
	if c, ok := e.embedder.(interface{ ClearCache() }); ok {
		c.ClearCache()
	}
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}][\p{L}\p{N}'-]*`)

// ExtractKeyPhrases returns up to TopK phrases for text.
func (e *Extractor) ExtractKeyPhrases(ctx context.Context, text string) (Result, error) {
	candidates := e.candidates(text)
	if len(candidates) == 0 {
		return Result{Phrases: []string{}}, nil
	}

	var phrases []string
	if e.embedder != nil {
		ranked, err := e.rankByEmbedding(ctx, text, candidates)
		if err != nil {
			return Result{}, err
		}
		phrases = ranked
	} else {
		phrases = rankByFrequency(candidates, e.opts.TopK)
	}

	return Result{
		Phrases:        phrases,
		MultiwordRatio: multiwordRatio(phrases),
	}, nil
}

// candidate is an n-gram with its occurrence count.
type candidate struct {
	phrase string
	count  int
}

func (e *Extractor) candidates(text string) []candidate {
	words := wordRe.FindAllString(strings.ToLower(text), -1)
	if len(words) < e.opts.MinN {
		return nil
	}

	counts := make(map[string]int)
	var order []string
	for n := e.opts.MinN; n <= e.opts.MaxN; n++ {
		for i := 0; i+n <= len(words); i++ {
			gram := words[i : i+n]
			if !acceptable(gram) {
				continue
			}
			phrase := strings.Join(gram, " ")
			if counts[phrase] == 0 {
				order = append(order, phrase)
			}
			counts[phrase]++
		}
	}

	out := make([]candidate, 0, len(order))
	for _, p := range order {
		out = append(out, candidate{phrase: p, count: counts[p]})
	}

	// Most frequent first so the cap keeps the strongest candidates.
	sort.SliceStable(out, func(i, j int) bool { return out[i].count > out[j].count })
	if len(out) > e.opts.CandidateCap {
		out = out[:e.opts.CandidateCap]
	}
	return out
}

// acceptable applies the quality heuristics: length bounds, no phrase made
// mostly of stopwords, no stopword at either edge, no pure-numeric tokens.
func acceptable(gram []string) bool {
	total := 0
	stops := 0
	for _, w := range gram {
		total += len(w)
		if stopwords[w] {
			stops++
		}
		if isNumeric(w) {
			return false
		}
	}
	if total < minPhraseChars || total > maxPhraseChars {
		return false
	}
	if stopwords[gram[0]] || stopwords[gram[len(gram)-1]] {
		return false
	}
	return stops*2 < len(gram) // stopword ratio below one half
}

func isNumeric(w string) bool {
	for _, r := range w {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(w) > 0
}

func rankByFrequency(cands []candidate, topK int) []string {
	phrases := make([]string, 0, topK)
	for _, c := range cands {
		phrases = append(phrases, c.phrase)
		if len(phrases) >= topK {
			break
		}
	}
	return phrases
}

// rankByEmbedding embeds the document and each candidate, drops candidates
// below the relevance threshold, and picks TopK by Maximal Marginal
// Relevance so near-duplicate phrases don't crowd the list.
func (e *Extractor) rankByEmbedding(ctx context.Context, text string, cands []candidate) ([]string, error) {
	docVec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(cands))
	for i, c := range cands {
		texts[i] = c.phrase
	}
	vecs, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	type scored struct {
		phrase string
		vec    []float32
		rel    float64
	}
	pool := make([]scored, 0, len(cands))
	for i, c := range cands {
		rel := embed.CosineSimilarity(docVec, vecs[i])
		if rel < e.opts.Threshold {
			continue
		}
		pool = append(pool, scored{phrase: c.phrase, vec: vecs[i], rel: rel})
	}

	var selected []scored
	for len(selected) < e.opts.TopK && len(pool) > 0 {
		bestIdx := -1
		bestScore := 0.0
		for i, cand := range pool {
			maxSim := 0.0
			for _, s := range selected {
				if sim := embed.CosineSimilarity(cand.vec, s.vec); sim > maxSim {
					maxSim = sim
				}
			}
			score := e.opts.Lambda*cand.rel - (1-e.opts.Lambda)*maxSim
			if bestIdx < 0 || score > bestScore {
				bestIdx, bestScore = i, score
			}
		}
		selected = append(selected, pool[bestIdx])
		pool = append(pool[:bestIdx], pool[bestIdx+1:]...)
	}

	phrases := make([]string, len(selected))
	for i, s := range selected {
		phrases[i] = s.phrase
	}
	return phrases, nil
}

func multiwordRatio(phrases []string) float64 {
	if len(phrases) == 0 {
		return 0
	}
	multi := 0
	for _, p := range phrases {
		if strings.ContainsRune(p, ' ') {
			multi++
		}
	}
	return float64(multi) / float64(len(phrases))
}
