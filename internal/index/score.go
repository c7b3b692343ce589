package index

// Score normalisation. Raw cosine similarity lives in [-1,1]; clients see a
// relevance in [0,1]. The mapping (cos+1)/2 is deterministic, strictly
// monotonic in the underlying similarity, and invertible, so a relevance
// threshold always corresponds to exactly one cosine threshold.

// NormalizeScore maps cosine similarity to client relevance.
func NormalizeScore(cosine float64) float64 {
	rel := (cosine + 1) / 2
	if rel < 0 {
		return 0
	}
	if rel > 1 {
		return 1
	}
	return rel
}

// DenormalizeThreshold maps a relevance threshold back to cosine space.
func DenormalizeThreshold(relevance float64) float64 {
	return relevance*2 - 1
}
