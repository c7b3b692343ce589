package index

import "sort"

// Group is the per-document view of search results.
type Group struct {
	OwnerHash string
	MaxScore  float64
	Results   []Result
}

// maxHitsPerDocument bounds how many chunks one document contributes to a
// grouped result set.
const maxHitsPerDocument = 3

// GroupResults groups hits by source document, deduplicates hits lying
// within +-1 chunkIndex of a stronger hit in the same file, caps each
// document's contribution, and sorts groups by their best score.
func GroupResults(results []Result) []Group {
	byOwner := make(map[string][]Result)
	for _, r := range results {
		key := r.Entry.FolderPath + "\x00" + r.Entry.OwnerHash
		byOwner[key] = append(byOwner[key], r)
	}

	groups := make([]Group, 0, len(byOwner))
	for _, hits := range byOwner {
		sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

		var kept []Result
		for _, h := range hits {
			adjacent := false
			for _, k := range kept {
				d := h.Entry.ChunkIndex - k.Entry.ChunkIndex
				if d >= -1 && d <= 1 {
					adjacent = true
					break
				}
			}
			if adjacent {
				continue
			}
			kept = append(kept, h)
			if len(kept) >= maxHitsPerDocument {
				break
			}
		}

		groups = append(groups, Group{
			OwnerHash: kept[0].Entry.OwnerHash,
			MaxScore:  kept[0].Score,
			Results:   kept,
		})
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].MaxScore > groups[j].MaxScore })
	return groups
}
