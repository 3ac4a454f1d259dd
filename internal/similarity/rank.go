package similarity

import (
	"cmp"
	"slices"
)

// Reference is a known image belonging to a tag.
type Reference struct {
	Tag  string
	Hash Hash
}

// Score is the similarity of a probe to one tag.
type Score struct {
	Tag string
	// Best is the highest similarity to any reference image of the tag.
	Best float64
	// Mean is the average similarity over the tag's reference images.
	Mean       float64
	References int
}

// Rank scores probe against every tag in refs, best first. Ties are ordered by mean, then
// by tag name so the output is stable.
func Rank(probe Hash, refs []Reference) []Score {
	byTag := make(map[string]*Score)
	var order []string
	for _, ref := range refs {
		s, ok := byTag[ref.Tag]
		if !ok {
			s = &Score{Tag: ref.Tag}
			byTag[ref.Tag] = s
			order = append(order, ref.Tag)
		}
		sim := probe.Similarity(ref.Hash)
		s.Best = max(s.Best, sim)
		s.Mean += sim
		s.References++
	}

	scores := make([]Score, 0, len(order))
	for _, tag := range order {
		s := byTag[tag]
		s.Mean /= float64(s.References)
		scores = append(scores, *s)
	}
	slices.SortFunc(scores, func(a, b Score) int {
		if c := cmp.Compare(b.Best, a.Best); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Mean, a.Mean); c != 0 {
			return c
		}
		return cmp.Compare(a.Tag, b.Tag)
	})
	return scores
}
