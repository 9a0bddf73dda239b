package archivist

import (
	"context"
	"sort"

	"github.com/sajari/fuzzy"
)

// tagSuggester proposes known tags close to a misspelled one.
type tagSuggester struct {
	model *fuzzy.Model
	tags  []string
}

func newTagSuggester(tags []string) *tagSuggester {
	model := fuzzy.NewModel()
	model.SetThreshold(1) // every known tag counts
	model.SetDepth(2)     // up to two edits
	model.Train(tags)
	return &tagSuggester{model: model, tags: tags}
}

func (s *tagSuggester) suggestions(term string, n int) []string {
	term = foldTag(term)
	if term == "" {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	for _, cand := range s.model.Suggestions(term, false) {
		if cand != term && !seen[cand] {
			seen[cand] = true
			out = append(out, cand)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		di := fuzzy.Levenshtein(&term, &out[i])
		dj := fuzzy.Levenshtein(&term, &out[j])
		if di != dj {
			return di < dj
		}
		return out[i] < out[j]
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// SuggestTags returns up to n indexed tags within a small edit distance of
// term, closest first. The model is trained from the index on first use and
// after every write.
func (ix *Index) SuggestTags(ctx context.Context, term string, n int) ([]string, error) {
	ix.mu.Lock()
	s, gen := ix.suggest, ix.gen
	ix.mu.Unlock()

	if s == nil {
		tags, err := ix.Tags(ctx)
		if err != nil {
			return nil, err
		}
		s = newTagSuggester(tags)
		// Keep the model only if no write landed while it was trained.
		ix.mu.Lock()
		if ix.gen == gen {
			ix.suggest = s
		}
		ix.mu.Unlock()
	}
	return s.suggestions(term, n), nil
}
