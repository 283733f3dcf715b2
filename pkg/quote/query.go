package quote

import (
	"sort"

	"github.com/samber/lo"
)

// AuthorCount is one row of the per-author statistics.
type AuthorCount struct {
	AuthorID    string
	DisplayName string
	Count       int
}

// Stats summarizes a scope.
type Stats struct {
	Total   int
	Authors []AuthorCount
}

func matches(q Quote, scope, author string) bool {
	return (scope == "" || q.IsolationKey == scope) && (author == "" || q.AuthorID == author)
}

func (s *Store) filterLocked(scope, author string) []Quote {
	scope = NormalizeID(scope)
	author = NormalizeID(author)
	return lo.Filter(s.quotes, func(q Quote, _ int) bool {
		return matches(q, scope, author)
	})
}

// PickRandom returns one quote drawn uniformly from those matching scope and
// author. Empty filters match everything.
func (s *Store) PickRandom(scope, author string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.filterLocked(scope, author)
	if len(candidates) == 0 {
		return Quote{}, false
	}
	return cloneQuote(lo.Sample(candidates)), true
}

// PickRandomBatch samples up to n distinct quotes from scope without
// replacement. n <= 0 yields an empty slice.
func (s *Store) PickRandomBatch(scope string, n int) []Quote {
	if n <= 0 {
		return []Quote{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.filterLocked(scope, "")
	picked := lo.Samples(candidates, n)
	return lo.Map(picked, func(q Quote, _ int) Quote { return cloneQuote(q) })
}

// PickRandomByAuthor samples up to n distinct quotes of one author.
func (s *Store) PickRandomByAuthor(scope, author string, n int) []Quote {
	if n <= 0 {
		return []Quote{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	picked := lo.Samples(s.filterLocked(scope, author), n)
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].CreatedAt < picked[j].CreatedAt })
	return lo.Map(picked, func(q Quote, _ int) Quote { return cloneQuote(q) })
}

// ListByAuthor returns every quote of author in scope, oldest first. Ties
// keep insertion order.
func (s *Store) ListByAuthor(scope, author string) []Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.filterLocked(scope, author)
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt < list[j].CreatedAt })
	return lo.Map(list, func(q Quote, _ int) Quote { return cloneQuote(q) })
}

// Position returns the 1-based rank of q among its author's quotes in its
// scope and the author's total. index is 0 when q is no longer stored.
func (s *Store) Position(q Quote) (index, total int) {
	list := s.ListByAuthor(q.IsolationKey, q.AuthorID)
	for i := range list {
		if list[i].ID == q.ID {
			return i + 1, len(list)
		}
	}
	return 0, len(list)
}

// Snapshot returns a copy of every stored quote in insertion order.
func (s *Store) Snapshot() []Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.quotes, func(q Quote, _ int) Quote { return cloneQuote(q) })
}

// List returns every quote in scope filtered by author, in insertion order.
func (s *Store) List(scope, author string) []Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.filterLocked(scope, author), func(q Quote, _ int) Quote { return cloneQuote(q) })
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.quotes)
}

func (s *Store) Get(id string) (Quote, bool) {
	id = NormalizeID(id)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if idx := s.indexOfLocked(id); idx >= 0 {
		return cloneQuote(s.quotes[idx]), true
	}
	return Quote{}, false
}

// Stats counts quotes in scope and ranks authors by count, ties by id. The
// display name is the most recent one captured for the author.
func (s *Store) Stats(scope string, top int) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.filterLocked(scope, "")
	groups := lo.GroupBy(list, func(q Quote) string { return q.AuthorID })

	authors := make([]AuthorCount, 0, len(groups))
	for author, quotes := range groups {
		latest := lo.MaxBy(quotes, func(a, b Quote) bool { return a.CreatedAt > b.CreatedAt })
		authors = append(authors, AuthorCount{
			AuthorID:    author,
			DisplayName: latest.DisplayName,
			Count:       len(quotes),
		})
	}
	sort.Slice(authors, func(i, j int) bool {
		if authors[i].Count != authors[j].Count {
			return authors[i].Count > authors[j].Count
		}
		return authors[i].AuthorID < authors[j].AuthorID
	})
	if top > 0 && len(authors) > top {
		authors = authors[:top]
	}

	return Stats{Total: len(list), Authors: authors}
}
