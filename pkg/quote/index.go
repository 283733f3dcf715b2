package quote

// DedupKey identifies a quote's content within its scope. It is a struct so
// that no (scope, text) pair can collide with another through concatenation.
type DedupKey struct {
	Scope string
	Text  string
}

// KeyFor returns the dedup key for scope and text, and false when the pair
// does not participate in dedup: an empty scope, or text that is empty or
// only the image placeholder older image-only records carry.
func KeyFor(scope, text string) (DedupKey, bool) {
	scope = NormalizeID(scope)
	text = NormalizeText(text)
	if scope == "" || text == "" || text == ImagePlaceholder {
		return DedupKey{}, false
	}
	return DedupKey{Scope: scope, Text: text}, true
}

// dedupIndex counts records per key. Files written with dedup disabled may
// hold the same key twice; counting keeps the index exact when one of them
// is deleted.
type dedupIndex struct {
	counts map[DedupKey]int
}

func newDedupIndex() *dedupIndex {
	return &dedupIndex{counts: make(map[DedupKey]int)}
}

func (ix *dedupIndex) insert(q Quote) {
	if key, ok := KeyFor(q.IsolationKey, q.Text); ok {
		ix.counts[key]++
	}
}

func (ix *dedupIndex) remove(q Quote) {
	key, ok := KeyFor(q.IsolationKey, q.Text)
	if !ok {
		return
	}
	n, present := ix.counts[key]
	if !present {
		panic("quote: dedup index out of sync with record list for key " + key.Scope + "/" + key.Text)
	}
	if n <= 1 {
		delete(ix.counts, key)
		return
	}
	ix.counts[key] = n - 1
}

func (ix *dedupIndex) contains(scope, text string) bool {
	key, ok := KeyFor(scope, text)
	if !ok {
		return false
	}
	return ix.counts[key] > 0
}

func (ix *dedupIndex) len() int {
	return len(ix.counts)
}
