package domainset

import (
	"errors"
	"strings"
	"sync"

	dghubble_trie "github.com/dghubble/trie"
)

// wildcardSet is a concurrency-safe set of "*.domain" wildcard entries,
// matched label-by-label from the end of a candidate name. A wildcard
// "*.wildcard.ru" matches "wildcard.ru", "some.wildcard.ru" and
// "another.some.wildcard.ru" but not "notwildcard.ru".
type wildcardSet struct {
	mu   sync.RWMutex
	trie dghubble_trie.PathTrie
	cnt  int
}

var errFoundMatch = errors.New("domainset: wildcard match found")

func newWildcardSet() *wildcardSet {
	return &wildcardSet{
		trie: *dghubble_trie.NewPathTrieWithConfig(&dghubble_trie.PathTrieConfig{
			Segmenter: domainSegmenter,
		}),
	}
}

// add inserts a "*.domain" entry, normalizing case and surrounding dots/stars
func (w *wildcardSet) add(entry string) {
	entry = normalizeWildcard(entry)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.trie.Put(entry, struct{}{})
	w.cnt++
}

// contains reports whether domain is covered by any wildcard in the set
func (w *wildcardSet) contains(domain string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	found := false

	_ = w.trie.WalkPath(strings.ToLower(domain), func(key string, val any) error {
		found = true

		return errFoundMatch
	})

	return found
}

func (w *wildcardSet) len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.cnt
}

func normalizeWildcard(domain string) string {
	domain = strings.ToLower(domain)
	domain = strings.TrimSuffix(domain, ".")
	domain = strings.TrimPrefix(domain, "*")
	domain = strings.Trim(domain, ".")

	return domain
}

// domainSegmenter consecutively returns a domain's labels starting from the
// end: www.example.com -> com ; example ; www
func domainSegmenter(key string, prevIdx int) (segment string, nextIndex int) {
	if prevIdx == -1 {
		return "", -1
	}

	if prevIdx == 0 {
		prevIdx = len(key)
	}

	segment = key[:prevIdx]

	idx := strings.LastIndexByte(segment, '.')
	if idx == -1 {
		return segment, -1
	}

	segment = segment[idx+1:]

	return segment, idx
}
