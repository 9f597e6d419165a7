package media

import (
	"fmt"
	"sort"
	"strings"
)

// Map resolves media keywords to opaque resource references (paths or URLs).
// Keywords are compared case-insensitively after trimming.
type Map struct {
	refs     map[string]string
	keywords []string
}

// NewMap normalizes the given keyword -> reference pairs.
func NewMap(entries map[string]string) (Map, error) {
	m := Map{refs: make(map[string]string, len(entries))}
	for kw, ref := range entries {
		key := normalizeKeyword(kw)
		if key == "" {
			return Map{}, fmt.Errorf("media keyword %q is empty", kw)
		}
		if _, dup := m.refs[key]; dup {
			return Map{}, fmt.Errorf("media keyword %q is duplicated", kw)
		}
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return Map{}, fmt.Errorf("media keyword %q has no reference", kw)
		}
		m.refs[key] = ref
		m.keywords = append(m.keywords, key)
	}
	sort.Strings(m.keywords)
	return m, nil
}

// Lookup returns the reference mapped to keyword.
func (m Map) Lookup(keyword string) (string, bool) {
	ref, ok := m.refs[normalizeKeyword(keyword)]
	return ref, ok
}

// Keywords lists the normalized keywords in sorted order.
func (m Map) Keywords() []string {
	out := make([]string, len(m.keywords))
	copy(out, m.keywords)
	return out
}

func (m Map) Len() int { return len(m.refs) }

func normalizeKeyword(kw string) string {
	return strings.ToLower(strings.TrimSpace(kw))
}
