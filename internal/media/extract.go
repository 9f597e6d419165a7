package media

import (
	"strings"
)

// DirectiveMarker is the line prefix the model is told to emit before a media keyword.
const DirectiveMarker = "IMAGE"

// Extraction is the post-processed form of one generated answer.
type Extraction struct {
	Text      string
	Reference string
	Keyword   string
	// Found reports whether a directive line was present, resolved or not.
	Found bool
}

// Resolved reports whether the directive keyword mapped to a reference.
func (e Extraction) Resolved() bool { return e.Reference != "" }

// Extract removes directive lines from raw and resolves the first one against m.
//
// A directive is a line of its own: surrounding whitespace and markdown decoration
// are ignored, then "image" (any case), optional spaces and a colon must follow.
// Only the first directive is resolved; every directive line is stripped so the
// returned text never shows directive syntax and re-extraction is a no-op.
// Text without directives is returned unchanged.
func Extract(raw string, m Map) Extraction {
	lines := strings.Split(raw, "\n")
	kept := make([]string, 0, len(lines))
	var out Extraction
	for _, line := range lines {
		kw, ok := parseDirective(line)
		if !ok {
			kept = append(kept, line)
			continue
		}
		if !out.Found {
			out.Found = true
			out.Keyword = kw
			if ref, hit := m.Lookup(kw); hit {
				out.Reference = ref
			}
		}
	}
	if !out.Found {
		out.Text = raw
		return out
	}
	out.Text = strings.TrimSpace(strings.Join(kept, "\n"))
	return out
}

const decoration = "*_`->#"

func parseDirective(line string) (string, bool) {
	s := strings.TrimSpace(strings.TrimRight(line, "\r"))
	s = strings.TrimLeft(s, decoration+" \t")
	if len(s) < len(DirectiveMarker) || !strings.EqualFold(s[:len(DirectiveMarker)], DirectiveMarker) {
		return "", false
	}
	rest := strings.TrimLeft(s[len(DirectiveMarker):], " \t")
	rest = strings.TrimLeft(rest, "*_`")
	if !strings.HasPrefix(rest, ":") {
		return "", false
	}
	kw := strings.TrimSpace(rest[1:])
	kw = strings.Trim(kw, decoration+" \t\"'")
	kw = strings.TrimRight(kw, ".!")
	return normalizeKeyword(kw), true
}
