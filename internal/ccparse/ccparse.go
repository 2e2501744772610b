// Package ccparse tokenizes and parses comma-separated directive lists such
// as Cache-Control and Pragma, tolerating the malformed-but-common variants
// seen in the wild (extra whitespace around '=', quoted values containing
// spaces or commas, trailing/leading empty items).
package ccparse

import "iter"

// Directive is a single parsed name[=value] pair from a directive list.
type Directive struct {
	// Name is the directive name, always as found in the input (case is
	// preserved; callers lowercase it themselves when matching).
	Name string

	// Value holds the directive's argument, if any. Quoted values are
	// returned unquoted and unescaped.
	Value string

	// HasValue distinguishes a directive with an empty value ("foo=")
	// from one with no value at all ("foo").
	HasValue bool
}

// Parse splits s into directives, tolerating the relaxed grammar used by
// Cache-Control and Pragma in practice: tokens are comma-separated, each
// token is optionally "name=value" or "name=\"quoted value\"", and stray
// whitespace around the '=' and around commas is ignored.
//
// Malformed input never produces an error; at worst it yields a directive
// with an unexpected name or value, which callers then treat as an unknown
// extension.
func Parse(s string) iter.Seq[Directive] {
	return func(yield func(Directive) bool) {
		for _, raw := range splitTopLevel(s) {
			d, ok := parseOne(raw)
			if !ok {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}
}

// splitTopLevel splits s on commas that are not inside a double-quoted
// region, the way a Cache-Control directive list must be split before each
// item's own "name=value" is parsed.
func splitTopLevel(s string) []string {
	var items []string

	start := 0
	inQuotes := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		switch {
		case escaped:
			escaped = false
		case c == '\\' && inQuotes:
			escaped = true
		case c == '"':
			inQuotes = !inQuotes
		case c == ',' && !inQuotes:
			items = append(items, s[start:i])
			start = i + 1
		}
	}

	items = append(items, s[start:])

	return items
}

func parseOne(raw string) (Directive, bool) {
	name, value, hasEquals := cutOnce(raw, '=')

	name = trimSpace(name)
	if name == "" && !hasEquals {
		return Directive{}, false
	}

	if !hasEquals {
		return Directive{Name: name}, true
	}

	value = trimSpace(value)
	value = unquote(value)

	return Directive{Name: name, Value: value, HasValue: true}, true
}

// cutOnce splits s on the first occurrence of sep, reporting whether sep was
// found at all.
func cutOnce(s string, sep byte) (before, after string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func trimSpace(s string) string {
	start := 0
	for start < len(s) && isSpace(s[start]) {
		start++
	}
	end := len(s)
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// unquote strips a single layer of surrounding double quotes and resolves
// backslash escapes, if v looks like a quoted-string. Values that aren't
// quoted are returned unchanged.
func unquote(v string) string {
	if len(v) < 2 || v[0] != '"' || v[len(v)-1] != '"' {
		return v
	}

	inner := v[1 : len(v)-1]

	if indexByte(inner, '\\') < 0 {
		return inner
	}

	out := make([]byte, 0, len(inner))
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
		}
		out = append(out, inner[i])
	}
	return string(out)
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}
