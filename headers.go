package cachepolicy

import (
	"net/http"
	"strings"
	"time"
)

// hopByHopHeaders are removed from a cached response before it is served and
// from a request before it is forwarded for revalidation, per RFC 9110
// §7.6.1; the stored response headers keep them. Date is deliberately not hop-by-hop here even though the
// original RFC 7234 reference implementation this engine is descended from
// treats it that way internally, because this engine exposes Date to the
// caller unchanged on egress; only the Age update is engine-managed.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// revalidationExcludedHeaders are never overwritten by a 304 merge, because
// they describe the representation of the specific response that carried
// them rather than the cached resource as a whole.
var revalidationExcludedHeaders = map[string]struct{}{
	"Content-Length":    {},
	"Content-Encoding":  {},
	"Transfer-Encoding": {},
	"Content-Range":     {},
}

// hopByHopNames returns the static hop-by-hop set plus any header named in
// h's own Connection header value, since the set of headers that pertain to
// a single transport hop is not fixed in advance.
func hopByHopNames(h http.Header) map[string]struct{} {
	names := make(map[string]struct{}, len(hopByHopHeaders)+2)
	for name := range hopByHopHeaders {
		names[name] = struct{}{}
	}

	for _, line := range h["Connection"] {
		for _, tok := range strings.Split(line, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				names[http.CanonicalHeaderKey(tok)] = struct{}{}
			}
		}
	}

	return names
}

// stripHopByHop returns a copy of h with all hop-by-hop headers removed.
func stripHopByHop(h http.Header) http.Header {
	out := cloneHeader(h)
	for name := range hopByHopNames(h) {
		out.Del(name)
	}
	return out
}

// filterEphemeralWarnings removes Warning elements whose code is in the 1xx
// range in place; such warnings describe transformations of this specific
// response and must not survive being served from cache.
func filterEphemeralWarnings(h http.Header) {
	lines := h["Warning"]
	if len(lines) == 0 {
		return
	}

	var kept []string
	for _, line := range lines {
		for _, elem := range splitWarningElements(line) {
			elem = strings.TrimSpace(elem)
			if elem == "" || isEphemeralWarning(elem) {
				continue
			}
			kept = append(kept, elem)
		}
	}

	if len(kept) == 0 {
		h.Del("Warning")
		return
	}
	h.Set("Warning", strings.Join(kept, ", "))
}

// splitWarningElements splits a Warning header value into its
// comma-separated warn-value elements, respecting quoted text so that a
// comma inside the quoted warn-text or warn-date doesn't split an element.
func splitWarningElements(s string) []string {
	var parts []string
	var buf strings.Builder
	inQuotes := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			buf.WriteByte(c)
		case c == ',' && !inQuotes:
			parts = append(parts, buf.String())
			buf.Reset()
		default:
			buf.WriteByte(c)
		}
	}
	parts = append(parts, buf.String())

	return parts
}

func isEphemeralWarning(elem string) bool {
	code := elem
	if idx := strings.IndexByte(elem, ' '); idx >= 0 {
		code = elem[:idx]
	}
	return strings.HasPrefix(code, "1")
}

// varyKey is one captured (header, value) pair recorded at store time for a
// single token of the response's Vary header.
type varyKey struct {
	Name    string
	Value   string
	Present bool
}

// varyTokens returns the trimmed, non-empty tokens of h's Vary header(s).
func varyTokens(h http.Header) []string {
	var tokens []string
	for _, line := range h["Vary"] {
		for _, tok := range strings.Split(line, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				tokens = append(tokens, tok)
			}
		}
	}
	return tokens
}

// varyIsWildcard reports whether any token of h's Vary header is "*".
func varyIsWildcard(h http.Header) bool {
	for _, tok := range varyTokens(h) {
		if tok == "*" {
			return true
		}
	}
	return false
}

// varyKeysFor captures, for each token of the response's Vary header, the
// corresponding value (and presence) from the request that produced resp.
func varyKeysFor(respHeader, reqHeader http.Header) []varyKey {
	tokens := varyTokens(respHeader)
	if len(tokens) == 0 {
		return nil
	}

	keys := make([]varyKey, 0, len(tokens))
	for _, name := range tokens {
		v, ok := lookupHeader(reqHeader, name)
		keys = append(keys, varyKey{Name: name, Value: v, Present: ok})
	}
	return keys
}

// lookupHeader returns the comma-joined value of the named header and
// whether it was present at all, case-insensitively.
func lookupHeader(h http.Header, name string) (string, bool) {
	if h == nil {
		return "", false
	}
	vs, ok := h[http.CanonicalHeaderKey(name)]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return strings.Join(vs, ", "), true
}

// headerValue returns the comma-joined value of the named header, or "" if
// absent.
func headerValue(h http.Header, name string) string {
	v, _ := lookupHeader(h, name)
	return v
}

// parseHeaderDate parses the named header as an HTTP-date, reporting
// whether it was present and well-formed.
func parseHeaderDate(h http.Header, name string) (time.Time, bool) {
	v, ok := lookupHeader(h, name)
	if !ok {
		return time.Time{}, false
	}
	t, err := ParseHTTPDate(v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

// cloneWithoutHeader returns a copy of h with the named headers removed.
func cloneWithoutHeader(h http.Header, names ...string) http.Header {
	out := cloneHeader(h)
	for _, name := range names {
		out.Del(name)
	}
	return out
}

func splitCommaList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
