package cachepolicy

import (
	"math"
	"strings"
	"time"

	"github.com/arcbyte/cachepolicy/internal/ccparse"
)

// unboundedDuration represents a valueless max-stale directive, which per
// RFC 9111 §5.2.1.2 means the client will accept a response of any age.
const unboundedDuration = time.Duration(math.MaxInt64)

// Extension is a Cache-Control directive this engine doesn't assign
// dedicated semantics to. It's preserved so callers that re-serialize a
// directive set don't silently drop tokens they don't recognize either.
type Extension struct {
	Name     string
	Value    string
	HasValue bool
}

// RequestDirectives holds the parsed Cache-Control directives of a request.
type RequestDirectives struct {
	MaxAge      time.Duration
	MaxAgeSet   bool
	MaxStale    time.Duration
	MaxStaleSet bool
	MinFresh    time.Duration
	MinFreshSet bool

	NoCache      bool
	NoStore      bool
	NoTransform  bool
	OnlyIfCached bool

	Extensions []Extension
}

// ResponseDirectives holds the parsed Cache-Control directives of a
// response.
type ResponseDirectives struct {
	MaxAge     time.Duration
	MaxAgeSet  bool
	SMaxAge    time.Duration
	SMaxAgeSet bool

	NoCache       bool
	NoCacheFields []string
	NoStore       bool
	NoTransform   bool

	Private       bool
	PrivateFields []string
	Public        bool

	MustRevalidate  bool
	ProxyRevalidate bool
	Immutable       bool

	StaleWhileRevalidate    time.Duration
	StaleWhileRevalidateSet bool
	StaleIfError            time.Duration
	StaleIfErrorSet         bool

	// PreCheck and PostCheck are Microsoft's pre-check/post-check
	// directives, tolerated but otherwise ignored unless
	// Options.IgnoreCargoCult strips them away entirely.
	PreCheck     time.Duration
	PreCheckSet  bool
	PostCheck    time.Duration
	PostCheckSet bool

	Extensions []Extension
}

// ParseRequestDirectives parses a request's Cache-Control header value.
// Directives with an unparseable numeric argument are treated as absent
// rather than as an error, per RFC 9111's tolerant-parsing guidance.
func ParseRequestDirectives(header string) RequestDirectives {
	var d RequestDirectives

	for tok := range ccparse.Parse(header) {
		switch strings.ToLower(tok.Name) {
		case "max-age":
			if dur, ok := parseDirectiveSeconds(tok.Value); ok {
				d.MaxAge, d.MaxAgeSet = dur, true
			}
		case "max-stale":
			if !tok.HasValue {
				d.MaxStale, d.MaxStaleSet = unboundedDuration, true
				continue
			}
			if dur, ok := parseDirectiveSeconds(tok.Value); ok {
				d.MaxStale, d.MaxStaleSet = dur, true
			}
		case "min-fresh":
			if dur, ok := parseDirectiveSeconds(tok.Value); ok {
				d.MinFresh, d.MinFreshSet = dur, true
			}
		case "no-cache":
			d.NoCache = true
		case "no-store":
			d.NoStore = true
		case "no-transform":
			d.NoTransform = true
		case "only-if-cached":
			d.OnlyIfCached = true
		default:
			d.Extensions = append(d.Extensions, Extension(tok))
		}
	}

	return d
}

// ParseResponseDirectives parses a response's Cache-Control header value.
func ParseResponseDirectives(header string) ResponseDirectives {
	var d ResponseDirectives

	for tok := range ccparse.Parse(header) {
		switch strings.ToLower(tok.Name) {
		case "max-age":
			if dur, ok := parseDirectiveSeconds(tok.Value); ok {
				d.MaxAge, d.MaxAgeSet = dur, true
			}
		case "s-maxage":
			if dur, ok := parseDirectiveSeconds(tok.Value); ok {
				d.SMaxAge, d.SMaxAgeSet = dur, true
			}
		case "no-cache":
			d.NoCache = true
			d.NoCacheFields = nil
			if tok.HasValue {
				d.NoCacheFields = strings.Fields(tok.Value)
			}
		case "no-store":
			d.NoStore = true
		case "no-transform":
			d.NoTransform = true
		case "private":
			d.Private = true
			d.PrivateFields = nil
			if tok.HasValue {
				d.PrivateFields = strings.Fields(tok.Value)
			}
		case "public":
			d.Public = true
		case "must-revalidate":
			d.MustRevalidate = true
		case "proxy-revalidate":
			d.ProxyRevalidate = true
		case "immutable":
			d.Immutable = true
		case "stale-while-revalidate":
			if dur, ok := parseDirectiveSeconds(tok.Value); ok {
				d.StaleWhileRevalidate, d.StaleWhileRevalidateSet = dur, true
			}
		case "stale-if-error":
			if dur, ok := parseDirectiveSeconds(tok.Value); ok {
				d.StaleIfError, d.StaleIfErrorSet = dur, true
			}
		case "pre-check":
			if dur, ok := parseDirectiveSeconds(tok.Value); ok {
				d.PreCheck, d.PreCheckSet = dur, true
			}
		case "post-check":
			if dur, ok := parseDirectiveSeconds(tok.Value); ok {
				d.PostCheck, d.PostCheckSet = dur, true
			}
		default:
			d.Extensions = append(d.Extensions, Extension(tok))
		}
	}

	return d
}

func parseDirectiveSeconds(v string) (time.Duration, bool) {
	d, err := ParseDeltaSeconds(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// hasCargoCultSignature reports whether the response carries the
// "pre-check=N, post-check=M" pattern (with a nonzero pre-check) that IIS
// and PHP session limiters emit alongside meaningless no-store/no-cache
// directives copy-pasted from unrelated StackOverflow answers.
func hasCargoCultSignature(d ResponseDirectives) bool {
	return d.PreCheckSet && d.PostCheckSet && d.PreCheck != 0
}

// filterDirectives re-serializes header, a raw Cache-Control value, with
// any directive whose lowercased name is in remove dropped. Directive order
// is preserved; surviving tokens are re-serialized as name or name=value,
// with the value quoted only when it is empty or contains a space, comma or
// double quote.
func filterDirectives(header string, remove map[string]bool) string {
	var out []string
	for tok := range ccparse.Parse(header) {
		if remove[strings.ToLower(tok.Name)] {
			continue
		}
		out = append(out, formatDirective(tok))
	}
	return strings.Join(out, ", ")
}

func formatDirective(tok ccparse.Directive) string {
	if !tok.HasValue {
		return tok.Name
	}
	if needsQuoting(tok.Value) {
		return tok.Name + `="` + tok.Value + `"`
	}
	return tok.Name + "=" + tok.Value
}

func needsQuoting(v string) bool {
	if v == "" {
		return true
	}
	for _, r := range v {
		if r == ' ' || r == ',' || r == '"' {
			return true
		}
	}
	return false
}
