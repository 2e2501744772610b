// Package cachepolicy implements the HTTP cache policy rules of RFC 9111
// (freshness, validators, Cache-Control, Vary, Age, Expires, Pragma,
// authenticated responses, heuristic freshness, immutable) together with a
// handful of pragmatic extensions widely adopted by browser and proxy
// caches.
//
// The package is a pure, synchronous decision library: every time-dependent
// operation takes the current time as an explicit parameter, nothing reads
// a system clock, and nothing performs I/O. Callers own the HTTP transport
// and the storage of the resulting Policy values; this package only
// computes decisions over the headers it's given.
package cachepolicy

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// statusCacheableByDefault is the set of status codes storable even without
// any explicit freshness information in the response, per RFC 9111 §4.2.2.
var statusCacheableByDefault = map[int]bool{
	http.StatusOK:                  true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusNoContent:           true,
	http.StatusMultipleChoices:     true,
	http.StatusMovedPermanently:    true,
	http.StatusNotFound:            true,
	http.StatusMethodNotAllowed:    true,
	http.StatusGone:                true,
	http.StatusRequestURITooLong:   true,
	http.StatusNotImplemented:      true,
}

// statusUnderstood is the larger set of status codes this engine knows how
// to assign a freshness lifetime to at all; a status outside this set gets
// max-age forced to zero unless the response carries explicit expiration.
var statusUnderstood = map[int]bool{
	http.StatusOK:                  true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusNoContent:           true,
	http.StatusMultipleChoices:     true,
	http.StatusMovedPermanently:    true,
	http.StatusFound:               true,
	http.StatusSeeOther:            true,
	http.StatusTemporaryRedirect:   true,
	http.StatusPermanentRedirect:   true,
	http.StatusNotFound:            true,
	http.StatusMethodNotAllowed:    true,
	http.StatusGone:                true,
	http.StatusRequestURITooLong:   true,
	http.StatusNotImplemented:      true,
}

// Options configures how a Policy is built and evaluated. The zero value is
// not a usable configuration; use NewOptions for the documented defaults.
type Options struct {
	// Shared evaluates the policy as a shared (proxy) cache: s-maxage is
	// honored, private responses are rejected, and authenticated
	// responses are held to a stricter rule. Defaults to true.
	Shared bool

	// TrustServerDate uses the response's Date header as the basis for
	// age calculations. If false, the response's arrival time is used
	// instead, which is useful when the local clock may disagree with
	// the origin server's.
	TrustServerDate bool

	// CacheHeuristic is the fraction of a response's Last-Modified age
	// used as a heuristic freshness lifetime when no explicit
	// expiration is given.
	CacheHeuristic float64

	// ImmutableMinTimeToLive is the default lifetime assumed for
	// "Cache-Control: immutable" responses that carry no explicit
	// max-age or s-maxage.
	ImmutableMinTimeToLive time.Duration

	// IgnoreCargoCult strips the no-store/no-cache/pre-check/post-check/
	// Pragma directives from a response before evaluating it, if the
	// response carries the cargo-cult pre-check/post-check signature
	// (see hasCargoCultSignature).
	IgnoreCargoCult bool
}

// NewOptions returns the recommended default configuration: a shared cache
// that trusts the server's Date header, uses a 10% heuristic, defaults
// immutable responses to a day, and does not second-guess cargo-culted
// directives.
func NewOptions() Options {
	return Options{
		Shared:                 true,
		TrustServerDate:        true,
		CacheHeuristic:         0.1,
		ImmutableMinTimeToLive: 24 * time.Hour,
	}
}

// Request is the subset of an HTTP request this engine needs: enough to
// compute cacheability, Vary matching, and conditional-request headers.
// Callers adapt this from whatever HTTP client or server library they use.
type Request struct {
	// Method is the HTTP method. An empty Method is treated as GET.
	Method string

	// URL is the request target as the origin server sees it -- scheme,
	// authority, path, and query, canonicalized however the caller
	// likes, as long as it does so consistently between requests.
	URL string

	// Header carries the request's header fields, including Host,
	// Cache-Control, Authorization, and whatever Vary keys on.
	Header http.Header
}

// Response is the subset of an HTTP response this engine needs.
type Response struct {
	StatusCode int
	Header     http.Header
}

// Policy is the immutable result of evaluating a request/response pair
// against a set of Options at a point in time. A Policy never changes after
// BuildPolicy returns it; Revalidated returns a new Policy rather than
// mutating the receiver.
type Policy struct {
	reqMethod string
	reqURI    string
	reqHost   string
	reqHeader http.Header

	status    int
	resHeader http.Header

	responseTime time.Time
	dateValue    time.Time

	reqDirectives RequestDirectives
	resDirectives ResponseDirectives

	varyKeys []varyKey

	storable        bool
	maxAgeForced    bool
	shared          bool
	trustServerDate bool
	cacheHeuristic  float64
	immutableMinTTL time.Duration
}

// BuildPolicy evaluates req and resp under opts as of now and returns the
// resulting Policy. now is normally the time the response was received.
func BuildPolicy(req Request, resp Response, opts Options, now time.Time) Policy {
	reqHeader := cloneHeader(req.Header)
	resHeader := cloneHeader(resp.Header)

	reqDirectives := ParseRequestDirectives(headerValue(reqHeader, "Cache-Control"))
	resDirectives := ParseResponseDirectives(headerValue(resHeader, "Cache-Control"))

	if opts.IgnoreCargoCult && hasCargoCultSignature(resDirectives) {
		filtered := filterDirectives(headerValue(resHeader, "Cache-Control"), cargoCultDirectives)
		if filtered == "" {
			resHeader.Del("Cache-Control")
		} else {
			resHeader.Set("Cache-Control", filtered)
		}
		resHeader.Del("Pragma")
		resDirectives = ParseResponseDirectives(filtered)
	}

	method := normalizeMethod(req.Method)

	p := Policy{
		reqMethod:       method,
		reqURI:          req.URL,
		reqHost:         strings.ToLower(headerValue(reqHeader, "Host")),
		reqHeader:       reqHeader,
		status:          resp.StatusCode,
		resHeader:       resHeader,
		reqDirectives:   reqDirectives,
		resDirectives:   resDirectives,
		shared:          opts.Shared,
		trustServerDate: opts.TrustServerDate,
		cacheHeuristic:  opts.CacheHeuristic,
		immutableMinTTL: opts.ImmutableMinTimeToLive,
	}

	p.responseTime = now
	p.dateValue = now
	if opts.TrustServerDate {
		if d, ok := parseHeaderDate(resHeader, "Date"); ok {
			p.dateValue = d
		}
	}

	p.varyKeys = varyKeysFor(resHeader, reqHeader)

	explicitExpiration := hasExplicitExpiration(resHeader, resDirectives)

	p.storable = computeStorable(method, reqHeader, resHeader, resp.StatusCode, reqDirectives, resDirectives, opts, explicitExpiration)
	p.maxAgeForced = maxAgeIsForced(method, resp.StatusCode, explicitExpiration)

	return p
}

var cargoCultDirectives = map[string]bool{
	"no-store":   true,
	"no-cache":   true,
	"pre-check":  true,
	"post-check": true,
}

func normalizeMethod(m string) string {
	if m == "" {
		return "GET"
	}
	return strings.ToUpper(m)
}

func hasExplicitExpiration(h http.Header, d ResponseDirectives) bool {
	if d.MaxAgeSet || d.SMaxAgeSet || d.Public {
		return true
	}
	_, ok := parseHeaderDate(h, "Expires")
	return ok
}

func computeStorable(
	method string,
	reqHeader http.Header,
	resHeader http.Header,
	status int,
	reqD RequestDirectives,
	resD ResponseDirectives,
	opts Options,
	explicitExpiration bool,
) bool {
	storable := true

	if headerValue(reqHeader, "Authorization") != "" && opts.Shared {
		if !(resD.Public || resD.MustRevalidate || resD.SMaxAgeSet) {
			storable = false
		}
	}

	if reqD.NoStore || resD.NoStore {
		storable = false
	}

	if opts.Shared && resD.Private {
		storable = false
	}

	switch method {
	case "GET", "HEAD":
		// always eligible
	case "POST":
		if !explicitExpiration {
			storable = false
		}
	default:
		storable = false
	}

	if status == http.StatusPartialContent {
		storable = false
	} else if !statusCacheableByDefault[status] && !explicitExpiration {
		storable = false
	}

	if opts.Shared && headerValue(resHeader, "Set-Cookie") != "" {
		if !(resD.Public || resD.Immutable || resD.SMaxAgeSet || resD.MustRevalidate) {
			storable = false
		}
	}

	if varyIsWildcard(resHeader) && !resD.Immutable {
		storable = false
	}

	return storable
}

func maxAgeIsForced(method string, status int, explicitExpiration bool) bool {
	switch method {
	case "GET", "HEAD":
		// not forced by method
	case "POST":
		if !explicitExpiration {
			return true
		}
	default:
		return true
	}

	if !statusUnderstood[status] && !explicitExpiration {
		return true
	}

	return false
}

// IsStorable reports whether the response may be stored in a cache at all.
// If it returns false, neither the request nor the response may be stored.
func (p Policy) IsStorable() bool {
	return p.storable
}

// Age returns the response's current age as of now, per RFC 9111 §4.2.3.
func (p Policy) Age(now time.Time) time.Duration {
	apparent := p.responseTime.Sub(p.dateValue)
	if apparent < 0 {
		apparent = 0
	}

	var ageHeader time.Duration
	if v, ok := lookupHeader(p.resHeader, "Age"); ok {
		if d, err := ParseDeltaSeconds(v); err == nil {
			ageHeader = d
		}
	}

	corrected := apparent + ageHeader
	resident := now.Sub(p.responseTime)

	return corrected + resident
}

// MaxAge returns the response's freshness lifetime, per the precedence
// rules of RFC 9111 §4.2.1: s-maxage (shared caches only), then max-age,
// then Expires relative to the response's Date, then a heuristic derived
// from Last-Modified, with immutable responses getting a floor under the
// Expires/heuristic/absent cases (but never overriding an explicit
// max-age or s-maxage, including an explicit zero).
func (p Policy) MaxAge() time.Duration {
	if p.maxAgeForced || !p.storable {
		return 0
	}

	if p.shared && p.resDirectives.SMaxAgeSet {
		return p.resDirectives.SMaxAge
	}
	if p.resDirectives.MaxAgeSet {
		return p.resDirectives.MaxAge
	}

	var floor time.Duration
	if p.resDirectives.Immutable {
		floor = p.immutableMinTTL
	}

	if expires, ok := parseHeaderDate(p.resHeader, "Expires"); ok {
		lifetime := expires.Sub(p.dateValue)
		if lifetime < 0 {
			lifetime = 0
		}
		return maxDuration(floor, lifetime)
	}

	if lastModified, ok := parseHeaderDate(p.resHeader, "Last-Modified"); ok {
		if p.dateValue.After(lastModified) {
			heuristic := time.Duration(float64(p.dateValue.Sub(lastModified)) * p.cacheHeuristic)
			return maxDuration(floor, heuristic)
		}
	}

	return floor
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// IsStale reports whether the response is no longer fresh as of now.
func (p Policy) IsStale(now time.Time) bool {
	return p.Age(now) >= p.MaxAge()
}

// TimeToLive returns how much longer the response remains fresh as of now,
// clamped to zero. Use TimeToLive(now).Milliseconds() for the conventional
// millisecond figure.
func (p Policy) TimeToLive(now time.Time) time.Duration {
	ttl := p.MaxAge() - p.Age(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// requestMatches reports whether newReq targets the same resource this
// Policy was built for: same method (or a HEAD against a cached GET), same
// URI, same Host, and matching Vary keys.
func (p Policy) requestMatches(newReq Request) bool {
	method := normalizeMethod(newReq.Method)
	if method != p.reqMethod && !(p.reqMethod == "GET" && method == "HEAD") {
		return false
	}

	if newReq.URL != p.reqURI {
		return false
	}

	if !strings.EqualFold(headerValue(newReq.Header, "Host"), p.reqHost) {
		return false
	}

	if varyIsWildcard(p.resHeader) {
		return false
	}
	for _, key := range p.varyKeys {
		v, ok := lookupHeader(newReq.Header, key.Name)
		if ok != key.Present || v != key.Value {
			return false
		}
	}

	return true
}

// IsCachedResponseFresh reports whether the cached response may be reused
// to satisfy newReq without contacting the origin server.
func (p Policy) IsCachedResponseFresh(newReq Request, now time.Time) bool {
	if !p.requestMatches(newReq) {
		return false
	}

	// A no-cache response directive, with or without a field list, means
	// this engine always revalidates rather than selectively refreshing
	// named fields.
	if p.resDirectives.NoCache {
		return false
	}

	if p.shared && p.resDirectives.ProxyRevalidate && p.IsStale(now) {
		return false
	}

	newReqDirectives := ParseRequestDirectives(headerValue(newReq.Header, "Cache-Control"))
	if newReqDirectives.NoCache {
		return false
	}
	if strings.EqualFold(headerValue(newReq.Header, "Pragma"), "no-cache") {
		return false
	}

	lifetime := p.MaxAge()
	if newReqDirectives.MaxAgeSet && newReqDirectives.MaxAge < lifetime {
		lifetime = newReqDirectives.MaxAge
	}

	maxStaleIgnored := p.resDirectives.MustRevalidate || (p.shared && p.resDirectives.ProxyRevalidate)
	if newReqDirectives.MaxStaleSet && !maxStaleIgnored {
		if newReqDirectives.MaxStale >= unboundedDuration {
			return true
		}
		lifetime += newReqDirectives.MaxStale
	}

	if newReqDirectives.MinFreshSet {
		lifetime -= newReqDirectives.MinFresh
	}

	return p.Age(now) <= lifetime
}

// RevalidationHeaders returns the header set to send when issuing a
// conditional request for newReq against the origin server: newReq's own
// headers with hop-by-hop fields stripped, plus If-None-Match and
// If-Modified-Since derived from the cached response's validators.
//
// If newReq doesn't match the cached response at all (different method,
// URI, Host, or Vary key), the returned headers carry no validators --
// there's nothing to revalidate against, so the request becomes a plain,
// unconditional one.
func (p Policy) RevalidationHeaders(newReq Request, now time.Time) http.Header {
	out := stripHopByHop(newReq.Header)

	if host := headerValue(newReq.Header, "Host"); host != "" {
		out.Set("Host", host)
	}

	if !p.requestMatches(newReq) {
		return cloneWithoutHeader(out, "If-None-Match", "If-Modified-Since")
	}

	method := normalizeMethod(newReq.Method)
	unsafeMethod := method != "GET" && method != "HEAD"

	if etag := headerValue(p.resHeader, "ETag"); etag != "" {
		var entries []string
		for _, e := range splitCommaList(headerValue(out, "If-None-Match")) {
			if unsafeMethod && strings.HasPrefix(e, "W/") {
				continue
			}
			entries = append(entries, e)
		}
		if !(unsafeMethod && strings.HasPrefix(etag, "W/")) {
			entries = append(entries, etag)
		}
		if len(entries) > 0 {
			out.Set("If-None-Match", strings.Join(entries, ", "))
		} else {
			out.Del("If-None-Match")
		}
	}

	if lastModified := headerValue(p.resHeader, "Last-Modified"); lastModified != "" {
		canRevalidateByDate := (method == "GET" || method == "HEAD") &&
			headerValue(newReq.Header, "Range") == "" &&
			headerValue(newReq.Header, "Accept-Ranges") == ""
		if canRevalidateByDate {
			out.Set("If-Modified-Since", lastModified)
		}
	}

	if p.Age(now) > 24*time.Hour {
		if explicit, ok := p.explicitMaxAge(); !ok || explicit < 24*time.Hour {
			out.Add("Warning", `113 - "Heuristic Expiration"`)
		}
	}

	return out
}

// explicitMaxAge returns the response's freshness lifetime when it comes
// from an explicit source -- s-maxage, max-age, or Expires -- and reports
// false when the only available lifetime is heuristic (Last-Modified) or
// the immutable floor. Used to tell a heuristically-stale response (which
// warrants a Warning: 113 on revalidation) apart from one whose age merely
// exceeds an explicitly stated long lifetime.
func (p Policy) explicitMaxAge() (time.Duration, bool) {
	if p.shared && p.resDirectives.SMaxAgeSet {
		return p.resDirectives.SMaxAge, true
	}
	if p.resDirectives.MaxAgeSet {
		return p.resDirectives.MaxAge, true
	}
	if expires, ok := parseHeaderDate(p.resHeader, "Expires"); ok {
		lifetime := expires.Sub(p.dateValue)
		if lifetime < 0 {
			lifetime = 0
		}
		return lifetime, true
	}
	return 0, false
}

// Revalidated merges a validator response (normally a 304 Not Modified)
// received for newReq into p, returning the updated Policy and whether the
// merge succeeded. If matches is false, the caller must use newResp's own
// body (or, if newResp also failed to validate, fetch the resource again
// unconditionally) rather than the previously cached body.
func (p Policy) Revalidated(newReq Request, newResp Response, now time.Time) (merged Policy, matches bool) {
	method := normalizeMethod(newReq.Method)
	if method != "GET" && method != "HEAD" {
		return p, false
	}
	if newReq.URL != p.reqURI {
		return p, false
	}
	if !strings.EqualFold(headerValue(newReq.Header, "Host"), p.reqHost) {
		return p, false
	}

	newETag := headerValue(newResp.Header, "ETag")
	oldETag := headerValue(p.resHeader, "ETag")
	newLastModified := headerValue(newResp.Header, "Last-Modified")
	oldLastModified := headerValue(p.resHeader, "Last-Modified")

	var validatorsMatch bool
	switch {
	case newETag != "":
		validatorsMatch = newETag == oldETag
	case newLastModified != "":
		validatorsMatch = newLastModified == oldLastModified
	default:
		validatorsMatch = oldETag == "" && oldLastModified == ""
	}
	if !validatorsMatch {
		return p, false
	}

	if newResp.StatusCode != http.StatusNotModified {
		return p, false
	}

	merged = p
	merged.resHeader = cloneHeader(p.resHeader)
	for name, values := range cloneHeader(newResp.Header) {
		if _, excluded := revalidationExcludedHeaders[http.CanonicalHeaderKey(name)]; excluded {
			continue
		}
		merged.resHeader[http.CanonicalHeaderKey(name)] = values
	}

	merged.responseTime = now
	merged.dateValue = now
	if merged.trustServerDate {
		if d, ok := parseHeaderDate(merged.resHeader, "Date"); ok {
			merged.dateValue = d
		}
	}

	merged.resDirectives = ParseResponseDirectives(headerValue(merged.resHeader, "Cache-Control"))
	merged.varyKeys = varyKeysFor(merged.resHeader, p.reqHeader)

	explicitExpiration := hasExplicitExpiration(merged.resHeader, merged.resDirectives)
	merged.maxAgeForced = maxAgeIsForced(merged.reqMethod, merged.status, explicitExpiration)

	return merged, true
}

// ResponseHeaders returns the headers to serve to a client from the cached
// response: hop-by-hop headers stripped, ephemeral (1xx) Warning elements
// removed, and Age updated to the response's current age.
func (p Policy) ResponseHeaders(now time.Time) http.Header {
	out := stripHopByHop(p.resHeader)
	filterEphemeralWarnings(out)

	age := p.Age(now)
	if age < 0 {
		age = 0
	}
	out.Set("Age", strconv.FormatInt(int64(age/time.Second), 10))

	return out
}

// policyWire is the stable, caller-serializable shape of a Policy. Every
// field needed to reconstruct the record is exported here even though
// Policy itself keeps them private, so a cache implementation can persist
// a Policy alongside the response body and rebuild it later without
// re-deriving anything from the original HTTP exchange.
type policyWire struct {
	Method          string        `json:"method"`
	URI             string        `json:"uri"`
	Host            string        `json:"host"`
	RequestHeader   http.Header   `json:"request_header"`
	Status          int           `json:"status"`
	ResponseHeader  http.Header   `json:"response_header"`
	ResponseTime    time.Time     `json:"response_time"`
	DateValue       time.Time     `json:"date_value"`
	VaryKeys        []varyKey     `json:"vary_keys,omitempty"`
	Storable        bool          `json:"storable"`
	MaxAgeForced    bool          `json:"max_age_forced"`
	Shared          bool          `json:"shared"`
	TrustServerDate bool          `json:"trust_server_date"`
	CacheHeuristic  float64       `json:"cache_heuristic"`
	ImmutableMinTTL time.Duration `json:"immutable_min_ttl"`
}

// MarshalJSON serializes the Policy's captured state. Reparsing the
// request/response directives on load (rather than also serializing them)
// keeps the wire format small and immune to any internal representation
// changes to RequestDirectives/ResponseDirectives.
func (p Policy) MarshalJSON() ([]byte, error) {
	return json.Marshal(policyWire{
		Method:          p.reqMethod,
		URI:             p.reqURI,
		Host:            p.reqHost,
		RequestHeader:   p.reqHeader,
		Status:          p.status,
		ResponseHeader:  p.resHeader,
		ResponseTime:    p.responseTime,
		DateValue:       p.dateValue,
		VaryKeys:        p.varyKeys,
		Storable:        p.storable,
		MaxAgeForced:    p.maxAgeForced,
		Shared:          p.shared,
		TrustServerDate: p.trustServerDate,
		CacheHeuristic:  p.cacheHeuristic,
		ImmutableMinTTL: p.immutableMinTTL,
	})
}

// UnmarshalJSON reconstructs a Policy previously serialized by MarshalJSON.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var w policyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*p = Policy{
		reqMethod:       w.Method,
		reqURI:          w.URI,
		reqHost:         w.Host,
		reqHeader:       w.RequestHeader,
		status:          w.Status,
		resHeader:       w.ResponseHeader,
		responseTime:    w.ResponseTime,
		dateValue:       w.DateValue,
		varyKeys:        w.VaryKeys,
		storable:        w.Storable,
		maxAgeForced:    w.MaxAgeForced,
		shared:          w.Shared,
		trustServerDate: w.TrustServerDate,
		cacheHeuristic:  w.CacheHeuristic,
		immutableMinTTL: w.ImmutableMinTTL,
	}

	p.reqDirectives = ParseRequestDirectives(headerValue(p.reqHeader, "Cache-Control"))
	p.resDirectives = ParseResponseDirectives(headerValue(p.resHeader, "Cache-Control"))

	return nil
}
