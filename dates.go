package cachepolicy

import (
	"errors"
	"math"
	"net/http"
	"strings"
	"time"
)

var (
	errEmptyDeltaSeconds   = errors.New("cachepolicy: empty delta-seconds value")
	errInvalidDeltaSeconds = errors.New("cachepolicy: invalid delta-seconds value")
	errInvalidHTTPDate     = errors.New("cachepolicy: unrecognized HTTP-date format")
)

// httpDateLayouts lists the three formats RFC 7231 §7.1.1.1 permits servers
// to send, in the order a cache should try them: the preferred IMF-fixdate,
// the obsolete RFC 850 format, and the obsolete asctime format.
var httpDateLayouts = []string{
	http.TimeFormat,
	time.RFC850,
	time.ANSIC,
}

// ParseHTTPDate parses an HTTP-date header value (Date, Expires,
// Last-Modified, If-Modified-Since) in any of the three formats RFC 7231
// allows. The result is always in UTC.
func ParseHTTPDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errInvalidHTTPDate
	}
	for _, layout := range httpDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errInvalidHTTPDate
}

// ParseDeltaSeconds parses a delta-seconds value as used by the Age header
// and by the max-age, s-maxage, max-stale, and min-fresh directives: an
// unsigned, unsigned-overflow-saturating integer number of seconds.
//
// Per RFC 9111 §1.2.2, a value that overflows is treated as the greatest
// value the implementation can conveniently represent rather than as an
// error.
func ParseDeltaSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errEmptyDeltaSeconds
	}

	var n uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, errInvalidDeltaSeconds
		}

		prev := n
		n = n*10 + uint64(c-'0')
		if n < prev {
			n = math.MaxUint64
		}
	}

	if n > math.MaxInt64/uint64(time.Second) {
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(n) * time.Second, nil
}
