package auth

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Found holds the token fields recognised in a refresh response.
type Found struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

var jwtPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`)

func normaliseKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(k) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Taste searches an arbitrarily shaped refresh response for an access
// token, a refresh token and an expiry. Keys are matched loosely, nested
// objects are searched depth first, and a bare JWT-looking string is used as
// the access token when no key names one.
//
// Expiry values above 1e12 are epoch milliseconds, above 1e9 epoch seconds,
// and anything smaller a lifetime in seconds from now.
func Taste(resp map[string]any, now time.Time) Found {
	var (
		f   Found
		jwt string
	)
	var walk func(m map[string]any)
	walk = func(m map[string]any) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			key := normaliseKey(k)
			switch v := m[k].(type) {
			case map[string]any:
				walk(v)
			case string:
				switch {
				case strings.Contains(key, "refresh"):
					if f.RefreshToken == "" {
						f.RefreshToken = v
					}
				case key == "accesstoken" || key == "access" || key == "token" || key == "jwt" || key == "idtoken":
					if f.AccessToken == "" {
						f.AccessToken = v
					}
				case strings.Contains(key, "expir") || key == "exp":
					if n, err := strconv.ParseFloat(v, 64); err == nil && f.Expiry.IsZero() {
						f.Expiry = expiry(n, now)
					}
				default:
					if jwt == "" && jwtPattern.MatchString(v) {
						jwt = v
					}
				}
			case float64:
				if (strings.Contains(key, "expir") || key == "exp") && f.Expiry.IsZero() {
					f.Expiry = expiry(v, now)
				}
			}
		}
	}
	walk(resp)
	if f.AccessToken == "" {
		f.AccessToken = jwt
	}
	return f
}

func expiry(n float64, now time.Time) time.Time {
	switch {
	case n <= 0:
		return time.Time{}
	case n > 1e12:
		return time.UnixMilli(int64(n))
	case n > 1e9:
		return time.Unix(int64(n), 0)
	default:
		return now.Add(time.Duration(n * float64(time.Second)))
	}
}
