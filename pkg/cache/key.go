package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Key represents a unique identifier for a cached backend response.
type Key struct {
	// Method is the HTTP request method (e.g., "GET")
	Method string

	// URL is the raw request URL before normalization
	URL string

	// VaryValues are selected request header values that affect the
	// response variant (e.g., {"Accept": "application/json"})
	VaryValues map[string]string
}

// NewKey builds a Key from a request, capturing the values of the given
// vary headers. Headers absent from the request are omitted.
func NewKey(req *http.Request, varyHeaders []string) Key {
	key := Key{
		Method: req.Method,
		URL:    req.URL.String(),
	}
	for _, name := range varyHeaders {
		if v := req.Header.Get(name); v != "" {
			if key.VaryValues == nil {
				key.VaryValues = make(map[string]string)
			}
			key.VaryValues[http.CanonicalHeaderKey(name)] = v
		}
	}
	return key
}

// String generates a deterministic cache key string.
// Format: method:normalized-url:vary1=val1:vary2=val2
//
// Example:
//
//	GET:https://shop.example/api/articles?page=1:Accept=application/json
//
// Two requests that differ only in URL casing of scheme/host, default
// ports, query parameter order, or fragment produce the same key.
func (k Key) String() string {
	method := strings.ToUpper(k.Method)
	if method == "" {
		method = http.MethodGet
	}
	parts := []string{method, normalizeURL(k.URL)}

	// Add vary header values (sorted for determinism)
	if len(k.VaryValues) > 0 {
		varyKeys := make([]string, 0, len(k.VaryValues))
		for name := range k.VaryValues {
			varyKeys = append(varyKeys, name)
		}
		sort.Strings(varyKeys)

		for _, name := range varyKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", name, k.VaryValues[name]))
		}
	}

	return strings.Join(parts, ":")
}

// normalizeURL canonicalizes a request URL: scheme and host are
// lowercased, default ports dropped, query parameters sorted, and the
// fragment removed. Unparseable URLs are returned as given so the key
// stays usable.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	// Drop default ports
	host, port, found := strings.Cut(u.Host, ":")
	if found {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			u.Host = host
		}
	}

	// Sort query parameters (keys and values)
	if u.RawQuery != "" {
		query := u.Query()
		queryKeys := make([]string, 0, len(query))
		for name := range query {
			queryKeys = append(queryKeys, name)
		}
		sort.Strings(queryKeys)

		var b strings.Builder
		for _, name := range queryKeys {
			values := append([]string(nil), query[name]...)
			sort.Strings(values)
			for _, v := range values {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(name))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}

	return u.String()
}
