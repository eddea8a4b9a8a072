// Package strategy routes intercepted reads through the caching
// algorithm matching their request class and applies the freshness
// envelope to api-data responses.
package strategy

import (
	"net/http"
	"strings"
)

// Class is the request category deciding which serving algorithm
// applies.
type Class string

const (
	// ClassAppShell covers the application shell documents. Served
	// cache-first with the offline page as navigation fallback.
	ClassAppShell Class = "app-shell"

	// ClassStaticAsset covers fingerprinted build artifacts. Served
	// cache-first with no offline substitution.
	ClassStaticAsset Class = "static-asset"

	// ClassAPIData covers backend data reads. Served network-first with
	// cache fallback and the freshness envelope.
	ClassAPIData Class = "api-data"

	// ClassDefault covers everything else interceptable. Served
	// stale-while-revalidate.
	ClassDefault Class = "default"

	// ClassBypass marks requests the cache layer must not touch:
	// non-GET methods and non-http schemes.
	ClassBypass Class = "bypass"
)

// ClassifierConfig holds the URL patterns for request classification.
type ClassifierConfig struct {
	// ShellPaths are exact paths of the application shell documents.
	ShellPaths []string

	// APIPrefixes are path prefixes of backend data endpoints. Checked
	// before the static patterns so data under an api prefix is never
	// treated as an asset.
	APIPrefixes []string

	// StaticPrefixes are path prefixes of build artifact directories.
	StaticPrefixes []string

	// StaticSuffixes are file suffixes of build artifacts outside the
	// static directories.
	StaticSuffixes []string
}

// DefaultClassifierConfig returns patterns matching a conventional
// single-page shop layout.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		ShellPaths:     []string{"/", "/index.html", "/manifest.json"},
		APIPrefixes:    []string{"/api/"},
		StaticPrefixes: []string{"/assets/", "/static/", "/icons/"},
		StaticSuffixes: []string{".js", ".css", ".woff2", ".svg", ".png", ".ico"},
	}
}

// Classifier assigns request classes from configured URL patterns.
type Classifier struct {
	cfg ClassifierConfig
}

// NewClassifier creates a classifier.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify returns the request class. Only GET requests over http(s)
// are interceptable; everything else is ClassBypass.
func (c *Classifier) Classify(req *http.Request) Class {
	if req.Method != http.MethodGet {
		return ClassBypass
	}
	if scheme := req.URL.Scheme; scheme != "" && scheme != "http" && scheme != "https" {
		return ClassBypass
	}

	path := req.URL.Path

	for _, p := range c.cfg.ShellPaths {
		if path == p {
			return ClassAppShell
		}
	}
	for _, prefix := range c.cfg.APIPrefixes {
		if strings.HasPrefix(path, prefix) {
			return ClassAPIData
		}
	}
	for _, prefix := range c.cfg.StaticPrefixes {
		if strings.HasPrefix(path, prefix) {
			return ClassStaticAsset
		}
	}
	for _, suffix := range c.cfg.StaticSuffixes {
		if strings.HasSuffix(path, suffix) {
			return ClassStaticAsset
		}
	}

	return ClassDefault
}

// IsNavigation reports whether the request loads a page rather than a
// subresource. Navigation failures get the offline page; subresource
// failures propagate.
func IsNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
