// Package detector discovers new backend deployments by comparing
// cheap fingerprints of the running build against their last observed
// values.
package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tillware/shopsync-agent/pkg/backend"
)

// Probe produces an opaque fingerprint of the deployed build. Two
// fingerprints are only ever compared for inequality.
type Probe interface {
	// Name identifies the probe in logs and change records.
	Name() string

	// Fingerprint evaluates the probe against the backend.
	Fingerprint(ctx context.Context) (string, error)
}

// Getter issues a GET against a backend endpoint.
// backend.Client satisfies this.
type Getter interface {
	Get(ctx context.Context, endpoint string) (*http.Response, error)
}

// ValidatorProbe fingerprints a lightweight endpoint by its response
// validator (ETag, falling back to Last-Modified).
type ValidatorProbe struct {
	client   Getter
	endpoint string
}

// NewValidatorProbe creates a validator probe for the given endpoint.
func NewValidatorProbe(client Getter, endpoint string) *ValidatorProbe {
	return &ValidatorProbe{client: client, endpoint: endpoint}
}

// Name implements Probe.
func (p *ValidatorProbe) Name() string {
	return "validator:" + p.endpoint
}

// Fingerprint implements Probe.
func (p *ValidatorProbe) Fingerprint(ctx context.Context) (string, error) {
	resp, err := p.client.Get(ctx, p.endpoint)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if !backend.IsSuccess(resp) {
		return "", fmt.Errorf("probe %s: backend returned status %d", p.endpoint, resp.StatusCode)
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		return etag, nil
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		return lastMod, nil
	}
	return "", fmt.Errorf("probe %s: response carries no validator", p.endpoint)
}

// ContentHashProbe fingerprints the bootstrap document by hashing its
// body. Catches deployments on backends that serve no validators.
type ContentHashProbe struct {
	client   Getter
	endpoint string
}

// NewContentHashProbe creates a content-hash probe for the given
// endpoint.
func NewContentHashProbe(client Getter, endpoint string) *ContentHashProbe {
	return &ContentHashProbe{client: client, endpoint: endpoint}
}

// Name implements Probe.
func (p *ContentHashProbe) Name() string {
	return "content-hash:" + p.endpoint
}

// Fingerprint implements Probe.
func (p *ContentHashProbe) Fingerprint(ctx context.Context) (string, error) {
	resp, err := p.client.Get(ctx, p.endpoint)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if !backend.IsSuccess(resp) {
		return "", fmt.Errorf("probe %s: backend returned status %d", p.endpoint, resp.StatusCode)
	}

	hash := sha256.New()
	if _, err := io.Copy(hash, resp.Body); err != nil {
		return "", fmt.Errorf("probe %s: read body: %w", p.endpoint, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// VersionProbe fingerprints an explicit version field of a JSON
// endpoint.
type VersionProbe struct {
	client   Getter
	endpoint string
	field    string
}

// NewVersionProbe creates a version probe reading the given top-level
// field.
func NewVersionProbe(client Getter, endpoint, field string) *VersionProbe {
	if field == "" {
		field = "version"
	}
	return &VersionProbe{client: client, endpoint: endpoint, field: field}
}

// Name implements Probe.
func (p *VersionProbe) Name() string {
	return "version:" + p.endpoint
}

// Fingerprint implements Probe.
func (p *VersionProbe) Fingerprint(ctx context.Context) (string, error) {
	resp, err := p.client.Get(ctx, p.endpoint)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if !backend.IsSuccess(resp) {
		return "", fmt.Errorf("probe %s: backend returned status %d", p.endpoint, resp.StatusCode)
	}

	var doc map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("probe %s: decode body: %w", p.endpoint, err)
	}

	raw, ok := doc[p.field]
	if !ok {
		return "", fmt.Errorf("probe %s: field %q missing", p.endpoint, p.field)
	}

	var version string
	if err := json.Unmarshal(raw, &version); err != nil {
		// Numeric or structured version fields fingerprint as raw JSON.
		return string(raw), nil
	}
	if version == "" {
		return "", fmt.Errorf("probe %s: field %q empty", p.endpoint, p.field)
	}
	return version, nil
}
