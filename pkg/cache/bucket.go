package cache

import (
	"fmt"
	"strings"
)

// Purpose classifies what a bucket holds.
type Purpose string

const (
	// PurposeAppShell holds the HTML/CSS/JS skeleton of the application.
	PurposeAppShell Purpose = "app-shell"

	// PurposeStaticAsset holds immutable assets (fonts, images, icons).
	PurposeStaticAsset Purpose = "static-asset"

	// PurposeRuntime holds responses cached opportunistically at runtime.
	PurposeRuntime Purpose = "runtime"

	// PurposeAPIData holds backend API payloads for offline reads.
	PurposeAPIData Purpose = "api-data"

	// PurposeOfflineFallback holds the reserved offline page.
	PurposeOfflineFallback Purpose = "offline-fallback"
)

// AllPurposes returns every bucket purpose a version owns.
func AllPurposes() []Purpose {
	return []Purpose{
		PurposeAppShell,
		PurposeStaticAsset,
		PurposeRuntime,
		PurposeAPIData,
		PurposeOfflineFallback,
	}
}

// Bucket identifies one versioned cache namespace. Bucket names embed
// the version tag, so invalidating a deployment reduces to deleting
// every bucket whose name carries a stale tag.
type Bucket struct {
	// AppID is the application identifier shared by all buckets
	AppID string

	// VersionTag identifies the deployment this bucket belongs to
	VersionTag string

	// Purpose is what this bucket holds
	Purpose Purpose
}

// Name composes the storage name: <app-id>-<versionTag>-<purpose>.
func (b Bucket) Name() string {
	return fmt.Sprintf("%s-%s-%s", b.AppID, b.VersionTag, b.Purpose)
}

// Validate checks that the bucket parts compose an unambiguous name.
// Version tags must not contain the separator so that names of one
// version can be distinguished from another by prefix.
func (b Bucket) Validate() error {
	if b.AppID == "" {
		return fmt.Errorf("bucket app id cannot be empty")
	}
	if b.VersionTag == "" {
		return fmt.Errorf("bucket version tag cannot be empty")
	}
	if strings.ContainsAny(b.VersionTag, "-:") {
		return fmt.Errorf("bucket version tag %q must not contain '-' or ':'", b.VersionTag)
	}
	if strings.Contains(b.AppID, ":") {
		return fmt.Errorf("bucket app id %q must not contain ':'", b.AppID)
	}
	switch b.Purpose {
	case PurposeAppShell, PurposeStaticAsset, PurposeRuntime, PurposeAPIData, PurposeOfflineFallback:
		return nil
	default:
		return fmt.Errorf("unknown bucket purpose %q", b.Purpose)
	}
}

// VersionPrefix returns the name prefix shared by all buckets of a
// version. Used to decide bucket membership without parsing names.
func VersionPrefix(appID, versionTag string) string {
	return fmt.Sprintf("%s-%s-", appID, versionTag)
}

// BucketsFor returns the full bucket set for one version.
func BucketsFor(appID, versionTag string) []Bucket {
	purposes := AllPurposes()
	buckets := make([]Bucket, 0, len(purposes))
	for _, p := range purposes {
		buckets = append(buckets, Bucket{AppID: appID, VersionTag: versionTag, Purpose: p})
	}
	return buckets
}
