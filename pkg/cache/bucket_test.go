package cache

import (
	"strings"
	"testing"
)

func TestBucket_Name(t *testing.T) {
	tests := []struct {
		name   string
		bucket Bucket
		want   string
	}{
		{
			name:   "app shell bucket",
			bucket: Bucket{AppID: "shopsync", VersionTag: "3f9ac2d81b04", Purpose: PurposeAppShell},
			want:   "shopsync-3f9ac2d81b04-app-shell",
		},
		{
			name:   "api data bucket",
			bucket: Bucket{AppID: "shopsync", VersionTag: "v42", Purpose: PurposeAPIData},
			want:   "shopsync-v42-api-data",
		},
		{
			name:   "offline fallback bucket",
			bucket: Bucket{AppID: "shop", VersionTag: "1", Purpose: PurposeOfflineFallback},
			want:   "shop-1-offline-fallback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.bucket.Name(); got != tt.want {
				t.Errorf("Name() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBucket_Validate(t *testing.T) {
	tests := []struct {
		name    string
		bucket  Bucket
		wantErr bool
	}{
		{
			name:    "valid bucket",
			bucket:  Bucket{AppID: "shopsync", VersionTag: "3f9ac2d81b04", Purpose: PurposeRuntime},
			wantErr: false,
		},
		{
			name:    "empty app id",
			bucket:  Bucket{VersionTag: "v1", Purpose: PurposeRuntime},
			wantErr: true,
		},
		{
			name:    "empty version tag",
			bucket:  Bucket{AppID: "shopsync", Purpose: PurposeRuntime},
			wantErr: true,
		},
		{
			name:    "version tag with separator",
			bucket:  Bucket{AppID: "shopsync", VersionTag: "v1-rc2", Purpose: PurposeRuntime},
			wantErr: true,
		},
		{
			name:    "version tag with colon",
			bucket:  Bucket{AppID: "shopsync", VersionTag: "v:1", Purpose: PurposeRuntime},
			wantErr: true,
		},
		{
			name:    "unknown purpose",
			bucket:  Bucket{AppID: "shopsync", VersionTag: "v1", Purpose: "session-store"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bucket.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVersionPrefix(t *testing.T) {
	prefix := VersionPrefix("shopsync", "3f9ac2d81b04")

	for _, purpose := range AllPurposes() {
		bucket := Bucket{AppID: "shopsync", VersionTag: "3f9ac2d81b04", Purpose: purpose}
		if !strings.HasPrefix(bucket.Name(), prefix) {
			t.Errorf("bucket %q does not carry version prefix %q", bucket.Name(), prefix)
		}
	}

	other := Bucket{AppID: "shopsync", VersionTag: "b71e0c9a2f55", Purpose: PurposeAppShell}
	if strings.HasPrefix(other.Name(), prefix) {
		t.Errorf("bucket of another version %q matches prefix %q", other.Name(), prefix)
	}
}

func TestBucketsFor(t *testing.T) {
	buckets := BucketsFor("shopsync", "v7")

	if len(buckets) != len(AllPurposes()) {
		t.Fatalf("BucketsFor returned %d buckets, want %d", len(buckets), len(AllPurposes()))
	}

	seen := make(map[Purpose]bool)
	for _, b := range buckets {
		if b.AppID != "shopsync" || b.VersionTag != "v7" {
			t.Errorf("bucket %+v has wrong app id or version tag", b)
		}
		if err := b.Validate(); err != nil {
			t.Errorf("bucket %+v failed validation: %v", b, err)
		}
		seen[b.Purpose] = true
	}
	if len(seen) != len(AllPurposes()) {
		t.Errorf("duplicate purposes in BucketsFor result: %+v", buckets)
	}
}
