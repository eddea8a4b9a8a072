package cache

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestResponseToEntry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		resp    *http.Response
		wantErr bool
	}{
		{
			name: "valid response with all headers",
			resp: &http.Response{
				StatusCode: 200,
				Header: http.Header{
					"Last-Modified": []string{now.Add(-1 * time.Hour).Format(http.TimeFormat)},
					"ETag":          []string{`"abc123"`},
					"Content-Type":  []string{"application/json"},
				},
				Body: io.NopCloser(bytes.NewReader([]byte(`{"articles": []}`))),
			},
			wantErr: false,
		},
		{
			name: "response without validators",
			resp: &http.Response{
				StatusCode: 200,
				Header: http.Header{
					"Content-Type": []string{"text/html"},
				},
				Body: io.NopCloser(bytes.NewReader([]byte(`<html></html>`))),
			},
			wantErr: false,
		},
		{
			name:    "nil response",
			resp:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := ResponseToEntry(tt.resp, now)
			if (err != nil) != tt.wantErr {
				t.Errorf("ResponseToEntry() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if entry == nil {
					t.Fatal("ResponseToEntry() returned nil entry")
				}

				// Verify body was read and restored
				if tt.resp != nil && tt.resp.Body != nil {
					body, _ := io.ReadAll(tt.resp.Body)
					if len(body) == 0 {
						t.Error("Response body was not restored")
					}
				}

				// Verify status code
				if entry.StatusCode != tt.resp.StatusCode {
					t.Errorf("StatusCode = %v, want %v", entry.StatusCode, tt.resp.StatusCode)
				}

				// Verify ETag
				expectedETag := tt.resp.Header.Get("ETag")
				if entry.ETag != expectedETag {
					t.Errorf("ETag = %v, want %v", entry.ETag, expectedETag)
				}

				// Verify stored-at timestamp
				if !entry.StoredAt.Equal(now) {
					t.Errorf("StoredAt = %v, want %v", entry.StoredAt, now)
				}
			}
		})
	}
}

func TestEntry_ToResponse(t *testing.T) {
	entry := &Entry{
		Payload:    []byte(`{"articles": [1, 2, 3]}`),
		StatusCode: 200,
		Headers: http.Header{
			"Content-Type": []string{"application/json"},
			"ETag":         []string{`"v17"`},
		},
		StoredAt: time.Now(),
	}

	resp := entry.ToResponse()

	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != string(entry.Payload) {
		t.Errorf("Body = %s, want %s", body, entry.Payload)
	}

	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %s, want application/json", resp.Header.Get("Content-Type"))
	}

	// Mutating the response headers must not touch the entry
	resp.Header.Set("X-Served-From", "cache")
	if entry.Headers.Get("X-Served-From") != "" {
		t.Error("response header mutation leaked into cache entry")
	}
}

func TestSupportsRevalidation(t *testing.T) {
	tests := []struct {
		name  string
		entry *Entry
		want  bool
	}{
		{
			name:  "nil entry",
			entry: nil,
			want:  false,
		},
		{
			name:  "entry with etag",
			entry: &Entry{ETag: `"abc123"`},
			want:  true,
		},
		{
			name:  "entry with last-modified",
			entry: &Entry{LastModified: time.Now()},
			want:  true,
		},
		{
			name:  "entry without validators",
			entry: &Entry{Payload: []byte("data")},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SupportsRevalidation(tt.entry)
			if got != tt.want {
				t.Errorf("SupportsRevalidation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddValidatorHeaders(t *testing.T) {
	lastMod := time.Date(2025, 5, 20, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name              string
		entry             *Entry
		wantIfNoneMatch   string
		wantIfModifiedSet bool
	}{
		{
			name:            "etag preferred over last-modified",
			entry:           &Entry{ETag: `"abc123"`, LastModified: lastMod},
			wantIfNoneMatch: `"abc123"`,
		},
		{
			name:              "last-modified fallback",
			entry:             &Entry{LastModified: lastMod},
			wantIfModifiedSet: true,
		},
		{
			name:  "nil entry adds nothing",
			entry: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, "https://shop.example/api/articles", nil)
			AddValidatorHeaders(req, tt.entry)

			if got := req.Header.Get("If-None-Match"); got != tt.wantIfNoneMatch {
				t.Errorf("If-None-Match = %q, want %q", got, tt.wantIfNoneMatch)
			}
			if got := req.Header.Get("If-Modified-Since"); (got != "") != tt.wantIfModifiedSet {
				t.Errorf("If-Modified-Since set = %v, want %v", got != "", tt.wantIfModifiedSet)
			}
		})
	}
}
