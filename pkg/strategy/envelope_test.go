package strategy

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestTagEnvelope_FreshResponse(t *testing.T) {
	payload := []byte(`{"items":[{"sku":"a"},{"sku":"b"}],"total":2}`)
	fetchedAt := time.Date(2026, 8, 23, 10, 30, 0, 0, time.UTC)

	tagged := TagEnvelope(payload, EnvelopeTags{Fresh: true, FetchedAt: fetchedAt})

	var got map[string]any
	if err := json.Unmarshal(tagged, &got); err != nil {
		t.Fatalf("tagged payload is not valid JSON: %v", err)
	}

	if got["fresh"] != true {
		t.Errorf("fresh = %v, want true", got["fresh"])
	}
	if got["fetchedAt"] != "2026-08-23T10:30:00Z" {
		t.Errorf("fetchedAt = %v, want 2026-08-23T10:30:00Z", got["fetchedAt"])
	}
	if _, present := got["offline"]; present {
		t.Error("offline field present on a fresh response")
	}

	// Backend fields survive untouched.
	if got["total"] != float64(2) {
		t.Errorf("total = %v, want 2", got["total"])
	}
	items, ok := got["items"].([]any)
	if !ok || len(items) != 2 {
		t.Errorf("items = %v, want two entries", got["items"])
	}
}

func TestTagEnvelope_OfflineResponse(t *testing.T) {
	payload := []byte(`{"items":[]}`)

	tagged := TagEnvelope(payload, EnvelopeTags{
		Fresh:     false,
		Offline:   true,
		FetchedAt: time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC),
	})

	var got map[string]any
	if err := json.Unmarshal(tagged, &got); err != nil {
		t.Fatalf("tagged payload is not valid JSON: %v", err)
	}

	if got["fresh"] != false {
		t.Errorf("fresh = %v, want false", got["fresh"])
	}
	if got["offline"] != true {
		t.Errorf("offline = %v, want true", got["offline"])
	}
	if got["fetchedAt"] != "2026-08-20T08:00:00Z" {
		t.Errorf("fetchedAt = %v", got["fetchedAt"])
	}
}

func TestTagEnvelope_NonObjectPassthrough(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"array", `[1,2,3]`},
		{"number", `42`},
		{"string", `"hello"`},
		{"boolean", `true`},
		{"null", `null`},
		{"invalid json", `{not json`},
		{"html body", `<html><body>not json</body></html>`},
		{"empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := []byte(tt.payload)
			tagged := TagEnvelope(payload, EnvelopeTags{Fresh: true, FetchedAt: time.Now()})
			if !bytes.Equal(tagged, payload) {
				t.Errorf("TagEnvelope(%q) = %q, want unchanged", tt.payload, tagged)
			}
		})
	}
}

func TestTagEnvelope_EmptyObject(t *testing.T) {
	tagged := TagEnvelope([]byte(`{}`), EnvelopeTags{Fresh: true, FetchedAt: time.Now()})

	var got map[string]any
	if err := json.Unmarshal(tagged, &got); err != nil {
		t.Fatalf("tagged payload is not valid JSON: %v", err)
	}
	if got["fresh"] != true {
		t.Errorf("fresh = %v, want true", got["fresh"])
	}
}
