package strategy

import (
	"encoding/json"
	"time"
)

// EnvelopeTags are the freshness fields added to api-data responses.
type EnvelopeTags struct {
	// Fresh is true when the payload came from the network just now.
	Fresh bool

	// Offline is set when the payload is a cached copy served because
	// the backend was unreachable.
	Offline bool

	// FetchedAt is when the payload was originally fetched from the
	// backend.
	FetchedAt time.Time
}

// TagEnvelope adds the freshness fields to a JSON object payload and
// returns the re-encoded result. Payloads that are not JSON objects
// (arrays, scalars, invalid JSON) pass through untouched. Existing
// backend fields are never removed.
func TagEnvelope(payload []byte, tags EnvelopeTags) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return payload
	}

	obj["fresh"] = marshalRaw(tags.Fresh)
	obj["fetchedAt"] = marshalRaw(tags.FetchedAt.UTC().Format(time.RFC3339))
	if tags.Offline {
		obj["offline"] = marshalRaw(true)
	}

	tagged, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return tagged
}

func marshalRaw(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
