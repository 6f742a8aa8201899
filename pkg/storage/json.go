package storage

import "encoding/json"

// marshalPayload encodes v for storage in a JSONB column.
func marshalPayload(v any) ([]byte, error) {
	return json.Marshal(v)
}
