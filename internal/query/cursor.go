package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// cursorPayload is the decoded form of an opaque pagination cursor: the
// (timestamp, event_id) tuple of the last row on the previous page.
type cursorPayload struct {
	Timestamp time.Time `json:"ts"`
	EventID   string    `json:"id"`
}

// EncodeCursor returns the opaque cursor for the given tuple.
func EncodeCursor(ts time.Time, eventID string) string {
	data, _ := json.Marshal(cursorPayload{Timestamp: ts, EventID: eventID})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses an opaque cursor. An empty cursor is valid and yields
// zero values.
func DecodeCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor")
	}
	var p cursorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return time.Time{}, "", fmt.Errorf("invalid cursor")
	}
	return p.Timestamp, p.EventID, nil
}
