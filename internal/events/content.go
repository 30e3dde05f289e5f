package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/roomsync/internal/syncapi"
)

const (
	emptyJSONObject     = "{}"
	unsignedRedactedKey = "redacted_because"
	relatesToKey        = "m.relates_to"
)

// DecodeObject parses a stored JSON object. Blank input decodes to an empty map.
func DecodeObject(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	decoded := map[string]any{}
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return nil, err
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	return decoded, nil
}

// EncodeObject serializes a JSON object. A nil map encodes as {}.
func EncodeObject(value map[string]any) (string, error) {
	if len(value) == 0 {
		return emptyJSONObject, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// FromSync converts a delta event into a storable row. The room identifier of the enclosing section wins over the event's own field.
func FromSync(roomID string, source syncapi.Event) (Event, error) {
	eventID, err := NewEventID(source.EventID)
	if err != nil {
		return Event{}, err
	}
	if strings.TrimSpace(source.Type) == "" {
		return Event{}, fmt.Errorf("%w: empty type for %s", ErrInvalidEvent, eventID)
	}
	if roomID == "" {
		roomID = source.RoomID
	}
	room, err := NewRoomID(roomID)
	if err != nil {
		return Event{}, err
	}
	contentJSON, err := EncodeObject(source.Content)
	if err != nil {
		return Event{}, fmt.Errorf("%w: content: %v", ErrInvalidEvent, err)
	}
	unsignedJSON, err := EncodeObject(source.Unsigned)
	if err != nil {
		return Event{}, fmt.Errorf("%w: unsigned: %v", ErrInvalidEvent, err)
	}
	redacts := strings.TrimSpace(source.Redacts)
	if redacts == "" && source.Type == TypeRedaction {
		if value, ok := source.Content["redacts"].(string); ok {
			redacts = strings.TrimSpace(value)
		}
	}
	return Event{
		EventID:        eventID.String(),
		RoomID:         room.String(),
		Type:           source.Type,
		StateKey:       source.StateKey,
		Sender:         source.Sender,
		OriginServerTS: source.OriginServerTS,
		ContentJSON:    contentJSON,
		UnsignedJSON:   unsignedJSON,
		Redacts:        redacts,
		RelationType:   RelationTypeOf(source.Content),
	}, nil
}

// RelationTypeOf extracts m.relates_to.rel_type from event content.
func RelationTypeOf(content map[string]any) string {
	relation, ok := content[relatesToKey].(map[string]any)
	if !ok {
		return ""
	}
	relType, _ := relation["rel_type"].(string)
	return relType
}

// ToClientMap renders the stored row back into its client shape.
func ToClientMap(event Event) map[string]any {
	clientEvent := map[string]any{
		"event_id": event.EventID,
		"room_id":  event.RoomID,
		"type":     event.Type,
	}
	if event.Sender != "" {
		clientEvent["sender"] = event.Sender
	}
	if event.OriginServerTS != 0 {
		clientEvent["origin_server_ts"] = event.OriginServerTS
	}
	if event.StateKey != nil {
		clientEvent["state_key"] = *event.StateKey
	}
	if event.Redacts != "" {
		clientEvent["redacts"] = event.Redacts
	}
	if content, err := DecodeObject(event.ContentJSON); err == nil {
		clientEvent["content"] = content
	}
	return clientEvent
}

// WithRedactedBecause returns unsigned metadata recording the redacting event. Other unsigned fields are kept.
func WithRedactedBecause(unsignedJSON string, redaction Event) (string, error) {
	unsigned, err := DecodeObject(unsignedJSON)
	if err != nil {
		unsigned = map[string]any{}
	}
	unsigned[unsignedRedactedKey] = ToClientMap(redaction)
	return EncodeObject(unsigned)
}

// RedactedBy returns the identifier of the event that redacted this one, if any.
func RedactedBy(unsignedJSON string) string {
	unsigned, err := DecodeObject(unsignedJSON)
	if err != nil {
		return ""
	}
	redactedBecause, ok := unsigned[unsignedRedactedKey].(map[string]any)
	if !ok {
		return ""
	}
	eventID, _ := redactedBecause["event_id"].(string)
	return eventID
}
