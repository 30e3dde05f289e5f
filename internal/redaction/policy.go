package redaction

import "github.com/MarcoPoloResearchLab/roomsync/internal/events"

// PolicyKind tags what a redaction does to its target.
type PolicyKind int

const (
	// PolicyNoOp leaves the target untouched.
	PolicyNoOp PolicyKind = iota
	// PolicyFilterKeys keeps only the allowed content keys and leaves metadata alone.
	PolicyFilterKeys
	// PolicyStripToEmpty empties the content and records the redacting event in unsigned metadata.
	PolicyStripToEmpty
)

// String returns a log friendly name.
func (kind PolicyKind) String() string {
	switch kind {
	case PolicyFilterKeys:
		return "filter_keys"
	case PolicyStripToEmpty:
		return "strip_to_empty"
	default:
		return "no_op"
	}
}

// Policy is the redaction rule for one event type.
type Policy struct {
	Kind        PolicyKind
	AllowedKeys map[string]struct{}
}

func filterKeys(keys ...string) Policy {
	allowed := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		allowed[key] = struct{}{}
	}
	return Policy{Kind: PolicyFilterKeys, AllowedKeys: allowed}
}

var stripToEmpty = Policy{Kind: PolicyStripToEmpty}

// Reactions and membership display-name caches are absent and resolve to PolicyNoOp.
var policies = map[string]Policy{
	events.TypeMember:         filterKeys("membership"),
	events.TypeCreate:         filterKeys("creator"),
	events.TypeJoinRules:      filterKeys("join_rule"),
	events.TypePowerLevels:    filterKeys("users", "users_default", "events", "events_default", "state_default", "ban", "kick", "redact", "invite"),
	events.TypeAliases:        filterKeys("aliases"),
	events.TypeCanonicalAlias: filterKeys("alias"),
	events.TypeFeedback:       filterKeys("type", "target_event_id"),
	events.TypeMessage:        stripToEmpty,
	events.TypeEncrypted:      stripToEmpty,
}

// PolicyFor returns the redaction policy for an event type.
func PolicyFor(eventType string) Policy {
	policy, ok := policies[eventType]
	if !ok {
		return Policy{Kind: PolicyNoOp}
	}
	return policy
}

// Filter returns a copy of content restricted to the allowed keys.
func (policy Policy) Filter(content map[string]any) map[string]any {
	filtered := make(map[string]any, len(policy.AllowedKeys))
	for key, value := range content {
		if _, ok := policy.AllowedKeys[key]; ok {
			filtered[key] = value
		}
	}
	return filtered
}
