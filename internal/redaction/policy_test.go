package redaction

import (
	"encoding/json"
	"testing"

	"github.com/MarcoPoloResearchLab/roomsync/internal/events"
	"github.com/sebdah/goldie/v2"
)

func TestFilterKeysPolicies(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	cases := []struct {
		name      string
		eventType string
		content   string
	}{
		{name: "member", eventType: events.TypeMember, content: `{"membership":"join","displayname":"Alice","avatar_url":"mxc://example.org/a","reason":"hi"}`},
		{name: "create", eventType: events.TypeCreate, content: `{"creator":"@alice:example.org","room_version":"6","m.federate":true}`},
		{name: "join_rules", eventType: events.TypeJoinRules, content: `{"join_rule":"invite","allow":[]}`},
		{name: "power_levels", eventType: events.TypePowerLevels, content: `{"users":{"@alice:example.org":100},"users_default":0,"events":{"m.room.name":50},"events_default":0,"state_default":50,"ban":50,"kick":50,"redact":50,"invite":0,"notifications":{"room":50},"historical":100}`},
		{name: "aliases", eventType: events.TypeAliases, content: `{"aliases":["#a:example.org"],"extra":"x"}`},
		{name: "canonical_alias", eventType: events.TypeCanonicalAlias, content: `{"alias":"#a:example.org","alt_aliases":["#b:example.org"]}`},
		{name: "feedback", eventType: events.TypeFeedback, content: `{"type":"delivered","target_event_id":"$m1","extra":true}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			policy := PolicyFor(tc.eventType)
			if policy.Kind != PolicyFilterKeys {
				t.Fatalf("expected filter policy for %s, got %s", tc.eventType, policy.Kind)
			}
			content, err := events.DecodeObject(tc.content)
			if err != nil {
				t.Fatalf("failed to decode content: %v", err)
			}
			filtered, err := json.MarshalIndent(policy.Filter(content), "", "  ")
			if err != nil {
				t.Fatalf("failed to encode filtered content: %v", err)
			}
			g.Assert(t, tc.name, filtered)
		})
	}
}
