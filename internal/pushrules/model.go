// Package pushrules evaluates the account's push rules against newly synced timeline events.
package pushrules

// Scope selects a rule set inside the push rules account data.
type Scope string

// ScopeGlobal is the only scope servers deliver.
const ScopeGlobal Scope = "global"

// Condition kinds understood by the evaluator.
const (
	ConditionEventMatch = "event_match"
)

// Actions carried by rules.
const (
	ActionNotify     = "notify"
	ActionDontNotify = "dont_notify"
	tweakHighlight   = "highlight"
)

// Kind names the section a rule belongs to.
type Kind string

// Rule kinds in evaluation order.
const (
	KindOverride  Kind = "override"
	KindContent   Kind = "content"
	KindRoom      Kind = "room"
	KindSender    Kind = "sender"
	KindUnderride Kind = "underride"
)

// Condition is one predicate of an override or underride rule.
type Condition struct {
	Kind    string `json:"kind"`
	Key     string `json:"key,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

// Rule is a single push rule.
type Rule struct {
	RuleID     string      `json:"rule_id"`
	Default    bool        `json:"default"`
	Enabled    bool        `json:"enabled"`
	Pattern    string      `json:"pattern,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
	Actions    []any       `json:"actions"`

	kind Kind
}

// Kind reports the section the rule was read from.
func (r Rule) Kind() Kind {
	return r.kind
}

// Notifies reports whether the rule's actions ask for a notification.
func (r Rule) Notifies() bool {
	for _, action := range r.Actions {
		if name, ok := action.(string); ok && name == ActionNotify {
			return true
		}
	}
	return false
}

// Highlights reports whether the rule sets the highlight tweak.
func (r Rule) Highlights() bool {
	for _, action := range r.Actions {
		tweak, ok := action.(map[string]any)
		if !ok || tweak["set_tweak"] != tweakHighlight {
			continue
		}
		value, present := tweak["value"]
		if !present {
			return true
		}
		enabled, _ := value.(bool)
		return enabled
	}
	return false
}

// RuleSet holds the rules of one scope.
type RuleSet struct {
	Override  []Rule `json:"override,omitempty"`
	Content   []Rule `json:"content,omitempty"`
	Room      []Rule `json:"room,omitempty"`
	Sender    []Rule `json:"sender,omitempty"`
	Underride []Rule `json:"underride,omitempty"`
}

// AllRules returns every rule in evaluation order, tagged with its kind.
func (s RuleSet) AllRules() []Rule {
	sections := []struct {
		kind  Kind
		rules []Rule
	}{
		{kind: KindOverride, rules: s.Override},
		{kind: KindContent, rules: s.Content},
		{kind: KindRoom, rules: s.Room},
		{kind: KindSender, rules: s.Sender},
		{kind: KindUnderride, rules: s.Underride},
	}
	all := make([]Rule, 0, len(s.Override)+len(s.Content)+len(s.Room)+len(s.Sender)+len(s.Underride))
	for _, section := range sections {
		for _, rule := range section.rules {
			rule.kind = section.kind
			all = append(all, rule)
		}
	}
	return all
}

// Empty reports whether the set carries no rules.
func (s RuleSet) Empty() bool {
	return len(s.AllRules()) == 0
}
