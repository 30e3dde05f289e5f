package pushrules

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/roomsync/internal/syncapi"
)

const bodyKey = "content.body"

var globCache sync.Map

// Matches reports whether the rule applies to the event delivered in roomID.
func (r Rule) Matches(roomID string, event syncapi.Event) bool {
	if !r.Enabled {
		return false
	}
	switch r.kind {
	case KindRoom:
		return r.RuleID == roomID
	case KindSender:
		return r.RuleID == event.Sender
	case KindContent:
		return globMatches(r.Pattern, lookup(roomID, event, bodyKey), true)
	default:
		for _, condition := range r.Conditions {
			if !conditionMatches(condition, roomID, event) {
				return false
			}
		}
		return true
	}
}

func conditionMatches(condition Condition, roomID string, event syncapi.Event) bool {
	if condition.Kind != ConditionEventMatch {
		return false
	}
	value := lookup(roomID, event, condition.Key)
	return globMatches(condition.Pattern, value, condition.Key == bodyKey)
}

// lookup resolves a dotted event path such as content.msgtype to its string value.
func lookup(roomID string, event syncapi.Event, key string) string {
	switch key {
	case "type":
		return event.Type
	case "sender":
		return event.Sender
	case "room_id":
		return roomID
	case "state_key":
		if event.StateKey != nil {
			return *event.StateKey
		}
		return ""
	}
	path, ok := strings.CutPrefix(key, "content.")
	if !ok {
		return ""
	}
	var current any = event.Content
	for _, segment := range strings.Split(path, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current = object[segment]
	}
	value, _ := current.(string)
	return value
}

func globMatches(pattern string, value string, wordBoundary bool) bool {
	if pattern == "" || value == "" {
		return false
	}
	expression, err := compileGlob(pattern, wordBoundary)
	if err != nil {
		return false
	}
	return expression.MatchString(value)
}

func compileGlob(pattern string, wordBoundary bool) (*regexp.Regexp, error) {
	cacheKey := fmt.Sprintf("%t|%s", wordBoundary, pattern)
	if cached, ok := globCache.Load(cacheKey); ok {
		return cached.(*regexp.Regexp), nil
	}
	var builder strings.Builder
	builder.WriteString("(?i)")
	if wordBoundary {
		builder.WriteString(`(^|\W)`)
	} else {
		builder.WriteString("^")
	}
	for _, char := range pattern {
		switch char {
		case '*':
			builder.WriteString(".*?")
		case '?':
			builder.WriteString(".")
		default:
			builder.WriteString(regexp.QuoteMeta(string(char)))
		}
	}
	if wordBoundary {
		builder.WriteString(`(\W|$)`)
	} else {
		builder.WriteString("$")
	}
	expression, err := regexp.Compile(builder.String())
	if err != nil {
		return nil, err
	}
	globCache.Store(cacheKey, expression)
	return expression, nil
}
