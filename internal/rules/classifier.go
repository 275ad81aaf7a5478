package rules

import (
	"encoding/json"
	"strings"

	"signaldesk/internal/types"
)

// Classification is the outcome of evaluating one event against one rule-set
// snapshot.
type Classification struct {
	Priority       types.Priority
	Rule           *types.PriorityRule // nil when the P4 fallback applied
	RequiresAck    bool
	RuleSetVersion int
}

// Classify evaluates the event against the given rule-set snapshot and
// assigns a priority tier. It is deterministic and side-effect free: the same
// (event, snapshot) pair always yields the same result.
//
// Tiers are evaluated P0 first; the first tier containing a matching active
// rule wins. When no rule matches, the event resolves to P4 (silent) --
// this is policy, not an error: malformed events must never raise.
//
// RequiresAck is true iff the matched tier is P0 or the matched rule sets the
// explicit override flag.
func Classify(e types.Event, rs *RuleSet) Classification {
	for _, tier := range types.AllPriorities {
		tierRules := rs.TierRules(tier)
		for i := range tierRules {
			rule := &tierRules[i]
			if !rule.IsActive {
				continue
			}
			if ruleMatches(e, rule) {
				return Classification{
					Priority:       tier,
					Rule:           rule,
					RequiresAck:    tier == types.PriorityP0 || rule.RequiresAckOverride,
					RuleSetVersion: rs.Version(),
				}
			}
		}
	}

	// Deterministic fallback: unknown event types and no-match events are
	// silent, never acknowledged.
	return Classification{
		Priority:       types.PriorityP4,
		RequiresAck:    false,
		RuleSetVersion: rs.Version(),
	}
}

// ruleMatches applies the three match dimensions in order of cheapness:
// event type set, keyword scan, structured conditions. An empty event-type or
// keyword set is a wildcard; the condition list must hold in full.
func ruleMatches(e types.Event, rule *types.PriorityRule) bool {
	if !matchEventType(e.EventType, rule.MatchEventTypes) {
		return false
	}
	if !matchKeywords(e.Payload, rule.MatchKeywords) {
		return false
	}
	for _, cond := range rule.Conditions {
		if !evalCondition(e.Payload, cond) {
			return false
		}
	}
	return true
}

func matchEventType(eventType string, set []string) bool {
	if len(set) == 0 {
		return true
	}
	for _, t := range set {
		if t == eventType {
			return true
		}
	}
	return false
}

// matchKeywords reports whether at least one keyword appears in any string
// payload field (case-insensitive substring). An empty keyword set matches
// everything. Non-string fields are skipped, never errors.
func matchKeywords(payload map[string]any, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, v := range payload {
		s, ok := v.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(s)
		for _, kw := range keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

// evalCondition evaluates one structured predicate against the payload.
// Missing or malformed fields are non-matching, never errors.
func evalCondition(payload map[string]any, cond types.RuleCondition) bool {
	raw, ok := payload[cond.Field]
	if !ok || raw == nil {
		return false
	}

	switch cond.Operator {
	case types.OpGreaterThanEq, types.OpLessThanEq:
		if cond.NumberValue == nil {
			return false
		}
		got, ok := toFloat(raw)
		if !ok {
			return false
		}
		if cond.Operator == types.OpGreaterThanEq {
			return got >= *cond.NumberValue
		}
		return got <= *cond.NumberValue

	case types.OpEqual, types.OpNotEqual:
		eq, ok := valueEquals(raw, cond)
		if !ok {
			return false
		}
		if cond.Operator == types.OpEqual {
			return eq
		}
		return !eq

	default:
		return false
	}
}

// valueEquals compares the payload value against whichever typed value the
// condition carries. The second return is false when the payload value cannot
// be compared at all (type mismatch = non-matching).
func valueEquals(raw any, cond types.RuleCondition) (equal bool, comparable bool) {
	switch {
	case cond.NumberValue != nil:
		got, ok := toFloat(raw)
		if !ok {
			return false, false
		}
		return got == *cond.NumberValue, true
	case cond.StringValue != nil:
		got, ok := raw.(string)
		if !ok {
			return false, false
		}
		return got == *cond.StringValue, true
	case cond.BoolValue != nil:
		got, ok := raw.(bool)
		if !ok {
			return false, false
		}
		return got == *cond.BoolValue, true
	default:
		return false, false
	}
}

// toFloat coerces the numeric representations that survive JSON decoding and
// direct Go construction. Strings are intentionally not coerced: a numeric
// check against a text field is a non-match by policy.
func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
