package domain

import "strings"

// RuleFilter restricts the gate to alerts raised by configured rules.
// The zero value accepts every alert.
type RuleFilter struct {
	rule  string
	names map[string]struct{}
}

// NewRuleFilter builds a filter from either a single rule name/uid or a
// set of rule names. Supplying both is a configuration error.
func NewRuleFilter(rule string, names []string) (RuleFilter, error) {
	rule = strings.TrimSpace(rule)

	var set map[string]struct{}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if set == nil {
			set = make(map[string]struct{}, len(names))
		}
		set[name] = struct{}{}
	}

	if rule != "" && len(set) > 0 {
		return RuleFilter{}, ConfigError("rule filter", "rule_filter and rule_names_filter are mutually exclusive")
	}

	return RuleFilter{rule: rule, names: set}, nil
}

// Accepts reports whether the alert passes the filter
func (f RuleFilter) Accepts(alert Alert) bool {
	switch {
	case f.rule != "":
		return alert.Rule.Name == f.rule || alert.Rule.UID == f.rule
	case len(f.names) > 0:
		_, ok := f.names[alert.Rule.Name]
		return ok
	default:
		return true
	}
}

// Mode names the active matching mode, for logging
func (f RuleFilter) Mode() string {
	switch {
	case f.rule != "":
		return "rule"
	case len(f.names) > 0:
		return "rule_names"
	default:
		return "none"
	}
}
