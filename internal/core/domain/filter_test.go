package domain

import "testing"

func TestRuleFilter(t *testing.T) {
	alert := Alert{UID: "A", Rule: Rule{UID: "rule-uid-1", Name: "R"}}

	tests := []struct {
		name  string
		rule  string
		names []string
		want  bool
	}{
		{"no filter accepts all", "", nil, true},
		{"single matches name", "R", nil, true},
		{"single matches uid", "rule-uid-1", nil, true},
		{"single rejects other", "Other", nil, false},
		{"set contains name", "", []string{"Other", "R"}, true},
		{"set rejects", "", []string{"Other"}, false},
		{"set does not match uid", "", []string{"rule-uid-1"}, false},
		{"blank names ignored", "", []string{"", "  "}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewRuleFilter(tt.rule, tt.names)
			if err != nil {
				t.Fatalf("NewRuleFilter: %v", err)
			}
			if got := f.Accepts(alert); got != tt.want {
				t.Errorf("Accepts() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuleFilter_BothModesRejected(t *testing.T) {
	_, err := NewRuleFilter("R", []string{"Other"})
	if err == nil {
		t.Fatal("expected error when both filters are configured")
	}
	if !IsKind(err, KindConfig) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestRuleFilter_ZeroValueAcceptsAll(t *testing.T) {
	var f RuleFilter
	if !f.Accepts(Alert{UID: "A"}) {
		t.Error("zero-value filter should accept every alert")
	}
	if f.Mode() != "none" {
		t.Errorf("expected mode none, got %q", f.Mode())
	}
}
