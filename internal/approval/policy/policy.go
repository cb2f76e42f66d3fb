// Package policy implements the deterministic, priority-ordered rule
// engine that decides whether a sensitive operation is auto-approved,
// auto-rejected, or escalated to the user.
package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/parleyhq/parley/internal/approval/models"
	"github.com/parleyhq/parley/internal/common/apperr"
)

// Action is the outcome of a policy evaluation.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionAskUser Action = "ask_user"
)

// Valid reports whether the action is one of the known values.
func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionAskUser:
		return true
	}
	return false
}

// Condition operators, matched as suffixes on request-data field names.
const (
	opGreaterThan = "_gt"
	opLessThan    = "_lt"
	opEquals      = "_eq"
	opContains    = "_contains"
)

// Rule matches one class of approval requests. The subject pattern is a
// regular expression; conditions further constrain request data fields.
type Rule struct {
	Name       string                 `yaml:"name"`
	Type       models.ApprovalType    `yaml:"type"`
	Subject    string                 `yaml:"subject"`
	Conditions map[string]interface{} `yaml:"conditions,omitempty"`
	Action     Action                 `yaml:"action"`
	Priority   int                    `yaml:"priority"`

	pattern *regexp.Regexp
	order   int
}

func (r *Rule) compile() error {
	if !r.Type.Valid() {
		return apperr.Validation("rule %q has unknown approval type %q", r.Name, r.Type)
	}
	if !r.Action.Valid() {
		return apperr.Validation("rule %q has unknown action %q", r.Name, r.Action)
	}
	pattern, err := regexp.Compile(r.Subject)
	if err != nil {
		return apperr.Validation("rule %q has invalid subject pattern %q: %v", r.Name, r.Subject, err)
	}
	r.pattern = pattern
	return nil
}

// matches reports whether the rule applies to the given subject and
// request data. Unknown operators and missing fields fail the rule.
func (r *Rule) matches(subject string, requestData map[string]interface{}) bool {
	if !r.pattern.MatchString(subject) {
		return false
	}
	for key, expected := range r.Conditions {
		field, op, ok := splitCondition(key)
		if !ok {
			return false
		}
		actual, present := requestData[field]
		if !present {
			return false
		}
		if !compare(op, actual, expected) {
			return false
		}
	}
	return true
}

func splitCondition(key string) (field, op string, ok bool) {
	for _, candidate := range []string{opContains, opGreaterThan, opLessThan, opEquals} {
		if strings.HasSuffix(key, candidate) && len(key) > len(candidate) {
			return strings.TrimSuffix(key, candidate), candidate, true
		}
	}
	return "", "", false
}

func compare(op string, actual, expected interface{}) bool {
	switch op {
	case opEquals:
		return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", expected)
	case opContains:
		actualStr, ok1 := actual.(string)
		expectedStr, ok2 := expected.(string)
		return ok1 && ok2 && strings.Contains(actualStr, expectedStr)
	case opGreaterThan:
		a, okA := toFloat(actual)
		e, okE := toFloat(expected)
		return okA && okE && a > e
	case opLessThan:
		a, okA := toFloat(actual)
		e, okE := toFloat(expected)
		return okA && okE && a < e
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}

// Policy is an ordered rule set. Evaluation is deterministic: rules are
// filtered by approval type, then tried by priority descending with ties
// broken by insertion order; the first match wins.
type Policy struct {
	rules         []*Rule
	defaultAction Action
	active        bool
}

// New creates an active policy with the given default action.
func New(defaultAction Action) *Policy {
	if !defaultAction.Valid() {
		defaultAction = ActionAskUser
	}
	return &Policy{defaultAction: defaultAction, active: true}
}

// AddRule compiles and appends a rule.
func (p *Policy) AddRule(rule Rule) error {
	if err := rule.compile(); err != nil {
		return err
	}
	rule.order = len(p.rules)
	p.rules = append(p.rules, &rule)
	return nil
}

// SetActive toggles the policy. An inactive policy approves everything.
func (p *Policy) SetActive(active bool) {
	p.active = active
}

// Rules returns the rule set sorted in evaluation order.
func (p *Policy) Rules() []Rule {
	sorted := p.sortedRules()
	out := make([]Rule, len(sorted))
	for i, r := range sorted {
		out[i] = *r
	}
	return out
}

func (p *Policy) sortedRules() []*Rule {
	sorted := make([]*Rule, len(p.rules))
	copy(sorted, p.rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].order < sorted[j].order
	})
	return sorted
}

// Evaluate decides the action for an approval request.
func (p *Policy) Evaluate(approvalType models.ApprovalType, subject string, requestData map[string]interface{}) Action {
	if !p.active {
		return ActionApprove
	}
	for _, rule := range p.sortedRules() {
		if rule.Type != approvalType {
			continue
		}
		if rule.matches(subject, requestData) {
			return rule.Action
		}
	}
	return p.defaultAction
}

// Default returns the pre-loaded policy: mutating tools and plan
// executions escalate to the user, read-only tools auto-approve.
func Default() *Policy {
	p := New(ActionAskUser)
	rules := []Rule{
		{
			Name:     "mutating-tools-ask",
			Type:     models.ApprovalTypeToolCall,
			Subject:  `^(write_file|delete_file|execute_command|create_directory|move_file)$`,
			Action:   ActionAskUser,
			Priority: 100,
		},
		{
			Name:     "read-only-tools-approve",
			Type:     models.ApprovalTypeToolCall,
			Subject:  `^(read_file|list_files|search_files)$`,
			Action:   ActionApprove,
			Priority: 100,
		},
		{
			Name:     "plan-execution-ask",
			Type:     models.ApprovalTypePlanExecution,
			Subject:  `.*`,
			Action:   ActionAskUser,
			Priority: 50,
		},
	}
	for _, rule := range rules {
		// Default patterns are constants; compilation cannot fail.
		_ = p.AddRule(rule)
	}
	return p
}
