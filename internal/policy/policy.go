// Package policy evaluates principal x resource x action requests against a
// rule set with wildcard patterns and dotted-path conditions.
package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/aegis-mesh/core/pkg/apierrors"
)

// Effect is the outcome a matching rule produces.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule is a single policy statement.
type Rule struct {
	ID        string
	Name      string
	Principal string
	Resource  string
	Effect    Effect
	Condition map[string]interface{}
	ExpiresAt *time.Time
}

func (r *Rule) expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// EvaluationContext describes a single access request.
type EvaluationContext struct {
	Principal  string
	Resource   string
	Action     string
	Attributes map[string]interface{}
}

// Decision is the result of Evaluate.
type Decision struct {
	Allowed bool
	Matched []*Rule
	Reason  string
}

// Engine holds the rule set and default effect.
type Engine struct {
	mu            sync.RWMutex
	rules         map[string]*Rule
	defaultEffect Effect
	patternCache  map[string]*regexp.Regexp
}

// New creates an Engine. defaultEffect is used when no rule matches;
// an empty value defaults to deny, matching the documented default.
func New(defaultEffect Effect) *Engine {
	if defaultEffect == "" {
		defaultEffect = EffectDeny
	}
	return &Engine{
		rules:         make(map[string]*Rule),
		defaultEffect: defaultEffect,
		patternCache:  make(map[string]*regexp.Regexp),
	}
}

// AddRule registers a rule, replacing any existing rule with the same id.
func (e *Engine) AddRule(rule *Rule) error {
	if rule.ID == "" {
		return apierrors.InvalidArgument("id", "rule id is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = rule
	return nil
}

// Remove deletes a rule by id. Not an error if absent.
func (e *Engine) Remove(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, ruleID)
}

// Evaluate runs the documented evaluation order: deny before allow before
// the configured default.
func (e *Engine) Evaluate(ctx *EvaluationContext) (*Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := time.Now()
	var applicable []*Rule
	for _, rule := range e.rules {
		if rule.expired(now) {
			continue
		}
		if !e.patternMatches(rule.Principal, ctx.Principal) {
			continue
		}
		if !e.patternMatches(rule.Resource, ctx.Resource) {
			continue
		}
		applicable = append(applicable, rule)
	}

	var denies, allows []*Rule
	for _, rule := range applicable {
		if rule.Effect == EffectDeny {
			denies = append(denies, rule)
		} else {
			allows = append(allows, rule)
		}
	}

	var matchedDenies []*Rule
	for _, rule := range denies {
		if conditionMatches(rule.Condition, ctx.Attributes) {
			matchedDenies = append(matchedDenies, rule)
		}
	}
	if len(matchedDenies) > 0 {
		return &Decision{Allowed: false, Matched: matchedDenies, Reason: "denied by rule " + matchedDenies[0].ID}, nil
	}

	var matchedAllows []*Rule
	for _, rule := range allows {
		if conditionMatches(rule.Condition, ctx.Attributes) {
			matchedAllows = append(matchedAllows, rule)
		}
	}
	if len(matchedAllows) > 0 {
		return &Decision{Allowed: true, Matched: matchedAllows, Reason: "allowed by rule " + matchedAllows[0].ID}, nil
	}

	return &Decision{
		Allowed: e.defaultEffect == EffectAllow,
		Reason:  "default effect applied",
	}, nil
}

// patternMatches implements literal equality, or `*` compiled to `.*`
// (anchored, other regex metacharacters escaped).
func (e *Engine) patternMatches(pattern, value string) bool {
	if pattern == value {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	re, ok := e.patternCache[pattern]
	if !ok {
		re = compileWildcard(pattern)
		e.patternCache[pattern] = re
	}
	return re.MatchString(value)
}

func compileWildcard(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}

// conditionMatches evaluates a condition map against attributes. A nil or
// empty condition matches unconditionally.
func conditionMatches(condition map[string]interface{}, attributes map[string]interface{}) bool {
	if len(condition) == 0 {
		return true
	}
	for path, expected := range condition {
		actual, found := lookupPath(attributes, path)
		if !evaluateCondition(expected, actual, found) {
			return false
		}
	}
	return true
}

// lookupPath traverses attributes by dot path via jsonpath, falling back to
// a plain map walk for paths jsonpath cannot express.
func lookupPath(attributes map[string]interface{}, path string) (interface{}, bool) {
	query := "$." + path
	value, err := jsonpath.Get(query, attributes)
	if err == nil {
		return value, true
	}

	cur := interface{}(attributes)
	for _, segment := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[segment]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// evaluateCondition supports operator-objects ($eq,$ne,$gt,$gte,$lt,$lte,
// $in,$nin), regex match, list membership, and plain equality. Missing
// paths compare as absent and fail unless the operator explicitly accepts.
func evaluateCondition(expected, actual interface{}, found bool) bool {
	opMap, isOpMap := expected.(map[string]interface{})
	if !isOpMap {
		if !found {
			return false
		}
		if re, ok := regexExpected(expected); ok {
			return re.MatchString(fmt.Sprintf("%v", actual))
		}
		return looseEqual(actual, expected)
	}

	for op, val := range opMap {
		switch op {
		case "$eq":
			if !found || !looseEqual(actual, val) {
				return false
			}
		case "$ne":
			if found && looseEqual(actual, val) {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !found {
				return false
			}
			cmp, ok := compareNumeric(actual, val)
			if !ok {
				return false
			}
			switch op {
			case "$gt":
				if !(cmp > 0) {
					return false
				}
			case "$gte":
				if !(cmp >= 0) {
					return false
				}
			case "$lt":
				if !(cmp < 0) {
					return false
				}
			case "$lte":
				if !(cmp <= 0) {
					return false
				}
			}
		case "$in":
			if !found || !memberOf(actual, val) {
				return false
			}
		case "$nin":
			if found && memberOf(actual, val) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func regexExpected(expected interface{}) (*regexp.Regexp, bool) {
	s, ok := expected.(string)
	if !ok || !strings.HasPrefix(s, "/") || !strings.HasSuffix(s, "/") || len(s) < 2 {
		return nil, false
	}
	re, err := regexp.Compile(s[1 : len(s)-1])
	if err != nil {
		return nil, false
	}
	return re, true
}

func looseEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareNumeric(a, b interface{}) (int, bool) {
	fa, ok1 := toFloat(a)
	fb, ok2 := toFloat(b)
	if !ok1 || !ok2 {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	default:
		return 0, true
	}
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
	}
	return 0, false
}

func memberOf(actual, list interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(actual, item) {
			return true
		}
	}
	return false
}

// Export serializes the current rule set to JSON.
func (e *Engine) Export() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rules := make([]*Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		rules = append(rules, rule)
	}
	return json.Marshal(rules)
}

// Import replaces the rule set with one previously produced by Export.
func (e *Engine) Import(data []byte) error {
	var rules []*Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return apierrors.InvalidArgument("data", err.Error())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[string]*Rule, len(rules))
	for _, rule := range rules {
		e.rules[rule.ID] = rule
	}
	return nil
}
