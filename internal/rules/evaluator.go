// Package rules provides the condition-tree model and its evaluator.
//
// A condition never fails the engine: malformed operators, bad regular
// expressions, and type mismatches all evaluate to false. The only contract
// an evaluation has with its caller is a boolean.
package rules

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

const (
	// maxPatternLength caps regex source size before compilation.
	maxPatternLength = 1024
	// maxRegexInputLength caps the subject string. Go's regexp engine is
	// linear in input size, so capping both sides bounds evaluation time
	// well under the per-condition budget.
	maxRegexInputLength = 10 * 1024
	// regexCacheLimit bounds the compiled-pattern cache.
	regexCacheLimit = 256
)

// Document is the attribute document a condition tree is evaluated against.
// Values are JSON-shaped: string, bool, float64, nil, []any, map[string]any.
type Document map[string]any

// Match evaluates a condition tree against the document.
func Match(c Condition, doc Document) bool {
	if c.IsEmpty() {
		return true
	}

	matched := true
	if c.Operator != "" {
		matched = matchLeaf(c, doc)
	}
	if matched && c.All != nil {
		for _, child := range c.All {
			if !Match(child, doc) {
				matched = false
				break
			}
		}
	}
	if matched && c.Any != nil {
		anyMatched := false
		for _, child := range c.Any {
			if Match(child, doc) {
				anyMatched = true
				break
			}
		}
		matched = anyMatched
	}
	if matched && c.Not != nil {
		matched = !Match(*c.Not, doc)
	}
	return matched
}

// Resolve walks a dotted attribute path through nested maps.
// Missing segments resolve to (nil, false).
func Resolve(doc Document, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = map[string]any(doc)
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func matchLeaf(c Condition, doc Document) bool {
	actual, present := Resolve(doc, c.Attribute)

	switch c.Operator {
	case OpEquals:
		return present && looseEqual(actual, c.Value)
	case OpNotEquals:
		// A missing attribute is not equal to anything.
		return !present || !looseEqual(actual, c.Value)
	case OpContains:
		return present && contains(actual, c.Value)
	case OpNotContains:
		return present && !contains(actual, c.Value)
	case OpStartsWith:
		s, ok1 := actual.(string)
		p, ok2 := c.Value.(string)
		return ok1 && ok2 && strings.HasPrefix(s, p)
	case OpEndsWith:
		s, ok1 := actual.(string)
		p, ok2 := c.Value.(string)
		return ok1 && ok2 && strings.HasSuffix(s, p)
	case OpIn:
		return present && membership(actual, c.Value)
	case OpNotIn:
		return present && !membership(actual, c.Value)
	case OpGreaterThan:
		return compareNumbers(actual, c.Value, func(a, b float64) bool { return a > b })
	case OpLessThan:
		return compareNumbers(actual, c.Value, func(a, b float64) bool { return a < b })
	case OpGreaterThanOrEqual:
		return compareNumbers(actual, c.Value, func(a, b float64) bool { return a >= b })
	case OpLessThanOrEqual:
		return compareNumbers(actual, c.Value, func(a, b float64) bool { return a <= b })
	case OpRegex:
		return matchRegex(actual, c.Value)
	default:
		return false
	}
}

// looseEqual compares two JSON-shaped values, treating all numeric types as
// float64 so 2 == 2.0 regardless of how the value was decoded.
func looseEqual(a, b any) bool {
	if af, aok := toNumber(a); aok {
		bf, bok := toNumber(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		// Composite values compare false; rules target scalars.
		return false
	}
}

// contains tests substring containment on strings and membership on arrays.
func contains(actual, expected any) bool {
	switch av := actual.(type) {
	case string:
		ev, ok := expected.(string)
		return ok && strings.Contains(av, ev)
	case []any:
		for _, item := range av {
			if looseEqual(item, expected) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// membership requires the condition value to be an array and tests whether
// the actual value is one of its elements.
func membership(actual, expected any) bool {
	list, ok := expected.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEqual(actual, item) {
			return true
		}
	}
	return false
}

func compareNumbers(a, b any, cmp func(a, b float64) bool) bool {
	af, ok := toNumber(a)
	if !ok {
		return false
	}
	bf, ok := toNumber(b)
	if !ok {
		return false
	}
	return cmp(af, bf)
}

// toNumber coerces JSON numbers, Go integer types, and numeric strings.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

var (
	regexCacheMu sync.Mutex
	regexCache   = make(map[string]*regexp.Regexp)
)

// matchRegex compiles the pattern (cached) and matches the subject.
// Oversized patterns or subjects and compilation failures evaluate false.
func matchRegex(actual, pattern any) bool {
	p, ok := pattern.(string)
	if !ok || len(p) > maxPatternLength {
		return false
	}
	s, ok := actual.(string)
	if !ok || len(s) > maxRegexInputLength {
		return false
	}

	regexCacheMu.Lock()
	re, cached := regexCache[p]
	regexCacheMu.Unlock()
	if !cached {
		var err error
		re, err = regexp.Compile(p)
		if err != nil {
			return false
		}
		regexCacheMu.Lock()
		if len(regexCache) >= regexCacheLimit {
			regexCache = make(map[string]*regexp.Regexp)
		}
		regexCache[p] = re
		regexCacheMu.Unlock()
	}
	return re.MatchString(s)
}
