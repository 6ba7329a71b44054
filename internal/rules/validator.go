package rules

import (
	"fmt"
	"regexp"
)

const maxConditionDepth = 10

// ValidateCondition checks a condition tree for structural problems before it
// is stored: unknown operators, in/not_in without an array value, regex
// patterns that do not compile, and runaway nesting. Evaluation itself never
// errors; validation exists so admins learn about broken rules at write time.
func ValidateCondition(c Condition) error {
	return validateCondition(c, 0)
}

func validateCondition(c Condition, depth int) error {
	if depth > maxConditionDepth {
		return fmt.Errorf("condition tree exceeds maximum depth of %d", maxConditionDepth)
	}

	if c.Operator != "" {
		if !knownOperators[c.Operator] {
			return fmt.Errorf("unknown operator %q", c.Operator)
		}
		if c.Attribute == "" {
			return fmt.Errorf("operator %q requires an attribute", c.Operator)
		}
		switch c.Operator {
		case OpIn, OpNotIn:
			if _, ok := c.Value.([]any); !ok {
				return fmt.Errorf("operator %q requires an array value", c.Operator)
			}
		case OpRegex:
			p, ok := c.Value.(string)
			if !ok {
				return fmt.Errorf("operator %q requires a string pattern", c.Operator)
			}
			if len(p) > maxPatternLength {
				return fmt.Errorf("regex pattern exceeds %d bytes", maxPatternLength)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid regex pattern: %v", err)
			}
		}
	} else if c.Attribute != "" || c.Value != nil {
		return fmt.Errorf("attribute/value present without an operator")
	}

	for i, child := range c.All {
		if err := validateCondition(child, depth+1); err != nil {
			return fmt.Errorf("all[%d]: %w", i, err)
		}
	}
	for i, child := range c.Any {
		if err := validateCondition(child, depth+1); err != nil {
			return fmt.Errorf("any[%d]: %w", i, err)
		}
	}
	if c.Not != nil {
		if err := validateCondition(*c.Not, depth+1); err != nil {
			return fmt.Errorf("not: %w", err)
		}
	}
	return nil
}
