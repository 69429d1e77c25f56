package rule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Tosindo/Asterisk-AMI-Event-Logger/ami"
)

// Supported leaf operators
const (
	OpEqual            = "eq"
	OpNotEqual         = "ne"
	OpContains         = "contains"
	OpStartsWith       = "starts_with"
	OpEndsWith         = "ends_with"
	OpRegexMatch       = "regex"
	OpExists           = "exists"
	OpLessThan         = "lt"
	OpLessThanEqual    = "lte"
	OpGreaterThan      = "gt"
	OpGreaterThanEqual = "gte"
)

// Condition is the configuration form of a predicate tree. Exactly one of
// the leaf (Field), All, Any or Not must be set.
type Condition struct {
	Field      string `json:"field,omitempty" yaml:"field,omitempty"`
	Op         string `json:"op,omitempty" yaml:"op,omitempty"` // defaults to eq
	Value      string `json:"value,omitempty" yaml:"value,omitempty"`
	IgnoreCase bool   `json:"ignore_case,omitempty" yaml:"ignore_case,omitempty"`

	All []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty"`
	Not *Condition  `json:"not,omitempty" yaml:"not,omitempty"`
}

// predicate is a compiled, side-effect free test over an event.
type predicate interface {
	match(ev *ami.Event) bool
}

type allOf []predicate

func (a allOf) match(ev *ami.Event) bool {
	for _, p := range a {
		if !p.match(ev) {
			return false
		}
	}
	return true
}

type anyOf []predicate

func (a anyOf) match(ev *ami.Event) bool {
	for _, p := range a {
		if p.match(ev) {
			return true
		}
	}
	return false
}

type notOf struct{ inner predicate }

func (n notOf) match(ev *ami.Event) bool { return !n.inner.match(ev) }

// leaf tests one field. A field missing from the event fails every operator.
type leaf struct {
	field string
	test  func(value string) bool
}

func (l leaf) match(ev *ami.Event) bool {
	v, ok := ev.Get(l.field)
	if !ok {
		return false
	}
	return l.test(v)
}

const maxConditionDepth = 32

func compileCondition(c Condition, path string, depth int) (predicate, error) {
	if depth > maxConditionDepth {
		return nil, fmt.Errorf("%s: nesting deeper than %d", path, maxConditionDepth)
	}

	set := 0
	if c.Field != "" || c.Op != "" || c.Value != "" {
		set++
	}
	if c.All != nil {
		set++
	}
	if c.Any != nil {
		set++
	}
	if c.Not != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("%s: exactly one of field, all, any or not must be set", path)
	}

	switch {
	case c.All != nil:
		return compileChildren(c.All, path+".all", depth, func(ps []predicate) predicate { return allOf(ps) })
	case c.Any != nil:
		return compileChildren(c.Any, path+".any", depth, func(ps []predicate) predicate { return anyOf(ps) })
	case c.Not != nil:
		inner, err := compileCondition(*c.Not, path+".not", depth+1)
		if err != nil {
			return nil, err
		}
		return notOf{inner}, nil
	default:
		return compileLeaf(c, path)
	}
}

func compileChildren(children []Condition, path string, depth int, build func([]predicate) predicate) (predicate, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("%s: must not be empty", path)
	}
	ps := make([]predicate, 0, len(children))
	for i, child := range children {
		p, err := compileCondition(child, fmt.Sprintf("%s[%d]", path, i), depth+1)
		if err != nil {
			return nil, err
		}
		ps = append(ps, p)
	}
	if len(ps) == 1 {
		return ps[0], nil
	}
	return build(ps), nil
}

func compileLeaf(c Condition, path string) (predicate, error) {
	if strings.TrimSpace(c.Field) == "" {
		return nil, fmt.Errorf("%s: field is required", path)
	}

	op := c.Op
	if op == "" {
		op = OpEqual
	}

	want := c.Value
	norm := func(s string) string { return s }
	if c.IgnoreCase {
		norm = strings.ToLower
		want = strings.ToLower(want)
	}

	var test func(string) bool
	switch op {
	case OpEqual:
		test = func(v string) bool { return norm(v) == want }
	case OpNotEqual:
		test = func(v string) bool { return norm(v) != want }
	case OpContains:
		test = func(v string) bool { return strings.Contains(norm(v), want) }
	case OpStartsWith:
		test = func(v string) bool { return strings.HasPrefix(norm(v), want) }
	case OpEndsWith:
		test = func(v string) bool { return strings.HasSuffix(norm(v), want) }
	case OpExists:
		test = func(string) bool { return true }
	case OpRegexMatch:
		pattern := c.Value
		if c.IgnoreCase {
			pattern = "(?i)" + pattern
		}
		re, err := compileRegex(pattern)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		test = re.MatchString
	case OpLessThan, OpLessThanEqual, OpGreaterThan, OpGreaterThanEqual:
		bound, err := strconv.ParseFloat(c.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: operator %s needs a numeric value, got %q", path, op, c.Value)
		}
		test = numericTest(op, bound)
	default:
		return nil, fmt.Errorf("%s: unsupported operator %q", path, op)
	}

	return leaf{field: c.Field, test: test}, nil
}

// numericTest fails for values that do not parse as numbers.
func numericTest(op string, bound float64) func(string) bool {
	return func(v string) bool {
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return false
		}
		switch op {
		case OpLessThan:
			return n < bound
		case OpLessThanEqual:
			return n <= bound
		case OpGreaterThan:
			return n > bound
		default:
			return n >= bound
		}
	}
}

var repetitionRegex = regexp.MustCompile(`\{\s*(\d+)`)

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if err := validateRegexComplexity(pattern); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern '%s': %w", pattern, err)
	}
	return re, nil
}

// validateRegexComplexity rejects patterns that are expensive to compile or
// match. Go's regexp engine does not backtrack, but rules are loaded from
// configuration and run against every event.
func validateRegexComplexity(pattern string) error {
	if len(pattern) > 500 {
		return fmt.Errorf("regex pattern too long (max 500 chars): %d chars", len(pattern))
	}

	dangerousFragments := []string{
		`(\w+)*\w`,
		`(\w*)+`,
		`(a+)+`,
		`([a-zA-Z]+)*`,
		`(\d+)*\d`,
		`(.*)*`,
		`(.+)+`,
		`(\s+)*\s`,
		`([^,]+)*[^,]`,
	}
	for _, fragment := range dangerousFragments {
		if strings.Contains(pattern, fragment) {
			return fmt.Errorf("regex pattern contains nested quantifiers")
		}
	}

	for _, m := range repetitionRegex.FindAllStringSubmatch(pattern, -1) {
		if n, err := strconv.Atoi(m[1]); err != nil || n >= 1000 {
			return fmt.Errorf("regex pattern contains excessive repetition count (>= 1000)")
		}
	}

	if strings.Count(pattern, "(") > 20 {
		return fmt.Errorf("regex pattern has too many groups (max 20)")
	}

	nest, maxNest := 0, 0
	for _, ch := range pattern {
		switch ch {
		case '(':
			nest++
			if nest > maxNest {
				maxNest = nest
			}
		case ')':
			nest--
		}
	}
	if maxNest > 5 {
		return fmt.Errorf("regex pattern has excessive nesting depth (max 5 levels)")
	}

	return nil
}
