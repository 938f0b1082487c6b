package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Operator names a comparison.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpLessThan           Operator = "less_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpStartsWith         Operator = "starts_with"
	OpEndsWith           Operator = "ends_with"
	OpRegex              Operator = "regex"
	OpIsEmpty            Operator = "is_empty"
	OpIsNotEmpty         Operator = "is_not_empty"
)

func (op Operator) valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual,
		OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpRegex, OpIsEmpty, OpIsNotEmpty:
		return true
	}
	return false
}

// evaluate looks the path up in doc and applies the operator. A missing field is
// empty; any other operator on a missing field is an error.
func (c *Condition) evaluate(doc []byte) (bool, error) {
	actual := gjson.GetBytes(doc, c.Path)
	switch c.Operator {
	case OpIsEmpty:
		return isEmpty(actual), nil
	case OpIsNotEmpty:
		return !isEmpty(actual), nil
	}
	if !actual.Exists() {
		return false, fmt.Errorf("field %q not found", c.Path)
	}

	switch c.Operator {
	case OpEquals:
		return c.equals(actual), nil
	case OpNotEquals:
		return !c.equals(actual), nil
	case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
		return c.order(actual)
	case OpRegex:
		return c.re.MatchString(actual.String()), nil
	}

	a, b := actual.String(), stringOf(c.Value)
	if c.CaseInsensitive {
		a, b = strings.ToLower(a), strings.ToLower(b)
	}
	switch c.Operator {
	case OpContains:
		return strings.Contains(a, b), nil
	case OpNotContains:
		return !strings.Contains(a, b), nil
	case OpStartsWith:
		return strings.HasPrefix(a, b), nil
	default:
		return strings.HasSuffix(a, b), nil
	}
}

func (c *Condition) equals(actual gjson.Result) bool {
	if actual.Type == gjson.Number {
		if want, err := numberOf(c.Value); err == nil {
			return actual.Num == want
		}
	}
	if actual.IsBool() {
		if want, ok := c.Value.(bool); ok {
			return actual.Bool() == want
		}
	}
	a, b := actual.String(), stringOf(c.Value)
	if c.CaseInsensitive {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func (c *Condition) order(actual gjson.Result) (bool, error) {
	want, err := numberOf(c.Value)
	if err != nil {
		return false, err
	}
	var got float64
	switch actual.Type {
	case gjson.Number:
		got = actual.Num
	case gjson.String:
		if got, err = strconv.ParseFloat(actual.Str, 64); err != nil {
			return false, fmt.Errorf("field %q is not a number: %q", c.Path, actual.Str)
		}
	default:
		return false, fmt.Errorf("field %q is not a number", c.Path)
	}

	switch c.Operator {
	case OpGreaterThan:
		return got > want, nil
	case OpLessThan:
		return got < want, nil
	case OpGreaterThanOrEqual:
		return got >= want, nil
	default:
		return got <= want, nil
	}
}

func isEmpty(r gjson.Result) bool {
	switch r.Type {
	case gjson.Null:
		return true
	case gjson.String:
		return r.Str == ""
	case gjson.False:
		return true
	case gjson.Number:
		return r.Num == 0
	case gjson.JSON:
		if r.IsArray() {
			return len(r.Array()) == 0
		}
		return len(r.Map()) == 0
	}
	return false
}

func numberOf(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot compare with %q: not a number", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("cannot compare with %T", v)
}

func stringOf(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
