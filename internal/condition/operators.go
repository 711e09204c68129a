package condition

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
)

// Result is the outcome of evaluating a single condition node, kept for the
// audit trail even when the condition isn't the one that decided the rule
// (spec.md §4.2/§4.6).
type Result struct {
	Satisfied bool
	Error     string // non-empty if evaluation failed; Satisfied is then false
}

func ok(satisfied bool) Result { return Result{Satisfied: satisfied} }

func failedf(f string, a ...any) Result {
	return Result{Satisfied: false, Error: fmt.Sprintf(f, a...)}
}

// evalField evaluates a field condition (spec.md §4.2) against the
// resolved left-hand value.
func evalField(left interface{}, operator string, right interface{}) Result {
	switch operator {
	case "equals":
		return ok(valuesEqual(left, right))
	case "not_equals":
		return ok(!valuesEqual(left, right))

	case "gt", "gte", "lt", "lte":
		return ok(compareOp(left, right, operator))

	case "in":
		arr, isArr := asSlice(right)
		if !isArr {
			return ok(false)
		}
		for _, item := range arr {
			if valuesEqual(left, item) {
				return ok(true)
			}
		}
		return ok(false)

	case "not_in":
		arr, isArr := asSlice(right)
		if !isArr {
			return ok(false)
		}
		for _, item := range arr {
			if valuesEqual(left, item) {
				return ok(false)
			}
		}
		return ok(true)

	case "contains":
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return ok(false)
		}
		return ok(containsString(ls, rs))

	case "starts_with":
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return ok(false)
		}
		return ok(startsWith(ls, rs))

	case "ends_with":
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return ok(false)
		}
		return ok(endsWith(ls, rs))

	case "matches":
		rs, rok := right.(string)
		if !rok {
			return ok(false)
		}
		re, err := regexp.Compile(rs)
		if err != nil {
			return failedf("matches: invalid pattern %q: %v", rs, err)
		}
		return ok(re.MatchString(toString(left)))

	case "between":
		return evalBetween(left, right)

	default:
		return failedf("unknown field operator %q", operator)
	}
}

// evalBetween implements the dual numeric/lexicographic inclusive-range
// semantics from spec.md §4.2.
func evalBetween(left interface{}, right interface{}) Result {
	bounds, ok2 := right.(map[string]interface{})
	if !ok2 {
		return failedf("between: right side must be an object with start/end")
	}
	start, hasStart := bounds["start"]
	end, hasEnd := bounds["end"]
	if !hasStart || !hasEnd {
		return failedf("between: missing start or end")
	}

	lf, lok := toFloat(left)
	sf, sok := toFloat(start)
	ef, eok := toFloat(end)
	if lok && sok && eok {
		return ok(lf >= sf && lf <= ef)
	}

	ls, ss, es := toString(left), toString(start), toString(end)
	return ok(ls >= ss && ls <= es)
}

// evalTime evaluates a time condition (spec.md §4.2) against the effective
// timestamp. field selects which synthetic value (spec.md §4.2) the
// operator compares: current_time/time and current_date/date yield strings
// compared lexicographically ("HH:MM" so lexicographic order is
// chronological order within a day), hour/minute/day_of_week yield ints.
func evalTime(now time.Time, field, operator string, value interface{}) Result {
	// day_of_week is array-membership of the current day integer regardless
	// of which synthetic field named the condition (spec.md §4.2/§8).
	if operator == "day_of_week" {
		days, isArr := asSlice(value)
		if !isArr {
			return ok(false)
		}
		current := int(now.Weekday())
		for _, d := range days {
			if df, isNum := toFloat(d); isNum && int(df) == current {
				return ok(true)
			}
		}
		return ok(false)
	}

	current, known := syntheticTimeField(now, field)
	if !known {
		return failedf("unknown time field %q", field)
	}

	switch operator {
	case "between":
		bounds, ok2 := value.(map[string]interface{})
		if !ok2 {
			return failedf("time between: right side must be an object with start/end")
		}
		start, hasStart := bounds["start"]
		end, hasEnd := bounds["end"]
		if !hasStart || !hasEnd {
			return failedf("time between: missing start or end")
		}
		return evalTimeBetween(current, start, end)

	case "after":
		return evalTimeCompare(current, value, func(a, b float64) bool { return a > b }, func(a, b string) bool { return a > b })

	case "before":
		return evalTimeCompare(current, value, func(a, b float64) bool { return a < b }, func(a, b string) bool { return a < b })

	default:
		return failedf("unknown time operator %q", operator)
	}
}

// evalTimeBetween applies the overnight-wrap inclusive range rule: if
// start <= end it's a plain inclusive range, otherwise (start > end) it
// wraps past midnight and is true when current >= start OR current <= end.
func evalTimeBetween(current, start, end interface{}) Result {
	if cf, cok := toFloat(current); cok {
		if sf, sok := toFloat(start); sok {
			if ef, eok := toFloat(end); eok {
				if sf <= ef {
					return ok(cf >= sf && cf <= ef)
				}
				return ok(cf >= sf || cf <= ef)
			}
		}
	}
	cs, ss, es := toString(current), toString(start), toString(end)
	if ss <= es {
		return ok(cs >= ss && cs <= es)
	}
	return ok(cs >= ss || cs <= es)
}

func evalTimeCompare(current, boundary interface{}, numCmp func(a, b float64) bool, strCmp func(a, b string) bool) Result {
	if cf, cok := toFloat(current); cok {
		if bf, bok := toFloat(boundary); bok {
			return ok(numCmp(cf, bf))
		}
	}
	return ok(strCmp(toString(current), toString(boundary)))
}

// valuesEqual implements strict equality across the dynamic value types a
// Context.Fields map or a policy document can carry.
func valuesEqual(a, b interface{}) bool {
	if isAbsent(a) || isAbsent(b) {
		return isAbsent(a) && isAbsent(b)
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

// compareOp implements gt/gte/lt/lte: numeric comparison when both sides are
// numeric, lexicographic string comparison otherwise (spec.md §4.2 and the
// dual-path convention noted in spec.md §9 Open Questions — mixing numeric
// and non-numeric operands falls through to string comparison).
func compareOp(left, right interface{}, operator string) bool {
	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			switch operator {
			case "gt":
				return lf > rf
			case "gte":
				return lf >= rf
			case "lt":
				return lf < rf
			case "lte":
				return lf <= rf
			}
		}
	}
	ls, rs := toString(left), toString(right)
	switch operator {
	case "gt":
		return ls > rs
	case "gte":
		return ls >= rs
	case "lt":
		return ls < rs
	case "lte":
		return ls <= rs
	}
	return false
}

func asSlice(v interface{}) ([]interface{}, bool) {
	arr, ok := v.([]interface{})
	return arr, ok
}

func containsString(s, substr string) bool { return strings.Contains(s, substr) }

func startsWith(s, prefix string) bool { return strings.HasPrefix(s, prefix) }

func endsWith(s, suffix string) bool { return strings.HasSuffix(s, suffix) }
