// Package condition implements field resolution and condition evaluation
// against an authz.Context (spec.md §4.2): field conditions, time conditions,
// compound boolean conditions, and the expression-condition addition from
// SPEC_FULL.md.
package condition

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/polyauthz/engine/internal/authz"
)

// absent is the sentinel returned by resolveField for a missing value. It
// never equals a present value; valuesEqual treats two absent values as
// equal (handled explicitly by the operators).
type absent struct{}

// resolveField reads a field's value from ctx following spec.md §4.2's
// resolution order: known top-level fields, then direct key lookup in
// ctx.Fields, then dot-notation descent into nested maps. A missing segment
// at any point yields absent.
func resolveField(ctx authz.Context, field string) interface{} {
	switch field {
	case "clientId":
		return ctx.ClientID
	case "agentId":
		return ctx.AgentID
	case "action":
		return ctx.Action
	case "resource":
		return ctx.Resource
	case "platform":
		return ctx.Platform
	case "timestamp":
		return ctx.EffectiveTimestamp()
	}

	if ctx.Fields == nil {
		return absent{}
	}
	if v, ok := ctx.Fields[field]; ok {
		return v
	}

	segments := strings.Split(field, ".")
	if len(segments) < 2 {
		return absent{}
	}

	var cur interface{} = ctx.Fields
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return absent{}
		}
		v, ok := m[seg]
		if !ok {
			return absent{}
		}
		cur = v
	}
	return cur
}

// isAbsent reports whether v is the "field not found" sentinel.
func isAbsent(v interface{}) bool {
	_, ok := v.(absent)
	return ok
}

// synthetic time-field values, derived from the effective timestamp.
func syntheticTimeField(now time.Time, field string) (interface{}, bool) {
	switch field {
	case "current_time", "time":
		return now.Format("15:04"), true
	case "current_date", "date":
		return now.Format("2006-01-02"), true
	case "day_of_week":
		return int(now.Weekday()), true // time.Sunday == 0, matches spec.md Sunday=0
	case "hour":
		return now.Hour(), true
	case "minute":
		return now.Minute(), true
	}
	return nil, false
}

// toFloat converts v to a float64 and reports success. Used by the numeric
// comparison path; both Go numeric kinds and numeric strings decoded from
// YAML/JSON are accepted.
func toFloat(v interface{}) (float64, bool) {
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
	case uint:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// toString renders v for lexicographic comparisons; time.Time uses RFC3339
// so chronological and lexicographic order agree.
func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case time.Time:
		return s.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}
