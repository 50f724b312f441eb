package operations

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
)

// NotFoundError reports that no registered overload matched the request:
// either the name is unknown, or a required parameter was missing or
// mistyped for every overload.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("operation '%s' not found", e.Name)
}

// AmbiguousError reports that more than one overload matched equally well.
type AmbiguousError struct {
	Name  string
	Count int
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous call: %d overloads of '%s' match the request", e.Count, e.Name)
}

// CallingContext is the per-call binding result: the chosen operation plus
// the concrete, coerced parameter values. Created fresh per request and
// discarded after invocation.
type CallingContext struct {
	Operation  *OperationInfo
	Parameters map[string]interface{}
}

// Resolve selects the unique best overload of name for the given parameter
// bag. Resolution is pure: no registry or content mutation happens here.
func (r *Registry) Resolve(name string, bag map[string]interface{}) (*CallingContext, error) {
	candidates := r.Candidates(name)
	if len(candidates) == 0 {
		return nil, &NotFoundError{Name: name}
	}

	// Parameter names bind case-insensitively.
	lowerBag := make(map[string]interface{}, len(bag))
	for k, v := range bag {
		lowerBag[strings.ToLower(k)] = v
	}

	type match struct {
		op     *OperationInfo
		params map[string]interface{}
		loose  int // count of loosely-coerced bound parameters
	}
	var matches []match

	for _, op := range candidates {
		params, loose, ok := bindCandidate(op, lowerBag)
		if !ok {
			continue
		}
		matches = append(matches, match{op: op, params: params, loose: loose})
	}

	switch len(matches) {
	case 0:
		return nil, &NotFoundError{Name: name}
	case 1:
		return &CallingContext{Operation: matches[0].op, Parameters: matches[0].params}, nil
	}

	// Prefer the unique candidate with the fewest loose coercions; an exact
	// tie is an ambiguous call, never a silent pick.
	best := matches[0]
	bestCount := 1
	for _, m := range matches[1:] {
		switch {
		case m.loose < best.loose:
			best = m
			bestCount = 1
		case m.loose == best.loose:
			bestCount++
		}
	}
	if bestCount > 1 {
		return nil, &AmbiguousError{Name: name, Count: bestCount}
	}
	return &CallingContext{Operation: best.op, Parameters: best.params}, nil
}

// bindCandidate attempts to bind the bag against one overload. Every
// required parameter must be present and coercible; optional parameters bind
// when present but reject the candidate when present and uncoercible; bag
// keys consumed by neither are ignored.
func bindCandidate(op *OperationInfo, lowerBag map[string]interface{}) (map[string]interface{}, int, bool) {
	params := make(map[string]interface{}, len(op.Required)+len(op.Optional))
	loose := 0

	for _, p := range op.Required {
		value, present := lowerBag[strings.ToLower(p.Name)]
		if !present {
			return nil, 0, false
		}
		coerced, strict, ok := coerceValue(value, p.Type)
		if !ok {
			return nil, 0, false
		}
		if !strict {
			loose++
		}
		params[p.Name] = coerced
	}

	for _, p := range op.Optional {
		value, present := lowerBag[strings.ToLower(p.Name)]
		if !present {
			continue
		}
		coerced, strict, ok := coerceValue(value, p.Type)
		if !ok {
			return nil, 0, false
		}
		if !strict {
			loose++
		}
		params[p.Name] = coerced
	}

	return params, loose, true
}

// coerceValue converts a bag value to a declared parameter type. The strict
// flag reports whether the value was natively assignable, as opposed to a
// culture-aware string conversion.
func coerceValue(value interface{}, t ParamType) (interface{}, bool, bool) {
	if value == nil {
		// Explicit JSON null binds nil only on nullable primitives; it is
		// distinct from "missing", which only satisfies optional parameters.
		if t.Kind == KindPrimitive && t.Nullable {
			return nil, true, true
		}
		return nil, false, false
	}

	switch t.Kind {
	case KindPrimitive:
		return coercePrimitive(value, t.Prim)
	case KindArray:
		return coerceArray(value, t)
	case KindObject:
		return coerceObject(value, t)
	default:
		return nil, false, false
	}
}

func coerceArray(value interface{}, t ParamType) (interface{}, bool, bool) {
	var elements []interface{}
	strict := true

	switch v := value.(type) {
	case []interface{}:
		elements = v
	case string:
		switch t.Convention {
		case ConvODataArray:
			// Comma-joined calling convention.
			for _, token := range strings.Split(v, ",") {
				elements = append(elements, strings.TrimSpace(token))
			}
			strict = false
		case ConvEnumerable, ConvList:
			// A single query-string occurrence binds as a one-element
			// collection.
			elements = []interface{}{v}
			strict = false
		default:
			return nil, false, false
		}
	default:
		return nil, false, false
	}

	out := make([]interface{}, 0, len(elements))
	for _, element := range elements {
		coerced, elemStrict, ok := coercePrimitive(element, t.Elem)
		if !ok {
			return nil, false, false
		}
		if !elemStrict {
			strict = false
		}
		out = append(out, coerced)
	}
	return out, strict, true
}

// coerceObject binds a JSON object payload against the registered candidate
// shapes by structural matching: a shape is eligible when all of its required
// properties are present; among eligible shapes the one leaving the fewest
// payload keys unused wins, earliest declared on a tie.
func coerceObject(value interface{}, t ParamType) (interface{}, bool, bool) {
	payload, ok := value.(map[string]interface{})
	if !ok {
		return nil, false, false
	}

	lowerKeys := make(map[string]bool, len(payload))
	for k := range payload {
		lowerKeys[strings.ToLower(k)] = true
	}

	var (
		bestValue  interface{}
		bestUnused = -1
	)
	for _, shape := range t.Shapes {
		eligible := true
		for _, required := range shape.Required {
			if !lowerKeys[strings.ToLower(required)] {
				eligible = false
				break
			}
		}
		if !eligible {
			continue
		}

		target := shape.New()
		var md mapstructure.Metadata
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           target,
			Metadata:         &md,
			WeaklyTypedInput: true,
		})
		if err != nil {
			continue
		}
		if err := decoder.Decode(payload); err != nil {
			continue
		}
		if bestUnused == -1 || len(md.Unused) < bestUnused {
			bestValue = target
			bestUnused = len(md.Unused)
		}
	}
	if bestUnused == -1 {
		return nil, false, false
	}
	return bestValue, true, true
}

func coercePrimitive(value interface{}, prim Primitive) (interface{}, bool, bool) {
	switch prim {
	case PrimString:
		switch v := value.(type) {
		case string:
			return v, true, true
		case json.Number:
			return v.String(), false, true
		case bool:
			return strconv.FormatBool(v), false, true
		}
		return nil, false, false

	case PrimInt:
		n, strict, ok := toInt64(value)
		if !ok || n < -1<<31 || n > 1<<31-1 {
			return nil, false, false
		}
		return int(n), strict, true

	case PrimLong:
		n, strict, ok := toInt64(value)
		if !ok {
			return nil, false, false
		}
		return n, strict, true

	case PrimByte:
		n, strict, ok := toInt64(value)
		if !ok || n < 0 || n > 255 {
			return nil, false, false
		}
		return byte(n), strict, true

	case PrimBool:
		switch v := value.(type) {
		case bool:
			return v, true, true
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true":
				return true, false, true
			case "false":
				return false, false, true
			}
		}
		return nil, false, false

	case PrimFloat:
		f, strict, ok := toFloat64(value)
		if !ok {
			return nil, false, false
		}
		return float32(f), strict, true

	case PrimDouble:
		f, strict, ok := toFloat64(value)
		if !ok {
			return nil, false, false
		}
		return f, strict, true

	case PrimDecimal:
		switch v := value.(type) {
		case json.Number:
			d, err := decimal.NewFromString(v.String())
			if err != nil {
				return nil, false, false
			}
			return d, true, true
		case float64:
			return decimal.NewFromFloat(v), true, true
		case string:
			d, ok := parseDecimalLoose(v)
			if !ok {
				return nil, false, false
			}
			return d, false, true
		}
		return nil, false, false

	case PrimDateTime:
		s, ok := value.(string)
		if !ok {
			return nil, false, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true, true
			}
		}
		return nil, false, false
	}
	return nil, false, false
}

func toInt64(value interface{}) (int64, bool, bool) {
	switch v := value.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false, false
		}
		return n, true, true
	case float64:
		if v != float64(int64(v)) {
			return 0, false, false
		}
		return int64(v), true, true
	case int:
		return int64(v), true, true
	case int64:
		return v, true, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false, false
		}
		return n, false, true
	}
	return 0, false, false
}

func toFloat64(value interface{}) (float64, bool, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false, false
		}
		return f, true, true
	case float64:
		return v, true, true
	case int:
		return float64(v), true, true
	case int64:
		return float64(v), true, true
	case string:
		f, ok := parseFloatLoose(v)
		if !ok {
			return 0, false, false
		}
		return f, false, true
	}
	return 0, false, false
}

// parseFloatLoose tolerates a comma decimal separator so that requests
// carrying a different culture's fraction formatting still bind.
func parseFloatLoose(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func parseDecimalLoose(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if d, err := decimal.NewFromString(s); err == nil {
		return d, true
	}
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		if d, err := decimal.NewFromString(strings.Replace(s, ",", ".", 1)); err == nil {
			return d, true
		}
	}
	return decimal.Zero, false
}
