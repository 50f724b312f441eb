package query

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/nlstn/go-contentrepo/internal/content"
)

// Options holds the parsed system query options of one collection request.
type Options struct {
	Filter      Expr
	RawFilter   string
	OrderBy     []OrderKey
	Select      []string
	Expand      []string
	Top         int
	Skip        int
	CountOnly   bool
	InlineCount bool
}

// OrderKey is one $orderby segment.
type OrderKey struct {
	Field      string
	Descending bool
}

// ParseOptions reads the $-prefixed system options out of a query string.
// Unknown options are ignored; malformed ones fail the request.
func ParseOptions(values url.Values) (*Options, error) {
	opts := &Options{Top: -1}

	if raw := values.Get("$filter"); raw != "" {
		expr, err := ParseFilter(raw)
		if err != nil {
			return nil, err
		}
		opts.Filter = expr
		opts.RawFilter = raw
	}
	for _, segment := range splitList(values.Get("$orderby")) {
		parts := strings.Fields(segment)
		key := OrderKey{Field: parts[0]}
		if len(parts) > 1 && strings.EqualFold(parts[1], "desc") {
			key.Descending = true
		}
		opts.OrderBy = append(opts.OrderBy, key)
	}
	opts.Select = splitList(values.Get("$select"))
	opts.Expand = splitList(values.Get("$expand"))

	if raw := values.Get("$top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid $top value %q", raw)
		}
		opts.Top = n
	}
	if raw := values.Get("$skip"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid $skip value %q", raw)
		}
		opts.Skip = n
	}
	switch values.Get("$inlinecount") {
	case "", "none":
	case "allpages":
		opts.InlineCount = true
	default:
		return nil, fmt.Errorf("invalid $inlinecount value %q", values.Get("$inlinecount"))
	}
	return opts, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Result is a filtered, ordered, windowed collection with the pre-window
// total for $inlinecount.
type Result struct {
	Items []*content.Content
	Total int
}

// Apply runs the options over a loaded collection: filter, then order, then
// the skip/top window. Select projection happens at serialization time.
func (o *Options) Apply(items []*content.Content) *Result {
	matched := items
	if o.Filter != nil {
		matched = make([]*content.Content, 0, len(items))
		for _, item := range items {
			if o.Filter.Matches(item) {
				matched = append(matched, item)
			}
		}
	}

	if len(o.OrderBy) > 0 {
		sorted := append([]*content.Content(nil), matched...)
		sort.SliceStable(sorted, func(i, j int) bool {
			for _, key := range o.OrderBy {
				cmp := compareValues(fieldValue(sorted[i], key.Field), fieldValue(sorted[j], key.Field))
				if cmp == 0 {
					continue
				}
				if key.Descending {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
		matched = sorted
	}

	total := len(matched)
	if o.Skip > 0 {
		if o.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[o.Skip:]
		}
	}
	if o.Top >= 0 && o.Top < len(matched) {
		matched = matched[:o.Top]
	}
	return &Result{Items: matched, Total: total}
}

// Project reduces a field map to the $select projection. A nil selection
// returns the map unchanged.
func (o *Options) Project(fields map[string]interface{}) map[string]interface{} {
	if len(o.Select) == 0 {
		return fields
	}
	out := make(map[string]interface{}, len(o.Select))
	for _, name := range o.Select {
		for key, value := range fields {
			if strings.EqualFold(key, name) {
				out[key] = value
				break
			}
		}
	}
	return out
}

func compareValues(a, b interface{}) int {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	return strings.Compare(as, bs)
}
