package content

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ReferenceResolver resolves a submitted path-or-id token to a node id that
// is visible to the current caller. Returning ok=false means the target does
// not exist or must not be revealed; the two cases are indistinguishable at
// this layer.
type ReferenceResolver func(ctx context.Context, pathOrID string) (uint, bool)

// UpdateOptions tunes how an inbound field set is applied.
type UpdateOptions struct {
	// SkipBrokenReferences leaves a reference field's prior value untouched
	// when the submitted identifier cannot be resolved, instead of nulling it.
	SkipBrokenReferences bool
	// Resolver overrides the default store-backed reference lookup.
	Resolver ReferenceResolver
	// Logger receives skipped-field notices. Defaults to slog.Default().
	Logger *slog.Logger
	// FieldOrder lists keys in the order they appeared in the request
	// document. Keys named here are applied first, in that order.
	FieldOrder []string
}

// UpdateFields applies a parsed model object onto the content. Read-only
// fields are skipped and logged, never mutated. Unresolvable references
// resolve to nil and are recorded as broken. Keys are applied in document
// order when the caller supplies one; any remaining keys follow in sorted
// order so repeated requests behave deterministically.
func (c *Content) UpdateFields(ctx context.Context, data map[string]interface{}, opts UpdateOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = c.defaultResolver()
	}
	c.brokenReferences = nil

	keys := make([]string, 0, len(data))
	ordered := make(map[string]bool, len(opts.FieldOrder))
	for _, k := range opts.FieldOrder {
		if _, present := data[k]; present && !ordered[k] {
			ordered[k] = true
			keys = append(keys, k)
		}
	}
	rest := make([]string, 0, len(data))
	for k := range data {
		if !ordered[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	keys = append(keys, rest...)

	for _, name := range keys {
		if strings.HasPrefix(name, "__") {
			// __ContentType and friends are creation directives, not fields.
			continue
		}
		value := data[name]

		fs, known := c.fieldSetting(name)
		if !known {
			if !c.ctype.AllowDynamicNames {
				logger.Debug("Skipping unknown field", "field", name, "path", c.Path(), "type", c.TypeName())
				continue
			}
			c.fields[name] = value
			continue
		}

		if fs.ReadOnly && !c.Importing {
			logger.Debug("Skipping read-only field", "field", fs.Name, "path", c.Path())
			continue
		}
		if fs.Type == FieldBinary {
			// Binary streams are never set through the model.
			continue
		}

		if err := c.applyField(ctx, fs, value, resolver, opts, logger); err != nil {
			return &FieldError{Field: fs.Name, Path: c.Path(), Err: err}
		}
	}
	return nil
}

func (c *Content) defaultResolver() ReferenceResolver {
	return func(ctx context.Context, pathOrID string) (uint, bool) {
		if id, err := strconv.ParseUint(pathOrID, 10, 64); err == nil {
			node, loadErr := c.store.LoadByID(ctx, uint(id))
			if loadErr != nil || node == nil || node.Trashed {
				return 0, false
			}
			return node.ID, true
		}
		node, err := c.store.LoadByPath(ctx, pathOrID)
		if err != nil || node == nil {
			return 0, false
		}
		return node.ID, true
	}
}

func (c *Content) applyField(ctx context.Context, fs *FieldSetting, value interface{},
	resolver ReferenceResolver, opts UpdateOptions, logger *slog.Logger) error {

	switch fs.Type {
	case FieldString, FieldLongText:
		coerced, err := coerceString(value)
		if err != nil {
			return err
		}
		c.fields[fs.Name] = coerced

	case FieldInteger:
		coerced, err := coerceInt(value)
		if err != nil {
			return err
		}
		c.fields[fs.Name] = coerced

	case FieldNumber:
		coerced, err := coerceFloat(value)
		if err != nil {
			return err
		}
		c.fields[fs.Name] = coerced

	case FieldCurrency:
		coerced, err := coerceDecimal(value)
		if err != nil {
			return err
		}
		c.fields[fs.Name] = coerced.String()

	case FieldBoolean:
		coerced, err := coerceBool(value)
		if err != nil {
			return err
		}
		c.fields[fs.Name] = coerced

	case FieldDateTime:
		coerced, err := coerceDateTime(value)
		if err != nil {
			return err
		}
		c.fields[fs.Name] = coerced

	case FieldChoice:
		tokens, err := coerceStringList(value)
		if err != nil {
			return err
		}
		if len(fs.Options) > 0 {
			for _, token := range tokens {
				if !containsFold(fs.Options, token) {
					return fmt.Errorf("'%s' is not a valid option", token)
				}
			}
		}
		c.fields[fs.Name] = tokens

	case FieldAllowedChildTypes:
		tokens, err := coerceStringList(value)
		if err != nil {
			return err
		}
		c.fields[fs.Name] = tokens

	case FieldReference:
		return c.applyReference(ctx, fs, value, resolver, opts, logger)

	default:
		return fmt.Errorf("field type %s cannot be set from a request model", fs.Type)
	}
	return nil
}

func (c *Content) applyReference(ctx context.Context, fs *FieldSetting, value interface{},
	resolver ReferenceResolver, opts UpdateOptions, logger *slog.Logger) error {

	if value == nil {
		c.fields[fs.Name] = nil
		return nil
	}

	tokens, err := referenceTokens(value)
	if err != nil {
		return err
	}

	resolved := make([]uint, 0, len(tokens))
	broken := false
	for _, token := range tokens {
		id, ok := resolver(ctx, token)
		if !ok {
			broken = true
			continue
		}
		resolved = append(resolved, id)
	}

	// Setting Owner to the well-known Somebody identity is a read-only-field
	// violation: ownership must never be surrendered to the placeholder user.
	if equalFold(fs.Name, FieldNameOwner) {
		for _, token := range tokens {
			if token == SomebodyPath {
				logger.Debug("Skipping read-only field", "field", fs.Name, "path", c.Path(),
					"reason", "owner cannot be Somebody")
				return nil
			}
		}
	}

	if broken {
		c.brokenReferences = append(c.brokenReferences, fs.Name)
		if opts.SkipBrokenReferences {
			return nil
		}
	}

	if fs.AllowMultiple {
		c.fields[fs.Name] = uintsToValues(resolved)
		return nil
	}
	if len(resolved) == 0 {
		c.fields[fs.Name] = nil
		return nil
	}
	c.fields[fs.Name] = int64(resolved[0])
	return nil
}

// referenceTokens normalizes the accepted reference payload shapes into
// path-or-id strings: a scalar, an object with Path/Id, or an array of either.
func referenceTokens(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case json.Number:
		return []string{v.String()}, nil
	case float64:
		return []string{strconv.FormatInt(int64(v), 10)}, nil
	case int, int64, uint:
		return []string{fmt.Sprintf("%d", v)}, nil
	case map[string]interface{}:
		if p, ok := v["Path"].(string); ok && p != "" {
			return []string{p}, nil
		}
		if id, ok := v["Id"]; ok {
			return referenceTokens(id)
		}
		return nil, fmt.Errorf("reference object needs a Path or Id property")
	case []interface{}:
		var tokens []string
		for _, item := range v {
			sub, err := referenceTokens(item)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, sub...)
		}
		return tokens, nil
	default:
		return nil, fmt.Errorf("unsupported reference value of type %T", value)
	}
}

func uintsToValues(ids []uint) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func coerceString(value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("cannot convert %T to string", value)
	}
}

func coerceInt(value interface{}) (int64, error) {
	switch v := value.(type) {
	case json.Number:
		return v.Int64()
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", value)
	}
}

func coerceFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case json.Number:
		return v.Float64()
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		return parseFraction(v)
	default:
		return 0, fmt.Errorf("cannot convert %T to number", value)
	}
}

func coerceDecimal(value interface{}) (decimal.Decimal, error) {
	switch v := value.(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case float64:
		return decimal.NewFromFloat(v), nil
	case string:
		return parseDecimalFraction(v)
	default:
		return decimal.Zero, fmt.Errorf("cannot convert %T to currency", value)
	}
}

func coerceBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, fmt.Errorf("'%s' is not a boolean", v)
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", value)
	}
}

func coerceDateTime(value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("cannot convert %T to datetime", value)
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC().Format(time.RFC3339Nano), nil
		}
	}
	return "", fmt.Errorf("'%s' is not an ISO date", s)
}

func coerceStringList(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return splitTokens(v), nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, err := coerceString(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to a token list", value)
	}
}

// splitTokens splits a token string on commas, semicolons and whitespace.
func splitTokens(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// parseFraction parses a fractional number tolerating a comma decimal
// separator, since requests may carry different culture formatting.
func parseFraction(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		return strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	}
	return 0, fmt.Errorf("'%s' is not a number", s)
}

func parseDecimalFraction(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if d, err := decimal.NewFromString(s); err == nil {
		return d, nil
	}
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		return decimal.NewFromString(strings.Replace(s, ",", ".", 1))
	}
	return decimal.Zero, fmt.Errorf("'%s' is not a decimal", s)
}

func equalFold(a, b string) bool { return strings.EqualFold(a, b) }

func containsFold(list []string, item string) bool {
	for _, candidate := range list {
		if strings.EqualFold(candidate, item) {
			return true
		}
	}
	return false
}
