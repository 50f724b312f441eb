// Package model normalizes the wire formats accepted by the OData endpoint
// into one canonical, loosely-typed JSON object. Raw JSON bodies, form-encoded
// bodies, multipart forms and the bracketed models=[...] convention all end up
// as the same map[string]interface{} shape so that downstream field coercion
// and operation binding never care which format the client used.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnsupportedModel is returned when the request body parses to a JSON root
// that is neither an object nor an array of objects.
var ErrUnsupportedModel = fmt.Errorf("model: unsupported request model root")

// ParseModel converts a raw request body into the canonical model object.
//
// Multipart requests must not reach this function with a streaming body; the
// caller passes the already-parsed form fields instead (see ParseForm).
// The returned map is nil (with a nil error) for empty input.
func ParseModel(rawBody []byte, queryFallback url.Values) (map[string]interface{}, error) {
	text := strings.TrimSpace(string(rawBody))
	if text == "" {
		if len(queryFallback) == 0 {
			return nil, nil
		}
		return fromValues(queryFallback), nil
	}

	// Discard any leading garbage before the first opening bracket. Some
	// clients prefix the payload with a field name or BOM-like junk.
	if idx := strings.IndexAny(text, "{["); idx > 0 {
		text = text[idx:]
	}

	if wellFormed(text) {
		return decodeJSON([]byte(text))
	}

	// Fall back to form-encoded key=value&key=value synthesis. The special
	// "models" key carries a bracketed JSON array of model objects.
	pairs, ok := splitPairs(text)
	if !ok {
		return nil, nil
	}
	if models, exists := pairs["models"]; exists {
		return decodeJSON([]byte(models))
	}
	obj := make(map[string]interface{}, len(pairs))
	for k, v := range pairs {
		obj[k] = v
	}
	return obj, nil
}

// ParseForm builds the canonical model from already-parsed multipart or
// url-encoded form fields. The models=[...] convention takes precedence over
// plain fields when present.
func ParseForm(form url.Values) (map[string]interface{}, error) {
	if len(form) == 0 {
		return nil, nil
	}
	if models := form.Get("models"); models != "" {
		return decodeJSON([]byte(models))
	}
	return fromValues(form), nil
}

// DocumentOrder returns the top-level property names of a JSON model payload
// in the order they appear in the document, or nil when the payload has no
// inherent order (forms, synthesized key=value pairs, empty bodies). Field
// application honors this order so that a fault aborts after exactly the
// properties the client listed first.
func DocumentOrder(rawBody []byte) []string {
	text := strings.TrimSpace(string(rawBody))
	if text == "" {
		return nil
	}
	if idx := strings.IndexAny(text, "{["); idx > 0 {
		text = text[idx:]
	}
	if wellFormed(text) {
		return objectKeys([]byte(text))
	}
	pairs, ok := splitPairs(text)
	if !ok {
		return nil
	}
	if models, exists := pairs["models"]; exists {
		return objectKeys([]byte(models))
	}
	return nil
}

// objectKeys walks the tokens of a JSON object (or the first object of an
// array) and collects its top-level keys without materializing values.
func objectKeys(data []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	if delim == '[' {
		tok, err = dec.Token()
		if err != nil {
			return nil
		}
		if delim, ok = tok.(json.Delim); !ok || delim != '{' {
			return nil
		}
	} else if delim != '{' {
		return nil
	}

	var keys []string
	seen := make(map[string]bool)
	for dec.More() {
		tok, err = dec.Token()
		if err != nil {
			return nil
		}
		key, ok := tok.(string)
		if !ok {
			return nil
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil
		}
	}
	return keys
}

// wellFormed reports whether text looks like a complete JSON object or an
// array of objects. The check is intentionally shallow; the real parse
// happens in decodeJSON.
func wellFormed(text string) bool {
	switch {
	case strings.HasPrefix(text, "{"):
		return strings.HasSuffix(text, "}")
	case strings.HasPrefix(text, "["):
		return strings.HasSuffix(text, "]")
	default:
		return false
	}
}

// decodeJSON parses the payload preserving numeric fidelity (json.Number) and
// unwraps a top-level array to its first element.
func decodeJSON(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var root interface{}
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("model: invalid JSON payload: %w", err)
	}

	switch v := root.(type) {
	case map[string]interface{}:
		return v, nil
	case []interface{}:
		if len(v) == 0 {
			return nil, nil
		}
		obj, ok := v[0].(map[string]interface{})
		if !ok {
			return nil, ErrUnsupportedModel
		}
		return obj, nil
	default:
		return nil, ErrUnsupportedModel
	}
}

// splitPairs parses a key=value&key=value string. Any segment that does not
// contain exactly one '=' aborts the synthesis; a partial object is never
// produced.
func splitPairs(text string) (map[string]string, bool) {
	segments := strings.Split(text, "&")
	pairs := make(map[string]string, len(segments))
	for _, segment := range segments {
		if strings.Count(segment, "=") != 1 {
			return nil, false
		}
		eq := strings.Index(segment, "=")
		key, err := url.QueryUnescape(segment[:eq])
		if err != nil {
			return nil, false
		}
		value, err := url.QueryUnescape(segment[eq+1:])
		if err != nil {
			return nil, false
		}
		pairs[key] = value
	}
	return pairs, true
}

// fromValues flattens url.Values into the canonical object. Repeated keys
// keep every occurrence so that array-typed operation parameters can bind
// against them.
func fromValues(values url.Values) map[string]interface{} {
	obj := make(map[string]interface{}, len(values))
	for key, occurrences := range values {
		// OData system query options are not model properties.
		if strings.HasPrefix(key, "$") {
			continue
		}
		switch len(occurrences) {
		case 0:
		case 1:
			obj[key] = occurrences[0]
		default:
			arr := make([]interface{}, len(occurrences))
			for i, v := range occurrences {
				arr[i] = v
			}
			obj[key] = arr
		}
	}
	if len(obj) == 0 {
		return nil
	}
	return obj
}
