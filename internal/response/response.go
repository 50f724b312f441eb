// Package response renders OData payloads and error envelopes. The Writer
// interface keeps the wire format pluggable; the dispatcher only hands it
// resolved content, collections, or classified errors.
package response

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer renders one response kind to the wire.
type Writer interface {
	// WriteEntity renders a single entity's field map.
	WriteEntity(w http.ResponseWriter, r *http.Request, fields map[string]interface{}) error
	// WriteCollection renders a list of entity field maps with an optional
	// inline count (negative count suppresses it).
	WriteCollection(w http.ResponseWriter, r *http.Request, items []map[string]interface{}, count int) error
	// WriteValue renders a raw operation result or property value.
	WriteValue(w http.ResponseWriter, r *http.Request, value interface{}) error
	// WriteError renders a classified error envelope with the given status.
	WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) error
}

// JSONWriter is the default verbose-JSON writer: entities under a "d" key,
// collections under "d.results".
type JSONWriter struct{}

func (JSONWriter) WriteEntity(w http.ResponseWriter, r *http.Request, fields map[string]interface{}) error {
	return writeJSON(w, http.StatusOK, map[string]interface{}{"d": fields})
}

func (JSONWriter) WriteCollection(w http.ResponseWriter, r *http.Request, items []map[string]interface{}, count int) error {
	if items == nil {
		items = []map[string]interface{}{}
	}
	d := map[string]interface{}{"results": items}
	if count >= 0 {
		d["__count"] = count
	}
	return writeJSON(w, http.StatusOK, map[string]interface{}{"d": d})
}

func (JSONWriter) WriteValue(w http.ResponseWriter, r *http.Request, value interface{}) error {
	return writeJSON(w, http.StatusOK, map[string]interface{}{"d": value})
}

func (JSONWriter) WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) error {
	envelope := map[string]interface{}{
		"error": map[string]interface{}{
			"code": code,
			"message": map[string]interface{}{
				"lang":  "en-us",
				"value": message,
			},
		},
	}
	return writeJSON(w, status, envelope)
}

// WriteError renders an error envelope through a throwaway JSONWriter. It is
// the convenience form used by handlers that have no negotiated writer yet.
func WriteError(w http.ResponseWriter, r *http.Request, status int, message, detail string) error {
	text := message
	if detail != "" {
		text = fmt.Sprintf("%s: %s", message, detail)
	}
	return JSONWriter{}.WriteError(w, r, status, "NotSpecified", text)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) error {
	w.Header().Set("Content-Type", "application/json;odata=verbose")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}
