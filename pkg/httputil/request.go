package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// ParseJSONOrError decodes the request body into dst, writing a 400 response
// and returning false on failure.
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// ParseQueryInt parses an integer query parameter with a default.
func ParseQueryInt(r *http.Request, name string, defaultValue int) int {
	if value := r.URL.Query().Get(name); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ParseQueryBool parses a boolean query parameter with a default.
func ParseQueryBool(r *http.Request, name string, defaultValue bool) bool {
	if value := r.URL.Query().Get(name); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
