package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/procflow/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps a ProcflowError code to an HTTP status and writes it.
func writeEngineError(w http.ResponseWriter, err error) {
	var pe *schema.ProcflowError
	if !errors.As(err, &pe) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, statusFor(pe.Code), map[string]any{
		"error":   pe.Error(),
		"code":    pe.Code,
		"details": pe.Details,
	})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound, schema.ErrCodeModelNotFound, schema.ErrCodeNodeNotFound, schema.ErrCodeSocketNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeNoInitialNode, schema.ErrCodeRequiredParam:
		return http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
