package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/isoautomate/browserq"
)

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorWithCode(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Code: code, Message: message})
}

// writeError maps queue and store errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	errorWithCode(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, browserq.ErrUnknownJobType), errors.Is(err, browserq.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, browserq.ErrJobNotFound),
		errors.Is(err, browserq.ErrTaskNotFound),
		errors.Is(err, browserq.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, browserq.ErrTaskExists):
		return http.StatusConflict
	case errors.Is(err, browserq.ErrTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, browserq.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20))
	if err := dec.Decode(v); err != nil {
		return &browserq.BrowserError{Kind: browserq.ErrInvalidPayload, Message: err.Error()}
	}
	return nil
}

// queryInt returns a query parameter as int with a default value
func queryInt(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	if i, err := strconv.Atoi(val); err == nil {
		return i
	}
	return defaultVal
}
