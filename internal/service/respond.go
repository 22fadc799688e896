package service

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

var errEmptyBody = errors.New("request body required")

// envelope is the uniform JSON response shape
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: message})
}

// decodeBody parses a JSON request body into dst. An empty body is allowed
// when allowEmpty is set; dst keeps its zero values in that case.
func decodeBody(r *http.Request, dst interface{}, allowEmpty bool) error {
	if r.Body == nil {
		if allowEmpty {
			return nil
		}
		return errEmptyBody
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if allowEmpty {
				return nil
			}
			return errEmptyBody
		}
		return err
	}
	return nil
}
