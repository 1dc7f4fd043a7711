// Package jsonx provides JSON serialization backed by Sonic, plus the small
// request/response helpers the HTTP handlers share.
package jsonx

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
)

// DefaultMaxBodyBytes bounds request bodies read by DecodeRequest.
const DefaultMaxBodyBytes = 4 << 20

var (
	api = sonic.Config{
		EscapeHTML: false,
		UseInt64:   true,
	}.Froze()

	// ErrEmptyBody is returned by DecodeRequest for a request without a body.
	ErrEmptyBody = errors.New("request body is empty")
)

// Marshal returns the JSON encoding of v.
func Marshal(v interface{}) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal parses the JSON-encoded data and stores the result in v.
func Unmarshal(data []byte, v interface{}) error {
	return api.Unmarshal(data, v)
}

// MarshalToString is like Marshal but returns the JSON as a string.
func MarshalToString(v interface{}) (string, error) {
	return api.MarshalToString(v)
}

// UnmarshalFromString parses the JSON string and stores the result in v.
func UnmarshalFromString(data string, v interface{}) error {
	return api.UnmarshalFromString(data, v)
}

// Valid reports whether data is a valid JSON encoding.
func Valid(data []byte) bool {
	return api.Valid(data)
}

// DecodeRequest reads at most maxBytes of the request body into v. A
// non-positive maxBytes selects DefaultMaxBodyBytes.
func DecodeRequest(w http.ResponseWriter, r *http.Request, v interface{}, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return ErrEmptyBody
	}
	if err := api.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	data, err := api.Marshal(v)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(data)
	return err
}

// WriteError writes {"error": msg} with the given status code.
func WriteError(w http.ResponseWriter, status int, msg string) {
	_ = WriteJSON(w, status, map[string]string{"error": msg})
}
