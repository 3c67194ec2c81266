// Package jsonx provides strict JSON request-body decoding.
package jsonx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

var (
	ErrEmptyBody    = errors.New("empty body")
	ErrTrailingJSON = errors.New("trailing data")
)

// ParseStrictJSONBody reads and strictly decodes a JSON HTTP request body
// into dst. Intended HTTP mapping: 400 Bad Request on any failure.
//
// Rejected shapes:
//   - Malformed JSON syntax (bad tokens, truncated body)
//   - Empty body (ErrEmptyBody)
//   - Oversized body (reader capped at 1MB)
//   - Trailing data after the first JSON value (ErrTrailingJSON)
//   - Unknown object fields (DisallowUnknownFields)
//   - Field-type mismatches (e.g. string into int)
//
// Only structural/shape validation happens here; required fields and
// semantic rules are enforced by the handler.
func ParseStrictJSONBody[T any](r *http.Request, dst *T) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return ErrEmptyBody
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ErrTrailingJSON
	}
	return nil
}
