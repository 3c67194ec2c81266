package handler

import (
	"strconv"
	"strings"

	"github.com/retailgrid/inventory-server/internal/apperr"
)

// ParseIfMatch extracts the expected version from an If-Match header value.
// Accepted forms: `"<n>"` and `W/"<n>"` where n is a positive integer.
// An empty header yields (nil, nil); anything else is INVALID_IF_MATCH.
func ParseIfMatch(header string) (*int64, error) {
	if header == "" {
		return nil, nil
	}

	v := strings.TrimSpace(header)
	v = strings.TrimPrefix(v, "W/")
	if len(v) < 3 || v[0] != '"' || v[len(v)-1] != '"' {
		return nil, apperr.Validation(apperr.CodeInvalidIfMatch, "malformed If-Match %q", header)
	}

	n, err := strconv.ParseInt(v[1:len(v)-1], 10, 64)
	if err != nil || n <= 0 {
		return nil, apperr.Validation(apperr.CodeInvalidIfMatch, "If-Match must carry a positive integer version, got %q", header)
	}
	return &n, nil
}
