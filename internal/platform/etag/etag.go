// Package etag carries a resource's concurrency token in weak ETag headers.
package etag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/orders/internal/platform/apperr"
)

// Format renders a token as W/"n".
func Format(version int64) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// Parse extracts the token from W/"3", "3" or 3.
func Parse(value string) (int64, error) {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "W/")
	value = strings.Trim(value, `"`)

	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("ETag must contain a non-negative version: %s", value)
	}
	return v, nil
}

// Set writes the ETag response header.
func Set(c echo.Context, version int64) {
	c.Response().Header().Set("ETag", Format(version))
}

// IfMatch returns the token from the If-Match header. ok is false when the
// header is absent.
func IfMatch(c echo.Context) (version int64, ok bool, err error) {
	h := c.Request().Header.Get("If-Match")
	if h == "" {
		return 0, false, nil
	}
	v, err := Parse(h)
	if err != nil {
		return 0, true, apperr.Validation("invalid If-Match header: %v", err)
	}
	return v, true, nil
}

// ExpectedVersion reconciles a body-supplied token with If-Match. At least one
// must be present and, when both are, they must agree.
func ExpectedVersion(c echo.Context, body *int64) (int64, error) {
	header, ok, err := IfMatch(c)
	if err != nil {
		return 0, err
	}
	switch {
	case body == nil && !ok:
		return 0, apperr.Validation("version is required")
	case body == nil:
		return header, nil
	case ok && header != *body:
		return 0, apperr.Validation("If-Match %s does not match body version %d", Format(header), *body)
	case *body < 0:
		return 0, apperr.Validation("version must not be negative")
	}
	return *body, nil
}
