// Package validation checks caller-supplied identifiers and request shapes.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies. The trust API reads none today.
const MaxRequestSize = 64 << 10

// MaxAccountIDLength bounds account IDs carried in token subjects.
const MaxAccountIDLength = 128

// Account IDs come from the identity provider: UUIDs, slugs, or
// provider-prefixed IDs such as "google:12345".
var accountIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]*$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAccountID reports whether id is a well-formed account ID.
func IsValidAccountID(id string) bool {
	return len(id) <= MaxAccountIDLength && accountIDRegex.MatchString(id)
}

// SanitizeString trims whitespace, drops NUL bytes, and caps the length.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures. It returns nil
// when all pass.
func Validate(validators ...func() *ValidationError) error {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAccountID checks a non-empty field holds a well-formed account ID.
func ValidAccountID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidAccountID(value) {
			return &ValidationError{Field: field, Message: "must be a valid account ID"}
		}
		return nil
	}
}
