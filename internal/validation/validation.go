// Package validation checks request input before it reaches the pipeline.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxContentLength is the maximum content length in characters.
const MaxContentLength = 10000

// MaxStringLength bounds identifier fields.
const MaxStringLength = 255

// ErrInvalidInput is the root of every input rejection.
var ErrInvalidInput = errors.New("validation: invalid input")

var (
	platformRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)
	idRegex       = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,255}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// CheckContent rejects empty, non UTF-8 and oversized content.
func CheckContent(content string) error {
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidInput)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(content); n > MaxContentLength {
		return fmt.Errorf("%w: content length %d exceeds %d", ErrInvalidInput, n, MaxContentLength)
	}
	return nil
}

// CheckDirection rejects a direction tag other than want. Empty is accepted.
func CheckDirection(got, want string) error {
	if got != "" && got != want {
		return fmt.Errorf("%w: direction %q, expected %q", ErrInvalidInput, got, want)
	}
	return nil
}

// NormalizePlatform lowercases and trims a platform name. Ledger keys and
// caps use the same form.
func NormalizePlatform(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// IsValidPlatform checks a lowercase platform name such as "whatsapp".
func IsValidPlatform(p string) bool {
	return platformRegex.MatchString(p)
}

// IsValidID checks an opaque identifier such as an action or user id.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// SanitizeString trims whitespace, removes null bytes and limits length
// without splitting a multi-byte character.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
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

// Unwrap makes every ValidationErrors match ErrInvalidInput.
func (e ValidationErrors) Unwrap() error { return ErrInvalidInput }

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
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

// Content applies CheckContent to a field.
func Content(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if err := CheckContent(value); err != nil {
			msg := strings.TrimPrefix(err.Error(), ErrInvalidInput.Error()+": ")
			return &ValidationError{Field: field, Message: msg}
		}
		return nil
	}
}

// ValidPlatform checks an optional platform field.
func ValidPlatform(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidPlatform(value) {
			return &ValidationError{Field: field, Message: "must be a lowercase platform name"}
		}
		return nil
	}
}

// ValidID checks an optional identifier field.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "contains invalid characters"}
		}
		return nil
	}
}

// OneOf checks that an optional field is one of options.
func OneOf(field, value string, options ...string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || slices.Contains(options, value) {
			return nil
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(options, ", ")}
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if utf8.RuneCountInString(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}
