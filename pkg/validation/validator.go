package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ValidationError reports malformed input or a violated business invariant.
type ValidationError struct {
	// Field is the path of the offending input ("members.0.type", "role").
	Field string
	// Message is a human-readable description.
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewError creates a ValidationError for a field.
func NewError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// slugPattern is the allowed shape of a community slug: lowercase
// alphanumerics and single dashes, no leading/trailing dash.
var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

const maxSlugLength = 100

// ValidateSlug checks a community slug.
func ValidateSlug(slug string) error {
	if slug == "" {
		return NewError("slug", "slug is required")
	}
	if len(slug) > maxSlugLength {
		return NewError("slug", "slug must be at most %d characters", maxSlugLength)
	}
	if !slugPattern.MatchString(slug) {
		return NewError("slug", "slug must contain only lowercase letters, digits and dashes")
	}
	return nil
}

// ValidateTitle checks a community title.
func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return NewError("title", "title is required")
	}
	if len(title) > 250 {
		return NewError("title", "title must be at most 250 characters")
	}
	return nil
}

// ValidateChoice checks that a value is one of the allowed choices.
func ValidateChoice(field, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return NewError(field, "must be one of %s", strings.Join(allowed, ", "))
}

// ValidateRequired checks that a value is non-empty.
func ValidateRequired(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewError(field, "is required")
	}
	return nil
}
