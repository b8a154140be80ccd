package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/exploopio/reconx/pkg/errors"
)

// Validator accumulates field-level problems so that all of them can be
// reported at once.
type Validator struct {
	violations errors.Violations
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Add records a violation.
func (v *Validator) Add(field, message string) *Validator {
	v.violations = append(v.violations, errors.Violation{Field: field, Message: message})
	return v
}

// Required validates that a field is not empty.
func (v *Validator) Required(field, value string) *Validator {
	if strings.TrimSpace(value) == "" {
		v.Add(field, "is required")
	}
	return v
}

// MinDuration validates that a duration is at least the minimum.
func (v *Validator) MinDuration(field string, value, min time.Duration) *Validator {
	if value < min {
		v.Add(field, fmt.Sprintf("must be at least %v", min))
	}
	return v
}

// OneOf validates that a value is one of the allowed values.
func (v *Validator) OneOf(field, value string, allowed []string) *Validator {
	if value == "" {
		return v
	}
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	v.Add(field, fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")))
	return v
}

// NotDirectory validates that path, if it exists, is not a directory.
func (v *Validator) NotDirectory(field, path string) *Validator {
	if path == "" {
		return v
	}
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		v.Add(field, "is a directory, expected file")
	}
	return v
}

// Custom adds a custom validation check.
func (v *Validator) Custom(field string, check func() bool, message string) *Validator {
	if !check() {
		v.Add(field, message)
	}
	return v
}

// Violations returns everything recorded so far.
func (v *Validator) Violations() errors.Violations {
	return v.violations
}

// Validate returns an invalid-input error if anything was recorded.
func (v *Validator) Validate(op string) error {
	if len(v.violations) > 0 {
		return errors.E(errors.KindInvalidInput, op, "validation failed", v.violations)
	}
	return nil
}
