package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStoreUnavailable wraps any storage failure other than a duplicate event id.
var ErrStoreUnavailable = errors.New("event store unavailable")

// FieldError describes a single offending field.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// ValidationError is returned when a submission does not match the expected shape.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "invalid submission"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Error())
	}
	return "invalid submission: " + strings.Join(parts, "; ")
}

// SourceMismatchError is returned when a submission is posted to a route for another source.
type SourceMismatchError struct {
	Expected Source
	Got      Source
}

func (e *SourceMismatchError) Error() string {
	return fmt.Sprintf("source must be %s", e.Expected)
}
