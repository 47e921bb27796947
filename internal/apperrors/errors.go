package apperrors

import (
	"errors"
	"fmt"
)

// Tag classifies a pipeline error for retry and routing decisions.
type Tag string

const (
	TagTransient        Tag = "transient"
	TagExternalService  Tag = "external_service"
	TagTimeout          Tag = "timeout"
	TagDatabase         Tag = "database"
	TagSchemaValidation Tag = "schema_validation"
	TagValidation       Tag = "validation"
	TagDuplicateEvent   Tag = "duplicate_event"
	TagUnrecoverable    Tag = "unrecoverable"
)

// Severity expresses how loudly a failure should be surfaced.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ClassifiedError carries the classification every error inside the pipeline
// must have: a tag, a severity, whether the retry policy may retry it, and an
// optional context map. The underlying cause is preserved for errors.Is/As.
type ClassifiedError struct {
	Tag       Tag
	Severity  Severity
	Retryable bool
	Message   string
	Context   map[string]any
	Err       error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Tag, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Tag, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// WithContext attaches a key/value to the error context and returns the error
// for chaining.
func (e *ClassifiedError) WithContext(key string, value any) *ClassifiedError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Code returns the tag as a stable error code string for persistence.
func (e *ClassifiedError) Code() string { return string(e.Tag) }

func newError(tag Tag, sev Severity, retryable bool, message string, cause error) *ClassifiedError {
	return &ClassifiedError{
		Tag:       tag,
		Severity:  sev,
		Retryable: retryable,
		Message:   message,
		Err:       cause,
	}
}

// NewTransient marks a failure that is expected to clear on redelivery.
func NewTransient(message string, cause error) *ClassifiedError {
	return newError(TagTransient, SeverityMedium, true, message, cause)
}

// NewExternalService marks a failed outbound call.
func NewExternalService(message string, cause error) *ClassifiedError {
	return newError(TagExternalService, SeverityMedium, true, message, cause)
}

// NewTimeout marks a handler or IO timeout.
func NewTimeout(message string, cause error) *ClassifiedError {
	return newError(TagTimeout, SeverityMedium, true, message, cause)
}

// NewDatabase marks a relational store failure.
func NewDatabase(message string, cause error) *ClassifiedError {
	return newError(TagDatabase, SeverityHigh, true, message, cause)
}

// NewSchemaValidation marks an envelope or payload schema mismatch.
func NewSchemaValidation(message string, cause error) *ClassifiedError {
	return newError(TagSchemaValidation, SeverityMedium, false, message, cause)
}

// NewValidation marks a structural failure (size, content type, missing
// fields) detected before the handler.
func NewValidation(message string, cause error) *ClassifiedError {
	return newError(TagValidation, SeverityMedium, false, message, cause)
}

// NewDuplicateEvent marks an idempotency hit. Duplicates are acked, so the
// severity is low.
func NewDuplicateEvent(message string) *ClassifiedError {
	return newError(TagDuplicateEvent, SeverityLow, false, message, nil)
}

// NewUnrecoverable marks a handler-declared permanent failure.
func NewUnrecoverable(message string, cause error) *ClassifiedError {
	return newError(TagUnrecoverable, SeverityHigh, false, message, cause)
}

// Classify returns err's classification, wrapping uncategorized errors as
// transient (the default for handler failures).
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return NewTransient(err.Error(), err)
}

// As extracts a ClassifiedError from err's chain.
func As(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	ok := errors.As(err, &ce)
	return ce, ok
}
