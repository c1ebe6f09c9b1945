package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Severity represents how serious a handled failure is.
type Severity string

// Severity levels, ordered from least to most serious.
const (
	SeverityLow      Severity = "low"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
	SeverityFatal    Severity = "fatal"
)

// Category classifies a failure by its origin.
type Category string

// Error categories for classification and routing of resolution strategies.
const (
	CategoryNetwork        Category = "network"
	CategoryDatabase       Category = "database"
	CategoryAuthentication Category = "authentication"
	CategoryValidation     Category = "validation"
	CategoryRateLimit      Category = "rate_limit"
	CategoryResourceLimit  Category = "resource_limit"
	CategoryBusinessLogic  Category = "business_logic"
	CategoryExternalAPI    Category = "external_api"
	CategorySystem         Category = "system"
	CategoryUnknown        Category = "unknown"
)

// Reason identifies an expected governance outcome so callers can branch on
// backpressure conditions without string matching.
type Reason string

// Reasons for expected (non-bug) failures raised by the governance layer.
const (
	ReasonCircuitOpen       Reason = "CIRCUIT_OPEN"
	ReasonResourceExhausted Reason = "RESOURCE_EXHAUSTED"
	ReasonRateLimited       Reason = "RATE_LIMIT_EXCEEDED"
	ReasonAcquireTimeout    Reason = "ACQUIRE_TIMEOUT"
	ReasonChecksumMismatch  Reason = "STATE_CORRUPTED"
	ReasonPoolExhausted     Reason = "POOL_EXHAUSTED"
)

// Error is a tagged error value carrying classification metadata.
// Call sites attach category and severity explicitly; keyword-based
// classification is only a fallback for errors from uninstrumented code.
type Error struct {
	Category Category
	Severity Severity
	Reason   Reason
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a tagged error.
func NewError(category Category, severity Severity, reason Reason, format string, args ...interface{}) *Error {
	return &Error{
		Category: category,
		Severity: severity,
		Reason:   reason,
		Message:  fmt.Sprintf(format, args...),
	}
}

// WrapError tags an existing error with classification metadata.
func WrapError(cause error, category Category, severity Severity, message string) *Error {
	return &Error{
		Category: category,
		Severity: severity,
		Message:  message,
		Cause:    cause,
	}
}

// ReasonOf extracts the governance reason from an error chain, or "" if the
// error is not a tagged governance error.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsBackpressure reports whether the error is an expected governance
// rejection (circuit open, quota exhausted, rate limited) rather than a
// downstream or internal failure.
func IsBackpressure(err error) bool {
	switch ReasonOf(err) {
	case ReasonCircuitOpen, ReasonResourceExhausted, ReasonRateLimited, ReasonPoolExhausted:
		return true
	}
	return false
}

// CategoryOf returns the explicit category tag when present, otherwise falls
// back to keyword classification of the error message.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Category != "" {
		return e.Category
	}
	return Classify(err)
}

// SeverityOf returns the explicit severity tag when present, defaulting to
// SeverityError for untagged errors.
func SeverityOf(err error) Severity {
	var e *Error
	if errors.As(err, &e) && e.Severity != "" {
		return e.Severity
	}
	return SeverityError
}

// categoryKeywords maps message substrings to categories. Order matters:
// the first matching set wins.
var categoryKeywords = []struct {
	category Category
	keywords []string
}{
	{CategoryNetwork, []string{"network", "connection"}},
	{CategoryDatabase, []string{"database", "sql"}},
	{CategoryAuthentication, []string{"auth", "permission"}},
	{CategoryValidation, []string{"validation", "invalid"}},
	{CategoryRateLimit, []string{"rate limit", "too many"}},
	{CategoryResourceLimit, []string{"memory", "resource"}},
	{CategoryExternalAPI, []string{"api", "http"}},
}

// Classify categorizes an error by matching its message against known
// keyword sets. It is a heuristic of last resort for errors arriving from
// uninstrumented dependencies.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, set := range categoryKeywords {
		for _, kw := range set.keywords {
			if strings.Contains(msg, kw) {
				return set.category
			}
		}
	}
	return CategoryUnknown
}

// ErrorRecord is an immutable record of one handled failure. Records are
// retained in an append-only in-memory log bounded by a retention window.
type ErrorRecord struct {
	ID                  string
	Timestamp           time.Time
	Kind                string
	Message             string
	Severity            Severity
	Category            Category
	Context             map[string]string
	Stack               string
	ResolutionAttempted bool
	Resolved            bool
	RetryCount          int
}
