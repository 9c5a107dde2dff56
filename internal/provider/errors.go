package provider

import (
	"errors"
	"fmt"
)

// Class categorizes a provider failure. The analysis retry policy is keyed
// entirely off the class, never off provider-specific detail.
type Class string

const (
	// ClassNetwork covers transport failures and timeouts. Retryable.
	ClassNetwork Class = "network"
	// ClassRateLimit is HTTP 429 or an equivalent throttle. Retryable with
	// longer backoff.
	ClassRateLimit Class = "rate_limit"
	// ClassAuth is a rejected credential. Terminal: retrying cannot help.
	ClassAuth Class = "auth"
	// ClassParse means the provider answered but the payload was not the
	// structured output we asked for. Worth one immediate retry.
	ClassParse Class = "parse"
	// ClassCapacity means the model or service is overloaded or unavailable.
	// Triggers a model tier fallback where the provider supports one.
	ClassCapacity Class = "capacity"
)

// Error is a classified provider failure.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// ClassOf extracts the failure class. Unclassified errors are treated as
// network failures so transient unknowns stay retryable.
func ClassOf(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassNetwork
}
