package domain

import "fmt"

// EncodingError reports a missing or malformed transaction field.
type EncodingError struct {
	Field string
	Value string
	Err   error
}

func (e *EncodingError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// ValidationError is returned by the scoring pipeline when a request cannot be
// turned into a verdict. Callers surface it as a client error.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
