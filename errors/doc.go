// Package errors provides structured error types for ildecode.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the method and IL offset for per-match failures, the
// offending value, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhasePatch, errors.KindOverflow).
//		Method("Program::Main", 0x1a).
//		Detail("short branch out of range").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Load("parse metadata", cause)
//	err := errors.InvalidBase64(method, offset, literal, cause)
//
// All errors implement the standard error interface and support errors.Is/As.
// Is compares Phase and Kind, so ErrNoMatch matches any scan/no_match error.
package errors
