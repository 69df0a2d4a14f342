package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseConfig Phase = "config" // configuration loading
	PhaseLoad   Phase = "load"   // assembly loading
	PhaseScan   Phase = "scan"   // pattern scanning
	PhaseDecode Phase = "decode" // literal decoding
	PhasePatch  Phase = "patch"  // method body rewriting
	PhaseWrite  Phase = "write"  // assembly serialization
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidData   Kind = "invalid_data"
	KindInvalidBase64 Kind = "invalid_base64"
	KindInvalidUTF8   Kind = "invalid_utf8"
	KindUnsupported   Kind = "unsupported"
	KindOutOfBounds   Kind = "out_of_bounds"
	KindOverflow      Kind = "overflow"
	KindNotFound      Kind = "not_found"
	KindNoMatch       Kind = "no_match"
	KindIO            Kind = "io"
	KindInvalidInput  Kind = "invalid_input"
)

// ErrNoMatch is returned when a run finds nothing to decode.
var ErrNoMatch = &Error{Phase: PhaseScan, Kind: KindNoMatch, Detail: "no decode calls found"}

// Error is the structured error type used throughout the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Method string
	Detail string
	Offset int
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Method != "" {
		b.WriteString(" in ")
		b.WriteString(e.Method)
		fmt.Fprintf(&b, " at IL_%04x", e.Offset)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Method sets the method name and IL offset the error refers to
func (b *Builder) Method(name string, offset int) *Builder {
	b.err.Method = name
	b.err.Offset = offset
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Load creates an assembly loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// Write creates an assembly serialization error
func Write(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseWrite,
		Kind:   KindIO,
		Detail: detail,
		Cause:  cause,
	}
}

// InvalidBase64 creates a decode error for a literal that is not base64
func InvalidBase64(method string, offset int, literal string, cause error) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindInvalidBase64,
		Method: method,
		Offset: offset,
		Value:  literal,
		Detail: fmt.Sprintf("literal %q is not valid base64", preview(literal)),
		Cause:  cause,
	}
}

// InvalidText creates a decode error for decoded bytes that are not valid text
func InvalidText(method string, offset int, literal string, data []byte) *Error {
	p := data
	if len(p) > 32 {
		p = p[:32]
	}
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindInvalidUTF8,
		Method: method,
		Offset: offset,
		Value:  literal,
		Detail: fmt.Sprintf("decoded bytes are not valid text: %x", p),
	}
}

// Patch creates a method body rewriting error
func Patch(method string, detail string, cause error) *Error {
	return &Error{
		Phase:  PhasePatch,
		Kind:   KindInvalidData,
		Method: method,
		Detail: detail,
		Cause:  cause,
	}
}

// Overflow creates an overflow error
func Overflow(phase Phase, what string, value any, limit any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOverflow,
		Value:  value,
		Detail: fmt.Sprintf("%s %v exceeds %v", what, value, limit),
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Config creates a configuration error
func Config(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindInvalidInput,
		Detail: detail,
		Cause:  cause,
	}
}

func preview(s string) string {
	if len(s) > 48 {
		return s[:48] + "..."
	}
	return s
}
