package tilecache

import "errors"

// Kind classifies failures surfaced by the loader and dispatcher.
type Kind int

const (
	KindUnknown Kind = iota
	// KindArgumentCount and KindArgumentType are caller contract violations,
	// always returned synchronously.
	KindArgumentCount
	KindArgumentType
	// KindConfigParse, KindConfigValidation and KindRuntime are delivered
	// through the completion channel.
	KindConfigParse
	KindConfigValidation
	KindRuntime
)

func (k Kind) String() string {
	switch k {
	case KindArgumentCount:
		return "ArgumentCountError"
	case KindArgumentType:
		return "ArgumentTypeError"
	case KindConfigParse:
		return "ConfigParseError"
	case KindConfigValidation:
		return "ConfigValidationError"
	case KindRuntime:
		return "RuntimeError"
	default:
		return "UnknownError"
	}
}

// Error is a classified failure. Message is the exact caller-facing text.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same kind when the target carries no message,
// which is how the exported sentinels are built.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Message == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

var (
	ErrArgumentCount    = &Error{Kind: KindArgumentCount}
	ErrArgumentType     = &Error{Kind: KindArgumentType}
	ErrConfigParse      = &Error{Kind: KindConfigParse}
	ErrConfigValidation = &Error{Kind: KindConfigValidation}
	ErrRuntime          = &Error{Kind: KindRuntime}
)

// KindOf extracts the classification from err, reporting false when err is
// not a classified error.
func KindOf(err error) (Kind, bool) {
	var classified *Error
	if errors.As(err, &classified) && classified != nil {
		return classified.Kind, true
	}
	return KindUnknown, false
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}
