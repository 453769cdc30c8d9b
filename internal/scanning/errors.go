package scanning

import "errors"

// Kind classifies a recognition failure
type Kind int

const (
	KindInvalidInput Kind = iota + 1
	KindTimeout
	KindUpstream
	KindInsufficientDigits
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindTimeout:
		return "timeout"
	case KindUpstream:
		return "upstream_failure"
	case KindInsufficientDigits:
		return "insufficient_digits"
	default:
		return "unknown"
	}
}

// Error is a classified recognition failure
type Error struct {
	Kind    Kind
	Message string
	// Partial holds the digits parsed so far for KindInsufficientDigits
	Partial string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of a recognition error, or zero if err is not one
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
