package fault

import "errors"

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindUnknown    Kind = ""
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindFatal      Kind = "fatal"
)

// Error is a sentinel carrying its Kind. Sentinels are compared by identity, so
// wrap them with fmt.Errorf("%w: ...") to add detail.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func Validation(msg string) *Error { return &Error{Kind: KindValidation, Msg: msg} }
func NotFound(msg string) *Error   { return &Error{Kind: KindNotFound, Msg: msg} }
func Conflict(msg string) *Error   { return &Error{Kind: KindConflict, Msg: msg} }
func Transient(msg string) *Error  { return &Error{Kind: KindTransient, Msg: msg} }
func Fatal(msg string) *Error      { return &Error{Kind: KindFatal, Msg: msg} }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

func IsTransient(err error) bool { return KindOf(err) == KindTransient }
