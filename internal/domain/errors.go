package domain

import "github.com/pkg/errors"

// ErrorKind classifies failures of the pipeline.
type ErrorKind string

const (
	KindConnection    ErrorKind = "connection"
	KindEvaluation    ErrorKind = "evaluation"
	KindSafetyProbe   ErrorKind = "safety probe"
	KindTransaction   ErrorKind = "transaction"
	KindConfiguration ErrorKind = "configuration"
	KindFatalInit     ErrorKind = "fatal init"
)

// Error is a classified error. Use errors.Is with the sentinels below to test the kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " error"
	}
	return string(e.Kind) + " error: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any error of the same kind when target is a sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

var (
	ErrConnection    = &Error{Kind: KindConnection}
	ErrEvaluation    = &Error{Kind: KindEvaluation}
	ErrSafetyProbe   = &Error{Kind: KindSafetyProbe}
	ErrTransaction   = &Error{Kind: KindTransaction}
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrFatalInit     = &Error{Kind: KindFatalInit}
)

// ErrNothingToSell means the wallet holds none of the position's token.
var ErrNothingToSell = errors.New("no balance to sell")

// NewError classifies err. A nil err yields nil.
func NewError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a message.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// Wrap classifies err and annotates it with msg.
func Wrap(kind ErrorKind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: errors.Wrap(err, msg)}
}
