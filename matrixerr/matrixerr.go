// Package matrixerr defines the bounded error taxonomy shared by every
// component of matrixcore: protocol errors returned verbatim by the
// homeserver, local errors raised by the library itself, transport failures,
// storage failures, and cryptographic failures.
package matrixerr

import "fmt"

// Kind classifies an error into one of the bounded families from SPEC_FULL.md §7.
type Kind string

const (
	KindMatrixProtocol Kind = "matrix_protocol"
	KindLocal          Kind = "local"
	KindTransport      Kind = "transport"
	KindStorage        Kind = "storage"
	KindCrypto         Kind = "crypto"
)

// Local error codes (spec §7 "Local").
const (
	CodeBadPassword       = "BAD_PASSWORD"
	CodeNoHomeServer      = "NO_HOME_SERVER"
	CodeBadHomeServer     = "BAD_HOME_SERVER"
	CodeUserDeviceChanged = "USER_DEVICE_CHANGED"
)

// MatrixError carries a verbatim Matrix protocol error as returned by the
// homeserver (errcode + error string), e.g. M_FORBIDDEN, M_UNKNOWN_TOKEN.
type MatrixError struct {
	ErrCode string `json:"errcode"`
	Error_  string `json:"error"`
}

func (m *MatrixError) Error() string {
	return fmt.Sprintf("%s: %s", m.ErrCode, m.Error_)
}

// Error is the concrete error type returned across component boundaries.
// Exactly one of Matrix or Code is normally populated for a given Kind.
type Error struct {
	Kind   Kind
	Code   string
	Matrix *MatrixError
	Cause  error
}

func (e *Error) Error() string {
	switch {
	case e.Matrix != nil:
		return string(e.Kind) + ": " + e.Matrix.Error()
	case e.Code != "":
		if e.Cause != nil {
			return string(e.Kind) + ": " + e.Code + ": " + e.Cause.Error()
		}
		return string(e.Kind) + ": " + e.Code
	case e.Cause != nil:
		return string(e.Kind) + ": " + e.Cause.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a local error of the given code, optionally wrapping a cause.
func New(kind Kind, code string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Cause: cause}
}

// Wrap attaches Kind to an arbitrary cause without a specific local code.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// FromMatrix builds a protocol-kind error from the homeserver's errcode/error.
func FromMatrix(errcode, errmsg string) *Error {
	return &Error{Kind: KindMatrixProtocol, Matrix: &MatrixError{ErrCode: errcode, Error_: errmsg}}
}

// Is reports whether err is a *Error with the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

// IsCode reports whether err is a *Error with the given local Code.
func IsCode(err error, code string) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}
