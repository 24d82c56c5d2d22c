package errors

import "errors"

// Coded is an error carrying one of the codes above, so transport layers
// can translate domain failures into wire error events without string
// matching.
type Coded struct {
	Code    string
	Message string
}

func (e *Coded) Error() string { return e.Message }

// E builds a coded error.
func E(code, message string) *Coded {
	return &Coded{Code: code, Message: message}
}

// CodeOf extracts the code from err, defaulting to internal_error.
func CodeOf(err error) string {
	var coded *Coded
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ErrCodeInternalError
}
