package common

import "fmt"

// RequestError error which carries an HTTP style status code for relay to a client
type RequestError struct {
	// Code is the HTTP style status code
	Code int
	// Msg is the client facing message
	Msg string
}

// Error implements the error interface
func (e RequestError) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Msg)
}

// NewRequestError define a new RequestError
func NewRequestError(code int, format string, args ...interface{}) RequestError {
	return RequestError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// RequestErrorFrom convert any error into a RequestError. Errors which are not
// already a RequestError are treated as internal failures.
func RequestErrorFrom(err error) RequestError {
	if asReqErr, ok := err.(RequestError); ok {
		return asReqErr
	}
	return RequestError{Code: 500, Msg: err.Error()}
}
