package bridge

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	// No usable external application is installed
	ErrUnavailable = errors.New("crypto application unavailable")
	ErrUnsupported = errors.New("operation not supported by the crypto application")
	// The same operation is already in flight for the session
	ErrPending       = errors.New("operation already pending")
	ErrClosed        = errors.New("transport closed")
	ErrCancelled     = errors.New("cancelled by user")
	ErrBadPassphrase = errors.New("bad passphrase")
	ErrTimeout       = errors.New("no response from crypto application")
	// The external application reported a failure
	ErrRejected = errors.New("crypto operation failed")
)
