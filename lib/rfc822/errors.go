package rfc822

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedMultipart = errors.New("malformed multipart")
	ErrNoContent          = errors.New("part has no leaf content")
)

// A ContentTypeError reports a multipart content type which cannot be used
// to split the body, because it lacks a subtype or a boundary.
type ContentTypeError struct {
	ContentType string
	Reason      string
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("invalid multipart content type %q: %s", e.ContentType, e.Reason)
}

func (e *ContentTypeError) Unwrap() error {
	return ErrMalformedMultipart
}
