package bridge

import "context"

// Transport carries requests to the external application and brings its
// responses back. Send returns as soon as the request is handed over, the
// response is delivered on Responses, possibly much later or never.
type Transport interface {
	// Probe returns the version of the given application or an error when
	// it is not installed.
	Probe(ctx context.Context, app string) (int, error)
	Send(ctx context.Context, req *Request) error
	Responses() <-chan *Response
	Close() error
}
