package rfc822

import (
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/miolini/datacounter"
)

// A Body is either a *Multipart or a leaf payload. WriteTo emits the
// transfer encoded bytes that go on the wire.
type Body interface {
	io.WriterTo
	Dispose()
}

type Part struct {
	Header textproto.Header
	Body   Body
}

func NewPart(h textproto.Header, body Body) *Part {
	return &Part{Header: h, Body: body}
}

// ContentType returns the raw Content-Type header value.
func (p *Part) ContentType() string {
	ct := p.Header.Get("Content-Type")
	if ct == "" {
		return "text/plain"
	}
	return ct
}

// MimeType returns the lower cased media type without parameters.
func (p *Part) MimeType() string {
	mt, _ := splitContentType(p.ContentType())
	return mt
}

// Param returns a Content-Type parameter.
func (p *Part) Param(name string) string {
	_, params := splitContentType(p.ContentType())
	return params[strings.ToLower(name)]
}

// IsMimeType matches the media type against a pattern such as "text/*".
func (p *Part) IsMimeType(pattern string) bool {
	return MatchMimeType(p.MimeType(), pattern)
}

func (p *Part) Get(key string) string {
	return p.Header.Get(key)
}

func (p *Part) Values(key string) []string {
	var values []string
	fields := p.Header.FieldsByKey(key)
	for fields.Next() {
		values = append(values, fields.Value())
	}
	return values
}

func (p *Part) TransferEncoding() string {
	enc := strings.ToLower(strings.TrimSpace(p.Header.Get("Content-Transfer-Encoding")))
	if enc == "" {
		return "7bit"
	}
	return enc
}

func (p *Part) Multipart() (*Multipart, bool) {
	mp, ok := p.Body.(*Multipart)
	return mp, ok
}

// WriteHeaderTo writes the header block followed by the blank line which
// separates it from the body. Parsed fields are written byte for byte.
func (p *Part) WriteHeaderTo(w io.Writer) (int64, error) {
	ctr := datacounter.NewWriterCounter(w)
	err := textproto.WriteHeader(ctr, p.Header)
	return int64(ctr.Count()), err
}

func (p *Part) WriteTo(w io.Writer) (int64, error) {
	n, err := p.WriteHeaderTo(w)
	if err != nil || p.Body == nil {
		return n, err
	}
	m, err := p.Body.WriteTo(w)
	return n + m, err
}

// DecodedReader returns the body content with its transfer encoding
// removed. Multipart bodies have no decoded form.
func (p *Part) DecodedReader() (io.Reader, error) {
	switch b := p.Body.(type) {
	case *TempFileBody:
		return b.DecodedReader()
	case *TextBody:
		return strings.NewReader(b.Text()), nil
	}
	return nil, ErrNoContent
}

// Dispose releases the storage of every body in the tree.
func (p *Part) Dispose() {
	if p.Body != nil {
		p.Body.Dispose()
	}
}

// MatchMimeType compares a media type with a pattern. The pattern may use
// "*" as subtype or "*/*".
func MatchMimeType(mimeType, pattern string) bool {
	mimeType = strings.ToLower(mimeType)
	pattern = strings.ToLower(pattern)
	if pattern == "*/*" || pattern == mimeType {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(mimeType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// splitContentType is lenient. If the value does not parse, the media type
// is taken as everything before the first ';' and no parameters are
// returned.
func splitContentType(ct string) (string, map[string]string) {
	mt, params, err := mime.ParseMediaType(ct)
	if err != nil {
		mt = ct
		if i := strings.IndexByte(ct, ';'); i >= 0 {
			mt = ct[:i]
		}
		mt = strings.Trim(strings.TrimSpace(mt), `"`)
		params = map[string]string{}
	}
	return strings.ToLower(mt), params
}
