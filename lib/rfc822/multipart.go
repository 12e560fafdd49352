package rfc822

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"mime"
	"sort"
	"strings"

	"github.com/miolini/datacounter"
)

const boundaryChars = "0123456789abcdefghijklmnopqrstuvwxyz"

// GenerateBoundary returns "----" followed by 30 random base 36 characters,
// upper cased.
func GenerateBoundary() string {
	var sb strings.Builder
	sb.WriteString("----")
	max := big.NewInt(int64(len(boundaryChars)))
	for i := 0; i < 30; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		sb.WriteByte(boundaryChars[n.Int64()])
	}
	return strings.ToUpper(sb.String())
}

type Multipart struct {
	SubType  string
	Boundary string
	// Text before the first boundary, without its line break
	Preamble string
	// Bytes following the closing boundary. When the multipart is nested,
	// this excludes the line break owned by the parent delimiter.
	Epilogue string
	// Content-Type parameters other than boundary, e.g. protocol
	Params map[string]string
	Parts  []*Part
}

// NewMultipart creates an empty multipart with a fresh boundary. An empty
// subtype means "mixed".
func NewMultipart(subtype string) *Multipart {
	if subtype == "" {
		subtype = "mixed"
	}
	return &Multipart{
		SubType:  strings.ToLower(subtype),
		Boundary: GenerateBoundary(),
		Epilogue: "\r\n",
		Params:   map[string]string{},
	}
}

// ParseMultipart creates an empty multipart from a Content-Type value. The
// value must carry a multipart subtype and a boundary, otherwise a
// *ContentTypeError is returned.
func ParseMultipart(contentType string) (*Multipart, error) {
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, &ContentTypeError{ContentType: contentType, Reason: err.Error()}
	}
	major, sub, _ := strings.Cut(mt, "/")
	if major != "multipart" || sub == "" {
		return nil, &ContentTypeError{ContentType: contentType, Reason: "must contain subtype and boundary"}
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, &ContentTypeError{ContentType: contentType, Reason: "must contain subtype and boundary"}
	}
	delete(params, "boundary")
	return &Multipart{
		SubType:  sub,
		Boundary: boundary,
		Epilogue: "\r\n",
		Params:   params,
	}, nil
}

func (m *Multipart) MimeType() string {
	return "multipart/" + m.SubType
}

func (m *Multipart) ContentType() string {
	ct := fmt.Sprintf("multipart/%s; boundary=\"%s\"", m.SubType, m.Boundary)
	keys := make([]string, 0, len(m.Params))
	for k := range m.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ct += fmt.Sprintf("; %s=\"%s\"", k, m.Params[k])
	}
	return ct
}

func (m *Multipart) AddPart(p *Part) {
	m.Parts = append(m.Parts, p)
}

func (m *Multipart) Count() int {
	return len(m.Parts)
}

// Part returns the i-th child, or nil.
func (m *Multipart) Part(i int) *Part {
	if i < 0 || i >= len(m.Parts) {
		return nil
	}
	return m.Parts[i]
}

// WriteTo serializes the children between boundary lines. Like the
// encoders this has to interoperate with, no line break is inserted after a
// base64 temp file body: its content already ends with one.
func (m *Multipart) WriteTo(w io.Writer) (int64, error) {
	ctr := datacounter.NewWriterCounter(w)
	err := m.write(ctr)
	return int64(ctr.Count()), err
}

func (m *Multipart) write(w io.Writer) error {
	if m.Preamble != "" {
		if _, err := io.WriteString(w, m.Preamble+"\r\n"); err != nil {
			return err
		}
	}
	if len(m.Parts) == 0 {
		if _, err := fmt.Fprintf(w, "--%s\r\n", m.Boundary); err != nil {
			return err
		}
	}
	for _, p := range m.Parts {
		if _, err := fmt.Fprintf(w, "--%s\r\n", m.Boundary); err != nil {
			return err
		}
		if _, err := p.WriteTo(w); err != nil {
			return err
		}
		if EndsWithLineBreak(p.Body) {
			continue
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "--%s--%s", m.Boundary, m.Epilogue)
	return err
}

// EndsWithLineBreak reports whether the serialized body already ends with
// the line break preceding the next boundary.
func EndsWithLineBreak(b Body) bool {
	tb, ok := b.(*TempFileBody)
	return ok && tb.Encoding() == "base64"
}

func (m *Multipart) Dispose() {
	for _, p := range m.Parts {
		p.Dispose()
	}
}
