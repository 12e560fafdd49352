package rfc822

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"git.sr.ht/~rjarry/mailcrypt/lib/log"
	"github.com/emersion/go-message/charset"
)

// FindFirstPartByMimeType walks the tree depth first and returns the first
// part matching the pattern, or nil.
func FindFirstPartByMimeType(p *Part, pattern string) *Part {
	if p == nil {
		return nil
	}
	if mp, ok := p.Multipart(); ok {
		for _, child := range mp.Parts {
			if found := FindFirstPartByMimeType(child, pattern); found != nil {
				return found
			}
		}
		return nil
	}
	if p.IsMimeType(pattern) {
		return p
	}
	return nil
}

// Walk calls fn for every part of the tree, parents first.
func Walk(p *Part, fn func(*Part)) {
	if p == nil {
		return
	}
	fn(p)
	if mp, ok := p.Multipart(); ok {
		for _, child := range mp.Parts {
			Walk(child, fn)
		}
	}
}

// TextFromPart returns the decoded content of a text part converted to
// UTF-8. An unknown charset is logged and the bytes are returned as is.
func TextFromPart(p *Part) (string, error) {
	if p == nil {
		return "", ErrNoContent
	}
	r, err := p.DecodedReader()
	if err != nil {
		return "", err
	}
	if ch := p.Param("charset"); ch != "" {
		converted, err := charset.Reader(ch, r)
		if err != nil {
			log.Warnf("unknown charset encountered: %s", ch)
			converted = r
		}
		r = converted
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("could not read %s part: %w", p.MimeType(), err)
	}
	return string(data), nil
}

// NewCRLFReader returns a reader with CRLF line endings. Lines may be of
// any length. A final line without a line break gets one.
func NewCRLFReader(r io.Reader) io.Reader {
	return &crlfReader{r: bufio.NewReader(r)}
}

type crlfReader struct {
	r   *bufio.Reader
	buf []byte
	err error
	// a CR ending a partial line, held until the next chunk shows
	// whether it starts the line break
	cr bool
}

func (c *crlfReader) Read(p []byte) (int, error) {
	for len(c.buf) == 0 && c.err == nil {
		c.fill()
	}
	if len(c.buf) == 0 {
		return 0, c.err
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *crlfReader) fill() {
	chunk, err := c.r.ReadSlice('\n')
	line := make([]byte, 0, len(chunk)+2)
	if c.cr {
		line = append(line, '\r')
		c.cr = false
	}
	line = append(line, chunk...)
	switch {
	case err == nil:
		line = bytes.TrimSuffix(line[:len(line)-1], []byte("\r"))
		line = append(line, '\r', '\n')
	case errors.Is(err, bufio.ErrBufferFull):
		if bytes.HasSuffix(line, []byte("\r")) {
			line = line[:len(line)-1]
			c.cr = true
		}
	case errors.Is(err, io.EOF):
		if len(line) > 0 {
			line = bytes.TrimSuffix(line, []byte("\r"))
			line = append(line, '\r', '\n')
		}
		c.err = io.EOF
	default:
		c.err = err
	}
	c.buf = line
}
