package rfc822

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"git.sr.ht/~rjarry/mailcrypt/lib/log"
	"git.sr.ht/~rjarry/mailcrypt/lib/tempfile"
	"github.com/emersion/go-message/textproto"
)

// A Message is the root part of a parsed message.
type Message struct {
	*Part
	// Structural problems met while parsing. The affected multiparts are
	// kept as opaque leaves so the message can still be displayed.
	Warnings []error
}

// Parse reads a whole message and builds its part tree. Leaf bodies are
// stored decoded in temp files of the store, except below multipart/signed
// where the wire bytes are kept in raw mode so they can be replayed
// exactly for verification.
func Parse(r io.Reader, store *tempfile.Store) (*Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not read message: %w", err)
	}
	br := bufio.NewReader(bytes.NewReader(data))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("could not read message header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("could not read message body: %w", err)
	}
	p := &parser{store: store}
	root, err := p.entity(h, body, false)
	if err != nil {
		return nil, err
	}
	return &Message{Part: root, Warnings: p.warnings}, nil
}

type parser struct {
	store    *tempfile.Store
	warnings []error
}

func (p *parser) entity(h textproto.Header, body []byte, raw bool) (*Part, error) {
	part := &Part{Header: h}
	ct := part.ContentType()
	if MatchMimeType(part.MimeType(), "multipart/*") {
		mp, err := p.multipart(ct, body, raw || part.MimeType() == "multipart/signed")
		if err == nil {
			part.Body = mp
			return part, nil
		}
		if errors.Is(err, errStore) {
			return nil, err
		}
		log.Warnf("keeping %s as a leaf: %v", part.MimeType(), err)
		p.warnings = append(p.warnings, err)
		raw = true
	}
	leaf, err := p.leaf(part, body, raw)
	if err != nil {
		return nil, err
	}
	part.Body = leaf
	return part, nil
}

var errStore = errors.New("body storage failed")

func (p *parser) multipart(ct string, body []byte, raw bool) (*Multipart, error) {
	mp, err := ParseMultipart(ct)
	if err != nil {
		return nil, err
	}
	mp.Preamble = preamble(body, mp.Boundary)
	mp.Epilogue = epilogue(body, mp.Boundary)
	mr := textproto.NewMultipartReader(bytes.NewReader(body), mp.Boundary)
	for {
		child, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			mp.Dispose()
			return nil, fmt.Errorf("could not read multipart/%s child: %w", mp.SubType, err)
		}
		content, err := io.ReadAll(child)
		if err != nil {
			mp.Dispose()
			return nil, fmt.Errorf("could not read multipart/%s child: %w", mp.SubType, err)
		}
		part, err := p.entity(child.Header, content, raw)
		if err != nil {
			mp.Dispose()
			return nil, err
		}
		mp.AddPart(part)
	}
	return mp, nil
}

func (p *parser) leaf(part *Part, body []byte, raw bool) (*TempFileBody, error) {
	enc := part.TransferEncoding()
	b, err := CreateTempFileBody(p.store, enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errStore, err)
	}
	var r io.Reader = bytes.NewReader(body)
	if raw {
		if enc == "base64" {
			// the line break before the next boundary belongs to the
			// delimiter, base64 bodies are serialized without it
			r = io.MultiReader(r, bytes.NewReader([]byte("\r\n")))
		}
		b.SetRaw(true)
	} else {
		r = decodeTransfer(enc, r)
	}
	if _, err := b.File().Write(r); err != nil {
		b.Dispose()
		return nil, fmt.Errorf("%w: %v", errStore, err)
	}
	return b, nil
}

// preamble returns the text before the first delimiter line.
func preamble(body []byte, boundary string) string {
	delim := []byte("--" + boundary)
	idx := -1
	if bytes.HasPrefix(body, delim) {
		return ""
	}
	if i := bytes.Index(body, append([]byte("\n"), delim...)); i >= 0 {
		idx = i
	}
	if idx < 0 {
		return ""
	}
	pre := body[:idx]
	pre = bytes.TrimSuffix(pre, []byte("\r"))
	return string(pre)
}

// epilogue returns what follows the closing delimiter.
func epilogue(body []byte, boundary string) string {
	delim := []byte("--" + boundary + "--")
	i := bytes.LastIndex(body, delim)
	if i < 0 {
		return "\r\n"
	}
	if i > 0 && body[i-1] != '\n' {
		return "\r\n"
	}
	return string(body[i+len(delim):])
}
