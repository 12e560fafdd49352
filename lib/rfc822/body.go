package rfc822

import (
	"bytes"
	"io"
	"strings"

	"git.sr.ht/~rjarry/mailcrypt/lib/tempfile"
	"github.com/miolini/datacounter"
)

// TextBody holds a small text payload in memory.
type TextBody struct {
	text     string
	Charset  string
	encoding string
	raw      bool
}

func NewTextBody(text string) *TextBody {
	return &TextBody{text: text, Charset: "utf-8", encoding: "quoted-printable"}
}

func (b *TextBody) Text() string {
	return b.text
}

func (b *TextBody) Encoding() string {
	return b.encoding
}

func (b *TextBody) SetEncoding(enc string) {
	b.encoding = strings.ToLower(enc)
}

// SetRaw makes WriteTo emit the text without any transfer encoding.
func (b *TextBody) SetRaw(raw bool) {
	b.raw = raw
}

func (b *TextBody) WriteTo(w io.Writer) (int64, error) {
	ctr := datacounter.NewWriterCounter(w)
	var err error
	switch {
	case b.raw, b.encoding == "7bit", b.encoding == "8bit", b.encoding == "binary":
		_, err = io.WriteString(ctr, b.text)
	default:
		err = encodeTransfer(ctr, "quoted-printable", strings.NewReader(b.text))
	}
	return int64(ctr.Count()), err
}

func (b *TextBody) Dispose() {}

// A TempFileBody keeps its payload in a temp file. The file holds the
// decoded content, or the wire bytes when the body is raw. In raw mode the
// bytes are replayed verbatim on serialization, which is what signature
// verification needs.
type TempFileBody struct {
	file     *tempfile.File
	encoding string
	raw      bool
}

func NewTempFileBody(file *tempfile.File, encoding string) *TempFileBody {
	if encoding == "" {
		encoding = "7bit"
	}
	return &TempFileBody{file: file, encoding: strings.ToLower(encoding)}
}

// CreateTempFileBody makes a body backed by a fresh file of the store.
func CreateTempFileBody(store *tempfile.Store, encoding string) (*TempFileBody, error) {
	f, err := store.Create("body*.tmp")
	if err != nil {
		return nil, err
	}
	return NewTempFileBody(f, encoding), nil
}

func (b *TempFileBody) File() *tempfile.File {
	return b.file
}

// Writer returns the single writer of the underlying file.
func (b *TempFileBody) Writer() (io.WriteCloser, error) {
	return b.file.Writer()
}

// Reader returns the stored bytes.
func (b *TempFileBody) Reader() (io.ReadCloser, error) {
	return b.file.Open()
}

// DecodedReader returns the content without transfer encoding. The whole
// content is read in memory so the file is not kept open.
func (b *TempFileBody) DecodedReader() (io.Reader, error) {
	data, err := b.file.ReadAll()
	if err != nil {
		return nil, err
	}
	r := io.Reader(bytes.NewReader(data))
	if b.raw {
		r = decodeTransfer(b.encoding, r)
	}
	return r, nil
}

func (b *TempFileBody) Size() int64 {
	return b.file.Size()
}

func (b *TempFileBody) Encoding() string {
	return b.encoding
}

func (b *TempFileBody) SetEncoding(enc string) {
	b.encoding = strings.ToLower(enc)
}

func (b *TempFileBody) Raw() bool {
	return b.raw
}

func (b *TempFileBody) SetRaw(raw bool) {
	b.raw = raw
}

func (b *TempFileBody) WriteTo(w io.Writer) (int64, error) {
	r, err := b.file.Open()
	if err != nil {
		return 0, err
	}
	defer r.Close()
	ctr := datacounter.NewWriterCounter(w)
	if b.raw {
		_, err = io.Copy(ctr, r)
	} else {
		err = encodeTransfer(ctr, b.encoding, r)
	}
	return int64(ctr.Count()), err
}

func (b *TempFileBody) Dispose() {
	b.file.Release()
}
