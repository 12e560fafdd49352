package rfc822

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime/quotedprintable"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-textwrapper"
)

// decodeTransfer removes a transfer encoding. Unknown encodings are returned
// as is, like go-message does for the entity body.
func decodeTransfer(enc string, r io.Reader) io.Reader {
	h := message.Header{}
	h.Set("Content-Transfer-Encoding", enc)
	e, err := message.New(h, r)
	if err != nil && !message.IsUnknownEncoding(err) {
		return r
	}
	return e.Body
}

// encodeTransfer writes r to w with the given transfer encoding. Base64
// output is wrapped at 76 columns and every line, the last included, is
// terminated by CRLF.
func encodeTransfer(w io.Writer, enc string, r io.Reader) error {
	switch strings.ToLower(enc) {
	case "base64":
		lw := &lastByteWriter{w: textwrapper.New(w, "\r\n", 76)}
		bw := base64.NewEncoder(base64.StdEncoding, lw)
		if _, err := io.Copy(bw, r); err != nil {
			return err
		}
		if err := bw.Close(); err != nil {
			return err
		}
		if lw.n > 0 {
			_, err := io.WriteString(w, "\r\n")
			return err
		}
		return nil
	case "quoted-printable":
		qw := quotedprintable.NewWriter(w)
		if _, err := io.Copy(qw, r); err != nil {
			return err
		}
		return qw.Close()
	default:
		_, err := io.Copy(w, r)
		return err
	}
}

type lastByteWriter struct {
	w io.Writer
	n int64
}

func (l *lastByteWriter) Write(b []byte) (int, error) {
	n, err := l.w.Write(b)
	l.n += int64(n)
	return n, err
}

func encodeString(enc, s string) string {
	var buf bytes.Buffer
	_ = encodeTransfer(&buf, enc, strings.NewReader(s))
	return buf.String()
}
