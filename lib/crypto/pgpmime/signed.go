// Package pgpmime handles the RFC 3156 multipart/signed and
// multipart/encrypted structures.
package pgpmime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"git.sr.ht/~rjarry/mailcrypt/lib/log"
	"git.sr.ht/~rjarry/mailcrypt/lib/rfc822"
)

var (
	ErrNotSigned    = errors.New("not a PGP/MIME signed message")
	ErrNotEncrypted = errors.New("not a PGP/MIME encrypted message")
)

// SignedContent is the byte sequence covered by a detached signature and
// the signature itself.
type SignedContent struct {
	Data      []byte
	Signature string
	Micalg    string
}

// ReconstructSigned rebuilds the signed bytes of a multipart/signed body.
// The content part is replayed from the bytes it was received with; only
// text alternatives are supported below multipart/alternative.
func ReconstructSigned(mp *rfc822.Multipart) (*SignedContent, error) {
	if mp.Count() != 2 {
		return nil, fmt.Errorf("%w: multipart/signed has %d parts, not 2",
			ErrNotSigned, mp.Count())
	}
	content, sig := mp.Part(0), mp.Part(1)
	if !strings.Contains(strings.ToLower(sig.ContentType()), "application/pgp-signature") {
		return nil, fmt.Errorf("%w: second part in multipart/signed has type %q, not application/pgp-signature",
			ErrNotSigned, sig.MimeType())
	}

	var buf bytes.Buffer
	if alt, ok := content.Multipart(); ok && content.MimeType() == "multipart/alternative" {
		if err := writeAlternative(&buf, content, alt); err != nil {
			return nil, fmt.Errorf("pgpmime: failed to rebuild signed alternative: %w", err)
		}
	} else if _, err := content.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("pgpmime: failed to rebuild signed part: %w", err)
	}

	r, err := sig.DecodedReader()
	if err != nil {
		return nil, fmt.Errorf("pgpmime: failed to read signature part: %w", err)
	}
	signature, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("pgpmime: failed to read signature part: %w", err)
	}

	return &SignedContent{
		Data:      buf.Bytes(),
		Signature: asciiOnly(signature),
		Micalg:    strings.ToLower(mp.Params["micalg"]),
	}, nil
}

func writeAlternative(w io.Writer, content *rfc822.Part, alt *rfc822.Multipart) error {
	if _, err := content.WriteHeaderTo(w); err != nil {
		return err
	}
	if alt.Preamble != "" {
		if _, err := io.WriteString(w, alt.Preamble+"\r\n"); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "--%s\r\n", alt.Boundary); err != nil {
		return err
	}
	for i, child := range alt.Parts {
		if _, err := child.WriteHeaderTo(w); err != nil {
			return err
		}
		lineBreak := "\r\n"
		if child.IsMimeType("text/*") {
			if _, err := child.Body.WriteTo(w); err != nil {
				return err
			}
			if rfc822.EndsWithLineBreak(child.Body) {
				lineBreak = ""
			}
		} else {
			log.Warnf("signed alternative %s is not text, skipping its content",
				child.MimeType())
		}
		end := "\r\n"
		if i == len(alt.Parts)-1 {
			end = "--" + alt.Epilogue
		}
		if _, err := fmt.Fprintf(w, "%s--%s%s", lineBreak, alt.Boundary, end); err != nil {
			return err
		}
	}
	return nil
}

func asciiOnly(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c < 0x80 {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
