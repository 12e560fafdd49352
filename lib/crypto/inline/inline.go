// Package inline detects ASCII armored OpenPGP blocks in the text of a
// message. Detection is pattern based and never fails: a message without
// usable text is neither encrypted nor signed.
package inline

import (
	"io"
	"regexp"
	"strings"

	"git.sr.ht/~rjarry/mailcrypt/lib/log"
	"git.sr.ht/~rjarry/mailcrypt/lib/rfc822"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
)

var (
	pgpMessage = regexp.MustCompile(
		`(?s)-----BEGIN PGP MESSAGE-----.*?-----END PGP MESSAGE-----`)
	pgpSigned = regexp.MustCompile(
		`(?s)-----BEGIN PGP SIGNED MESSAGE-----.*?-----BEGIN PGP SIGNATURE-----.*?-----END PGP SIGNATURE-----`)
)

type Classification struct {
	Encrypted bool
	Signed    bool
	// The text the markers were searched in
	Text string
}

// MessageText returns the content of the first text/plain part, or of the
// first text/html part when there is no plain text.
func MessageText(msg *rfc822.Part) (string, bool) {
	part := rfc822.FindFirstPartByMimeType(msg, "text/plain")
	if part == nil {
		part = rfc822.FindFirstPartByMimeType(msg, "text/html")
	}
	if part == nil {
		return "", false
	}
	text, err := rfc822.TextFromPart(part)
	if err != nil {
		log.Debugf("no text to classify: %v", err)
		return "", false
	}
	return text, true
}

func Classify(msg *rfc822.Part) Classification {
	text, ok := MessageText(msg)
	if !ok {
		return Classification{}
	}
	return Classification{
		Encrypted: pgpMessage.MatchString(text),
		Signed:    pgpSigned.MatchString(text),
		Text:      text,
	}
}

// ArmoredMessage returns the first PGP MESSAGE block of text.
func ArmoredMessage(text string) (string, bool) {
	block := pgpMessage.FindString(text)
	return block, block != ""
}

// SignedMessage returns the first cleartext signed block of text.
func SignedMessage(text string) (string, bool) {
	block := pgpSigned.FindString(text)
	return block, block != ""
}

// Block returns the armored block to hand over for decryption. Encrypted
// content is preferred over a cleartext signature.
func Block(c Classification) (string, bool) {
	if block, ok := ArmoredMessage(c.Text); ok {
		return block, true
	}
	return SignedMessage(c.Text)
}

// Valid reports whether an extracted block decodes as OpenPGP armor. The
// markers alone can be matched by quoted or damaged text.
func Valid(block string) bool {
	if strings.HasPrefix(block, "-----BEGIN PGP SIGNED MESSAGE-----") {
		b, _ := clearsign.Decode([]byte(block))
		return b != nil
	}
	b, err := armor.Decode(strings.NewReader(block))
	if err != nil || b.Type != "PGP MESSAGE" {
		return false
	}
	// checksum
	_, err = io.Copy(io.Discard, b.Body)
	return err == nil
}

// Cleartext returns the signed text of a cleartext signed block, with the
// dash escaping removed.
func Cleartext(block string) (string, bool) {
	b, _ := clearsign.Decode([]byte(block))
	if b == nil {
		return "", false
	}
	return string(b.Plaintext), true
}
