package pgpmime

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"git.sr.ht/~rjarry/mailcrypt/lib/log"
	"git.sr.ht/~rjarry/mailcrypt/lib/rfc822"
	"github.com/emersion/go-message/textproto"
)

// EncryptedPayload validates a multipart/encrypted body and returns the
// part holding the OpenPGP message.
func EncryptedPayload(mp *rfc822.Multipart) (*rfc822.Part, error) {
	if mp.Count() != 2 {
		return nil, fmt.Errorf("%w: multipart/encrypted has %d parts, not 2",
			ErrNotEncrypted, mp.Count())
	}
	control, payload := mp.Part(0), mp.Part(1)
	if t := control.MimeType(); t != "application/pgp-encrypted" {
		return nil, fmt.Errorf("%w: first part in multipart/encrypted message has type %q, not application/pgp-encrypted",
			ErrNotEncrypted, t)
	}
	if err := checkVersion(control); err != nil {
		return nil, err
	}
	if t := payload.MimeType(); t != "application/octet-stream" {
		return nil, fmt.Errorf("%w: second part in multipart/encrypted message has type %q, not application/octet-stream",
			ErrNotEncrypted, t)
	}
	if payload.Body == nil {
		return nil, fmt.Errorf("%w: second part in multipart/encrypted message has no body",
			ErrNotEncrypted)
	}
	return payload, nil
}

// checkVersion only rejects a control part announcing a version other than
// 1. Missing or unparsable control parts are accepted.
func checkVersion(control *rfc822.Part) error {
	r, err := control.DecodedReader()
	if err != nil {
		return nil
	}
	data, err := io.ReadAll(r)
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		data = append(data, '\r', '\n')
	}
	metadata, err := textproto.ReadHeader(bufio.NewReader(
		io.MultiReader(bytes.NewReader(data), bytes.NewReader([]byte("\r\n")))))
	if err != nil {
		log.Debugf("ignoring application/pgp-encrypted part: %v", err)
		return nil
	}
	if s := metadata.Get("Version"); s != "" && s != "1" {
		return fmt.Errorf("%w: unsupported PGP/MIME version: %q", ErrNotEncrypted, s)
	}
	return nil
}

// Payload extracts the OpenPGP message of the second part.
func Payload(mp *rfc822.Multipart) ([]byte, error) {
	part, err := EncryptedPayload(mp)
	if err != nil {
		return nil, err
	}
	r, err := part.DecodedReader()
	if err != nil {
		return nil, fmt.Errorf("pgpmime: failed to read encrypted payload: %w", err)
	}
	return io.ReadAll(r)
}
