package pgpmime

import (
	"git.sr.ht/~rjarry/mailcrypt/lib/rfc822"
)

// Structure tells which PGP/MIME layout the top level body of a message
// has. At most one flag is set.
type Structure struct {
	Encrypted bool
	Signed    bool
}

func (s Structure) Any() bool {
	return s.Encrypted || s.Signed
}

// Detect looks at the message body only. Like most mail clients, nested
// PGP/MIME structures inside another multipart are displayed as
// attachments.
func Detect(msg *rfc822.Part) Structure {
	mp, ok := msg.Multipart()
	if !ok || mp.Count() != 2 {
		return Structure{}
	}
	switch msg.MimeType() {
	case "multipart/encrypted":
		return Structure{Encrypted: mp.Part(0).MimeType() == "application/pgp-encrypted"}
	case "multipart/signed":
		return Structure{Signed: mp.Part(1).MimeType() == "application/pgp-signature"}
	}
	return Structure{}
}
