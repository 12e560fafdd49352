package pgpmime

import (
	"bytes"

	"git.sr.ht/~rjarry/mailcrypt/lib/rfc822"
	"github.com/emersion/go-message/textproto"
)

func textLeaf(h textproto.Header, text string) *rfc822.Part {
	body := rfc822.NewTextBody(text)
	body.SetEncoding("7bit")
	return rfc822.NewPart(h, body)
}

// BuildEncrypted wraps an armored OpenPGP message in a multipart/encrypted
// body. The Content-Type of h is replaced.
func BuildEncrypted(h textproto.Header, armored string) *rfc822.Part {
	mp := rfc822.NewMultipart("encrypted")
	mp.Params["protocol"] = "application/pgp-encrypted"

	var control textproto.Header
	control.Set("Content-Type", "application/pgp-encrypted")
	control.Set("Content-Description", "PGP/MIME version identification")
	mp.AddPart(textLeaf(control, "Version: 1\r\n"))

	var payload textproto.Header
	payload.Set("Content-Type", `application/octet-stream; name="encrypted.asc"`)
	payload.Set("Content-Description", "OpenPGP encrypted message")
	payload.Set("Content-Disposition", `inline; filename="encrypted.asc"`)
	mp.AddPart(textLeaf(payload, armored))

	h = h.Copy()
	h.Set("Mime-Version", "1.0")
	h.Set("Content-Type", mp.ContentType())
	return rfc822.NewPart(h, mp)
}

// SignedPayload returns the canonical bytes of a part to be signed.
func SignedPayload(content *rfc822.Part) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := content.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildSigned makes a multipart/signed body out of a content part and its
// detached armored signature. micalg is e.g. "pgp-sha256".
func BuildSigned(h textproto.Header, content *rfc822.Part, signature, micalg string) *rfc822.Part {
	mp := rfc822.NewMultipart("signed")
	mp.Params["protocol"] = "application/pgp-signature"
	if micalg != "" {
		mp.Params["micalg"] = micalg
	}
	mp.AddPart(content)

	var sig textproto.Header
	sig.Set("Content-Type", `application/pgp-signature; name="signature.asc"`)
	sig.Set("Content-Description", "OpenPGP digital signature")
	mp.AddPart(textLeaf(sig, signature))

	h = h.Copy()
	h.Set("Mime-Version", "1.0")
	h.Set("Content-Type", mp.ContentType())
	return rfc822.NewPart(h, mp)
}
