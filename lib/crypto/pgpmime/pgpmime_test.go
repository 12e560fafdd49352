package pgpmime

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"git.sr.ht/~rjarry/mailcrypt/lib/rfc822"
	"git.sr.ht/~rjarry/mailcrypt/lib/tempfile"
	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-pgpmail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyId = 0x307215C13DF7A964

func toCRLF(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func fixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile("../testdata/" + name)
	require.Nil(t, err)
	return toCRLF(string(data))
}

func testKeyring(t *testing.T) openpgp.EntityList {
	t.Helper()
	f, err := os.Open("../testdata/john-doe.asc")
	require.Nil(t, err)
	defer f.Close()
	keys, err := openpgp.ReadArmoredKeyRing(f)
	require.Nil(t, err)
	return keys
}

func newEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity("Jane Doe", "", "jane.doe@example.org",
		&packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	require.Nil(t, err)
	return e
}

func parse(t *testing.T, s string) *rfc822.Message {
	t.Helper()
	store, err := tempfile.NewStore(t.TempDir())
	require.Nil(t, err)
	msg, err := rfc822.Parse(strings.NewReader(s), store)
	require.Nil(t, err)
	t.Cleanup(msg.Dispose)
	return msg
}

func reconstruct(t *testing.T, msg *rfc822.Message) *SignedContent {
	t.Helper()
	mp, ok := msg.Multipart()
	require.True(t, ok)
	sc, err := ReconstructSigned(mp)
	require.Nil(t, err)
	return sc
}

// go-pgpmail armors its signatures as PGP MESSAGE, so the armor type is
// not checked.
func verify(keys openpgp.KeyRing, sc *SignedContent) (*openpgp.Entity, error) {
	block, err := armor.Decode(strings.NewReader(sc.Signature))
	if err != nil {
		return nil, err
	}
	return openpgp.CheckDetachedSignature(keys, bytes.NewReader(sc.Data), block.Body, nil)
}

func TestReconstructSigned_fixture(t *testing.T) {
	msg := parse(t, fixture(t, "signed.eml"))
	assert.Equal(t, Structure{Signed: true}, Detect(msg.Part))

	sc := reconstruct(t, msg)
	assert.Equal(t, toCRLF("Content-Type: text/plain\n\nThis is a signed message!\n"), string(sc.Data))
	assert.Equal(t, "pgp-sha256", sc.Micalg)
	assert.True(t, strings.HasPrefix(sc.Signature, "-----BEGIN PGP SIGNATURE-----"))

	signer, err := verify(testKeyring(t), sc)
	require.Nil(t, err)
	assert.Equal(t, uint64(testKeyId), signer.PrimaryKey.KeyId)
}

func TestReconstructSigned_invalid(t *testing.T) {
	msg := parse(t, fixture(t, "signed-invalid.eml"))
	sc := reconstruct(t, msg)
	_, err := verify(testKeyring(t), sc)
	assert.NotNil(t, err)
}

var alternativeContent = toCRLF(`Content-Type: multipart/alternative; boundary=alt

--alt
Content-Type: text/plain

plain
--alt
Content-Type: text/html

<p>html</p>
--alt--
`)

func signedMessage(content, signature string) string {
	return toCRLF(`Content-Type: multipart/signed; boundary=outer; micalg=pgp-sha256;
  protocol="application/pgp-signature"

--outer
`) + content + toCRLF(`
--outer
Content-Type: application/pgp-signature

`) + signature + toCRLF(`
--outer--
`)
}

func TestReconstructSigned_alternative(t *testing.T) {
	e := newEntity(t)
	var sig bytes.Buffer
	require.Nil(t, openpgp.ArmoredDetachSign(&sig, e, strings.NewReader(alternativeContent), nil))

	msg := parse(t, signedMessage(alternativeContent, sig.String()))
	sc := reconstruct(t, msg)
	assert.Equal(t, alternativeContent, string(sc.Data))
	assert.Contains(t, string(sc.Data), "plain\r\n--alt\r\n")
	assert.True(t, strings.HasSuffix(string(sc.Data), "--alt--\r\n"))

	_, err := verify(openpgp.EntityList{e}, sc)
	assert.Nil(t, err)
}

func TestReconstructSigned_nonTextAlternative(t *testing.T) {
	content := toCRLF(`Content-Type: multipart/alternative; boundary=alt

--alt
Content-Type: text/plain

plain
--alt
Content-Type: image/png

PNGDATA
--alt--
`)
	msg := parse(t, signedMessage(content, "sig"))
	sc := reconstruct(t, msg)
	assert.Contains(t, string(sc.Data), "Content-Type: image/png\r\n\r\n\r\n--alt--")
	assert.NotContains(t, string(sc.Data), "PNGDATA")
}

func TestReconstructSigned_errors(t *testing.T) {
	msg := parse(t, toCRLF(`Content-Type: multipart/signed; boundary=b

--b
Content-Type: text/plain

hello
--b
Content-Type: text/plain

not a signature
--b--
`))
	mp, _ := msg.Multipart()
	_, err := ReconstructSigned(mp)
	assert.True(t, errors.Is(err, ErrNotSigned))
	assert.Equal(t, Structure{}, Detect(msg.Part))

	mp.Parts = mp.Parts[:1]
	_, err = ReconstructSigned(mp)
	assert.True(t, errors.Is(err, ErrNotSigned))
}

func decrypt(t *testing.T, keys openpgp.KeyRing, payload []byte) string {
	t.Helper()
	block, err := armor.Decode(bytes.NewReader(payload))
	require.Nil(t, err)
	md, err := openpgp.ReadMessage(block.Body, keys, nil, nil)
	require.Nil(t, err)
	data, err := io.ReadAll(md.UnverifiedBody)
	require.Nil(t, err)
	return string(data)
}

func TestPayload_fixture(t *testing.T) {
	msg := parse(t, fixture(t, "encrypted.eml"))
	assert.Equal(t, Structure{Encrypted: true}, Detect(msg.Part))

	mp, _ := msg.Multipart()
	payload, err := Payload(mp)
	require.Nil(t, err)
	assert.True(t, bytes.HasPrefix(payload, []byte("-----BEGIN PGP MESSAGE-----")))

	assert.Equal(t, toCRLF("Content-Type: text/plain\n\nThis is an encrypted message!\n"),
		decrypt(t, testKeyring(t), payload))
}

func TestEncryptedPayload_errors(t *testing.T) {
	tests := map[string]string{
		"version": toCRLF(`Content-Type: multipart/encrypted; boundary=foo

--foo
Content-Type: application/pgp-encrypted

Version: 2

--foo
Content-Type: application/octet-stream

data
--foo--
`),
		"control": toCRLF(`Content-Type: multipart/encrypted; boundary=foo

--foo
Content-Type: text/plain

Version: 1
--foo
Content-Type: application/octet-stream

data
--foo--
`),
		"payload": toCRLF(`Content-Type: multipart/encrypted; boundary=foo

--foo
Content-Type: application/pgp-encrypted

Version: 1
--foo
Content-Type: text/plain

data
--foo--
`),
	}
	for name, input := range tests {
		msg := parse(t, input)
		mp, _ := msg.Multipart()
		_, err := EncryptedPayload(mp)
		assert.True(t, errors.Is(err, ErrNotEncrypted), name)
	}
}

func TestBuildEncrypted(t *testing.T) {
	var h textproto.Header
	h.Set("Subject", "secret")
	armored := "-----BEGIN PGP MESSAGE-----\r\n\r\nabc\r\n-----END PGP MESSAGE-----\r\n"
	part := BuildEncrypted(h, armored)

	var buf bytes.Buffer
	_, err := part.WriteTo(&buf)
	require.Nil(t, err)

	msg := parse(t, buf.String())
	assert.Equal(t, "secret", msg.Get("Subject"))
	assert.Equal(t, "application/pgp-encrypted", msg.Param("protocol"))
	assert.Equal(t, Structure{Encrypted: true}, Detect(msg.Part))
	mp, _ := msg.Multipart()
	payload, err := Payload(mp)
	require.Nil(t, err)
	assert.Equal(t, armored, string(payload))
}

func TestBuildSigned(t *testing.T) {
	e := newEntity(t)

	var h textproto.Header
	h.Set("Content-Type", "text/plain; charset=utf-8")
	content := textLeaf(h, "Hello\r\n\r\n-- \r\nJane\r\n")
	data, err := SignedPayload(content)
	require.Nil(t, err)

	var sig bytes.Buffer
	require.Nil(t, openpgp.ArmoredDetachSign(&sig, e, bytes.NewReader(data), nil))

	var outer textproto.Header
	outer.Set("From", "Jane Doe <jane.doe@example.org>")
	part := BuildSigned(outer, content, sig.String(), "pgp-sha256")
	var buf bytes.Buffer
	_, err = part.WriteTo(&buf)
	require.Nil(t, err)

	msg := parse(t, buf.String())
	assert.Equal(t, Structure{Signed: true}, Detect(msg.Part))
	sc := reconstruct(t, msg)
	assert.Equal(t, string(data), string(sc.Data))
	_, err = verify(openpgp.EntityList{e}, sc)
	assert.Nil(t, err)
}

func TestPgpmailInterop(t *testing.T) {
	e := newEntity(t)
	body := toCRLF("Content-Type: text/plain\n\nThis is a signed message!\n")

	var h textproto.Header
	h.Set("From", "Jane Doe <jane.doe@example.org>")

	var signed bytes.Buffer
	w, err := pgpmail.Sign(&signed, h, e, nil)
	require.Nil(t, err)
	_, err = io.WriteString(w, body)
	require.Nil(t, err)
	require.Nil(t, w.Close())

	sc := reconstruct(t, parse(t, signed.String()))
	assert.Equal(t, body, string(sc.Data))
	_, err = verify(openpgp.EntityList{e}, sc)
	assert.Nil(t, err)

	var encrypted bytes.Buffer
	w, err = pgpmail.Encrypt(&encrypted, h, []*openpgp.Entity{e}, nil, nil)
	require.Nil(t, err)
	_, err = io.WriteString(w, body)
	require.Nil(t, err)
	require.Nil(t, w.Close())

	msg := parse(t, encrypted.String())
	assert.Equal(t, Structure{Encrypted: true}, Detect(msg.Part))
	mp, _ := msg.Multipart()
	payload, err := Payload(mp)
	require.Nil(t, err)
	assert.Equal(t, body, decrypt(t, openpgp.EntityList{e}, payload))
}
