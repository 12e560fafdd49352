package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~rjarry/mailcrypt/lib/cryptoview"
	"git.sr.ht/~rjarry/mailcrypt/lib/rfc822"
	"git.sr.ht/~rjarry/mailcrypt/lib/tempfile"
	"git.sr.ht/~rjarry/mailcrypt/models"
)

func TestPrintOutcome(t *testing.T) {
	store, err := tempfile.NewStore(t.TempDir())
	require.Nil(t, err)
	msg, err := rfc822.Parse(strings.NewReader(
		"Content-Type: multipart/mixed; boundary=b\r\n\r\n"+
			"--b\r\nContent-Type: text/plain\r\n\r\nhi\r\n"+
			"--b\r\nContent-Type: application/pgp-keys\r\n\r\nkey\r\n"+
			"--b\r\nContent-Type: image/png\r\n\r\npng\r\n--b--\r\n"), store)
	require.Nil(t, err)
	defer msg.Dispose()

	var buf bytes.Buffer
	printOutcome(&buf, &cryptoview.Outcome{
		Session:  "s1",
		Original: msg,
		Text:     "hello\r\n",
		State: &models.CryptoState{
			PgpSigned:        true,
			SignatureKeyID:   0x307215C13DF7A964,
			SignatureUserID:  "John Doe <john.doe@example.org>",
			SignatureSuccess: true,
		},
		FilterAttachments: true,
	})
	assert.Equal(t, `session: s1
pgp: signed
signature: valid by 307215C13DF7A964 John Doe <john.doe@example.org>
attachment: image/png

hello
`, buf.String())

	buf.Reset()
	printOutcome(&buf, &cryptoview.Outcome{
		Session:  "s2",
		Original: msg,
		State:    &models.CryptoState{},
		Err:      errors.New("boom"),
	})
	assert.Equal(t, "session: s2\nerror: boom\nattachment: application/pgp-keys\nattachment: image/png\n",
		buf.String())
}
