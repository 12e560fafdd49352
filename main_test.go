package main

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/pgpmime"
	"git.sr.ht/~rjarry/mailcrypt/lib/tempfile"
)

func TestOpenMessage_lfSigned(t *testing.T) {
	data, err := os.ReadFile("lib/crypto/testdata/signed.eml")
	require.Nil(t, err)
	require.NotContains(t, string(data), "\r\n")

	store, err := tempfile.NewStore(t.TempDir())
	require.Nil(t, err)
	msg, err := openMessage("lib/crypto/testdata/signed.eml", store)
	require.Nil(t, err)
	defer msg.Dispose()
	assert.Empty(t, msg.Warnings)

	mp, ok := msg.Multipart()
	require.True(t, ok)
	sc, err := pgpmime.ReconstructSigned(mp)
	require.Nil(t, err)
	assert.Equal(t, "Content-Type: text/plain\r\n\r\nThis is a signed message!\r\n",
		string(sc.Data))

	f, err := os.Open("lib/crypto/testdata/john-doe.asc")
	require.Nil(t, err)
	defer f.Close()
	keys, err := openpgp.ReadArmoredKeyRing(f)
	require.Nil(t, err)
	block, err := armor.Decode(strings.NewReader(sc.Signature))
	require.Nil(t, err)
	_, err = openpgp.CheckDetachedSignature(keys, bytes.NewReader(sc.Data), block.Body, nil)
	assert.Nil(t, err)
}

func TestOpenMessage_missing(t *testing.T) {
	store, err := tempfile.NewStore(t.TempDir())
	require.Nil(t, err)
	_, err = openMessage("lib/crypto/testdata/nope.eml", store)
	assert.True(t, os.IsNotExist(err))
}
