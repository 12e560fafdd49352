package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCryptoState_derived(t *testing.T) {
	var s CryptoState
	assert.False(t, s.HasSignatureKey())
	assert.False(t, s.HasEncryptionKeys())

	s.EncryptionKeyIDs = []uint64{}
	assert.False(t, s.HasEncryptionKeys())

	s.EncryptionKeyIDs = []uint64{0x11748f1ba51d0f3e}
	s.SignatureKeyID = 0x307215c13df7a964
	assert.True(t, s.HasSignatureKey())
	assert.True(t, s.HasEncryptionKeys())
}

func TestCryptoState_encode(t *testing.T) {
	s := &CryptoState{
		EncryptionKeyIDs: []uint64{1, 2},
		SignatureKeyID:   3490876580878068068,
		SignatureUserID:  "John Doe <john.doe@example.org>",
		SignatureSuccess: true,
		DecryptedData:    "hello",
		Filename:         "/tmp/decr123.tmp",
		ShowFile:         true,
		PgpEncrypted:     true,
	}
	data, err := s.Encode()
	assert.Nil(t, err)

	got, err := DecodeCryptoState(data)
	assert.Nil(t, err)
	assert.Equal(t, s, got)

	_, err = DecodeCryptoState([]byte("garbage"))
	assert.NotNil(t, err)
}

func TestCryptoState_reset(t *testing.T) {
	s := &CryptoState{PgpSigned: true, SignatureSuccess: true, DecryptedData: "x"}
	s.Reset()
	assert.Equal(t, &CryptoState{PgpSigned: true}, s)
}

func TestCryptoState_clone(t *testing.T) {
	s := &CryptoState{EncryptionKeyIDs: []uint64{1}}
	c := s.Clone()
	c.EncryptionKeyIDs[0] = 2
	assert.Equal(t, uint64(1), s.EncryptionKeyIDs[0])
}

func TestCryptoState_validity(t *testing.T) {
	assert.Equal(t, NotVerified, (&CryptoState{}).Validity())
	assert.Equal(t, Valid, (&CryptoState{PgpSigned: true, SignatureSuccess: true}).Validity())
	assert.Equal(t, UnknownEntity, (&CryptoState{PgpSigned: true, SignatureUnknown: true}).Validity())
	assert.Equal(t, Invalid, (&CryptoState{PgpSigned: true}).Validity())
	assert.Equal(t, "unknown key", UnknownEntity.String())
}
