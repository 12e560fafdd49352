package models

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// A CryptoState holds the key selections and results of the crypto
// operations run on behalf of one message session. It is handed to the
// external crypto application and back, and must survive process restarts.
type CryptoState struct {
	// Keys picked for encryption, or nil when none are selected
	EncryptionKeyIDs []uint64
	// Key picked for signing, or the key that made the verified signature
	SignatureKeyID   uint64
	SignatureUserID  string
	SignatureSuccess bool
	// The signature was made by a key missing from the keyring
	SignatureUnknown bool

	DecryptedData string
	EncryptedData string
	// Detached signature produced by a sign operation
	Signature string

	// Destination of file based operations
	Filename string
	// The decrypted file should be revealed to the user instead of displayed
	ShowFile bool

	PgpEncrypted bool
	PgpSigned    bool
	ForceArmored bool
}

func (s *CryptoState) HasSignatureKey() bool {
	return s.SignatureKeyID != 0
}

func (s *CryptoState) HasEncryptionKeys() bool {
	return len(s.EncryptionKeyIDs) > 0
}

// Reset clears all results but keeps the message classification.
func (s *CryptoState) Reset() {
	*s = CryptoState{
		PgpEncrypted: s.PgpEncrypted,
		PgpSigned:    s.PgpSigned,
	}
}

func (s *CryptoState) Clone() *CryptoState {
	c := *s
	if s.EncryptionKeyIDs != nil {
		c.EncryptionKeyIDs = append([]uint64{}, s.EncryptionKeyIDs...)
	}
	return &c
}

type SignatureValidity int

const (
	NotVerified SignatureValidity = iota
	Valid
	Invalid
	UnknownEntity
)

func (v SignatureValidity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case UnknownEntity:
		return "unknown key"
	}
	return "not verified"
}

func (s *CryptoState) Validity() SignatureValidity {
	switch {
	case !s.PgpSigned && s.SignatureUserID == "" && !s.HasSignatureKey():
		return NotVerified
	case s.SignatureUnknown:
		return UnknownEntity
	case s.SignatureSuccess:
		return Valid
	}
	return Invalid
}

func (s *CryptoState) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, fmt.Errorf("encode crypto state: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeCryptoState(data []byte) (*CryptoState, error) {
	var s CryptoState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode crypto state: %w", err)
	}
	return &s, nil
}
