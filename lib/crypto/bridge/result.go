package bridge

import (
	"fmt"

	"git.sr.ht/~rjarry/mailcrypt/models"
)

// Result is a decoded response of the external application.
type Result struct {
	SessionID string
	Op        Op
	OK        bool
	// Failure reason when OK is false
	Err error

	DecryptedText string
	EncryptedText string
	Signature     string

	// Set when the response carries signature information
	HasSignature     bool
	SignatureKeyID   uint64
	SignatureUserID  string
	SignatureSuccess bool
	SignatureUnknown bool

	// Selected secret key
	KeyID  uint64
	UserID string
	// Selected public keys
	KeyIDs []uint64

	Filename string
	ShowFile bool
}

func (r *Result) String() string {
	if r.OK {
		return fmt.Sprintf("%s %s: ok", r.SessionID, r.Op)
	}
	return fmt.Sprintf("%s %s: %v", r.SessionID, r.Op, r.Err)
}

func failure(session string, op Op, err error) *Result {
	return &Result{SessionID: session, Op: op, Err: err}
}

// Apply stores the outcome of the operation into the crypto state. Failed
// key selections and encryptions drop the selected keys, a failed signature
// drops the signing key.
func (r *Result) Apply(s *models.CryptoState) {
	if !r.OK {
		switch r.Op {
		case SelectPublicKeys, Encrypt, EncryptFile:
			s.EncryptionKeyIDs = nil
		case Sign:
			s.SignatureKeyID = 0
		}
		return
	}
	switch r.Op {
	case SelectSecretKey:
		s.SignatureKeyID = r.KeyID
		s.SignatureUserID = r.UserID
	case SelectPublicKeys:
		s.EncryptionKeyIDs = append([]uint64(nil), r.KeyIDs...)
	case Encrypt:
		s.EncryptedData = r.EncryptedText
	case EncryptFile:
		if r.Filename != "" {
			s.Filename = r.Filename
		}
	case Decrypt:
		s.DecryptedData = r.DecryptedText
		r.applySignature(s)
	case DecryptFile:
		if r.Filename != "" {
			s.Filename = r.Filename
		}
		s.ShowFile = r.ShowFile
		r.applySignature(s)
	case Sign:
		s.Signature = r.Signature
	case Verify:
		r.applySignature(s)
	}
}

func (r *Result) applySignature(s *models.CryptoState) {
	if !r.HasSignature {
		return
	}
	s.SignatureKeyID = r.SignatureKeyID
	s.SignatureUserID = r.SignatureUserID
	s.SignatureSuccess = r.SignatureSuccess
	s.SignatureUnknown = r.SignatureUnknown
}
