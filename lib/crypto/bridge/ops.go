package bridge

import "fmt"

// Op is a provider operation, independent of the codes a given external
// application uses for it.
type Op int

const (
	SelectSecretKey Op = iota + 1
	SelectPublicKeys
	Encrypt
	EncryptFile
	Decrypt
	DecryptFile
	Sign
	Verify
)

var opNames = map[Op]string{
	SelectSecretKey:  "select-secret-key",
	SelectPublicKeys: "select-public-keys",
	Encrypt:          "encrypt",
	EncryptFile:      "encrypt-file",
	Decrypt:          "decrypt",
	DecryptFile:      "decrypt-file",
	Sign:             "sign",
	Verify:           "verify",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Fields names the request and response fields of an application. An
// empty name means the application does not know the field.
type Fields struct {
	// request payload
	Text             string
	Armored          string
	Filename         string
	DestFilename     string
	ShowFile         string
	EncryptionKeyIDs string
	Emails           string
	Preselected      string
	MultiSelection   string
	Passphrase       string

	// response payload
	DecryptedText    string
	EncryptedText    string
	ChosenKeyIDs     string
	KeyID            string
	UserID           string
	Error            string
	SignatureUnknown string

	// both directions
	SignatureKeyID   string
	SignatureUserID  string
	SignatureSuccess string
	Signature        string
}

// A Schema describes how to talk to one external application.
type Schema struct {
	Name string
	// Application ids, tried in order until one is reachable
	Apps    []string
	Codes   map[Op]int
	Actions map[Op]string
	Fields  Fields
	// Constant fields sent with every request
	Extra map[string]any
	// Preselect the signing key and the public keys of the recipients
	// when no encryption key is selected yet
	PreselectByEmail bool
}

func (s *Schema) Supports(op Op) bool {
	_, ok := s.Codes[op]
	return ok
}

// Op maps a response code back to the operation.
func (s *Schema) Op(code int) (Op, bool) {
	for op, c := range s.Codes {
		if c == code {
			return op, true
		}
	}
	return 0, false
}
