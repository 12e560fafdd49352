// Package apg talks to the APG crypto application.
package apg

import (
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/bridge"
)

const (
	Name = "apg"
	App  = "org.thialfihar.android.apg"

	intentVersion = "1"
)

const (
	decryptMessage   = 0xA001
	encryptMessage   = 0xA002
	selectPublicKeys = 0xA003
	selectSecretKey  = 0xA004
)

// APG only handles inline messages.
var DefaultVersions = bridge.Versions{Min: 16}

func Schema() *bridge.Schema {
	return &bridge.Schema{
		Name: Name,
		Apps: []string{App},
		Codes: map[bridge.Op]int{
			bridge.Decrypt:          decryptMessage,
			bridge.Encrypt:          encryptMessage,
			bridge.SelectPublicKeys: selectPublicKeys,
			bridge.SelectSecretKey:  selectSecretKey,
		},
		Actions: map[bridge.Op]string{
			bridge.Decrypt:          App + ".intent.DECRYPT_AND_RETURN",
			bridge.Encrypt:          App + ".intent.ENCRYPT_AND_RETURN",
			bridge.SelectPublicKeys: App + ".intent.SELECT_PUBLIC_KEYS",
			bridge.SelectSecretKey:  App + ".intent.SELECT_SECRET_KEY",
		},
		Fields: bridge.Fields{
			Text:             "text",
			EncryptionKeyIDs: "encryptionKeyIds",
			Preselected:      "selection",
			Passphrase:       "passphrase",
			DecryptedText:    "decryptedMessage",
			EncryptedText:    "encryptedMessage",
			ChosenKeyIDs:     "selection",
			KeyID:            "keyId",
			UserID:           "userId",
			Error:            "error",
			SignatureKeyID:   "signatureKeyId",
			SignatureUserID:  "signatureUserId",
			SignatureSuccess: "signatureSuccess",
			SignatureUnknown: "signatureUnknown",
			Signature:        "signature",
		},
		Extra: map[string]any{
			"intentVersion": intentVersion,
		},
		PreselectByEmail: true,
	}
}

type Provider struct {
	*bridge.Bridge
}

func New(opts bridge.Options) *Provider {
	opts.Schema = Schema()
	opts.Interpret = interpret
	return &Provider{Bridge: bridge.New(opts)}
}

func interpret(resp *bridge.Response, r *bridge.Result) {
	// older versions returned the ciphertext under the plaintext key
	if r.Op == bridge.Encrypt && r.EncryptedText == "" {
		r.EncryptedText = r.DecryptedText
	}
}
