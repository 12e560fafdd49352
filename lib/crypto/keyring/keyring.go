// Package keyring talks to the KeyRing crypto application, paid or trial
// edition.
package keyring

import (
	"os"
	"strings"

	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/bridge"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/keys"
	"git.sr.ht/~rjarry/mailcrypt/lib/log"
)

const (
	Name      = "keyring"
	AppPaid   = "com.imaeses.keyring"
	AppTrial  = "com.imaeses.keyring.trial"
	chosenKey = "chosen.key"
)

const (
	decryptMessage = iota + 1
	encryptMessage
	selectPublicKeys
	selectSecretKey
	decryptFile
	verify
	encryptFile
	sign
)

var DefaultVersions = bridge.Versions{
	Min:            22,
	Attachments:    29,
	PGPMIMEReceive: 30,
	PGPMIMESend:    38,
}

func Schema() *bridge.Schema {
	action := func(name string) string {
		return AppPaid + "." + name + "_AND_RETURN"
	}
	return &bridge.Schema{
		Name: Name,
		Apps: []string{AppPaid, AppTrial},
		Codes: map[bridge.Op]int{
			bridge.Decrypt:          decryptMessage,
			bridge.Encrypt:          encryptMessage,
			bridge.SelectPublicKeys: selectPublicKeys,
			bridge.SelectSecretKey:  selectSecretKey,
			bridge.DecryptFile:      decryptFile,
			bridge.Verify:           verify,
			bridge.EncryptFile:      encryptFile,
			bridge.Sign:             sign,
		},
		Actions: map[bridge.Op]string{
			bridge.Decrypt:          action("DECRYPT_MSG"),
			bridge.Encrypt:          action("ENCRYPT_MSG"),
			bridge.DecryptFile:      action("DECRYPT_FILE"),
			bridge.EncryptFile:      action("ENCRYPT_FILE"),
			bridge.Verify:           action("VERIFY"),
			bridge.Sign:             action("SIGN"),
			bridge.SelectPublicKeys: "PICK_PUBLIC_KEYS",
			bridge.SelectSecretKey:  "PICK_SECRET_KEY",
		},
		Fields: bridge.Fields{
			Text:             "msg",
			Armored:          "armored",
			Filename:         "file.name",
			DestFilename:     "file.dest.name",
			ShowFile:         "file.show",
			EncryptionKeyIDs: "keys.enc",
			Emails:           "email.addresses",
			Preselected:      "keys.preselected",
			MultiSelection:   "selection.mode.multi",
			Passphrase:       "passphrase",
			DecryptedText:    "msg",
			EncryptedText:    "msg",
			ChosenKeyIDs:     "chosen.keyids",
			Error:            "error",
			SignatureKeyID:   "sig.key",
			SignatureUserID:  "sig.identity",
			SignatureSuccess: "sig.success",
			SignatureUnknown: "sig.unknown",
			Signature:        "sig",
		},
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
	if !r.OK {
		return
	}
	switch r.Op {
	case bridge.SelectSecretKey:
		r.KeyID, r.UserID = parseChosenKey(resp.Fields[chosenKey])
	case bridge.Decrypt:
		// large plaintexts are handed over in a file
		if r.DecryptedText == "" && r.Filename != "" {
			data, err := os.ReadFile(r.Filename)
			if err != nil {
				log.Errorf("unable to read decrypted data from file: %v", err)
				return
			}
			r.DecryptedText = string(data)
		}
	}
}

// parseChosenKey accepts {"keyid": "<hex>", "identity": "..."} or a
// "<hex> <identity>" string.
func parseChosenKey(v any) (uint64, string) {
	var hex, identity string
	switch v := v.(type) {
	case map[string]any:
		hex, _ = v["keyid"].(string)
		identity, _ = v["identity"].(string)
	case string:
		hex, identity, _ = strings.Cut(strings.TrimSpace(v), " ")
	}
	id, err := keys.ParseKeyID(hex)
	if err != nil {
		return 0, ""
	}
	return id, strings.TrimSpace(identity)
}
