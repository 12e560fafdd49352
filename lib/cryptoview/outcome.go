package cryptoview

import (
	"fmt"

	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/bridge"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/inline"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/pgpmime"
	"git.sr.ht/~rjarry/mailcrypt/lib/rfc822"
	"git.sr.ht/~rjarry/mailcrypt/models"
)

type Status int

const (
	Idle Status = iota
	Awaiting
	Resolved
)

func (s Status) String() string {
	switch s {
	case Awaiting:
		return "awaiting"
	case Resolved:
		return "resolved"
	}
	return "idle"
}

// Kind is the crypto content a message view processes.
type Kind int

const (
	None Kind = iota
	MIMEEncrypted
	MIMESigned
	InlineEncrypted
	InlineSigned
)

func (k Kind) String() string {
	switch k {
	case MIMEEncrypted:
		return "pgp/mime encrypted"
	case MIMESigned:
		return "pgp/mime signed"
	case InlineEncrypted:
		return "inline encrypted"
	case InlineSigned:
		return "inline signed"
	}
	return "none"
}

func (k Kind) IsMIME() bool {
	return k == MIMEEncrypted || k == MIMESigned
}

// Detection reports every kind of crypto content found in a message. Both
// inline and PGP/MIME content may be present at once, Use tells which one
// the policy picked.
type Detection struct {
	Session string
	Inline  inline.Classification
	MIME    pgpmime.Structure
	Use     Kind
}

func (d *Detection) Ambiguous() bool {
	return d.MIME.Any() && (d.Inline.Encrypted || d.Inline.Signed)
}

func (d *Detection) mimeKind() Kind {
	switch {
	case d.MIME.Encrypted:
		return MIMEEncrypted
	case d.MIME.Signed:
		return MIMESigned
	}
	return None
}

func (d *Detection) inlineKind() Kind {
	switch {
	case d.Inline.Encrypted:
		return InlineEncrypted
	case d.Inline.Signed:
		return InlineSigned
	}
	return None
}

type Precedence int

const (
	PreferMIME Precedence = iota
	PreferInline
)

func ParsePrecedence(s string) (Precedence, error) {
	switch s {
	case "", "mime":
		return PreferMIME, nil
	case "inline":
		return PreferInline, nil
	}
	return PreferMIME, fmt.Errorf("invalid precedence %q: expected mime or inline", s)
}

type Policy struct {
	// Which content wins when a message has both
	Precedence Precedence
	// Decrypt inline blocks when the message is opened, instead of
	// waiting for DecryptInline
	AutoInline bool
}

func (p Policy) Choose(d *Detection) Kind {
	mime, inl := d.mimeKind(), d.inlineKind()
	switch {
	case mime != None && inl != None:
		if p.Precedence == PreferInline {
			return inl
		}
		return mime
	case mime != None:
		return mime
	}
	return inl
}

// Revealed is a decrypted attachment written to disk.
type Revealed struct {
	Path     string
	MimeType string
	// Open the file with a viewer rather than just saving it
	Show bool
}

// Outcome is what the display layer gets once a message view settles.
type Outcome struct {
	Session string
	Op      bridge.Op
	// The message as received, always displayable
	Original *rfc822.Message
	// The decrypted message, nil when nothing was decrypted
	Replacement *rfc822.Message
	// Best text to display
	Text  string
	State *models.CryptoState
	// Hide PGP control parts from the attachment list
	FilterAttachments bool
	Revealed          *Revealed
	Err               error
}

// Message returns the message to render.
func (o *Outcome) Message() *rfc822.Message {
	if o.Replacement != nil {
		return o.Replacement
	}
	return o.Original
}

type Display interface {
	Show(*Outcome)
}

type DisplayFunc func(*Outcome)

func (f DisplayFunc) Show(o *Outcome) {
	f(o)
}
