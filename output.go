package main

import (
	"fmt"
	"io"
	"strings"

	"git.sr.ht/~rjarry/mailcrypt/lib/cryptoview"
	"git.sr.ht/~rjarry/mailcrypt/models"
)

func printOutcome(w io.Writer, o *cryptoview.Outcome) {
	fmt.Fprintf(w, "session: %s\n", o.Session)
	if o.Err != nil {
		fmt.Fprintf(w, "error: %v\n", o.Err)
	}
	s := o.State
	switch {
	case s.PgpEncrypted && s.PgpSigned:
		fmt.Fprintln(w, "pgp: encrypted, signed")
	case s.PgpEncrypted:
		fmt.Fprintln(w, "pgp: encrypted")
	case s.PgpSigned:
		fmt.Fprintln(w, "pgp: signed")
	}
	if v := s.Validity(); v != models.NotVerified {
		fmt.Fprintf(w, "signature: %s", v)
		if s.SignatureKeyID != 0 {
			fmt.Fprintf(w, " by %016X", s.SignatureKeyID)
		}
		if s.SignatureUserID != "" {
			fmt.Fprintf(w, " %s", s.SignatureUserID)
		}
		fmt.Fprintln(w)
	}
	if r := o.Revealed; r != nil {
		fmt.Fprintf(w, "decrypted attachment: %s (%s)\n", r.Path, r.MimeType)
	}
	for _, part := range cryptoview.VisibleAttachments(o.Message().Part, o.FilterAttachments) {
		fmt.Fprintf(w, "attachment: %s\n", part.MimeType())
	}
	if o.Text != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.TrimRight(o.Text, "\r\n"))
	}
}
