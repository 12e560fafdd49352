package cryptoview

import (
	"context"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/bridge"
	"git.sr.ht/~rjarry/mailcrypt/lib/rfc822"
)

// DecryptAttachment decrypts an encrypted attachment of the session into a
// file next to the copy handed to the provider. When reveal is set, the
// user wants to open the file rather than save it.
func (v *Viewer) DecryptAttachment(ctx context.Context, id string, part *rfc822.Part, reveal bool) error {
	return v.locked(func() error {
		vw, ok := v.views[id]
		if !ok {
			return ErrNoSession
		}
		if !v.opts.Provider.SupportsAttachments(ctx) {
			return bridge.ErrUnsupported
		}
		if vw.rec.IsAwaiting(bridge.DecryptFile) {
			return bridge.ErrPending
		}
		r, err := part.DecodedReader()
		if err != nil {
			return ErrInvalidAttachment
		}
		f, err := v.createFile(vw, attachmentPattern(part), bridge.DecryptFile)
		if err != nil {
			return err
		}
		if _, err := f.Write(r); err != nil {
			v.releaseOp(vw, bridge.DecryptFile)
			return err
		}
		vw.rec.State.Filename = ""
		err = v.opts.Provider.DecryptFile(ctx, id, f.Path(), reveal, &vw.rec.State)
		if err != nil {
			v.releaseOp(vw, bridge.DecryptFile)
			return err
		}
		vw.rec.AttachmentPending = true
		v.await(vw, bridge.DecryptFile)
		return nil
	})
}

// attachmentPattern keeps the attachment name at the end of the temp file
// so the provider can derive the decrypted name by dropping the extension.
func attachmentPattern(part *rfc822.Part) string {
	name := part.Param("name")
	if _, params, err := mime.ParseMediaType(part.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = params["filename"]
	}
	name = filepath.Base(strings.ReplaceAll(name, "*", ""))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "att*.pgp"
	}
	return "*-" + name
}

// revealed hands the decrypted attachment to the display. The output file
// stays with the session.
func (v *Viewer) revealed(vw *view, r *bridge.Result) {
	v.releaseOp(vw, bridge.DecryptFile)
	path := vw.rec.State.Filename
	v.adoptFile(vw, path, 0)
	rv := &Revealed{Path: path, Show: vw.rec.State.ShowFile}
	if mt, err := mimetype.DetectFile(path); err == nil {
		rv.MimeType = mt.String()
	} else {
		logger.Debugf("%s: %v", path, err)
	}
	v.show(vw, r.Op, nil).Revealed = rv
}

// Media types of PGP control data and of encrypted payloads.
func hiddenAttachment(part *rfc822.Part) bool {
	mt := part.MimeType()
	return strings.HasPrefix(mt, "application/pgp-") || mt == "application/octet-stream"
}

// VisibleAttachments lists the non text leaves of a message. With filter
// set, PGP control parts are left out.
func VisibleAttachments(p *rfc822.Part, filter bool) []*rfc822.Part {
	var parts []*rfc822.Part
	rfc822.Walk(p, func(part *rfc822.Part) {
		if _, ok := part.Multipart(); ok || part.IsMimeType("text/*") {
			return
		}
		if filter && hiddenAttachment(part) {
			return
		}
		parts = append(parts, part)
	})
	return parts
}
