package cryptoview

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/bridge"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/inline"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/pgpmime"
	"git.sr.ht/~rjarry/mailcrypt/lib/rfc822"
)

// handleEncrypted writes the OpenPGP payload to a temp file and asks the
// provider to decrypt it into another one. The decrypted entity is parsed
// when the result comes back.
func (v *Viewer) handleEncrypted(ctx context.Context, vw *view) {
	vw.rec.HandledEncrypted = true
	err := v.sendEncrypted(ctx, vw)
	if err != nil {
		v.fail(vw, bridge.DecryptFile, err)
	}
}

func (v *Viewer) sendEncrypted(ctx context.Context, vw *view) error {
	mp, _ := vw.msg.Multipart()
	payload, err := pgpmime.Payload(mp)
	if err != nil {
		return err
	}
	in, err := v.createFile(vw, "enc*.tmp", bridge.DecryptFile)
	if err != nil {
		return err
	}
	if _, err := in.Write(bytes.NewReader(payload)); err != nil {
		return err
	}
	out, err := v.createFile(vw, "decr*.tmp", bridge.DecryptFile)
	if err != nil {
		return err
	}
	vw.rec.State.PgpEncrypted = true
	vw.rec.State.Filename = out.Path()
	err = v.opts.Provider.DecryptFile(ctx, vw.rec.ID, in.Path(), false, &vw.rec.State)
	if err != nil {
		return err
	}
	v.await(vw, bridge.DecryptFile)
	return nil
}

// handleSigned replays the signed bytes of msg into a temp file and asks the
// provider to check the detached signature.
func (v *Viewer) handleSigned(ctx context.Context, vw *view, msg *rfc822.Message) error {
	vw.rec.HandledSigned = true
	mp, ok := msg.Multipart()
	if !ok {
		return pgpmime.ErrNotSigned
	}
	signed, err := pgpmime.ReconstructSigned(mp)
	if err != nil {
		return err
	}
	f, err := v.createFile(vw, "verify*.bin", bridge.Verify)
	if err != nil {
		return err
	}
	if _, err := f.Write(bytes.NewReader(signed.Data)); err != nil {
		return err
	}
	vw.rec.State.PgpSigned = true
	err = v.opts.Provider.Verify(ctx, vw.rec.ID, f.Path(), signed.Signature, &vw.rec.State)
	if err != nil {
		return err
	}
	v.await(vw, bridge.Verify)
	return nil
}

// Deliver resumes the session a result belongs to. Results for closed
// sessions, or for operations the session is not waiting for, are dropped.
func (v *Viewer) Deliver(ctx context.Context, r *bridge.Result) {
	_ = v.locked(func() error {
		vw, ok := v.views[r.SessionID]
		if !ok {
			logger.Debugf("dropping result for unknown session: %s", r)
			return nil
		}
		if !vw.rec.IsAwaiting(r.Op) {
			logger.Debugf("dropping unexpected result: %s", r)
			return nil
		}
		vw.rec.Resolve(r.Op)
		r.Apply(&vw.rec.State)
		if len(vw.rec.Awaiting) == 0 {
			vw.status = Idle
		}
		v.resume(ctx, vw, r)
		if vw.status == Idle {
			vw.status = Resolved
		}
		v.save(vw)
		return nil
	})
}

func (v *Viewer) resume(ctx context.Context, vw *view, r *bridge.Result) {
	if !r.OK {
		if r.Op == bridge.DecryptFile {
			vw.rec.AttachmentPending = false
		}
		v.fail(vw, r.Op, r.Err)
		return
	}
	switch {
	case r.Op == bridge.DecryptFile && vw.rec.AttachmentPending:
		vw.rec.AttachmentPending = false
		v.revealed(vw, r)
	case r.Op == bridge.DecryptFile:
		data, err := os.ReadFile(vw.rec.State.Filename)
		v.releaseOp(vw, r.Op)
		if err != nil {
			v.fail(vw, r.Op, fmt.Errorf("cannot read decrypted message: %w", err))
			return
		}
		v.finishDecrypt(ctx, vw, data)
	case r.Op == bridge.Verify:
		v.releaseOp(vw, r.Op)
		msg := vw.replacement
		if msg == nil {
			msg = vw.msg
		}
		if text, ok := bestText(msg.Part); ok {
			vw.rec.State.DecryptedData = text
		}
		vw.rec.FilterAttachments = true
		v.show(vw, r.Op, nil)
	case r.Op == bridge.Decrypt:
		// a verified cleartext signature may come back without text
		if vw.rec.State.DecryptedData == "" {
			if block, ok := inline.SignedMessage(vw.detection.Inline.Text); ok {
				vw.rec.State.DecryptedData, _ = inline.Cleartext(block)
			}
		}
		v.show(vw, r.Op, nil)
	default:
		v.releaseOp(vw, r.Op)
		v.show(vw, r.Op, nil)
	}
}

// finishDecrypt parses the decrypted entity. A signed entity is verified
// before anything is displayed.
func (v *Viewer) finishDecrypt(ctx context.Context, vw *view, data []byte) {
	normalized, err := io.ReadAll(rfc822.NewCRLFReader(bytes.NewReader(data)))
	if err != nil {
		v.fail(vw, bridge.DecryptFile, err)
		return
	}
	msg, err := rfc822.Parse(bytes.NewReader(normalized), v.opts.Temp)
	if err != nil {
		v.fail(vw, bridge.DecryptFile, fmt.Errorf("cannot parse decrypted message: %w", err))
		return
	}
	if vw.replacement != nil {
		vw.replacement.Dispose()
	}
	vw.replacement = msg
	if pgpmime.Detect(msg.Part).Signed && !vw.rec.HandledSigned {
		vw.rec.SignedMessage = normalized
		err := v.handleSigned(ctx, vw, msg)
		if err == nil {
			return
		}
		// the decrypted message is still shown, unverified
		logger.Warnf("%s: %s: %v", vw.rec.ID, bridge.Verify, err)
		v.releaseOp(vw, bridge.Verify)
		vw.rec.State.PgpSigned = false
	}
	if text, ok := bestText(msg.Part); ok {
		vw.rec.State.DecryptedData = text
	}
	vw.rec.FilterAttachments = true
	v.show(vw, bridge.DecryptFile, nil)
}

// bestText prefers the HTML rendition of a message.
func bestText(p *rfc822.Part) (string, bool) {
	part := rfc822.FindFirstPartByMimeType(p, "text/html")
	if part == nil {
		part = rfc822.FindFirstPartByMimeType(p, "text/plain")
	}
	if part == nil {
		return "", false
	}
	text, err := rfc822.TextFromPart(part)
	if err != nil {
		logger.Debugf("no displayable text: %v", err)
		return "", false
	}
	return text, true
}
