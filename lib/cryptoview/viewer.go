// Package cryptoview drives the decryption and verification of messages
// being viewed. Requests to the crypto provider are fire and forget, the
// viewer resumes the matching session when a result comes back and hands
// the outcome to the display.
package cryptoview

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"git.sr.ht/~rjarry/mailcrypt/lib/crypto"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/bridge"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/inline"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/pgpmime"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/session"
	"git.sr.ht/~rjarry/mailcrypt/lib/log"
	"git.sr.ht/~rjarry/mailcrypt/lib/rfc822"
	"git.sr.ht/~rjarry/mailcrypt/lib/tempfile"
	"git.sr.ht/~rjarry/mailcrypt/models"
)

var (
	ErrNoSession         = errors.New("no such session")
	ErrNothingToDecrypt  = errors.New("no inline pgp content")
	ErrDamagedBlock      = errors.New("inline pgp block cannot be decoded")
	ErrInvalidAttachment = errors.New("attachment has no content")
)

var logger = log.NewLogger("cryptoview", 2)

func NewSessionID() string {
	return uuid.NewString()
}

type Options struct {
	Provider crypto.Provider
	Temp     *tempfile.Store
	// Optional, sessions are not persisted without it
	Sessions *session.Store
	Display  Display
	Policy   Policy
}

type tracked struct {
	file *tempfile.File
	op   bridge.Op
}

type view struct {
	rec         *session.Record
	msg         *rfc822.Message
	ownsMsg     bool
	replacement *rfc822.Message
	detection   *Detection
	status      Status
	files       []tracked
}

type Viewer struct {
	opts Options

	mu     sync.Mutex
	views  map[string]*view
	queued []*Outcome
}

func New(opts Options) *Viewer {
	if opts.Display == nil {
		opts.Display = DisplayFunc(func(*Outcome) {})
	}
	return &Viewer{
		opts:  opts,
		views: make(map[string]*view),
	}
}

// locked runs fn with the viewer locked, then shows the outcomes fn queued.
func (v *Viewer) locked(fn func() error) error {
	v.mu.Lock()
	err := fn()
	queued := v.queued
	v.queued = nil
	v.mu.Unlock()
	for _, o := range queued {
		v.opts.Display.Show(o)
	}
	return err
}

// Open starts a session for a message. Crypto content is processed
// according to the policy. Opening a session again is harmless: each
// structure is only handled once.
func (v *Viewer) Open(ctx context.Context, id string, msg *rfc822.Message) (*Detection, error) {
	if msg == nil || msg.Part == nil {
		return nil, errors.New("cryptoview: nil message")
	}
	if id == "" {
		id = NewSessionID()
	}
	var det *Detection
	err := v.locked(func() error {
		vw, ok := v.views[id]
		if !ok {
			vw = &view{
				rec: &session.Record{ID: id},
				msg: msg,
			}
			var buf bytes.Buffer
			if _, err := msg.WriteTo(&buf); err != nil {
				logger.Warnf("%s: message will not survive a restart: %v", id, err)
			} else {
				vw.rec.Message = buf.Bytes()
			}
			vw.detection = v.detect(id, msg)
			v.views[id] = vw
		}
		det = vw.detection
		v.process(ctx, vw)
		return nil
	})
	return det, err
}

func (v *Viewer) detect(id string, msg *rfc822.Message) *Detection {
	det := &Detection{
		Session: id,
		Inline:  inline.Classify(msg.Part),
		MIME:    pgpmime.Detect(msg.Part),
	}
	det.Use = v.opts.Policy.Choose(det)
	if det.Ambiguous() {
		logger.Infof("%s: inline and pgp/mime content, using %s", id, det.Use)
	}
	return det
}

func (v *Viewer) process(ctx context.Context, vw *view) {
	switch vw.status {
	case Awaiting:
		return
	case Resolved:
		v.show(vw, 0, nil)
		return
	}
	kind := vw.detection.Use
	if kind.IsMIME() && !v.opts.Provider.SupportsPGPMIMEReceive(ctx) {
		logger.Infof("%s: %s message not supported by %s",
			vw.rec.ID, kind, v.opts.Provider.Name())
		kind = None
	}
	switch kind {
	case MIMEEncrypted:
		if vw.rec.HandledEncrypted {
			return
		}
		v.handleEncrypted(ctx, vw)
	case MIMESigned:
		if vw.rec.HandledSigned {
			return
		}
		if err := v.handleSigned(ctx, vw, vw.msg); err != nil {
			v.fail(vw, bridge.Verify, err)
		}
	case InlineEncrypted, InlineSigned:
		if !v.opts.Policy.AutoInline || vw.rec.State.DecryptedData != "" {
			break
		}
		if err := v.decryptInline(ctx, vw); err != nil {
			v.fail(vw, bridge.Decrypt, err)
		}
	}
	if vw.status == Idle {
		vw.status = Resolved
		v.show(vw, 0, nil)
	}
}

// DecryptInline decrypts or verifies the armored block of the message.
func (v *Viewer) DecryptInline(ctx context.Context, id string) error {
	return v.locked(func() error {
		vw, ok := v.views[id]
		if !ok {
			return ErrNoSession
		}
		return v.decryptInline(ctx, vw)
	})
}

func (v *Viewer) decryptInline(ctx context.Context, vw *view) error {
	block, ok := inline.Block(vw.detection.Inline)
	if !ok {
		return ErrNothingToDecrypt
	}
	if !inline.Valid(block) {
		return ErrDamagedBlock
	}
	if err := v.opts.Provider.Decrypt(ctx, vw.rec.ID, block, &vw.rec.State); err != nil {
		return err
	}
	v.await(vw, bridge.Decrypt)
	return nil
}

func (v *Viewer) await(vw *view, op bridge.Op) {
	vw.rec.Await(op)
	vw.status = Awaiting
	v.save(vw)
}

// show queues the outcome of the view as it is now.
func (v *Viewer) show(vw *view, op bridge.Op, err error) *Outcome {
	o := &Outcome{
		Session:           vw.rec.ID,
		Op:                op,
		Original:          vw.msg,
		State:             vw.rec.State.Clone(),
		FilterAttachments: vw.rec.FilterAttachments,
		Err:               err,
	}
	if err == nil {
		o.Replacement = vw.replacement
		o.Text = vw.rec.State.DecryptedData
	}
	if o.Text == "" && o.Replacement == nil {
		o.Text, _ = inline.MessageText(vw.msg.Part)
	}
	v.queued = append(v.queued, o)
	return o
}

// fail settles the view with the message as received.
func (v *Viewer) fail(vw *view, op bridge.Op, err error) {
	logger.Warnf("%s: %s: %v", vw.rec.ID, op, err)
	v.releaseOp(vw, op)
	if len(vw.rec.Awaiting) == 0 {
		vw.status = Resolved
	}
	v.save(vw)
	v.show(vw, op, err)
}

func (v *Viewer) save(vw *view) {
	if v.opts.Sessions == nil {
		return
	}
	vw.rec.TempFiles = vw.rec.TempFiles[:0]
	for _, t := range vw.files {
		vw.rec.TempFiles = append(vw.rec.TempFiles, session.TempFile{
			Path: t.file.Path(),
			Op:   t.op,
		})
	}
	if err := v.opts.Sessions.Save(vw.rec); err != nil {
		logger.Errorf("%s: cannot save session: %v", vw.rec.ID, err)
	}
}

func (v *Viewer) createFile(vw *view, pattern string, op bridge.Op) (*tempfile.File, error) {
	f, err := v.opts.Temp.Create(pattern)
	if err != nil {
		return nil, err
	}
	vw.files = append(vw.files, tracked{file: f, op: op})
	return f, nil
}

func (v *Viewer) adoptFile(vw *view, path string, op bridge.Op) {
	f, err := v.opts.Temp.Open(path)
	if err != nil {
		logger.Debugf("%s: not tracking %s: %v", vw.rec.ID, path, err)
		return
	}
	vw.files = append(vw.files, tracked{file: f, op: op})
}

// releaseOp drops the temp files of a finished operation.
func (v *Viewer) releaseOp(vw *view, op bridge.Op) {
	kept := vw.files[:0]
	for _, t := range vw.files {
		if op != 0 && t.op == op {
			t.file.Release()
			continue
		}
		kept = append(kept, t)
	}
	vw.files = kept
}

// State returns a copy of the crypto state of a session.
func (v *Viewer) State(id string) (*models.CryptoState, Status, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vw, ok := v.views[id]
	if !ok {
		return nil, Idle, false
	}
	return vw.rec.State.Clone(), vw.status, true
}

func (v *Viewer) Sessions() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]string, 0, len(v.views))
	for id := range v.views {
		ids = append(ids, id)
	}
	return ids
}

// Close ends a session. Results arriving later are dropped.
func (v *Viewer) Close(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vw, ok := v.views[id]
	if !ok {
		return
	}
	delete(v.views, id)
	for _, op := range vw.rec.Awaiting {
		v.opts.Provider.Cancel(id, op)
	}
	for _, t := range vw.files {
		t.file.Release()
	}
	vw.files = nil
	if vw.replacement != nil {
		vw.replacement.Dispose()
	}
	if vw.ownsMsg {
		vw.msg.Dispose()
	}
	if v.opts.Sessions != nil {
		if err := v.opts.Sessions.Delete(id); err != nil {
			logger.Errorf("%s: cannot delete session: %v", id, err)
		}
	}
}

// Run delivers provider results until ctx is done.
func (v *Viewer) Run(ctx context.Context) {
	defer log.PanicHandler()
	for {
		select {
		case r, ok := <-v.opts.Provider.Results():
			if !ok {
				return
			}
			v.Deliver(ctx, r)
		case <-ctx.Done():
			return
		}
	}
}

// Restore reloads the persisted sessions, typically after a restart while
// responses were outstanding. It returns the restored session ids.
func (v *Viewer) Restore() ([]string, error) {
	if v.opts.Sessions == nil {
		return nil, nil
	}
	records, err := v.opts.Sessions.List()
	if err != nil {
		return nil, err
	}
	var ids []string
	err = v.locked(func() error {
		for _, rec := range records {
			if _, ok := v.views[rec.ID]; ok {
				continue
			}
			vw, err := v.restore(rec)
			if err != nil {
				logger.Warnf("%s: dropping session: %v", rec.ID, err)
				if err := v.opts.Sessions.Delete(rec.ID); err != nil {
					logger.Errorf("%s: %v", rec.ID, err)
				}
				continue
			}
			v.views[rec.ID] = vw
			ids = append(ids, rec.ID)
		}
		return nil
	})
	return ids, err
}

func (v *Viewer) restore(rec *session.Record) (*view, error) {
	msg, err := rfc822.Parse(bytes.NewReader(rec.Message), v.opts.Temp)
	if err != nil {
		return nil, err
	}
	vw := &view{rec: rec, msg: msg, ownsMsg: true}
	vw.detection = v.detect(rec.ID, msg)
	if rec.SignedMessage != nil {
		replacement, err := rfc822.Parse(bytes.NewReader(rec.SignedMessage), v.opts.Temp)
		if err != nil {
			logger.Warnf("%s: cannot parse decrypted message: %v", rec.ID, err)
		} else {
			vw.replacement = replacement
		}
	}
	for _, t := range rec.TempFiles {
		v.adoptFile(vw, t.Path, t.Op)
	}
	for _, op := range rec.Awaiting {
		if !v.opts.Provider.Reserve(rec.ID, op) {
			logger.Debugf("%s: %s already pending", rec.ID, op)
		}
	}
	if len(rec.Awaiting) > 0 {
		vw.status = Awaiting
	} else {
		vw.status = Resolved
	}
	return vw, nil
}
