package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/keys"
	"git.sr.ht/~rjarry/mailcrypt/lib/log"
	"git.sr.ht/~rjarry/mailcrypt/models"
)

const maxPassphraseAttempts = 3

// KeyLookup answers key questions without involving the external
// application.
type KeyLookup interface {
	SecretKeyIDs(email string) []uint64
	PublicKeyIDs(email string) []uint64
	HasSecretKey(email string) bool
	HasPublicKey(email string) bool
	UserID(keyID uint64) string
	SecretKeyFor(ids []uint64) uint64
	NeedsPassphrase(keyID uint64) bool
	CheckPassphrase(keyID uint64, passphrase []byte) error
}

// Versions are the application versions required for optional features.
// Zero means the feature is not available at any version.
type Versions struct {
	Min            int
	Attachments    int
	PGPMIMEReceive int
	PGPMIMESend    int
}

type Options struct {
	Schema    *Schema
	Transport Transport
	Keys      KeyLookup
	Versions  Versions
	Cache     *PassphraseCache
	Prompter  Prompter
	Notifier  Notifier
	// Fixes up a decoded result for the quirks of an application
	Interpret func(resp *Response, r *Result)
	// Pending requests older than this fail with ErrTimeout, 0 waits
	// forever
	Timeout time.Duration
}

// Input carries the arguments of one operation.
type Input struct {
	Text      string
	Path      string
	Signature string
	Emails    []string
	Reveal    bool

	passphrase []byte
}

type slot struct {
	session string
	op      Op
}

// Bridge dispatches operations to the external application and turns its
// responses into results. At most one request per session and operation is
// in flight.
type Bridge struct {
	opts    Options
	log     log.Logger
	results chan *Result

	mu      sync.Mutex
	pending map[slot]time.Time
	app     string
	version int
	ctx     context.Context
}

func New(opts Options) *Bridge {
	if opts.Cache == nil {
		opts.Cache = NewPassphraseCache(0)
	}
	return &Bridge{
		opts:    opts,
		log:     log.NewLogger(opts.Schema.Name, 2),
		results: make(chan *Result, 16),
		pending: make(map[slot]time.Time),
		ctx:     context.Background(),
	}
}

func (b *Bridge) Name() string {
	return b.opts.Schema.Name
}

func (b *Bridge) Schema() *Schema {
	return b.opts.Schema
}

// Start decodes responses until ctx is done or the transport is closed.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
	go b.receive(ctx)
	if b.opts.Timeout > 0 {
		go b.expire(ctx)
	}
}

func (b *Bridge) Results() <-chan *Result {
	return b.results
}

func (b *Bridge) receive(ctx context.Context) {
	defer log.PanicHandler()
	for {
		select {
		case resp, ok := <-b.opts.Transport.Responses():
			if !ok {
				return
			}
			r := b.interpret(resp)
			if r == nil {
				continue
			}
			b.emit(ctx, r)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) expire(ctx context.Context) {
	defer log.PanicHandler()
	ticker := time.NewTicker(b.opts.Timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			var stale []slot
			b.mu.Lock()
			for s, since := range b.pending {
				if now.Sub(since) >= b.opts.Timeout {
					stale = append(stale, s)
					delete(b.pending, s)
				}
			}
			b.mu.Unlock()
			for _, s := range stale {
				b.log.Warnf("%s %s: no response after %s",
					s.session, s.op, b.opts.Timeout)
				b.emit(ctx, failure(s.session, s.op, ErrTimeout))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) emit(ctx context.Context, r *Result) {
	select {
	case b.results <- r:
	case <-ctx.Done():
	}
}

// emitLater is used from callbacks that may run on the goroutine reading
// the results.
func (b *Bridge) emitLater(r *Result) {
	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	go func() {
		defer log.PanicHandler()
		b.emit(ctx, r)
	}()
}

func (b *Bridge) interpret(resp *Response) *Result {
	op, ok := b.opts.Schema.Op(resp.Code)
	if !ok {
		b.log.Warnf("%s: unknown response code %d", resp.SessionID, resp.Code)
		return nil
	}
	b.release(resp.SessionID, op)

	f := b.opts.Schema.Fields
	r := &Result{
		SessionID:        resp.SessionID,
		Op:               op,
		OK:               resp.OK,
		DecryptedText:    resp.String(f.DecryptedText),
		EncryptedText:    resp.String(f.EncryptedText),
		Signature:        resp.String(f.Signature),
		SignatureKeyID:   resp.KeyID(f.SignatureKeyID),
		SignatureUserID:  resp.String(f.SignatureUserID),
		SignatureSuccess: resp.Bool(f.SignatureSuccess),
		SignatureUnknown: resp.Bool(f.SignatureUnknown),
		KeyID:            resp.KeyID(f.KeyID),
		UserID:           resp.String(f.UserID),
		KeyIDs:           resp.KeyIDs(f.ChosenKeyIDs),
		Filename:         resp.String(f.Filename),
		ShowFile:         resp.Bool(f.ShowFile),
	}
	switch op {
	case Decrypt, DecryptFile, Verify:
		// the signature fields are always reset, unsigned or not
		r.HasSignature = r.OK
	}
	if b.opts.Interpret != nil {
		b.opts.Interpret(resp, r)
	}
	if !r.OK && r.Err == nil {
		reason := resp.Error
		if reason == "" {
			reason = resp.String(f.Error)
		}
		if reason == "" {
			r.Err = ErrRejected
		} else {
			r.Err = fmt.Errorf("%w: %s", ErrRejected, reason)
		}
	}
	b.log.Debugf("%v", r)
	return r
}

// Pending reports whether a request is in flight or waiting for a
// passphrase.
func (b *Bridge) Pending(session string, op Op) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[slot{session, op}]
	return ok
}

// Reserve marks a request as in flight, used when sessions awaiting a
// response are restored after a restart.
func (b *Bridge) Reserve(session string, op Op) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := slot{session, op}
	if _, ok := b.pending[s]; ok {
		return false
	}
	b.pending[s] = time.Now()
	return true
}

// Cancel forgets a pending request. A late response will still be
// delivered.
func (b *Bridge) Cancel(session string, op Op) {
	b.release(session, op)
}

func (b *Bridge) release(session string, op Op) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, slot{session, op})
}

// probe returns the first reachable application and its version. A
// successful probe is remembered until a send fails.
func (b *Bridge) probe(ctx context.Context) (string, int, error) {
	b.mu.Lock()
	app, version := b.app, b.version
	b.mu.Unlock()
	if app != "" {
		return app, version, nil
	}
	var errs []string
	for _, app := range b.opts.Schema.Apps {
		version, err := b.opts.Transport.Probe(ctx, app)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", app, err))
			continue
		}
		b.mu.Lock()
		b.app, b.version = app, version
		b.mu.Unlock()
		return app, version, nil
	}
	return "", 0, fmt.Errorf("%w: %s", ErrUnavailable, strings.Join(errs, ", "))
}

func (b *Bridge) forgetProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.app, b.version = "", 0
}

// Available probes the external application.
func (b *Bridge) Available(ctx context.Context) bool {
	_, version, err := b.probe(ctx)
	return err == nil && version >= b.opts.Versions.Min
}

func (b *Bridge) supports(ctx context.Context, min int) bool {
	if min <= 0 {
		return false
	}
	_, version, err := b.probe(ctx)
	return err == nil && version >= min
}

func (b *Bridge) SupportsAttachments(ctx context.Context) bool {
	return b.supports(ctx, b.opts.Versions.Attachments)
}

func (b *Bridge) SupportsPGPMIMEReceive(ctx context.Context) bool {
	return b.supports(ctx, b.opts.Versions.PGPMIMEReceive)
}

func (b *Bridge) SupportsPGPMIMESend(ctx context.Context) bool {
	return b.supports(ctx, b.opts.Versions.PGPMIMESend)
}

func (b *Bridge) notify(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	b.log.Warnf("%s", msg)
	if b.opts.Notifier != nil {
		b.opts.Notifier.Notify(msg)
	}
}

func validate(session string, op Op, in *Input, state *models.CryptoState) error {
	if session == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidArgument)
	}
	if state == nil {
		return fmt.Errorf("%w: no crypto state", ErrInvalidArgument)
	}
	switch op {
	case Encrypt, Decrypt:
		if in.Text == "" {
			return fmt.Errorf("%w: %s: empty text", ErrInvalidArgument, op)
		}
	case EncryptFile, DecryptFile, Sign:
		if in.Path == "" {
			return fmt.Errorf("%w: %s: empty path", ErrInvalidArgument, op)
		}
	case Verify:
		if in.Path == "" || in.Signature == "" {
			return fmt.Errorf("%w: %s: missing data or signature",
				ErrInvalidArgument, op)
		}
	}
	switch op {
	case Encrypt, EncryptFile:
		if !state.HasEncryptionKeys() && !state.HasSignatureKey() {
			return fmt.Errorf("%w: %s: no key selected", ErrInvalidArgument, op)
		}
	case Sign:
		if !state.HasSignatureKey() {
			return fmt.Errorf("%w: %s: no signing key", ErrInvalidArgument, op)
		}
	}
	return nil
}

// dispatch hands one operation to the external application. A nil error
// means the request was sent or deferred until a passphrase is entered.
func (b *Bridge) dispatch(
	ctx context.Context, session string, op Op, in *Input,
	state *models.CryptoState,
) error {
	if err := validate(session, op, in, state); err != nil {
		return err
	}
	if !b.opts.Schema.Supports(op) {
		return fmt.Errorf("%w: %s", ErrUnsupported, op)
	}
	app, version, err := b.probe(ctx)
	if err != nil {
		b.notify("%s is not installed", b.opts.Schema.Name)
		return err
	}
	if version < b.opts.Versions.Min {
		b.notify("%s version %d is too old, %d is required",
			app, version, b.opts.Versions.Min)
		return fmt.Errorf("%w: %s version %d", ErrUnavailable, app, version)
	}
	if !b.Reserve(session, op) {
		return fmt.Errorf("%w: %s %s", ErrPending, session, op)
	}

	keyID := b.passphraseKey(op, in, state)
	if keyID != 0 && b.opts.Keys.NeedsPassphrase(keyID) {
		if pass, ok := b.opts.Cache.Get(keyID); ok {
			in.passphrase = pass
		} else if b.opts.Prompter != nil {
			b.prompt(session, op, in, state.Clone(), keyID, 1)
			return nil
		}
	}
	if err := b.send(ctx, app, session, op, in, state); err != nil {
		b.release(session, op)
		return err
	}
	return nil
}

// passphraseKey returns the secret key the operation will use.
func (b *Bridge) passphraseKey(op Op, in *Input, state *models.CryptoState) uint64 {
	if b.opts.Keys == nil {
		return 0
	}
	switch op {
	case Sign:
		return state.SignatureKeyID
	case Encrypt, EncryptFile:
		return state.SignatureKeyID
	case Decrypt:
		ids, err := keys.RecipientKeyIDs(strings.NewReader(in.Text))
		if err != nil {
			return 0
		}
		return b.opts.Keys.SecretKeyFor(ids)
	case DecryptFile:
		f, err := os.Open(in.Path)
		if err != nil {
			return 0
		}
		defer f.Close()
		ids, err := keys.RecipientKeyIDs(f)
		if err != nil {
			return 0
		}
		return b.opts.Keys.SecretKeyFor(ids)
	}
	return 0
}

// prompt defers the operation until the user has entered the passphrase.
// The slot stays reserved meanwhile.
func (b *Bridge) prompt(
	session string, op Op, in *Input, state *models.CryptoState,
	keyID uint64, attempt int,
) {
	req := PassphraseRequest{
		SessionID: session,
		Op:        op,
		KeyID:     keyID,
		UserID:    b.opts.Keys.UserID(keyID),
		Attempt:   attempt,
	}
	var once sync.Once
	b.opts.Prompter.Prompt(req, func(pass []byte, ok bool) {
		once.Do(func() {
			b.resume(session, op, in, state, keyID, attempt, pass, ok)
		})
	})
}

func (b *Bridge) resume(
	session string, op Op, in *Input, state *models.CryptoState,
	keyID uint64, attempt int, pass []byte, ok bool,
) {
	if !ok {
		b.log.Debugf("%s %s: passphrase prompt cancelled", session, op)
		b.release(session, op)
		b.emitLater(failure(session, op, ErrCancelled))
		return
	}
	if err := b.opts.Keys.CheckPassphrase(keyID, pass); err != nil {
		wipe(pass)
		if attempt < maxPassphraseAttempts {
			b.prompt(session, op, in, state, keyID, attempt+1)
			return
		}
		b.notify("bad passphrase for %s", b.opts.Keys.UserID(keyID))
		b.release(session, op)
		b.emitLater(failure(session, op, ErrBadPassphrase))
		return
	}
	b.opts.Cache.Put(keyID, pass)
	in.passphrase = pass

	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	app, _, err := b.probe(ctx)
	if err == nil {
		err = b.send(ctx, app, session, op, in, state)
	}
	wipe(pass)
	if err != nil {
		b.release(session, op)
		b.emitLater(failure(session, op, err))
	}
}

func (b *Bridge) send(
	ctx context.Context, app, session string, op Op, in *Input,
	state *models.CryptoState,
) error {
	req := b.request(app, session, op, in, state)
	if err := b.opts.Transport.Send(ctx, req); err != nil {
		b.forgetProbe()
		b.notify("%s: %v", b.opts.Schema.Name, err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	b.log.Debugf("%s %s: sent to %s", session, op, app)
	return nil
}

func (b *Bridge) request(
	app, session string, op Op, in *Input, state *models.CryptoState,
) *Request {
	s := b.opts.Schema
	f := s.Fields
	req := &Request{
		SessionID: session,
		App:       app,
		Action:    s.Actions[op],
		Code:      s.Codes[op],
		Fields:    make(map[string]any),
	}
	for k, v := range s.Extra {
		req.Fields[k] = v
	}
	set := func(name string, v any) {
		if name != "" {
			req.Fields[name] = v
		}
	}
	signer := func() {
		if state.HasSignatureKey() {
			set(f.SignatureKeyID, keys.FormatKeyID(state.SignatureKeyID))
		}
	}

	switch op {
	case SelectPublicKeys:
		set(f.Emails, in.Emails)
		set(f.Preselected, formatKeyIDs(b.preselect(in.Emails, state)))
		set(f.MultiSelection, true)
	case Encrypt:
		set(f.Text, in.Text)
		set(f.EncryptionKeyIDs, formatKeyIDs(state.EncryptionKeyIDs))
		signer()
		set(f.Armored, true)
	case EncryptFile:
		dest := state.Filename
		if dest == "" {
			ext := ".pgp"
			if state.ForceArmored {
				ext = ".asc"
			}
			dest = in.Path + ext
		}
		set(f.Filename, in.Path)
		set(f.DestFilename, dest)
		set(f.EncryptionKeyIDs, formatKeyIDs(state.EncryptionKeyIDs))
		signer()
		set(f.Armored, state.ForceArmored)
	case Decrypt:
		set(f.Text, in.Text)
	case DecryptFile:
		set(f.Filename, in.Path)
		if state.Filename != "" {
			set(f.DestFilename, state.Filename)
		} else {
			set(f.DestFilename, filepath.Join(filepath.Dir(in.Path),
				strings.TrimSuffix(filepath.Base(in.Path), filepath.Ext(in.Path))))
		}
		set(f.ShowFile, in.Reveal)
	case Sign:
		set(f.Filename, in.Path)
		signer()
	case Verify:
		set(f.Filename, in.Path)
		set(f.Signature, in.Signature)
	}
	if in.passphrase != nil && f.Passphrase != "" {
		set(f.Passphrase, string(in.passphrase))
		req.Secrets = append(req.Secrets, f.Passphrase)
	}
	return req
}

// preselect returns the keys checked when the selection dialog opens.
func (b *Bridge) preselect(emails []string, state *models.CryptoState) []uint64 {
	if state.HasEncryptionKeys() {
		return state.EncryptionKeyIDs
	}
	var ids []uint64
	if state.HasSignatureKey() {
		ids = append(ids, state.SignatureKeyID)
	}
	if !b.opts.Schema.PreselectByEmail || b.opts.Keys == nil {
		return ids
	}
	for _, email := range emails {
		for _, id := range b.opts.Keys.PublicKeyIDs(email) {
			if !containsKey(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func containsKey(ids []uint64, id uint64) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

func (b *Bridge) SelectSigningKey(ctx context.Context, session string, state *models.CryptoState) error {
	return b.dispatch(ctx, session, SelectSecretKey, &Input{}, state)
}

func (b *Bridge) SelectEncryptionKeys(
	ctx context.Context, session string, emails []string, state *models.CryptoState,
) error {
	return b.dispatch(ctx, session, SelectPublicKeys, &Input{Emails: emails}, state)
}

func (b *Bridge) Encrypt(ctx context.Context, session, text string, state *models.CryptoState) error {
	return b.dispatch(ctx, session, Encrypt, &Input{Text: text}, state)
}

func (b *Bridge) EncryptFile(ctx context.Context, session, path string, state *models.CryptoState) error {
	return b.dispatch(ctx, session, EncryptFile, &Input{Path: path}, state)
}

func (b *Bridge) Decrypt(ctx context.Context, session, text string, state *models.CryptoState) error {
	return b.dispatch(ctx, session, Decrypt, &Input{Text: text}, state)
}

func (b *Bridge) DecryptFile(
	ctx context.Context, session, path string, reveal bool, state *models.CryptoState,
) error {
	return b.dispatch(ctx, session, DecryptFile, &Input{Path: path, Reveal: reveal}, state)
}

func (b *Bridge) Sign(ctx context.Context, session, path string, state *models.CryptoState) error {
	return b.dispatch(ctx, session, Sign, &Input{Path: path}, state)
}

func (b *Bridge) Verify(
	ctx context.Context, session, path, signature string, state *models.CryptoState,
) error {
	return b.dispatch(ctx, session, Verify, &Input{Path: path, Signature: signature}, state)
}

func (b *Bridge) SecretKeyIDsForEmail(email string) []uint64 {
	if b.opts.Keys == nil {
		return nil
	}
	return b.opts.Keys.SecretKeyIDs(email)
}

func (b *Bridge) PublicKeyIDsForEmail(email string) []uint64 {
	if b.opts.Keys == nil {
		return nil
	}
	return b.opts.Keys.PublicKeyIDs(email)
}

func (b *Bridge) HasSecretKeyForEmail(email string) bool {
	return b.opts.Keys != nil && b.opts.Keys.HasSecretKey(email)
}

func (b *Bridge) HasPublicKeyForEmail(email string) bool {
	return b.opts.Keys != nil && b.opts.Keys.HasPublicKey(email)
}

func (b *Bridge) UserID(keyID uint64) string {
	if b.opts.Keys == nil {
		return keys.UnknownUserID
	}
	return b.opts.Keys.UserID(keyID)
}

func (b *Bridge) Close() error {
	b.opts.Cache.Purge()
	return b.opts.Transport.Close()
}
