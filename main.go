package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"git.sr.ht/~sircmpwn/getopt"

	"git.sr.ht/~rjarry/mailcrypt/config"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/bridge"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/keys"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/session"
	"git.sr.ht/~rjarry/mailcrypt/lib/cryptoview"
	"git.sr.ht/~rjarry/mailcrypt/lib/log"
	"git.sr.ht/~rjarry/mailcrypt/lib/pinentry"
	"git.sr.ht/~rjarry/mailcrypt/lib/rfc822"
	"git.sr.ht/~rjarry/mailcrypt/lib/tempfile"
)

func usage(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	fmt.Fprintln(os.Stderr, "usage: mailcrypt [-v] [-c <config>] [-s <session>] [-r] [<message.eml>]")
	os.Exit(1)
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

type notifier struct{}

func (notifier) Notify(msg string) {
	log.Infof("notice: %s", msg)
	fmt.Fprintln(os.Stderr, msg)
}

// waiter tracks the sessions the program waits for.
type waiter struct {
	viewer *cryptoview.Viewer
	mu     sync.Mutex
	ids    map[string]bool
	once   sync.Once
	done   chan struct{}
}

func newWaiter() *waiter {
	return &waiter{ids: make(map[string]bool), done: make(chan struct{})}
}

func (w *waiter) add(id string) {
	w.mu.Lock()
	w.ids[id] = true
	w.mu.Unlock()
}

func (w *waiter) Show(o *cryptoview.Outcome) {
	printOutcome(os.Stdout, o)
	if _, status, ok := w.viewer.State(o.Session); ok && status != cryptoview.Resolved {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.ids[o.Session] {
		return
	}
	delete(w.ids, o.Session)
	w.viewer.Close(o.Session)
	if len(w.ids) == 0 {
		w.once.Do(func() { close(w.done) })
	}
}

func (w *waiter) empty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ids) == 0
}

func openMessage(path string, temp *tempfile.Store) (*rfc822.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	// files saved with LF line endings would not match what was signed
	msg, err := rfc822.Parse(rfc822.NewCRLFReader(f), temp)
	if err != nil {
		return nil, err
	}
	for _, w := range msg.Warnings {
		log.Warnf("%s: %v", path, w)
	}
	return msg, nil
}

func newProvider(conf *config.Config, prompter bridge.Prompter) (crypto.Provider, error) {
	pconf := conf.Provider()
	transport, err := pconf.NewTransport()
	if err != nil {
		return nil, err
	}
	opts := bridge.Options{
		Transport: transport,
		Versions:  pconf.Versions(),
		Cache:     bridge.NewPassphraseCache(conf.General.PassphraseTimeout),
		Prompter:  prompter,
		Notifier:  notifier{},
		Timeout:   conf.General.RequestTimeout,
	}
	if pconf.Keys != "" {
		dir, err := keys.Load(pconf.Keys)
		if err != nil {
			transport.Close()
			return nil, fmt.Errorf("keys: %w", err)
		}
		opts.Keys = dir
	}
	return crypto.New(conf.General.PgpProvider, opts)
}

func main() {
	defer log.PanicHandler()
	opts, optind, err := getopt.Getopts(os.Args, "vc:s:r")
	if err != nil {
		usage("error: " + err.Error())
		return
	}
	var verbose, resume bool
	var confPath, sessionID string
	for _, opt := range opts {
		switch opt.Option {
		case 'v':
			verbose = true
		case 'c':
			confPath = opt.Value
		case 's':
			sessionID = opt.Value
		case 'r':
			resume = true
		}
	}
	args := os.Args[optind:]
	if len(args) > 1 || (len(args) == 0 && !resume) {
		usage("error: invalid arguments")
		return
	}

	conf, err := config.LoadConfigFromFile(confPath)
	if err != nil {
		die("failed to load config: %s", err)
	}
	if err := conf.General.InitLog(verbose); err != nil {
		die("%s", err)
	}

	policy := cryptoview.Policy{AutoInline: conf.General.AutoInline}
	if policy.Precedence, err = cryptoview.ParsePrecedence(conf.General.Precedence); err != nil {
		die("%s", err)
	}

	temp, err := tempfile.NewStore(conf.General.TempDir)
	if err != nil {
		die("temp-dir: %s", err)
	}
	sessions, err := session.Open(filepath.Join(conf.General.StateDir, "sessions"))
	if err != nil {
		die("state-dir: %s", err)
	}
	defer sessions.Close()
	if maxAge := conf.General.TempMaxAge; maxAge > 0 {
		if n, err := temp.Sweep(maxAge); err != nil {
			log.Warnf("temp-dir: %v", err)
		} else if n > 0 {
			log.Debugf("removed %d stale temp files", n)
		}
		if n, err := sessions.Expire(maxAge); err != nil {
			log.Warnf("state-dir: %v", err)
		} else if n > 0 {
			log.Debugf("expired %d sessions", n)
		}
	}

	prompter, err := pinentry.New(conf.General.Pinentry)
	if err != nil {
		die("pinentry: %s", err)
	}
	provider, err := newProvider(conf, prompter)
	if err != nil {
		die("%s: %s", conf.General.PgpProvider, err)
	}
	defer provider.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	provider.Start(ctx)
	if !provider.Available(ctx) {
		log.Warnf("%s is not available", provider.Name())
	}

	w := newWaiter()
	viewer := cryptoview.New(cryptoview.Options{
		Provider: provider,
		Temp:     temp,
		Sessions: sessions,
		Display:  w,
		Policy:   policy,
	})
	w.viewer = viewer
	go viewer.Run(ctx)

	if resume {
		ids, err := viewer.Restore()
		if err != nil {
			die("failed to restore sessions: %s", err)
		}
		for _, id := range ids {
			if _, status, _ := viewer.State(id); status == cryptoview.Awaiting {
				w.add(id)
			} else {
				viewer.Close(id)
			}
		}
		log.Infof("restored %d sessions", len(ids))
	}

	if len(args) == 1 {
		msg, err := openMessage(args[0], temp)
		if err != nil {
			die("%s: %s", args[0], err)
		}
		defer msg.Dispose()
		if sessionID == "" {
			sessionID = cryptoview.NewSessionID()
		}
		w.add(sessionID)
		det, err := viewer.Open(ctx, sessionID, msg)
		if err != nil {
			die("%s", err)
		}
		log.Debugf("session %s: %s", sessionID, det.Use)
	}

	if w.empty() {
		return
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		log.Infof("interrupted, pending sessions are kept for -r")
	}
}
