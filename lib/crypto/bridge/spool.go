package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"git.sr.ht/~rjarry/mailcrypt/lib/log"
)

var spoolLog = log.NewLogger("bridge-spool", 2)

// SpoolTransport exchanges requests and responses as JSON files in a
// directory shared with the external application:
//
//	<dir>/apps/<app>        installed version of <app>
//	<dir>/outgoing/*.json   requests, one file each
//	<dir>/incoming/*.json   responses
//
// Responses written while nobody was listening are picked up on startup.
type SpoolTransport struct {
	dir       string
	watcher   *fsnotify.Watcher
	responses chan *Response
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewSpoolTransport(dir string) (*SpoolTransport, error) {
	for _, sub := range []string{"apps", "outgoing", "incoming"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, errors.Wrap(err, "os.MkdirAll")
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("could not create file system watcher: %w", err)
	}
	if err := watcher.Add(filepath.Join(dir, "incoming")); err != nil {
		watcher.Close()
		return nil, errors.Wrap(err, "watcher.Add")
	}
	t := &SpoolTransport{
		dir:       dir,
		watcher:   watcher,
		responses: make(chan *Response, 16),
		done:      make(chan struct{}),
	}
	t.wg.Add(1)
	go t.watch()
	return t, nil
}

func (t *SpoolTransport) watch() {
	defer log.PanicHandler()
	defer t.wg.Done()

	t.scan()
	for {
		select {
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			t.consume(ev.Name)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			spoolLog.Errorf("watcher: %v", err)
		case <-t.done:
			return
		}
	}
}

func (t *SpoolTransport) scan() {
	entries, err := os.ReadDir(filepath.Join(t.dir, "incoming"))
	if err != nil {
		spoolLog.Errorf("scan: %v", err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			t.consume(filepath.Join(t.dir, "incoming", entry.Name()))
		}
	}
}

// consume leaves incomplete files alone, they will be seen again on the
// next write event
func (t *SpoolTransport) consume(path string) {
	if filepath.Ext(path) != ".json" || strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return
	} else if err != nil {
		spoolLog.Errorf("%s: %v", path, err)
		return
	}
	resp, err := DecodeResponse(data)
	if err != nil {
		spoolLog.Debugf("%s: %v", path, err)
		return
	}
	if err := os.Remove(path); err != nil {
		// already consumed
		return
	}
	// the request is answered, drop it if the application did not
	stale := filepath.Join(t.dir, "outgoing", requestName(resp.SessionID, resp.Code))
	if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
		spoolLog.Warnf("%s: %v", stale, err)
	}
	select {
	case t.responses <- resp:
	case <-t.done:
	}
}

func (t *SpoolTransport) Probe(ctx context.Context, app string) (int, error) {
	if strings.ContainsAny(app, `/\`) {
		return 0, fmt.Errorf("invalid application id %q", app)
	}
	data, err := os.ReadFile(filepath.Join(t.dir, "apps", app))
	if err != nil {
		return 0, errors.Wrap(err, "os.ReadFile")
	}
	version, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Wrap(err, "probe version")
	}
	return version, nil
}

func (t *SpoolTransport) Send(ctx context.Context, req *Request) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	// the application asks for the passphrase itself, it is never
	// written to the spool
	req, stripped := req.withoutSecrets()
	if stripped {
		spoolLog.Debugf("%s %d: secret fields not spooled", req.SessionID, req.Code)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "json.Marshal")
	}
	name := requestName(req.SessionID, req.Code)
	outgoing := filepath.Join(t.dir, "outgoing")
	tmp, err := os.CreateTemp(outgoing, ".request*")
	if err != nil {
		return errors.Wrap(err, "os.CreateTemp")
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write request")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close request")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(outgoing, name)); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "os.Rename")
	}
	spoolLog.Tracef("queued %s", name)
	return nil
}

func requestName(session string, code int) string {
	return fmt.Sprintf("%s-%d.json", session, code)
}

func (t *SpoolTransport) Responses() <-chan *Response {
	return t.responses
}

func (t *SpoolTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.watcher.Close()
		t.wg.Wait()
		close(t.responses)
	})
	return err
}
