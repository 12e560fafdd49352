// Package tempfile manages the temporary files backing large message bodies
// and the inputs and outputs of file based crypto operations.
package tempfile

import (
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"git.sr.ht/~rjarry/mailcrypt/lib/log"
	"github.com/pkg/errors"
)

var (
	ErrAlreadyWritten = stderrors.New("temp file already written")
	ErrReleased       = stderrors.New("temp file released")
	ErrOutsideStore   = stderrors.New("path is outside of the temp directory")
)

var logger = log.NewLogger("tempfile", 2)

// A Store hands out reference counted temp files from a single directory.
type Store struct {
	dir   string
	mu    sync.Mutex
	files map[string]*File
}

func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "mkdir")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "abs")
	}
	return &Store{dir: abs, files: make(map[string]*File)}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Create makes a new empty file. The pattern follows os.CreateTemp, e.g.
// "decr*.tmp". The returned file holds one reference.
func (s *Store) Create(pattern string) (*File, error) {
	f, err := os.CreateTemp(s.dir, pattern)
	if err != nil {
		return nil, errors.Wrap(err, "create temp")
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "close temp")
	}
	file := &File{store: s, path: path, refs: 1}
	s.mu.Lock()
	s.files[path] = file
	s.mu.Unlock()
	logger.Tracef("created %s", path)
	return file, nil
}

// Open adopts a file left over by a previous run, typically referenced by a
// restored session. The file is considered written. If the path is already
// tracked, an extra reference is taken on it.
func (s *Store) Open(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "abs")
	}
	if filepath.Dir(abs) != s.dir {
		return nil, ErrOutsideStore
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if file, ok := s.files[abs]; ok && file.Retain().Refs() > 1 {
		return file, nil
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, errors.Wrap(err, "stat")
	}
	file := &File{store: s, path: abs, refs: 1, written: true}
	s.files[abs] = file
	return file, nil
}

// Len returns the number of files with live references.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Sweep deletes untracked files older than maxAge. They were left behind by
// sessions which never resolved. Returns the number of deleted files.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, errors.Wrap(err, "readdir")
	}
	deadline := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if _, ok := s.files[path]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(deadline) {
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Warnf("sweep %s: %v", path, err)
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) drop(f *File) {
	s.mu.Lock()
	delete(s.files, f.path)
	s.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		logger.Errorf("failed to delete %s: %v", f.path, err)
		return
	}
	logger.Tracef("deleted %s", f.path)
}

// A File is written once and may then be read any number of times. It is
// deleted from disk when its last reference is released.
type File struct {
	store   *Store
	path    string
	mu      sync.Mutex
	refs    int
	written bool
}

func (f *File) Path() string {
	return f.path
}

// Writer returns the single writer of the file. Later calls fail with
// ErrAlreadyWritten.
func (f *File) Writer() (io.WriteCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs == 0 {
		return nil, ErrReleased
	}
	if f.written {
		return nil, ErrAlreadyWritten
	}
	w, err := os.OpenFile(f.path, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open for writing")
	}
	f.written = true
	return w, nil
}

// Write copies r into the file through its single writer.
func (f *File) Write(r io.Reader) (int64, error) {
	w, err := f.Writer()
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return n, errors.Wrap(err, "write temp")
}

func (f *File) Open() (io.ReadCloser, error) {
	f.mu.Lock()
	released := f.refs == 0
	f.mu.Unlock()
	if released {
		return nil, ErrReleased
	}
	r, err := os.Open(f.path)
	if err != nil {
		return nil, errors.Wrap(err, "open for reading")
	}
	return r, nil
}

func (f *File) ReadAll() ([]byte, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (f *File) Size() int64 {
	info, err := os.Stat(f.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func (f *File) Retain() *File {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs > 0 {
		f.refs++
	}
	return f
}

// Release drops one reference. The file is deleted once none are left.
// Deletion failures are logged only.
func (f *File) Release() {
	f.mu.Lock()
	if f.refs == 0 {
		f.mu.Unlock()
		return
	}
	f.refs--
	last := f.refs == 0
	f.mu.Unlock()
	if last {
		f.store.drop(f)
	}
}

func (f *File) Refs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs
}
