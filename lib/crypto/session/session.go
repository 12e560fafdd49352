// Package session persists the crypto sessions of message views so that a
// response arriving after a restart can still be interpreted.
package session

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/bridge"
	"git.sr.ht/~rjarry/mailcrypt/lib/log"
	"git.sr.ht/~rjarry/mailcrypt/models"
)

const prefix = "session."

var ErrNotFound = errors.New("session not found")

// TempFile is a temp file used by an operation of the session. Files of
// operation 0 live as long as the session.
type TempFile struct {
	Path string
	Op   bridge.Op
}

type Record struct {
	ID    string
	State models.CryptoState
	// Each structure is handled at most once per view
	HandledEncrypted  bool
	HandledSigned     bool
	FilterAttachments bool
	// Operations sent and not answered yet
	Awaiting []bridge.Op
	// Raw message being processed, replayed on restore
	Message []byte
	// Decrypted message whose signature is being verified
	SignedMessage []byte
	// An encrypted attachment is being decrypted
	AttachmentPending bool
	TempFiles         []TempFile
	Updated           time.Time
}

func (r *Record) IsAwaiting(op bridge.Op) bool {
	for _, o := range r.Awaiting {
		if o == op {
			return true
		}
	}
	return false
}

func (r *Record) Await(op bridge.Op) {
	if !r.IsAwaiting(op) {
		r.Awaiting = append(r.Awaiting, op)
	}
}

func (r *Record) Resolve(op bridge.Op) {
	for i, o := range r.Awaiting {
		if o == op {
			r.Awaiting = append(r.Awaiting[:i], r.Awaiting[i+1:]...)
			return
		}
	}
}

type Store struct {
	db  *leveldb.DB
	now func() time.Time
}

// Open opens (or creates) the session database in dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, errors.Wrap(err, "leveldb.OpenFile")
	}
	log.Debugf("session db opened: %s", dir)
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Save(r *Record) error {
	r.Updated = s.now()
	data := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(data).Encode(r); err != nil {
		return errors.Wrapf(err, "cannot encode session %s", r.ID)
	}
	return s.db.Put([]byte(prefix+r.ID), data.Bytes(), nil)
}

func decode(data []byte) (*Record, error) {
	r := &Record{}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) Load(id string) (*Record, error) {
	data, err := s.db.Get([]byte(prefix+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	r, err := decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode session %s", id)
	}
	return r, nil
}

func (s *Store) Delete(id string) error {
	return s.db.Delete([]byte(prefix+id), nil)
}

// List returns every stored session. Undecodable records are logged and
// skipped.
func (s *Store) List() ([]*Record, error) {
	var records []*Record
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	for iter.Next() {
		r, err := decode(iter.Value())
		if err != nil {
			log.Errorf("cannot decode session %s: %v", iter.Key(), err)
			continue
		}
		records = append(records, r)
	}
	iter.Release()
	return records, iter.Error()
}

// Expire removes the sessions not updated for maxAge.
func (s *Store) Expire(maxAge time.Duration) (int, error) {
	start := s.now()
	var scanned, removed int
	records, err := s.List()
	if err != nil {
		return 0, err
	}
	for _, r := range records {
		scanned++
		if r.Updated.Add(maxAge).After(start) {
			continue
		}
		if err := s.Delete(r.ID); err != nil {
			log.Errorf("cannot expire session %s: %v", r.ID, err)
			continue
		}
		removed++
	}
	log.Debugf("removed %d/%d expired sessions in %s",
		removed, scanned, time.Since(start))
	return removed, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
