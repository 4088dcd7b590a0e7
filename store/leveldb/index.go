// Package leveldb implements the store.Index interface on goleveldb. File
// records and segment pointers live under distinct key prefixes; multi-key
// mutations go through write batches.
package leveldb

import (
	"fmt"
	"sync"

	"difs/oid"
	"difs/store"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixFile    = "FIL" // file record keyed by file name
	keyPrefixSegment = "SEG" // segment OID keyed by file name NUL 16-digit hex index
)

var _ store.Index = (*Index)(nil)

type Index struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

func New(path string) (*Index, error) {
	opts := &opt.Options{Compression: opt.NoCompression}
	db, err := leveldb.OpenFile(path, opts)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	log.Infof("leveldb: opened index at %s", path)
	return &Index{path: path, db: db}, nil
}

func keyFromFile(name string) []byte {
	return append([]byte(keyPrefixFile), name...)
}

func segmentSpace(name string) []byte {
	key := append([]byte(keyPrefixSegment), name...)
	return append(key, 0)
}

func keyFromSegment(name string, index uint64) []byte {
	return append(segmentSpace(name), fmt.Sprintf("%016x", index)...)
}

func indexFromKey(key []byte, space []byte) (uint64, error) {
	if len(key) != len(space)+16 {
		return 0, fmt.Errorf("indexFromKey: invalid key length %d", len(key))
	}
	var index uint64
	if _, err := fmt.Sscanf(string(key[len(space):]), "%016x", &index); err != nil {
		return 0, err
	}
	return index, nil
}

func (l *Index) PutFile(rec *store.FileRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return l.db.Put(keyFromFile(rec.Name), raw, nil)
}

func (l *Index) GetFile(name string) (*store.FileRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get(keyFromFile(name), nil)
	if err == lerrors.ErrNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := &store.FileRecord{}
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Index) DeleteFile(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Delete(keyFromFile(name), nil)
}

func (l *Index) Files() ([]*store.FileRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []*store.FileRecord
	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixFile)), nil)
	defer iter.Release()
	for iter.Next() {
		rec := &store.FileRecord{}
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, iter.Error()
}

func (l *Index) PutSegment(file string, index uint64, o oid.Oid) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Put(keyFromSegment(file, index), []byte(o.String()), nil)
}

func (l *Index) GetSegment(file string, index uint64) (oid.Oid, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get(keyFromSegment(file, index), nil)
	if err == lerrors.ErrNotFound {
		return oid.Oid{}, store.ErrNotFound
	}
	if err != nil {
		return oid.Oid{}, err
	}
	o, err := oid.Parse(string(raw))
	if err != nil {
		return oid.Oid{}, err
	}
	return *o, nil
}

func (l *Index) Segments(file string) (map[uint64]oid.Oid, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	space := segmentSpace(file)
	results := make(map[uint64]oid.Oid)
	iter := l.db.NewIterator(util.BytesPrefix(space), nil)
	defer iter.Release()
	for iter.Next() {
		index, err := indexFromKey(iter.Key(), space)
		if err != nil {
			return nil, err
		}
		o, err := oid.Parse(string(iter.Value()))
		if err != nil {
			return nil, err
		}
		results[index] = *o
	}
	return results, iter.Error()
}

func (l *Index) DeleteSegments(file string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(util.BytesPrefix(segmentSpace(file)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return l.db.Write(batch, nil)
}

func (l *Index) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
