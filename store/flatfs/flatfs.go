// Package flatfs is an on-disk block store. Blocks live as plain files
// named by their OID, sharded into subdirectories by the first two hex
// digits of the digest; length is inferred from the file size.
package flatfs

import (
	"os"
	"path/filepath"

	"difs/oid"
	"difs/store"

	log "github.com/sirupsen/logrus"
)

var _ store.BlockStore = (*FlatFS)(nil)

type FlatFS struct {
	basePath string
}

func New(basePath string) (*FlatFS, error) {
	basePath = filepath.Clean(basePath)
	if err := ensureDir(basePath); err != nil {
		return nil, err
	}
	log.Infof("flatfs: opened block store at %s", basePath)
	return &FlatFS{basePath: basePath}, nil
}

func ensureDir(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, 0755)
		}
		return err
	}
	if !stat.IsDir() {
		return &os.PathError{Op: "ensureDir", Path: path, Err: os.ErrExist}
	}
	return nil
}

func (f *FlatFS) paths(o *oid.Oid) (dirPath, filePath string) {
	dirPath = filepath.Join(f.basePath, o.Digest()[:2])
	filePath = filepath.Join(dirPath, o.String())
	return dirPath, filePath
}

func (f *FlatFS) Get(o *oid.Oid) (*store.Block, error) {
	_, filePath := f.paths(o)
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &store.Block{Oid: *o, Length: uint64(len(data)), Data: data}, nil
}

func (f *FlatFS) Has(o *oid.Oid) (bool, error) {
	_, filePath := f.paths(o)
	stat, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !stat.IsDir(), nil
}

func (f *FlatFS) Put(b *store.Block) (*oid.Oid, error) {
	dirPath, filePath := f.paths(&b.Oid)
	if err := ensureDir(dirPath); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filePath, b.Data, 0644); err != nil {
		return nil, err
	}
	return &b.Oid, nil
}

// Delete removes a block. Deleting an absent block is not an error.
func (f *FlatFS) Delete(o *oid.Oid) error {
	_, filePath := f.paths(o)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Enumerate walks the shard directories and parses every file name as an
// OID. Entries that do not conform are logged and skipped.
func (f *FlatFS) Enumerate() ([]*oid.Oid, error) {
	var oids []*oid.Oid

	shards, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, err
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			log.Warnf("flatfs: skipping stray file %s", filepath.Join(f.basePath, shard.Name()))
			continue
		}
		shardPath := filepath.Join(f.basePath, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			if file.IsDir() {
				log.Warnf("flatfs: skipping stray directory %s", filepath.Join(shardPath, file.Name()))
				continue
			}
			o, err := oid.Parse(file.Name())
			if err != nil {
				log.Warnf("flatfs: skipping %s in %s, not an OID: %v", file.Name(), shardPath, err)
				continue
			}
			oids = append(oids, o)
		}
	}
	return oids, nil
}

func (f *FlatFS) Close() error {
	return nil
}
