// Package leveldb implements the persistent stores on top of goleveldb.
package leveldb

import (
	"fmt"
	"gitdht/oid"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"

	log "github.com/sirupsen/logrus"
)

var ErrCorrupted = fmt.Errorf("corrupted")

type LevelDB struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

func keyFromOid(prefix string, id oid.Oid) []byte {
	return append([]byte(prefix), []byte(id.String())...)
}

func initLevelDb(path string) (*leveldb.DB, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	// An empty path keeps everything in memory, used by tests and by nodes started without a contacts file
	if path == "" {
		return leveldb.Open(storage.NewMemStorage(), opts)
	}

	// Open or create the new DB
	db, err := leveldb.OpenFile(path, opts)
	if errors.IsCorrupted(err) {
		log.Warnf("LevelDB at %s is corrupted, recovering", path)
		db, err = leveldb.RecoverFile(path, nil)
	}

	if err != nil {
		return nil, err
	}

	log.Infof("Opened LevelDB at %s", path)

	return db, nil
}

func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
