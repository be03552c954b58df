package store

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
)

// LevelDBStore is the production-grade persisted Store, backed by
// syndtr/goleveldb the same way a chain-state database would use it —
// here it holds the handful of small keys named in §6.3 instead.
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDBStore opens (creating if absent) a LevelDB database at dir.
func OpenLevelDBStore(dir string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Get(key string) ([]byte, bool) {
	v, err := s.db.Get([]byte(key), nil)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (s *LevelDBStore) Put(key string, value []byte) error {
	if err := s.db.Put([]byte(key), value, nil); err != nil {
		if errors.IsCorrupted(err) {
			return ErrStoreCorrupt
		}
		return err
	}
	return nil
}

func (s *LevelDBStore) Delete(key string) error {
	return s.db.Delete([]byte(key), nil)
}

// Close releases the underlying database handle.
func (s *LevelDBStore) Close() error { return s.db.Close() }
