package archivist

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// recordEncoding is deterministic so identical records encode to identical bytes.
var recordEncoding = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// RecordStore is the durable id → Record mapping.
//
// Keys are big-endian ids, so iteration is in ascending id order. Every
// Put runs in its own bbolt transaction, which is fsynced before it returns.
type RecordStore struct {
	db    *bolt.DB
	cache *lruCache[uint32, Record]
}

// OpenRecordStore opens or creates the record store in dir.
func OpenRecordStore(dir string, cacheSize int) (*RecordStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, wrapKind(ErrStorageIO, fmt.Errorf("create record dir: %w", err))
	}
	db, err := bolt.Open(filepath.Join(dir, "records.db"), 0644, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, wrapKind(ErrStorageIO, fmt.Errorf("open record store: %w", err))
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, wrapKind(ErrStorageIO, fmt.Errorf("create records bucket: %w", err))
	}
	return &RecordStore{db: db, cache: newLRUCache[uint32, Record](cacheSize)}, nil
}

// Close closes the underlying database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

func recordKey(id uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], id)
	return k[:]
}

// Put stores rec under id, replacing any previous record.
func (s *RecordStore) Put(id uint32, rec *Record) error {
	data, err := recordEncoding.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", id, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put(recordKey(id), data)
	})
	s.cache.Delete(id)
	if err != nil {
		return wrapKind(ErrStorageIO, fmt.Errorf("put record %d: %w", id, err))
	}
	return nil
}

// Get returns the record stored under id.
func (s *RecordStore) Get(id uint32) (*Record, error) {
	if rec, ok := s.cache.Get(id); ok {
		return cloneRecord(&rec), nil
	}

	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get(recordKey(id))
		if v == nil {
			return fmt.Errorf("record %d: %w", id, ErrNotFound)
		}
		if err := cbor.Unmarshal(v, &rec); err != nil {
			return wrapKind(ErrCorrupt, fmt.Errorf("decode record %d: %w", id, err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Put(id, rec)
	return cloneRecord(&rec), nil
}

// Contains reports whether a record is stored under id without decoding it.
func (s *RecordStore) Contains(id uint32) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(recordsBucket).Get(recordKey(id)) != nil
		return nil
	})
	if err != nil {
		return false, wrapKind(ErrStorageIO, err)
	}
	return ok, nil
}

// Delete removes the record stored under id. Deleting a missing id is not
// an error.
func (s *RecordStore) Delete(id uint32) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete(recordKey(id))
	})
	s.cache.Delete(id)
	if err != nil {
		return wrapKind(ErrStorageIO, fmt.Errorf("delete record %d: %w", id, err))
	}
	return nil
}

// Len returns the number of stored records.
func (s *RecordStore) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(recordsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// ForEach calls fn for every stored record in ascending id order, lazily,
// inside a single read transaction. A record that fails to decode is passed
// as a nil record with an ErrCorrupt error instead of stopping the walk.
// Returning a non-nil error from fn stops the walk and returns that error.
func (s *RecordStore) ForEach(fn func(id uint32, rec *Record, err error) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) != 4 {
				continue
			}
			id := binary.BigEndian.Uint32(k)
			var rec Record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				if err := fn(id, nil, wrapKind(ErrCorrupt, fmt.Errorf("decode record %d: %w", id, err))); err != nil {
					return err
				}
				continue
			}
			if err := fn(id, &rec, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// getRaw returns the encoded bytes stored under id, or nil when absent. The
// slice is a copy and stays valid after the transaction.
func (s *RecordStore) getRaw(id uint32) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(recordsBucket).Get(recordKey(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, wrapKind(ErrStorageIO, err)
	}
	return data, nil
}

// putRaw stores pre-encoded bytes under id, bypassing encoding. Ingestion
// uses it to restore a replaced record exactly as it was.
func (s *RecordStore) putRaw(id uint32, data []byte) error {
	s.cache.Delete(id)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put(recordKey(id), data)
	})
}

func cloneRecord(r *Record) *Record {
	c := *r
	if r.Tags != nil {
		c.Tags = append([]Tag(nil), r.Tags...)
	}
	return &c
}
