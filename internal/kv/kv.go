// Package kv persists small state blobs (queue, statistics, cache index)
// under fixed keys.
package kv

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("kv: not found")

// Store is a minimal byte-oriented key/value store.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Open returns the backend named by backend, rooted at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "leveldb":
		db, err := OpenLevelDB(path)
		if err != nil {
			return nil, fmt.Errorf("kv: open leveldb %s: %w", path, err)
		}
		return db, nil
	case "badger":
		db, err := OpenBadger(path)
		if err != nil {
			return nil, fmt.Errorf("kv: open badger %s: %w", path, err)
		}
		return db, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("kv: unknown backend %q", backend)
	}
}

// PutGob gob-encodes v and stores it under key.
func PutGob(s Store, key string, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return s.Put(key, buf.Bytes())
}

// GetGob decodes the blob under key into v. A missing key returns
// ErrNotFound; a blob that does not decode returns a wrapped gob error.
func GetGob(s Store, key string, v any) error {
	b, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return nil
}
