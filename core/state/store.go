package state

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"proxywallet/storage"
)

// Backend is the raw byte-level key/value surface shared by the root store
// and its write-buffering caches.
type Backend interface {
	Get(key []byte) ([]byte, bool, error)
	Set(key, value []byte) error
	Delete(key []byte) error
}

type batcher interface {
	writeBatch(puts map[string][]byte, deletes map[string]struct{}) error
}

// Store exposes a storage.Database as a Backend. Writes flushed from a Cache
// are applied through a single storage batch.
type Store struct {
	db storage.Database
}

// NewStore wraps db.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// Get implements Backend.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	value, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set implements Backend.
func (s *Store) Set(key, value []byte) error { return s.db.Put(key, value) }

// Delete implements Backend.
func (s *Store) Delete(key []byte) error { return s.db.Delete(key) }

// Cache returns a write-buffering overlay over the store.
func (s *Store) Cache() *Cache { return NewCache(s) }

func (s *Store) writeBatch(puts map[string][]byte, deletes map[string]struct{}) error {
	batch := s.db.NewBatch()
	for _, key := range sortedKeys(deletes) {
		batch.Delete([]byte(key))
	}
	for _, key := range sortedKeys(puts) {
		batch.Put([]byte(key), puts[key])
	}
	if batch.Len() == 0 {
		return nil
	}
	return batch.Write()
}

// Cache buffers writes on top of a parent Backend. Nothing reaches the parent
// until Write is called; dropping the cache discards its writes.
type Cache struct {
	parent  Backend
	puts    map[string][]byte
	deletes map[string]struct{}
}

// NewCache layers a new cache over parent.
func NewCache(parent Backend) *Cache {
	return &Cache{
		parent:  parent,
		puts:    make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

// Get implements Backend.
func (c *Cache) Get(key []byte) ([]byte, bool, error) {
	k := string(key)
	if value, ok := c.puts[k]; ok {
		return append([]byte(nil), value...), true, nil
	}
	if _, ok := c.deletes[k]; ok {
		return nil, false, nil
	}
	return c.parent.Get(key)
}

// Set implements Backend.
func (c *Cache) Set(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("state: key must not be empty")
	}
	k := string(key)
	delete(c.deletes, k)
	c.puts[k] = append([]byte(nil), value...)
	return nil
}

// Delete implements Backend.
func (c *Cache) Delete(key []byte) error {
	k := string(key)
	delete(c.puts, k)
	c.deletes[k] = struct{}{}
	return nil
}

// Cache returns a nested cache whose writes land in c on Write.
func (c *Cache) Cache() *Cache { return NewCache(c) }

// Dirty reports whether the cache holds unflushed writes.
func (c *Cache) Dirty() bool { return len(c.puts) > 0 || len(c.deletes) > 0 }

// Write flushes the buffered writes into the parent and resets the cache.
func (c *Cache) Write() error {
	if b, ok := c.parent.(batcher); ok {
		if err := b.writeBatch(c.puts, c.deletes); err != nil {
			return err
		}
		c.reset()
		return nil
	}
	for _, key := range sortedKeys(c.deletes) {
		if err := c.parent.Delete([]byte(key)); err != nil {
			return err
		}
	}
	for _, key := range sortedKeys(c.puts) {
		if err := c.parent.Set([]byte(key), c.puts[key]); err != nil {
			return err
		}
	}
	c.reset()
	return nil
}

func (c *Cache) writeBatch(puts map[string][]byte, deletes map[string]struct{}) error {
	for key := range deletes {
		delete(c.puts, key)
		c.deletes[key] = struct{}{}
	}
	for key, value := range puts {
		delete(c.deletes, key)
		c.puts[key] = value
	}
	return nil
}

func (c *Cache) reset() {
	c.puts = make(map[string][]byte)
	c.deletes = make(map[string]struct{})
}

// View is an RLP-typed window onto a Backend, optionally scoped to a key
// prefix. Engines depend on the KVGet/KVPut/KVDelete subset.
type View struct {
	backend Backend
	prefix  []byte
}

// NewView returns an unscoped view over backend.
func NewView(backend Backend) *View {
	return &View{backend: backend}
}

// Prefix returns a view whose keys are nested under sub.
func (v *View) Prefix(sub []byte) *View {
	prefix := make([]byte, 0, len(v.prefix)+len(sub))
	prefix = append(prefix, v.prefix...)
	prefix = append(prefix, sub...)
	return &View{backend: v.backend, prefix: prefix}
}

// Stage returns a view with v's prefix over a fresh cache layered on v's
// backend, together with the function that flushes the layer into it.
// Dropping the view discards its writes.
func (v *View) Stage() (*View, func() error) {
	cache := NewCache(v.backend)
	return &View{backend: cache, prefix: v.prefix}, cache.Write
}

func (v *View) key(key []byte) []byte {
	out := make([]byte, 0, len(v.prefix)+len(key))
	out = append(out, v.prefix...)
	return append(out, key...)
}

// KVPut RLP-encodes value under key.
func (v *View) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return v.backend.Set(v.key(key), encoded)
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed.
func (v *View) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := v.backend.Get(v.key(key))
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVHas reports whether key exists.
func (v *View) KVHas(key []byte) (bool, error) {
	return v.KVGet(key, nil)
}

// KVDelete removes key.
func (v *View) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return v.backend.Delete(v.key(key))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
