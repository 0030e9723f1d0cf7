// Package cache stores intercepted HTTP responses in named namespaces on LevelDB.
package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	apperrors "github.com/psconsult/offline/internal/errors"
	"github.com/psconsult/offline/internal/logging"
)

// DirName is the cache directory under the data directory.
const DirName = "responses"

// key layout:
//   n/<name>                    namespace registry
//   e/<name> 0x00 <METHOD URL>  response entry
var (
	namespacePrefix = []byte("n/")
	entryPrefix     = []byte("e/")
)

const keySep = 0x00

// Store holds every response cache namespace.
// Namespaces are mutated only through Store and Namespace methods.
type Store struct {
	db  *leveldb.DB
	log *logging.Logger
}

// Open opens or creates the cache under dataDir.
func Open(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCache, "failed to create cache directory", err)
	}

	opt := &ldb_opt.Options{
		ErrorIfExist:   false,
		ErrorIfMissing: false,
	}
	db, err := leveldb.OpenFile(dir, opt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCache, "failed to open cache", err)
	}
	return newStore(db), nil
}

// OpenMemory opens a cache held entirely in memory.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCache, "failed to open memory cache", err)
	}
	return newStore(db), nil
}

func newStore(db *leveldb.DB) *Store {
	return &Store{db: db, log: logging.For("cache")}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func namespaceKey(name string) []byte {
	return append(append([]byte{}, namespacePrefix...), name...)
}

func entryRange(name string) *util.Range {
	prefix := append(append([]byte{}, entryPrefix...), name...)
	return util.BytesPrefix(append(prefix, keySep))
}

func entryKey(name, method, url string) []byte {
	key := append(append([]byte{}, entryPrefix...), name...)
	key = append(key, keySep)
	return append(key, RequestKey(method, url)...)
}

// RequestKey is the identity of a cached request.
func RequestKey(method, url string) string {
	return strings.ToUpper(method) + " " + url
}

// Namespaces returns the names of every existing namespace, sorted.
func (s *Store) Namespaces() ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix(namespacePrefix), nil)
	defer iter.Release()

	var names []string
	for iter.Next() {
		names = append(names, string(iter.Key()[len(namespacePrefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCache, "failed to list namespaces", err)
	}
	sort.Strings(names)
	return names, nil
}

// HasNamespace reports whether name exists.
func (s *Store) HasNamespace(name string) (bool, error) {
	ok, err := s.db.Has(namespaceKey(name), nil)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrCache, "failed to read namespace", err)
	}
	return ok, nil
}

// Open returns the namespace called name, creating it if needed.
func (s *Store) Open(name string) (*Namespace, error) {
	if name == "" || strings.IndexByte(name, keySep) >= 0 {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid namespace name %q", name)
	}
	if err := s.db.Put(namespaceKey(name), nil, nil); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCache, "failed to create namespace", err)
	}
	return &Namespace{store: s, name: name}, nil
}

// Namespace returns a read handle on name without registering it.
// Reads from a namespace that does not exist miss.
func (s *Store) Namespace(name string) *Namespace {
	return &Namespace{store: s, name: name}
}

// DeleteNamespace removes name and all of its entries in one batch.
// Deleting a missing namespace is a no-op.
func (s *Store) DeleteNamespace(name string) error {
	batch := new(leveldb.Batch)
	batch.Delete(namespaceKey(name))

	iter := s.db.NewIterator(entryRange(name), nil)
	for iter.Next() {
		batch.Delete(append([]byte{}, iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return apperrors.Wrap(apperrors.ErrCache, "failed to scan namespace", err)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return apperrors.Wrap(apperrors.ErrCache, "failed to delete namespace", err)
	}
	s.log.Info("Namespace deleted", map[string]interface{}{
		"namespace": name,
		"entries":   batch.Len() - 1,
	})
	return nil
}

// Namespace is a handle on one named response cache.
type Namespace struct {
	store *Store
	name  string
}

// Name returns the namespace name.
func (n *Namespace) Name() string {
	return n.name
}

// Get returns the entry stored for method and url.
func (n *Namespace) Get(method, url string) (*Entry, bool, error) {
	data, err := n.store.db.Get(entryKey(n.name, method, url), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrCache, "failed to read entry", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrCache, "failed to decode entry", err)
	}
	return entry, true, nil
}

// Put stores entry for method and url, replacing any previous one.
func (n *Namespace) Put(method, url string, entry *Entry) error {
	data, err := entry.encode()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCache, "failed to encode entry", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(namespaceKey(n.name), nil)
	batch.Put(entryKey(n.name, method, url), data)
	if err := n.store.db.Write(batch, nil); err != nil {
		return apperrors.Wrap(apperrors.ErrCache, "failed to write entry", err)
	}
	return nil
}

// Item is one request and its entry, written together by PutAll.
type Item struct {
	Method string
	URL    string
	Entry  *Entry
}

// PutAll stores every item in one write. Either all items are stored or none.
func (n *Namespace) PutAll(items []Item) error {
	batch := new(leveldb.Batch)
	batch.Put(namespaceKey(n.name), nil)
	for _, it := range items {
		data, err := it.Entry.encode()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCache, "failed to encode entry", err)
		}
		batch.Put(entryKey(n.name, it.Method, it.URL), data)
	}
	if err := n.store.db.Write(batch, nil); err != nil {
		return apperrors.Wrap(apperrors.ErrCache, "failed to write entries", err)
	}
	return nil
}

// Has reports whether an entry exists for method and url.
func (n *Namespace) Has(method, url string) (bool, error) {
	ok, err := n.store.db.Has(entryKey(n.name, method, url), nil)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrCache, "failed to read entry", err)
	}
	return ok, nil
}

// Delete removes the entry for method and url.
func (n *Namespace) Delete(method, url string) error {
	if err := n.store.db.Delete(entryKey(n.name, method, url), nil); err != nil {
		return apperrors.Wrap(apperrors.ErrCache, "failed to delete entry", err)
	}
	return nil
}

// Keys returns the request keys stored in the namespace, in key order.
func (n *Namespace) Keys() ([]string, error) {
	iter := n.store.db.NewIterator(entryRange(n.name), nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		k := iter.Key()
		keys = append(keys, string(k[bytes.IndexByte(k, keySep)+1:]))
	}
	if err := iter.Error(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCache, "failed to list entries", err)
	}
	return keys, nil
}
