// Package cachestore keeps named cache partitions of request/response entries
// in leveldb. A partition is created on first open and lives until it is
// deleted as a whole; individual entries are only ever overwritten.
package cachestore

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrNotFound      = errors.New("cachestore: not found")
	ErrQuotaExceeded = errors.New("cachestore: quota exceeded")
	ErrClosed        = errors.New("cachestore: closed")
)

const (
	metaPrefix  = "n:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

// Options configures a CacheStorage.
type Options struct {
	// Path is the leveldb directory. Empty keeps everything in memory.
	Path string
	// MaxBytes bounds the encoded size of all entries; zero means unbounded.
	MaxBytes int64
	// OnWriteError receives failures of writes queued with PutAsync.
	OnWriteError func(partition, key string, err error)
	// QueueSize is the capacity of the async write queue.
	QueueSize int
}

type writeOp struct {
	partition string
	ent       Entry
	barrier   chan struct{}
}

// CacheStorage owns every partition of one application.
type CacheStorage struct {
	db       *leveldb.DB
	maxBytes int64
	onErr    func(partition, key string, err error)

	mu      sync.Mutex
	parts   map[string]partitionMeta
	nextSeq int64

	// writeMu serializes mutations so size accounting matches the db.
	writeMu   sync.Mutex
	sizes     map[string]int64
	totalSize int64

	opsMu  sync.RWMutex
	closed bool
	ops    chan writeOp
	done   chan struct{}
}

// New opens (or creates) the storage and starts its async writer.
func New(opts Options) (*CacheStorage, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if opts.Path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(opts.Path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = 1024
	}
	s := &CacheStorage{
		db:       db,
		maxBytes: opts.MaxBytes,
		onErr:    opts.OnWriteError,
		parts:    map[string]partitionMeta{},
		sizes:    map[string]int64{},
		ops:      make(chan writeOp, queue),
		done:     make(chan struct{}),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.writerLoop()
	return s, nil
}

func (s *CacheStorage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		var meta partitionMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		s.parts[name] = meta
		if meta.Seq >= s.nextSeq {
			s.nextSeq = meta.Seq + 1
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("load partitions: %w", err)
	}

	it = s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	for it.Next() {
		sz := int64(len(it.Value()))
		s.sizes[string(it.Key())] = sz
		s.totalSize += sz
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load entries: %w", err)
	}
	return nil
}

// Close drains queued writes and closes the database.
func (s *CacheStorage) Close() error {
	s.opsMu.Lock()
	if s.closed {
		s.opsMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.opsMu.Unlock()
	<-s.done
	return s.db.Close()
}

// Open returns the partition with the given name, creating it if needed.
// Opening the same name again yields the same partition.
func (s *CacheStorage) Open(name string) (*Partition, error) {
	if name == "" {
		return nil, errors.New("cachestore: empty partition name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.parts[name]; ok {
		return &Partition{s: s, name: name}, nil
	}
	meta := partitionMeta{Seq: s.nextSeq, CreatedAt: time.Now().Unix()}
	b, err := encodeGob(meta)
	if err != nil {
		return nil, err
	}
	if err := s.db.Put([]byte(metaPrefix+name), b, nil); err != nil {
		return nil, fmt.Errorf("create partition %q: %w", name, err)
	}
	s.nextSeq++
	s.parts[name] = meta
	return &Partition{s: s, name: name}, nil
}

// Has reports whether a partition exists.
func (s *CacheStorage) Has(name string) bool {
	s.mu.Lock()
	_, ok := s.parts[name]
	s.mu.Unlock()
	return ok
}

// Names lists partitions in creation order.
func (s *CacheStorage) Names() []string {
	s.mu.Lock()
	type item struct {
		name string
		seq  int64
	}
	items := make([]item, 0, len(s.parts))
	for n, m := range s.parts {
		items = append(items, item{n, m.Seq})
	}
	s.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.name
	}
	return out
}

// Delete removes a partition and all of its entries in one batch. It reports
// whether the partition existed.
func (s *CacheStorage) Delete(name string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.Has(name) {
		return false, nil
	}

	batch := new(leveldb.Batch)
	var freed int64
	var keys []string
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+keySep)), nil)
	for it.Next() {
		k := string(it.Key())
		batch.Delete([]byte(k))
		keys = append(keys, k)
		freed += s.sizes[k]
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("scan partition %q: %w", name, err)
	}
	batch.Delete([]byte(metaPrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete partition %q: %w", name, err)
	}

	for _, k := range keys {
		delete(s.sizes, k)
	}
	s.totalSize -= freed
	s.mu.Lock()
	delete(s.parts, name)
	s.mu.Unlock()
	return true, nil
}

// Match looks the key up in every partition, oldest first, and returns the
// first hit.
func (s *CacheStorage) Match(key string) (Entry, bool) {
	for _, name := range s.Names() {
		if ent, err := s.get(name, key); err == nil {
			return ent, true
		}
	}
	return Entry{}, false
}

// PutAsync queues a write into the named partition, creating the partition
// when the write is applied. The caller never waits for the write; failures
// go to Options.OnWriteError.
func (s *CacheStorage) PutAsync(partition string, ent Entry) {
	s.opsMu.RLock()
	defer s.opsMu.RUnlock()
	if s.closed {
		s.reportErr(partition, ent.Key(), ErrClosed)
		return
	}
	s.ops <- writeOp{partition: partition, ent: ent.Clone()}
}

// Flush blocks until every write queued before it has been applied.
func (s *CacheStorage) Flush() {
	s.opsMu.RLock()
	if s.closed {
		s.opsMu.RUnlock()
		return
	}
	ch := make(chan struct{})
	s.ops <- writeOp{barrier: ch}
	s.opsMu.RUnlock()
	<-ch
}

// TotalSize is the encoded size of all stored entries.
func (s *CacheStorage) TotalSize() int64 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.totalSize
}

// EntryCount is the number of stored entries across partitions.
func (s *CacheStorage) EntryCount() int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return len(s.sizes)
}

func (s *CacheStorage) writerLoop() {
	defer close(s.done)
	for op := range s.ops {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		p, err := s.Open(op.partition)
		if err == nil {
			err = p.Put(op.ent)
		}
		if err != nil {
			s.reportErr(op.partition, op.ent.Key(), err)
		}
	}
}

func (s *CacheStorage) reportErr(partition, key string, err error) {
	if s.onErr != nil {
		s.onErr(partition, key, err)
	}
}

func (s *CacheStorage) get(name, key string) (Entry, error) {
	b, err := s.db.Get([]byte(entryKey(name, key)), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, fmt.Errorf("decode %q: %w", key, err)
	}
	return ent, nil
}

// write stores encoded entries in one batch after checking the quota.
func (s *CacheStorage) write(name string, ents []Entry) error {
	type encoded struct {
		key string
		b   []byte
	}
	encs := make([]encoded, 0, len(ents))
	for _, ent := range ents {
		if ent.StoredAt == 0 {
			ent.StoredAt = time.Now().Unix()
		}
		b, err := encodeGob(ent)
		if err != nil {
			return fmt.Errorf("encode %q: %w", ent.Key(), err)
		}
		encs = append(encs, encoded{entryKey(name, ent.Key()), b})
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	// Checked under writeMu so a concurrent Delete cannot leave orphans.
	if !s.Has(name) {
		return fmt.Errorf("partition %q: %w", name, ErrNotFound)
	}

	next := s.totalSize
	pending := map[string]int64{}
	for _, e := range encs {
		old, ok := pending[e.key]
		if !ok {
			old = s.sizes[e.key]
		}
		next += int64(len(e.b)) - old
		pending[e.key] = int64(len(e.b))
	}
	if s.maxBytes > 0 && next > s.maxBytes {
		return ErrQuotaExceeded
	}

	batch := new(leveldb.Batch)
	for _, e := range encs {
		batch.Put([]byte(e.key), e.b)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write partition %q: %w", name, err)
	}
	for k, sz := range pending {
		s.sizes[k] = sz
	}
	s.totalSize = next
	return nil
}

func entryKey(name, key string) string {
	return entryPrefix + name + keySep + key
}
