package cachestore

import (
	"bytes"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb/util"
)

// Partition is a handle on one named partition. Handles are cheap; two
// handles with the same name address the same entries.
type Partition struct {
	s    *CacheStorage
	name string
}

func (p *Partition) Name() string { return p.name }

// Put stores ent, replacing any entry with the same key.
func (p *Partition) Put(ent Entry) error {
	return p.s.write(p.name, []Entry{ent})
}

// PutBatch stores all entries or none of them.
func (p *Partition) PutBatch(ents []Entry) error {
	if len(ents) == 0 {
		return nil
	}
	return p.s.write(p.name, ents)
}

// Match returns the entry stored under key in this partition only.
func (p *Partition) Match(key string) (Entry, error) {
	return p.s.get(p.name, key)
}

// Keys lists the request keys stored in the partition.
func (p *Partition) Keys() ([]string, error) {
	prefix := []byte(entryKey(p.name, ""))
	it := p.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("list %q: %w", p.name, err)
	}
	return out, nil
}
