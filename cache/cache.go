// Package cache persists the last block acknowledgement sent for a
// completed reassembly session, so a late duplicate segment that
// arrives after a process restart still gets a replayed ack instead
// of being silently dropped. It is not sequence-number persistence
// (spec.md §1 Non-goals) — only a small summary of already-emitted
// acks survives a restart, never a counter the sender trusts for
// assigning new sequence numbers.
//
// The file-backed load/replace/store shape (RWMutex, loadExisting,
// storeXxx, jsoniter) is carried over from the teacher's GATT profile
// cache, keyed here by reassembly session instead of by peer MAC.
package cache

import (
	"io/ioutil"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/btmesh/lowertransport"
)

// Key identifies one reassembly session's replay entry: the access
// and control channels keep independent session tables (spec.md §9's
// fix for the single-global-bitmap bug), so Access distinguishes them
// even when Src/SeqZero happen to collide.
type Key struct {
	Access  bool         `json:"access"`
	Src     mesh.Addr    `json:"src"`
	SeqZero mesh.SeqZero `json:"seqZero"`
}

// Entry is everything needed to replay an ack for a completed session
// without the in-memory session state that produced it.
type Entry struct {
	Dst      mesh.Addr `json:"dst"`
	TTL      uint8     `json:"ttl"`
	BlockAck uint32     `json:"blockAck"`
}

// record is the on-disk shape: jsoniter can't use a struct as a JSON
// object key, so entries are flattened to a slice of {Key, Entry}
// pairs instead of a map, the same workaround the teacher's cache
// sidesteps by using a string MAC as its map key.
type record struct {
	Key   Key   `json:"key"`
	Entry Entry `json:"entry"`
}

// AckCache is a small file-backed key-value store of Entry by Key.
type AckCache struct {
	filename string
	lock     sync.RWMutex
}

// New returns an AckCache backed by filename. The file is created on
// first Store if it doesn't already exist.
func New(filename string) *AckCache {
	return &AckCache{filename: filename}
}

// Store records the last ack sent for key, replacing any prior entry.
func (c *AckCache) Store(key Key, e Entry) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	entries, err := c.loadExisting()
	if err != nil {
		return err
	}
	entries[key] = e
	return c.storeEntries(entries)
}

// Load returns the entry for key, if one was ever stored.
func (c *AckCache) Load(key Key) (Entry, bool, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	entries, err := c.loadExisting()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := entries[key]
	return e, ok, nil
}

// Clear removes the backing file.
func (c *AckCache) Clear() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	err := os.Remove(c.filename)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (c *AckCache) loadExisting() (map[Key]Entry, error) {
	_, err := os.Stat(c.filename)
	if os.IsNotExist(err) {
		return map[Key]Entry{}, nil
	}

	in, err := ioutil.ReadFile(c.filename)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: read %s", c.filename)
	}

	var records []record
	if err := jsoniter.Unmarshal(in, &records); err != nil {
		return nil, errors.Wrapf(err, "cache: unmarshal %s", c.filename)
	}

	out := make(map[Key]Entry, len(records))
	for _, r := range records {
		out[r.Key] = r.Entry
	}
	return out, nil
}

func (c *AckCache) storeEntries(entries map[Key]Entry) error {
	records := make([]record, 0, len(entries))
	for k, e := range entries {
		records = append(records, record{Key: k, Entry: e})
	}

	out, err := jsoniter.Marshal(records)
	if err != nil {
		return errors.Wrap(err, "cache: marshal")
	}
	return ioutil.WriteFile(c.filename, out, 0644)
}
