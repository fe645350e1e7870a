// Package sessionlog keeps a JSON-backed diagnostic record of
// completed and timed-out lower transport reassembly sessions: who
// they were with, how many segments they took, how long reassembly
// took, and how they ended. It is not sequence-number persistence —
// the lower transport layer never persists sequence numbers across
// restarts — purely an append-only trail for field diagnostics.
package sessionlog

import (
	"io/ioutil"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/btmesh/lowertransport"
)

// Outcome classifies how a logged session ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Record is one logged session.
type Record struct {
	Src       mesh.Addr     `json:"src"`
	Dst       mesh.Addr     `json:"dst"`
	SeqZero   mesh.SeqZero  `json:"seqZero"`
	Access    bool          `json:"access"`
	Segments  int           `json:"segments"`
	// DuplicateSegment counts how many already-buffered SegO values were
	// re-delivered during this session, before it completed or timed out.
	DuplicateSegment int           `json:"duplicateSegment"`
	Duration         time.Duration `json:"duration"`
	Outcome          Outcome       `json:"outcome"`
	Timestamp        time.Time     `json:"timestamp"`
}

// Log is a file-backed, append-only session log.
type Log struct {
	filename string
	lock     sync.RWMutex
}

// New returns a Log backed by filename. The file is created on first
// Append if it doesn't already exist.
func New(filename string) *Log {
	return &Log{filename: filename}
}

// Append adds rec to the log.
func (l *Log) Append(rec Record) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	records, err := l.loadExisting()
	if err != nil {
		return err
	}

	records = append(records, rec)

	return l.storeRecords(records)
}

// All returns every record currently in the log, oldest first.
func (l *Log) All() ([]Record, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	return l.loadExisting()
}

// Clear removes the backing file.
func (l *Log) Clear() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	err := os.Remove(l.filename)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *Log) loadExisting() ([]Record, error) {
	_, err := os.Stat(l.filename)
	if os.IsNotExist(err) {
		return []Record{}, nil
	}

	in, err := ioutil.ReadFile(l.filename)
	if err != nil {
		return nil, errors.Wrapf(err, "sessionlog: read %s", l.filename)
	}

	var records []Record
	if err := jsoniter.Unmarshal(in, &records); err != nil {
		return nil, errors.Wrapf(err, "sessionlog: unmarshal %s", l.filename)
	}

	return records, nil
}

func (l *Log) storeRecords(records []Record) error {
	out, err := jsoniter.Marshal(records)
	if err != nil {
		return errors.Wrap(err, "sessionlog: marshal")
	}

	return ioutil.WriteFile(l.filename, out, 0644)
}
