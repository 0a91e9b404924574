package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Queue is a file-backed FIFO of sessions waiting to be submitted. Every
// mutation is persisted before it returns, so a crash loses nothing that
// Add reported as queued.
type Queue struct {
	path    string
	mu      sync.Mutex
	entries []Entry
}

type queueFile struct {
	Sessions []Entry `json:"sessions"`
}

// OpenQueue loads the queue stored at path. A missing file is an empty queue.
func OpenQueue(path string) (*Queue, error) {
	q := &Queue{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return q, nil
	}
	if err != nil {
		return nil, err
	}

	var f queueFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("corrupt queue file %s: %w", path, err)
	}
	q.entries = f.Sessions
	return q, nil
}

// Add appends s and saves the queue.
func (q *Queue) Add(s Session) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := Entry{ID: uuid.NewString(), QueuedAt: time.Now().UTC(), Session: s}
	q.entries = append(q.entries, e)
	if err := q.save(); err != nil {
		q.entries = q.entries[:len(q.entries)-1]
		return Entry{}, err
	}
	return e, nil
}

// Pending returns up to limit of the oldest entries.
func (q *Queue) Pending(limit int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(limit, len(q.entries))
	out := make([]Entry, n)
	copy(out, q.entries[:n])
	return out
}

// Remove drops the entries with the given IDs and saves the queue.
// Entries added after Pending was called are kept.
func (q *Queue) Remove(ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := q.entries[:0:0]
	for _, e := range q.entries {
		if _, ok := drop[e.ID]; !ok {
			kept = append(kept, e)
		}
	}

	prev := q.entries
	q.entries = kept
	if err := q.save(); err != nil {
		q.entries = prev
		return err
	}
	return nil
}

// Len reports the number of queued sessions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// save writes the queue to a temporary file and renames it over the old one.
func (q *Queue) save() error {
	data, err := json.Marshal(queueFile{Sessions: q.entries})
	if err != nil {
		return err
	}

	dir := filepath.Dir(q.path)
	tmp, err := os.CreateTemp(dir, ".queue-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), q.path)
}
