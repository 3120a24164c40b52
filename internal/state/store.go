// Package state persists the record of which objects have been materialized
// locally.
//
// The record is a single JSON document mapping object key to its ETag at
// the time the local file was committed. It is the agent's only durable
// state: losing it is safe (everything is re-downloaded), a stale entry is
// not (it would suppress a download for bytes that never reached disk).
// Writes therefore go through a same-directory temp file and an atomic
// rename, and an entry is only ever recorded after the local file is
// already in place.
package state

import (
	"encoding/json"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/nicexxd/auto-uploader/internal/errs"
	"github.com/nicexxd/auto-uploader/internal/logger"
)

const stateFile = "state.json"

// Store is the durable key→ETag record. All methods are safe for
// concurrent use; a single coarse mutex guards the map.
type Store struct {
	fs   afero.Fs
	path string
	log  *logger.Logger

	mu      sync.Mutex
	entries map[string]string
}

// New creates a Store backed by <dir>/state.json on fs. Call Load before use.
func New(fs afero.Fs, dir string, log *logger.Logger) *Store {
	return &Store{
		fs:      fs,
		path:    filepath.Join(dir, stateFile),
		log:     log,
		entries: make(map[string]string),
	}
}

// Load reads the persisted record. A missing file starts empty; a corrupt
// file is logged and also starts empty — the worst case is re-downloading
// everything, which is always safe. Load never fails the process.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]string)

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return
	}

	if err := json.Unmarshal(data, &s.entries); err != nil {
		s.log.Warnf("state file corrupted, starting fresh: %v", err)
		s.entries = make(map[string]string)
	}
}

// Has reports whether key is recorded with exactly this etag.
func (s *Store) Has(key, etag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return ok && v == etag
}

// Set upserts the entry for key. Callers must only do this after the
// corresponding local file has been atomically committed.
func (s *Store) Set(key, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = etag
}

// Prune drops entries whose key is absent from live and returns how many
// were removed. It does not persist; the cycle controller does that.
func (s *Store) Prune(live map[string]struct{}) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k := range s.entries {
		if _, ok := live[k]; !ok {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of recorded entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Persist writes the full record durably: marshal, write to a sibling temp
// file, fsync, then rename over the target. A crash mid-write leaves the
// previous document intact. The in-memory map is untouched either way, so
// a failed persist never corrupts in-process decisions.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return errs.Wrap(errs.ErrKindStorageFailed, "failed to encode state", err)
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errs.Wrap(errs.ErrKindStorageFailed, "failed to create state dir", err)
	}

	tmp := s.path + ".tmp"
	f, err := s.fs.Create(tmp)
	if err != nil {
		return errs.Wrap(errs.ErrKindStorageFailed, "failed to create temp state file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return errs.Wrap(errs.ErrKindStorageFailed, "failed to write temp state file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return errs.Wrap(errs.ErrKindStorageFailed, "failed to sync temp state file", err)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return errs.Wrap(errs.ErrKindStorageFailed, "failed to close temp state file", err)
	}

	if err := s.fs.Rename(tmp, s.path); err != nil {
		s.fs.Remove(tmp)
		return errs.Wrap(errs.ErrKindStorageFailed, "failed to replace state file", err)
	}
	return nil
}
