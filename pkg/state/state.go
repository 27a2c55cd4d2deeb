// Package state tracks sync progress between runs: per-stream bookmarks
// and the currently-syncing marker, in the shape targets persist and
// hand back via --state.
package state

import (
	"os"
	"sync"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/json"
)

// FullSyncStartedKey is the bookmark key recording when the last
// full-table sync of a stream began. It is an audit marker, not a
// resumption cutoff.
const FullSyncStartedKey = "last_full_sync_started_at"

// Document is the serialized state shape.
type Document struct {
	Bookmarks        map[string]map[string]string `json:"bookmarks"`
	CurrentlySyncing *string                      `json:"currently_syncing"`
}

// State is a concurrency-safe view of sync progress. Entity syncs
// running in parallel update disjoint bookmark entries; the engine
// snapshots the whole document for each STATE message.
type State struct {
	mu               sync.RWMutex
	bookmarks        map[string]map[string]string
	currentlySyncing string
}

// New returns an empty state.
func New() *State {
	return &State{bookmarks: make(map[string]map[string]string)}
}

// Load reads a state file. A missing file yields an empty state, since
// first runs start without one; a present but unparseable file is a
// state error.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeState, "reading state file")
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "parsing state file")
	}

	s := New()
	for stream, bm := range doc.Bookmarks {
		copied := make(map[string]string, len(bm))
		for k, v := range bm {
			copied[k] = v
		}
		s.bookmarks[stream] = copied
	}
	if doc.CurrentlySyncing != nil {
		s.currentlySyncing = *doc.CurrentlySyncing
	}
	return s, nil
}

// Bookmark returns the stored value for a stream's bookmark key.
func (s *State) Bookmark(stream, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bm, ok := s.bookmarks[stream]
	if !ok {
		return "", false
	}
	v, ok := bm[key]
	return v, ok
}

// SetBookmark records a bookmark value for a stream.
func (s *State) SetBookmark(stream, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bm, ok := s.bookmarks[stream]
	if !ok {
		bm = make(map[string]string, 1)
		s.bookmarks[stream] = bm
	}
	bm[key] = value
}

// SetCurrentlySyncing marks the stream a sequential run is working on.
// An empty stream clears the marker.
func (s *State) SetCurrentlySyncing(stream string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentlySyncing = stream
}

// CurrentlySyncing returns the in-progress stream marker, if any.
func (s *State) CurrentlySyncing() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentlySyncing
}

// Snapshot deep-copies the state into its serializable document form.
func (s *State) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := Document{Bookmarks: make(map[string]map[string]string, len(s.bookmarks))}
	for stream, bm := range s.bookmarks {
		copied := make(map[string]string, len(bm))
		for k, v := range bm {
			copied[k] = v
		}
		doc.Bookmarks[stream] = copied
	}
	if s.currentlySyncing != "" {
		cs := s.currentlySyncing
		doc.CurrentlySyncing = &cs
	}
	return doc
}
