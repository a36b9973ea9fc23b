// Package store implements the bounded, insertion-ordered record store and
// its auxiliary indexes. Eviction is a first-class operation: every index is
// shifted and pruned inside the store, never by callers.
package store

import (
	"github.com/tracecap/tracecap/internal/record"
)

// EvictFunc is invoked once per evicted record, before indexes are shifted.
// The correlation engine uses it to cancel pending save timers.
type EvictFunc func(*record.Record)

// Store is an ordered sequence of records capped at a maximum size, plus
// lookup indexes by external request id, merge key and doc id.
//
// Store is not synchronized; it is owned by the correlation engine and only
// touched under the engine's lock.
type Store struct {
	max          int
	candidateCap int
	onEvict      EvictFunc

	records      []*record.Record
	byExternalID map[string]int
	byMergeKey   map[string][]int
	byDoc        map[uint32]int
}

// New creates an empty store bounded at max records, keeping at most
// candidateCap merge candidates per key.
func New(max, candidateCap int, onEvict EvictFunc) *Store {
	return &Store{
		max:          max,
		candidateCap: candidateCap,
		onEvict:      onEvict,
		byExternalID: make(map[string]int),
		byMergeKey:   make(map[string][]int),
		byDoc:        make(map[uint32]int),
	}
}

// Size returns the current record count.
func (s *Store) Size() int {
	return len(s.records)
}

// Get returns the record at pos, or nil when pos is out of bounds.
func (s *Store) Get(pos int) *record.Record {
	if pos < 0 || pos >= len(s.records) {
		return nil
	}
	return s.records[pos]
}

// Records exposes the ordered sequence for scans. Callers must hold the
// engine lock and must not retain the slice across mutations.
func (s *Store) Records() []*record.Record {
	return s.records
}

// Append adds rec, evicts down to the bound if needed, registers all indexes
// for rec and returns its (post-eviction) position.
func (s *Store) Append(rec *record.Record) int {
	s.records = append(s.records, rec)
	if over := len(s.records) - s.max; over > 0 {
		s.EvictOldest(over)
	}

	pos := len(s.records) - 1
	if rec.Request.ExternalID != "" {
		s.byExternalID[rec.Request.ExternalID] = pos
	}
	s.byDoc[rec.Doc] = pos
	s.addMergeCandidate(rec.MergeKey(), pos)
	return pos
}

// EvictOldest removes the oldest count records, fires the evict hook for
// each, and shifts or drops every index entry so that no index ever points
// at a stale or wrong record.
func (s *Store) EvictOldest(count int) {
	if count <= 0 {
		return
	}
	if count > len(s.records) {
		count = len(s.records)
	}

	for i := 0; i < count; i++ {
		if s.onEvict != nil {
			s.onEvict(s.records[i])
		}
	}

	remaining := make([]*record.Record, len(s.records)-count)
	copy(remaining, s.records[count:])
	s.records = remaining

	for id, pos := range s.byExternalID {
		next := pos - count
		if next < 0 || next >= len(s.records) {
			delete(s.byExternalID, id)
		} else {
			s.byExternalID[id] = next
		}
	}

	for doc, pos := range s.byDoc {
		next := pos - count
		if next < 0 || next >= len(s.records) {
			delete(s.byDoc, doc)
		} else {
			s.byDoc[doc] = next
		}
	}

	for key, positions := range s.byMergeKey {
		pruned := positions[:0]
		for _, pos := range positions {
			if next := pos - count; next >= 0 && next < len(s.records) {
				pruned = append(pruned, next)
			}
		}
		if len(pruned) == 0 {
			delete(s.byMergeKey, key)
		} else {
			s.byMergeKey[key] = pruned
		}
	}
}

// AdoptIdentity binds a lifecycle external id and merge key to the record at
// pos. Used when a begin event adopts a record that the capture stream opened
// first, so later lifecycle and capture events resolve to the same record.
func (s *Store) AdoptIdentity(pos int, externalID, mergeKey string) {
	if pos < 0 || pos >= len(s.records) {
		return
	}
	if externalID != "" {
		s.byExternalID[externalID] = pos
	}
	for _, p := range s.byMergeKey[mergeKey] {
		if p == pos {
			return
		}
	}
	s.addMergeCandidate(mergeKey, pos)
}

// ByExternalID resolves a lifecycle external id to a position.
func (s *Store) ByExternalID(id string) (int, bool) {
	pos, ok := s.byExternalID[id]
	return pos, ok
}

// DropExternalID removes the external-id mapping once a request is finalized.
// The merge-key mapping stays: a late capture event may still need the record.
func (s *Store) DropExternalID(id string) {
	delete(s.byExternalID, id)
}

// ByDoc resolves a doc id to a position.
func (s *Store) ByDoc(doc uint32) (int, bool) {
	pos, ok := s.byDoc[doc]
	return pos, ok
}

// MergeCandidates returns the in-range candidate positions for key, oldest
// first. The returned slice is owned by the store.
func (s *Store) MergeCandidates(key string) []int {
	positions := s.byMergeKey[key]
	pruned := positions[:0]
	for _, pos := range positions {
		if pos >= 0 && pos < len(s.records) {
			pruned = append(pruned, pos)
		}
	}
	if len(pruned) == 0 {
		delete(s.byMergeKey, key)
		return nil
	}
	s.byMergeKey[key] = pruned
	return pruned
}

func (s *Store) addMergeCandidate(key string, pos int) {
	list := append(s.byMergeKey[key], pos)
	if extra := len(list) - s.candidateCap; extra > 0 {
		list = list[extra:]
	}
	s.byMergeKey[key] = list
}

// Clear drops every record and index. Pending-timer cleanup is the caller's
// responsibility (the engine cancels all timers on clear).
func (s *Store) Clear() {
	s.records = nil
	s.byExternalID = make(map[string]int)
	s.byMergeKey = make(map[string][]int)
	s.byDoc = make(map[uint32]int)
}
