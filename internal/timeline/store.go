package timeline

import (
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
)

// Snapshot is a point-in-time copy of a timeline.
type Snapshot struct {
	Version  uint64
	Messages []messages.Record
}

// Store holds the ordered timeline of one conversation. Every mutation is a
// single locked transition, so readers never observe a partial update.
type Store struct {
	mu      sync.RWMutex
	records []messages.Record
	// index holds the CreatedAt of every stored key; ordering never depends on
	// mutable fields, so it is enough to locate a record by binary search.
	index   map[messages.Key]time.Time
	version uint64
}

// NewStore constructs an empty timeline.
func NewStore() *Store {
	return &Store{index: make(map[messages.Key]time.Time)}
}

// Reset replaces the timeline with the provided records, dropping duplicates.
func (s *Store) Reset(records []messages.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = s.records[:0]
	s.index = make(map[messages.Key]time.Time, len(records))
	for _, record := range records {
		s.insertLocked(record)
	}
	s.version++
}

// Append inserts the record at its ordered position. It is a no-op when a
// record with the same key is already present.
func (s *Store) Append(record messages.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.insertLocked(record) {
		return false
	}
	s.version++
	return true
}

// ReconcileOptimistic swaps the optimistic record tempID for its confirmed copy.
// When the confirmed id is already present the optimistic record is only removed.
func (s *Store) ReconcileOptimistic(tempID string, confirmed messages.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(messages.Key{TempID: tempID})
	inserted := s.insertLocked(confirmed)
	if !removed && !inserted {
		return false
	}
	s.version++
	return true
}

// RemoveOptimistic drops an optimistic record whose send failed.
func (s *Store) RemoveOptimistic(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeLocked(messages.Key{TempID: tempID}) {
		return false
	}
	s.version++
	return true
}

// ApplyEdit replaces the content of a confirmed record and marks it edited.
// It returns the record as it was before the edit.
func (s *Store) ApplyEdit(id messages.MessageID, content string) (messages.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	position, ok := s.positionLocked(messages.Key{ID: id})
	if !ok {
		return messages.Record{}, false
	}
	previous := s.records[position]
	if previous.IsDeleted {
		return messages.Record{}, false
	}
	s.records[position].Content = content
	s.records[position].IsEdited = true
	s.version++
	return previous, true
}

// ApplyDelete tombstones a confirmed record. Deleting twice is a no-op.
func (s *Store) ApplyDelete(id messages.MessageID) (messages.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	position, ok := s.positionLocked(messages.Key{ID: id})
	if !ok {
		return messages.Record{}, false
	}
	previous := s.records[position]
	if previous.IsDeleted {
		return messages.Record{}, false
	}
	s.records[position] = previous.Tombstoned()
	s.version++
	return previous, true
}

// Revert restores a record captured before an optimistic edit or delete that
// the server rejected. CreatedAt is kept from the stored copy.
func (s *Store) Revert(previous messages.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	position, ok := s.positionLocked(previous.Key())
	if !ok {
		return false
	}
	previous.CreatedAt = s.records[position].CreatedAt
	s.records[position] = previous
	s.version++
	return true
}

// Get returns the confirmed record with the given id.
func (s *Store) Get(id messages.MessageID) (messages.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	position, ok := s.positionLocked(messages.Key{ID: id})
	if !ok {
		return messages.Record{}, false
	}
	return s.records[position], true
}

// Oldest returns the earliest confirmed record.
func (s *Store) Oldest() (messages.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, record := range s.records {
		if !record.Pending() {
			return record, true
		}
	}
	return messages.Record{}, false
}

// Len returns the number of records in the timeline.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Snapshot returns a copy of the ordered timeline.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make([]messages.Record, len(s.records))
	copy(copied, s.records)
	return Snapshot{Version: s.version, Messages: copied}
}

func (s *Store) insertLocked(record messages.Record) bool {
	key := record.Key()
	if _, exists := s.index[key]; exists {
		return false
	}
	position := sort.Search(len(s.records), func(i int) bool {
		return messages.Less(record, s.records[i])
	})
	s.records = append(s.records, messages.Record{})
	copy(s.records[position+1:], s.records[position:])
	s.records[position] = record
	s.index[key] = record.CreatedAt
	return true
}

func (s *Store) removeLocked(key messages.Key) bool {
	position, ok := s.positionLocked(key)
	if !ok {
		return false
	}
	s.records = append(s.records[:position], s.records[position+1:]...)
	delete(s.index, key)
	return true
}

func (s *Store) positionLocked(key messages.Key) (int, bool) {
	createdAt, exists := s.index[key]
	if !exists {
		return 0, false
	}
	target := messages.Record{ID: key.ID, TempID: key.TempID, CreatedAt: createdAt}
	position := sort.Search(len(s.records), func(i int) bool {
		return !messages.Less(s.records[i], target)
	})
	if position < len(s.records) && s.records[position].Key() == key {
		return position, true
	}
	return 0, false
}
