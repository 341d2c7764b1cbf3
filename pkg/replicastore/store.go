// Package replicastore holds the Replica record state a transaction
// participant (TP) owns for the keys it hosts (spec.md §3, §4.3): a
// (key, value, version, write_lock, read_lock) record per key, mutated
// only by the TP actor that owns it (spec.md §5 "per-replica locks are
// owned exclusively by the TP actor hosting that replica").
package replicastore

import "sync"

// Record is one replica's durable state. Created on first write; a key
// with no record yet behaves as version 0, value absent (spec.md §3).
type Record struct {
	mu          sync.Mutex
	value       []byte
	version     uint64
	writeLocked bool
	readLocks   int
}

// Store is the mutex-guarded map of Records a single TP actor owns.
// Concurrent transactions touching the same key serialize here via the
// per-record mutex, never by message ordering alone (spec.md §5).
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	wal     *WAL
}

// New creates an empty store. If wal is non-nil, every applied write is
// additionally appended to it (see wal.go).
func New(wal *WAL) *Store {
	return &Store{records: make(map[string]*Record), wal: wal}
}

func (s *Store) getOrCreate(key string) *Record {
	s.mu.RLock()
	r, ok := s.records[key]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.records[key]; ok {
		return r
	}
	r = &Record{}
	s.records[key] = r
	return r
}

// Get returns the current value/version of key, or found=false if no
// record exists yet (equivalent to version 0, absent value).
func (s *Store) Get(key string) (value []byte, version uint64, found bool) {
	s.mu.RLock()
	r, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.version == 0 {
		return nil, 0, false
	}
	return r.value, r.version, true
}

// PrepareRead validates a read entry and, if prepared, takes a read lock
// (spec.md §4.3 step 1-2): prepared iff the stored version equals
// versionRead.
func (s *Store) PrepareRead(key string, versionRead uint64) bool {
	r := s.getOrCreate(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.version != versionRead {
		return false
	}
	r.readLocks++
	return true
}

// PrepareWrite validates a write entry and, if prepared, takes a
// tentative write lock: prepared iff the stored version equals
// versionRead AND no write lock is currently held (spec.md §4.3 step 1-2,
// §3 I6 stale-version writes abort).
func (s *Store) PrepareWrite(key string, versionRead uint64) bool {
	r := s.getOrCreate(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writeLocked || r.version != versionRead {
		return false
	}
	r.writeLocked = true
	return true
}

// ReleaseRead decrements the read-lock counter, idempotently: releasing
// past zero is a no-op rather than an underflow, because a TP may see
// commit_reply before init_TP finished preparing (spec.md §4.3 "MUST
// still release any taken lock idempotently").
func (s *Store) ReleaseRead(key string) {
	s.mu.RLock()
	r, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readLocks > 0 {
		r.readLocks--
	}
}

// ReleaseWrite clears the write lock, idempotently.
func (s *Store) ReleaseWrite(key string) {
	s.mu.RLock()
	r, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeLocked = false
}

// ApplyWrite bumps the key's version and stores value, then releases the
// write lock (spec.md §4.3 step 5 "on commit apply the write (bumping
// version), release locks"). Monotonic versions (spec.md §8) fall out of
// always incrementing by 1 regardless of the value committed.
func (s *Store) ApplyWrite(key string, value []byte) uint64 {
	r := s.getOrCreate(key)
	r.mu.Lock()
	r.value = value
	r.version++
	r.writeLocked = false
	newVersion := r.version
	r.mu.Unlock()

	if s.wal != nil {
		s.wal.Append(WALEntry{Key: key, Value: value, Version: newVersion})
	}
	return newVersion
}

// ReadLockCount reports the current read-lock count for key (test/debug
// use).
func (s *Store) ReadLockCount(key string) int {
	s.mu.RLock()
	r, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readLocks
}

// WriteLocked reports whether key currently holds a write lock
// (test/debug use).
func (s *Store) WriteLocked(key string) bool {
	s.mu.RLock()
	r, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeLocked
}
