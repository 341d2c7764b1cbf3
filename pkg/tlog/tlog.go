// Package tlog implements the client-local, buffered transaction log
// described in spec.md §4.1: a TLog is an ordered sequence of read/write
// entries built up on the client as it performs tx_read/tx_write calls,
// then frozen and submitted to the local TM at commit.
package tlog

import (
	"context"
	"errors"
)

// Op distinguishes a read entry from a write entry.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// Status records whether the operation that produced an entry succeeded
// against the replica it consulted (or, for a write, is merely tentative
// until the TP validates it at commit time).
type Status int

const (
	StatusOK Status = iota
	StatusFail
)

// TLogEntry is one read or write recorded during a transaction
// (spec.md §3).
type TLogEntry struct {
	Op          Op
	Key         string
	Value       []byte
	VersionRead uint64
	Status      Status
}

// TLog is an ordered sequence of TLogEntry, immutable once submitted for
// commit (spec.md §3).
type TLog []TLogEntry

// lastEntryFor returns the index of the most recent entry touching key,
// or -1. Because writes also record VersionRead and a later tx_read must
// observe a prior tx_write without touching the ring (read-your-writes,
// spec.md §8), both ops are eligible hits.
func (l TLog) lastEntryFor(key string) int {
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].Key == key {
			return i
		}
	}
	return -1
}

// ErrNothingToRevert is returned by Transaction.RevertLastOp when no
// operation has been performed since the transaction started or since
// the previous revert.
var ErrNothingToRevert = errors.New("tlog: nothing to revert")

// QuorumReader is the out-of-scope DHT collaborator a cache-miss read
// falls through to: a quorum read across a key's replicas. The overlay
// routing and replication-factor machinery behind it belong to the
// surrounding DHT, not this core (spec.md §1); chordcommit only depends
// on this interface. pkg/client.QuorumReader implements it for the
// in-process simulation.
type QuorumReader interface {
	QuorumRead(ctx context.Context, key string) (value []byte, version uint64, found bool, err error)
}

// Transaction is a client-local, buffered sequence of reads and writes
// (spec.md §4.1).
type Transaction struct {
	reader   QuorumReader
	log      TLog
	snapshot TLog // pre-last-op TLog, for the one-step undo; nil if none pending
	started  bool
}

// New starts a transaction reading misses through reader.
func New(reader QuorumReader) *Transaction {
	return &Transaction{reader: reader}
}

// saveUndoPoint records the log as it stood immediately before the op
// about to be appended, overwriting any earlier undo point: only the
// single most recent operation can be reverted (spec.md §4.1).
func (t *Transaction) saveUndoPoint() {
	snap := make(TLog, len(t.log))
	copy(snap, t.log)
	t.snapshot = snap
	t.started = true
}

// Read returns value, found, err (as a QuorumReader-style error) for key.
// A prior entry on key in this transaction's TLog is served from cache
// without contacting the ring (spec.md §4.1, §8 read-your-writes); a miss
// issues a quorum read and appends the outcome to the TLog, whether it
// succeeded or failed. A failed read is cached too: the key is poisoned
// for the remainder of the transaction until reverted.
func (t *Transaction) Read(ctx context.Context, key string) (value []byte, found bool, err error) {
	if idx := t.log.lastEntryFor(key); idx >= 0 {
		entry := t.log[idx]
		if entry.Status == StatusFail {
			return nil, false, errPoisoned(key)
		}
		return entry.Value, true, nil
	}

	t.saveUndoPoint()

	val, version, found, qerr := t.reader.QuorumRead(ctx, key)
	entry := TLogEntry{Op: OpRead, Key: key}
	if qerr != nil || !found {
		entry.Status = StatusFail
		t.log = append(t.log, entry)
		if qerr != nil {
			return nil, false, qerr
		}
		return nil, false, nil
	}

	entry.Value = val
	entry.VersionRead = version
	entry.Status = StatusOK
	t.log = append(t.log, entry)
	return val, true, nil
}

// Write appends a tentative write entry carrying the latest VersionRead
// seen for key by this transaction (from a prior tx_read, or 0 if key
// was never read) per spec.md §4.1.
func (t *Transaction) Write(key string, value []byte) {
	versionRead := uint64(0)
	if idx := t.log.lastEntryFor(key); idx >= 0 {
		versionRead = t.log[idx].VersionRead
	}

	t.saveUndoPoint()

	t.log = append(t.log, TLogEntry{
		Op:          OpWrite,
		Key:         key,
		Value:       value,
		VersionRead: versionRead,
		Status:      StatusOK,
	})
}

// RevertLastOp restores the TLog to its state immediately before the
// last tx_read/tx_write, per spec.md §4.1's "single-step undo only".
// Reverting twice in a row without an intervening op returns
// ErrNothingToRevert.
func (t *Transaction) RevertLastOp() error {
	if !t.started || t.snapshot == nil {
		return ErrNothingToRevert
	}
	t.log = t.snapshot
	t.snapshot = nil
	return nil
}

// Log returns the frozen TLog ready for submission to the local TM. The
// caller must not mutate the returned slice; Commit semantics treat it as
// immutable once submitted (spec.md §3).
func (t *Transaction) Log() TLog {
	frozen := make(TLog, len(t.log))
	copy(frozen, t.log)
	return frozen
}

type poisonedKeyError struct{ key string }

func errPoisoned(key string) error { return poisonedKeyError{key: key} }

func (e poisonedKeyError) Error() string {
	return "tlog: key " + e.key + " poisoned by a prior failed read in this transaction"
}

// IsPoisoned reports whether err is the poisoned-key error Read returns for
// a key whose earlier read in this same transaction already failed,
// distinguishing it from a genuine QuorumReader connection error so a
// caller (pkg/client) can map the two to different failure kinds.
func IsPoisoned(err error) bool {
	_, ok := err.(poisonedKeyError)
	return ok
}
