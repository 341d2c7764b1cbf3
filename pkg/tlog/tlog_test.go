package tlog

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type mockReader struct {
	values  map[string][]byte
	version map[string]uint64
	calls   int
	err     error
}

func newMockReader() *mockReader {
	return &mockReader{values: map[string][]byte{}, version: map[string]uint64{}}
}

func (m *mockReader) QuorumRead(ctx context.Context, key string) ([]byte, uint64, bool, error) {
	m.calls++
	if m.err != nil {
		return nil, 0, false, m.err
	}
	v, ok := m.values[key]
	if !ok {
		return nil, 0, false, nil
	}
	return v, m.version[key], true, nil
}

func TestReadCacheHitDoesNotTouchRing(t *testing.T) {
	reader := newMockReader()
	reader.values["k"] = []byte("v1")
	reader.version["k"] = 3

	txn := New(reader)
	v1, found, err := txn.Read(context.Background(), "k")
	if err != nil || !found || string(v1) != "v1" {
		t.Fatalf("first read: %v %v %v", v1, found, err)
	}
	if reader.calls != 1 {
		t.Fatalf("expected 1 ring call, got %d", reader.calls)
	}

	v2, found, err := txn.Read(context.Background(), "k")
	if err != nil || !found || string(v2) != "v1" {
		t.Fatalf("second read: %v %v %v", v2, found, err)
	}
	if reader.calls != 1 {
		t.Fatalf("second read should be served from TLog cache, ring calls = %d", reader.calls)
	}
}

func TestReadYourWritesWithinTransaction(t *testing.T) {
	reader := newMockReader()
	txn := New(reader)

	txn.Write("k", []byte("v"))
	v, found, err := txn.Read(context.Background(), "k")
	if err != nil || !found || string(v) != "v" {
		t.Fatalf("read-your-writes failed: %v %v %v", v, found, err)
	}
	if reader.calls != 0 {
		t.Fatalf("tx_read after tx_write must not contact the ring, got %d calls", reader.calls)
	}
}

func TestWriteCarriesLatestVersionRead(t *testing.T) {
	reader := newMockReader()
	reader.values["k"] = []byte("v0")
	reader.version["k"] = 7

	txn := New(reader)
	if _, _, err := txn.Read(context.Background(), "k"); err != nil {
		t.Fatal(err)
	}
	txn.Write("k", []byte("v1"))

	log := txn.Log()
	last := log[len(log)-1]
	if last.VersionRead != 7 {
		t.Fatalf("expected write to carry version_read 7, got %d", last.VersionRead)
	}
}

func TestWriteWithoutPriorReadCarriesVersionZero(t *testing.T) {
	txn := New(newMockReader())
	txn.Write("fresh", []byte("v"))
	log := txn.Log()
	if log[0].VersionRead != 0 {
		t.Fatalf("expected version_read 0, got %d", log[0].VersionRead)
	}
}

func TestFailedReadPoisonsKeyUntilReverted(t *testing.T) {
	txn := New(newMockReader()) // key absent everywhere
	_, found, err := txn.Read(context.Background(), "missing")
	if err != nil || found {
		t.Fatalf("expected not-found, got found=%v err=%v", found, err)
	}

	_, _, err = txn.Read(context.Background(), "missing")
	var poisoned poisonedKeyError
	if !errors.As(err, &poisoned) {
		t.Fatalf("expected poisoned-key error on repeat read, got %v", err)
	}

	if err := txn.RevertLastOp(); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if len(txn.Log()) != 0 {
		t.Fatalf("expected empty log after reverting the only op, got %v", txn.Log())
	}
}

func TestRevertLastOpThenSameOpMatchesDirectCall(t *testing.T) {
	reader := newMockReader()
	reader.values["k"] = []byte("v")
	reader.version["k"] = 1

	a := New(reader)
	a.Write("k", []byte("first"))
	a.Write("k", []byte("second"))
	if err := a.RevertLastOp(); err != nil {
		t.Fatal(err)
	}
	a.Write("k", []byte("second"))

	b := New(reader)
	b.Write("k", []byte("first"))
	b.Write("k", []byte("second"))

	logA, logB := a.Log(), b.Log()
	if len(logA) != len(logB) {
		t.Fatalf("log length mismatch: %d vs %d", len(logA), len(logB))
	}
	for i := range logA {
		if !reflect.DeepEqual(logA[i], logB[i]) {
			t.Fatalf("entry %d differs: %+v vs %+v", i, logA[i], logB[i])
		}
	}
}

func TestRevertWithNoPriorOpFails(t *testing.T) {
	txn := New(newMockReader())
	if err := txn.RevertLastOp(); !errors.Is(err, ErrNothingToRevert) {
		t.Fatalf("expected ErrNothingToRevert, got %v", err)
	}
}

func TestRevertTwiceInARowFails(t *testing.T) {
	txn := New(newMockReader())
	txn.Write("k", []byte("v"))
	if err := txn.RevertLastOp(); err != nil {
		t.Fatal(err)
	}
	if err := txn.RevertLastOp(); !errors.Is(err, ErrNothingToRevert) {
		t.Fatalf("expected ErrNothingToRevert on second revert, got %v", err)
	}
}
