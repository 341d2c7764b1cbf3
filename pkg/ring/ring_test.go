package ring

import (
	"testing"

	"github.com/mnohosten/chordcommit/pkg/actor"
)

func TestRouteOnEmptyRing(t *testing.T) {
	rr := NewRingRouter(3)
	if _, err := rr.Route("k"); err != ErrEmptyRing {
		t.Fatalf("expected ErrEmptyRing, got %v", err)
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	rr := NewRingRouter(3)
	rr.Join(actor.PID("n1"))
	rr.Join(actor.PID("n2"))
	rr.Join(actor.PID("n3"))
	rr.Join(actor.PID("n4"))

	first, err := rr.Route("same-key")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		next, err := rr.Route("same-key")
		if err != nil {
			t.Fatal(err)
		}
		if next != first {
			t.Fatalf("route is not deterministic: %v vs %v", first, next)
		}
	}
}

func TestReplicaKeysReturnsRDistinctKeysWithEnoughNodes(t *testing.T) {
	rr := NewRingRouter(3)
	rr.Join(actor.PID("n1"))
	rr.Join(actor.PID("n2"))
	rr.Join(actor.PID("n3"))
	rr.Join(actor.PID("n4"))

	keys, err := rr.ReplicaKeys("k")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 replica keys, got %d", len(keys))
	}
	seen := map[Key]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct replica keys, got %v", keys)
	}
}

func TestJoinLeaveUpdatesSize(t *testing.T) {
	rr := NewRingRouter(3)
	n1, n2 := actor.PID("n1"), actor.PID("n2")
	rr.Join(n1)
	rr.Join(n2)
	if rr.Size() != 2 {
		t.Fatalf("expected size 2, got %d", rr.Size())
	}
	rr.Leave(n1)
	if rr.Size() != 1 {
		t.Fatalf("expected size 1 after leave, got %d", rr.Size())
	}
}
