package fd

import (
	"context"
	"testing"
	"time"

	"github.com/mnohosten/chordcommit/pkg/actor"
)

type stubOracle struct {
	subscribed   []actor.PID
	unsubscribed []actor.PID
}

func (s *stubOracle) Subscribe(pid actor.PID)   { s.subscribed = append(s.subscribed, pid) }
func (s *stubOracle) Unsubscribe(pid actor.PID) { s.unsubscribed = append(s.unsubscribed, pid) }

func TestRefCountOnlyCallsOracleOnTransitions(t *testing.T) {
	oracle := &stubOracle{}
	d := New(oracle)

	d.Subscribe("peer1") // tx A watches peer1
	d.Subscribe("peer1") // tx B watches the same peer1
	d.Subscribe("peer1") // tx C too

	if len(oracle.subscribed) != 1 {
		t.Fatalf("expected exactly one underlying Subscribe call, got %d", len(oracle.subscribed))
	}
	if d.RefCount("peer1") != 3 {
		t.Fatalf("expected refcount 3, got %d", d.RefCount("peer1"))
	}

	d.Unsubscribe("peer1") // tx A done
	d.Unsubscribe("peer1") // tx B done
	if len(oracle.unsubscribed) != 0 {
		t.Fatal("must not unsubscribe from the oracle while tx C still watches")
	}

	d.Unsubscribe("peer1") // tx C done: last reference
	if len(oracle.unsubscribed) != 1 {
		t.Fatalf("expected exactly one underlying Unsubscribe call, got %d", len(oracle.unsubscribed))
	}
	if d.RefCount("peer1") != 0 {
		t.Fatal("expected refcount to return to 0")
	}
}

func TestUnsubscribeWithNoOutstandingSubscriptionIsNoop(t *testing.T) {
	oracle := &stubOracle{}
	d := New(oracle)
	d.Unsubscribe("ghost")
	if len(oracle.unsubscribed) != 0 {
		t.Fatal("unsubscribing an unwatched pid must not reach the oracle")
	}
}

func TestCrashDispatchedOnlyWhileStillSubscribed(t *testing.T) {
	oracle := &stubOracle{}
	d := New(oracle)

	var crashed []actor.PID
	d.OnCrash(func(pid actor.PID) { crashed = append(crashed, pid) })

	d.Subscribe("peer1")
	d.dispatchCrash("peer1")
	if len(crashed) != 1 || crashed[0] != "peer1" {
		t.Fatalf("expected crash dispatched while subscribed, got %v", crashed)
	}

	d.Unsubscribe("peer1")
	d.dispatchCrash("peer1")
	if len(crashed) != 1 {
		t.Fatal("must not dispatch crash once no longer subscribed")
	}
}

// loopbackTransport discards every Ping it is asked to send, so the
// oracle under test never receives a Pong unless the test calls
// NotePong directly.
type loopbackTransport struct{}

func (l *loopbackTransport) Send(_ actor.PID, _ any) error { return nil }
func (l *loopbackTransport) Register(actor.PID, *actor.Mailbox) {}
func (l *loopbackTransport) Unregister(actor.PID)               {}

func TestHeartbeatOracleReportsCrashAfterTimeout(t *testing.T) {
	transport := &loopbackTransport{}
	oracle := NewHeartbeatOracle("self", transport, 5*time.Millisecond, 15*time.Millisecond, nil)

	crashed := make(chan actor.PID, 1)
	oracle.OnCrash(func(pid actor.PID) { crashed <- pid })

	oracle.Subscribe("peer1")
	oracle.Start()
	defer oracle.Stop()

	select {
	case pid := <-crashed:
		if pid != "peer1" {
			t.Fatalf("expected crash for peer1, got %v", pid)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for crash report")
	}
}

func TestHeartbeatOraclePongResetsLiveness(t *testing.T) {
	transport := &loopbackTransport{}
	oracle := NewHeartbeatOracle("self", transport, 5*time.Millisecond, 20*time.Millisecond, nil)

	var crashCount int
	oracle.OnCrash(func(actor.PID) { crashCount++ })

	oracle.Subscribe("peer1")
	oracle.Start()
	defer oracle.Stop()

	stop := time.After(60 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-time.After(5 * time.Millisecond):
			oracle.NotePong("peer1")
		}
	}

	if crashCount != 0 {
		t.Fatalf("expected no crash report while pongs keep arriving, got %d", crashCount)
	}
}

func TestInMemoryDirectoryAnnounceLookupWithdraw(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDirectory()

	if _, found, err := d.Lookup(ctx, "key#0"); err != nil || found {
		t.Fatalf("expected not found before any announce, got found=%v err=%v", found, err)
	}

	if err := d.Announce(ctx, "key#0", RTMInfo{TM: "tm0", Acceptor: "acc0", Role: 0}); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if err := d.Announce(ctx, "key#0", RTMInfo{TM: "tm1", Acceptor: "acc1", Role: 1}); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	rtms, found, err := d.Lookup(ctx, "key#0")
	if err != nil || !found {
		t.Fatalf("expected found=true, got found=%v err=%v", found, err)
	}
	if len(rtms) != 2 || rtms[0].Role != 0 || rtms[1].Role != 1 {
		t.Fatalf("expected roster ordered by role, got %+v", rtms)
	}

	if err := d.Withdraw(ctx, "key#0", "tm0"); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	rtms, found, err = d.Lookup(ctx, "key#0")
	if err != nil || !found || len(rtms) != 1 || rtms[0].TM != "tm1" {
		t.Fatalf("expected only tm1 remaining, got %+v found=%v err=%v", rtms, found, err)
	}
}

func TestInMemoryDirectoryBelowMinRTMsIsDistinguishableFromUnknown(t *testing.T) {
	ctx := context.Background()
	d := NewInMemoryDirectory()
	_ = d.Announce(ctx, "key#0", RTMInfo{TM: "tm0", Acceptor: "acc0", Role: 0})

	rtms, found, err := d.Lookup(ctx, "key#0")
	if err != nil || !found {
		t.Fatalf("a partial roster is still `found`, just short of MinRTMs: found=%v err=%v", found, err)
	}
	if len(rtms) >= 3 {
		t.Fatalf("expected a roster below the default MinRTMs threshold of 3, got %d", len(rtms))
	}
}
