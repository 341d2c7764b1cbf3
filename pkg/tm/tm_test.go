package tm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mnohosten/chordcommit/pkg/actor"
	"github.com/mnohosten/chordcommit/pkg/config"
	"github.com/mnohosten/chordcommit/pkg/fd"
	"github.com/mnohosten/chordcommit/pkg/paxos"
	"github.com/mnohosten/chordcommit/pkg/ring"
	"github.com/mnohosten/chordcommit/pkg/tlog"
	"github.com/mnohosten/chordcommit/pkg/wire"
)

// captureTransport records every Send instead of actually delivering,
// so tests can assert on dispatch without running a full mailbox loop.
type captureTransport struct {
	mu   sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	to  actor.PID
	msg any
}

func (c *captureTransport) Send(to actor.PID, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMsg{to: to, msg: msg})
	return nil
}
func (c *captureTransport) Register(actor.PID, *actor.Mailbox) {}
func (c *captureTransport) Unregister(actor.PID)               {}

func (c *captureTransport) messagesOfType(want string) []sentMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentMsg
	for _, s := range c.sent {
		switch want {
		case "InitTP":
			if _, ok := s.msg.(wire.InitTP); ok {
				out = append(out, s)
			}
		case "InitRTM":
			if _, ok := s.msg.(wire.InitRTM); ok {
				out = append(out, s)
			}
		case "TxCommitReply":
			if _, ok := s.msg.(wire.TxCommitReply); ok {
				out = append(out, s)
			}
		case "TxDelete":
			if _, ok := s.msg.(wire.TxDelete); ok {
				out = append(out, s)
			}
		case "LearnerDecide":
			if _, ok := s.msg.(wire.LearnerDecide); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// fixedTopology always routes to the same node, and ReplicaKeys
// returns n synthetic replicas of the one node, enough to exercise TM
// logic without standing up a real ring.
type fixedTopology struct {
	node actor.PID
	r    int
}

func (f fixedTopology) Route(ring.Key) (actor.PID, error) { return f.node, nil }
func (f fixedTopology) ReplicaKeys(key ring.Key) ([]ring.Key, error) {
	keys := make([]ring.Key, f.r)
	for i := range keys {
		keys[i] = ring.Key(string(key) + string(rune('0'+i)))
	}
	return keys, nil
}

func newTestTM(t *testing.T, roleIndex int, rtms []actor.PID) (*TM, *captureTransport) {
	t.Helper()
	transport := &captureTransport{}
	base := actor.NewBase(actor.PID("tm0"), transport, nil)
	cfg := config.DefaultConfig()
	cfg.ReplicationFactor = 3
	cfg.TxTimeout = 50 * time.Millisecond

	dir := fd.NewInMemoryDirectory()
	for i, rtm := range rtms {
		_ = dir.Announce(context.Background(), "self-ring-key", fd.RTMInfo{TM: rtm, Role: i + 1})
	}

	topology := fixedTopology{node: "node0", r: cfg.ReplicationFactor}
	tmInstance := New(base, cfg, roleIndex, "self-ring-key", topology, topology, dir, fd.New(&stubOracle{}), wire.AcceptorPID("node0"))
	if err := tmInstance.RefreshRTMs(context.Background()); err != nil {
		t.Fatalf("RefreshRTMs: %v", err)
	}
	return tmInstance, transport
}

type stubOracle struct{}

func (stubOracle) Subscribe(actor.PID)   {}
func (stubOracle) Unsubscribe(actor.PID) {}

func sampleLog() tlog.TLog {
	return tlog.TLog{{Op: tlog.OpWrite, Key: "k1", Value: []byte("v1"), VersionRead: 0, Status: tlog.StatusOK}}
}

func TestCommitRefusesWhenInitializing(t *testing.T) {
	tmInstance, _ := newTestTM(t, 0, nil) // no RTMs announced: below MinRTMs
	_, err := tmInstance.Commit(context.Background(), "client", "c1", sampleLog())
	if err != ErrInitializing {
		t.Fatalf("expected ErrInitializing, got %v", err)
	}
}

func TestCommitDispatchesInitTPAndInitRTM(t *testing.T) {
	rtms := []actor.PID{"rtm1", "rtm2"}
	tmInstance, transport := newTestTM(t, 0, rtms)

	txID, err := tmInstance.Commit(context.Background(), "client", "c1", sampleLog())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if txID == "" {
		t.Fatal("expected a minted tx_id")
	}

	initTPs := transport.messagesOfType("InitTP")
	if len(initTPs) != 3 {
		t.Fatalf("expected 3 init_TP sends (R=3 replicas), got %d", len(initTPs))
	}
	initRTMs := transport.messagesOfType("InitRTM")
	if len(initRTMs) != 2 {
		t.Fatalf("expected 2 init_RTM sends, got %d", len(initRTMs))
	}
}

func TestItemDecidesAtMajorityAndTxCommitsWhenAllPrepared(t *testing.T) {
	tmInstance, transport := newTestTM(t, 0, []actor.PID{"rtm1", "rtm2"})
	txID, err := tmInstance.Commit(context.Background(), "client", "c1", sampleLog())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	itemID := wire.ItemID{TxID: txID, Index: 0}
	replicas := []string{"k10", "k11", "k12"}

	if err := tmInstance.LearnerDecide(wire.LearnerDecide{ItemID: itemID, PaxosID: wire.PaxosID{TxID: txID, KeyReplica: replicas[0]}, Decision: wire.Prepared}); err != nil {
		t.Fatalf("LearnerDecide: %v", err)
	}
	if err := tmInstance.LearnerDecide(wire.LearnerDecide{ItemID: itemID, PaxosID: wire.PaxosID{TxID: txID, KeyReplica: replicas[1]}, Decision: wire.Prepared}); err != nil {
		t.Fatalf("LearnerDecide: %v", err)
	}

	replies := transport.messagesOfType("TxCommitReply")
	if len(replies) != 1 {
		t.Fatalf("expected exactly one commit_reply to the client, got %d", len(replies))
	}
	reply := replies[0].msg.(wire.TxCommitReply)
	if reply.Decision != wire.Commit {
		t.Fatalf("expected tx decision Commit once the only item prepares, got %v", reply.Decision)
	}

	deletes := transport.messagesOfType("TxDelete")
	if len(deletes) != 2 {
		t.Fatalf("expected tx_delete broadcast to both RTMs, got %d", len(deletes))
	}
}

// TestLearnerEmittedDecisionResolvesToItsItemByPaxosID drives the exact
// path a real Accept majority takes: Acceptor.Accept -> AcceptedNotify ->
// Learner.Observe -> Learner.notify's self-addressed wire.LearnerDecide
// (which the Learner builds with a zero wire.ItemID, since it only knows
// PaxosID) -> the TM's own mailbox. Without resolving PaxosID back to
// ItemID, that message always misses t.items and the transaction never
// commits via this path.
func TestLearnerEmittedDecisionResolvesToItsItemByPaxosID(t *testing.T) {
	tmInstance, transport := newTestTM(t, 0, []actor.PID{"rtm1", "rtm2"})
	txID, err := tmInstance.Commit(context.Background(), "client", "c1", sampleLog())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	replicas := []string{"k10", "k11"} // 2 of the item's 3 slates is quorum
	for _, rk := range replicas {
		paxosID := wire.PaxosID{TxID: txID, KeyReplica: rk}
		tmInstance.HandleMessage(paxos.AcceptedNotify{Acceptor: "acc-a", PaxosID: paxosID, Value: wire.Prepared})
		tmInstance.HandleMessage(paxos.AcceptedNotify{Acceptor: "acc-b", PaxosID: paxosID, Value: wire.Prepared})
	}

	// The learner's own decisions self-addressed to the TM are only
	// recorded by captureTransport, not actually delivered (no mailbox
	// loop runs in this test) — replay them exactly as the TM's own
	// Run loop would.
	for _, s := range transport.messagesOfType("LearnerDecide") {
		tmInstance.HandleMessage(s.msg)
	}

	replies := transport.messagesOfType("TxCommitReply")
	if len(replies) != 1 {
		t.Fatalf("expected exactly one commit_reply to the client, got %d", len(replies))
	}
	if reply := replies[0].msg.(wire.TxCommitReply); reply.Decision != wire.Commit {
		t.Fatalf("expected tx decision Commit once quorum replicas prepare via the real learner path, got %v", reply.Decision)
	}
}

func TestDuplicateAcceptorVoteDoesNotDoubleCount(t *testing.T) {
	tmInstance, _ := newTestTM(t, 0, []actor.PID{"rtm1", "rtm2"})
	txID, _ := tmInstance.Commit(context.Background(), "client", "c1", sampleLog())
	itemID := wire.ItemID{TxID: txID, Index: 0}
	paxosID := wire.PaxosID{TxID: txID, KeyReplica: "k10"}

	_ = tmInstance.LearnerDecide(wire.LearnerDecide{ItemID: itemID, PaxosID: paxosID, Decision: wire.Prepared})
	_ = tmInstance.LearnerDecide(wire.LearnerDecide{ItemID: itemID, PaxosID: paxosID, Decision: wire.Prepared})

	tmInstance.mu.Lock()
	item := tmInstance.items[itemID]
	np := item.NumPrepared
	tmInstance.mu.Unlock()
	if np != 1 {
		t.Fatalf("expected the duplicate vote for the same key_replica to be ignored, got NumPrepared=%d", np)
	}
}

func TestRegisterTPHeldBackUntilItemIsOK(t *testing.T) {
	tmInstance, _ := newTestTM(t, 0, []actor.PID{"rtm1", "rtm2"})

	itemID := wire.ItemID{TxID: "tx-early", Index: 0}
	tmInstance.mu.Lock()
	item := newItemState(itemID, "tx-early", tlog.TLogEntry{Key: "k1"}, []PaxRTLogTP{
		{PaxosID: wire.PaxosID{TxID: "tx-early", KeyReplica: "k1#0"}},
	})
	item.Status = StatusUninitialized
	tmInstance.items[itemID] = item
	tmInstance.mu.Unlock()

	msg := wire.RegisterTP{TxID: "tx-early", ItemID: itemID, PaxosID: item.Slates[0].PaxosID, TP: "tp1"}
	if err := tmInstance.RegisterTP(msg); err != nil {
		t.Fatalf("RegisterTP: %v", err)
	}

	tmInstance.mu.Lock()
	if len(item.HoldBack) != 1 {
		tmInstance.mu.Unlock()
		t.Fatalf("expected the registration to be held back while item is uninitialized")
	}
	if item.Slates[0].TP != "" {
		tmInstance.mu.Unlock()
		t.Fatal("TP must not be recorded yet")
	}
	item.Status = StatusOK
	tmInstance.drainItemHoldBack(item)
	tmInstance.mu.Unlock()

	if item.Slates[0].TP != "tp1" {
		t.Fatalf("expected held-back registration to replay on promotion to OK, got TP=%q", item.Slates[0].TP)
	}
}

func TestTidIsDoneTriggersTakeoverForUndecidedTx(t *testing.T) {
	rtms := []actor.PID{"rtm1", "rtm2"}
	tmInstance, _ := newTestTM(t, 1, rtms) // acting as an RTM (role index 1)

	dir := paxos.NewDirectAcceptors()
	acceptorPIDs := []actor.PID{"acc0", "acc1", "acc2"}
	for _, pid := range acceptorPIDs {
		dir.Add(pid, paxos.NewAcceptor(actor.NewBase(pid, nil, nil), nil))
	}
	tmInstance.SetProposer(paxos.NewProposer(dir, 1, 3, nil))

	txID := "tx-takeover"
	itemID := wire.ItemID{TxID: txID, Index: 0}
	slates := []PaxRTLogTP{
		{PaxosID: wire.PaxosID{TxID: txID, KeyReplica: "k0"}, Acceptor: "acc0"},
		{PaxosID: wire.PaxosID{TxID: txID, KeyReplica: "k1"}, Acceptor: "acc1"},
		{PaxosID: wire.PaxosID{TxID: txID, KeyReplica: "k2"}, Acceptor: "acc2"},
	}

	tmInstance.mu.Lock()
	tx := newTxState(txID, "client", "c1", "tm0", []wire.ItemID{itemID})
	tx.Status = StatusOK
	tmInstance.txs[txID] = tx
	item := newItemState(itemID, txID, tlog.TLogEntry{Key: "k"}, slates)
	item.Status = StatusOK
	tmInstance.items[itemID] = item
	tmInstance.mu.Unlock()

	tmInstance.onTidIsDone(txID)

	tmInstance.mu.Lock()
	decision := tx.Decision
	tmInstance.mu.Unlock()
	if decision != wire.Abort {
		t.Fatalf("expected takeover to abort an uncontended undecided tx, got %v", decision)
	}
}

func TestRTMRefreshLoopPicksUpNewlyAnnouncedRTMs(t *testing.T) {
	transport := &captureTransport{}
	base := actor.NewBase(actor.PID("tm0"), transport, nil)
	cfg := config.DefaultConfig()
	cfg.ReplicationFactor = 3
	cfg.MinRTMs = 1
	cfg.TxRTMUpdateInterval = 5 * time.Millisecond

	dir := fd.NewInMemoryDirectory()
	topology := fixedTopology{node: "node0", r: cfg.ReplicationFactor}
	tmInstance := New(base, cfg, 0, "self-ring-key", topology, topology, dir, fd.New(&stubOracle{}), wire.AcceptorPID("node0"))
	if err := tmInstance.RefreshRTMs(context.Background()); err != nil {
		t.Fatalf("RefreshRTMs: %v", err)
	}

	tmInstance.StartRTMRefreshLoop()
	defer tmInstance.StopRTMRefreshLoop()

	_ = dir.Announce(context.Background(), "self-ring-key", fd.RTMInfo{TM: "rtm1", Role: 1})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		tmInstance.mu.Lock()
		n := len(tmInstance.knownRTMs)
		tmInstance.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("periodic refresh never picked up the newly announced RTM")
}

func TestRTMRefreshLoopIsNoopForRTMStandby(t *testing.T) {
	tmInstance, _ := newTestTM(t, 1, []actor.PID{"rtm1", "rtm2"})
	tmInstance.StartRTMRefreshLoop() // role index 1: must not start a loop
	tmInstance.StopRTMRefreshLoop()  // must not block waiting on a loop that never started
}

func TestStaleIDSweepLoopTakesOverATxWhoseTidIsDoneTimerWasLost(t *testing.T) {
	rtms := []actor.PID{"rtm1", "rtm2"}
	tmInstance, _ := newTestTM(t, 1, rtms) // acting as an RTM (role index 1)
	tmInstance.cfg.TxTimeout = 2 * time.Millisecond // sweep interval = 3*TxTimeout

	dir := paxos.NewDirectAcceptors()
	acceptorPIDs := []actor.PID{"acc0", "acc1", "acc2"}
	for _, pid := range acceptorPIDs {
		dir.Add(pid, paxos.NewAcceptor(actor.NewBase(pid, nil, nil), nil))
	}
	tmInstance.SetProposer(paxos.NewProposer(dir, 1, 3, nil))

	txID := "tx-stale-sweep"
	itemID := wire.ItemID{TxID: txID, Index: 0}
	slates := []PaxRTLogTP{
		{PaxosID: wire.PaxosID{TxID: txID, KeyReplica: "k0"}, Acceptor: "acc0"},
		{PaxosID: wire.PaxosID{TxID: txID, KeyReplica: "k1"}, Acceptor: "acc1"},
		{PaxosID: wire.PaxosID{TxID: txID, KeyReplica: "k2"}, Acceptor: "acc2"},
	}

	tmInstance.mu.Lock()
	tx := newTxState(txID, "client", "c1", "tm0", []wire.ItemID{itemID})
	tx.Status = StatusOK
	tx.CreatedAt = time.Now().Add(-time.Hour) // long past any sweep threshold
	tmInstance.txs[txID] = tx
	item := newItemState(itemID, txID, tlog.TLogEntry{Key: "k"}, slates)
	item.Status = StatusOK
	tmInstance.items[itemID] = item
	tmInstance.mu.Unlock()

	// No tid_isdone was ever scheduled for this tx; only the sweep loop
	// should be able to find and take it over.
	tmInstance.StartStaleIDSweepLoop()
	defer tmInstance.StopStaleIDSweepLoop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		tmInstance.mu.Lock()
		decision := tx.Decision
		tmInstance.mu.Unlock()
		if decision == wire.Abort {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("stale-id sweep never took over the stuck transaction")
}

func TestOnTidIsDoneIsNoopOnceAlreadyDecided(t *testing.T) {
	tmInstance, _ := newTestTM(t, 0, []actor.PID{"rtm1", "rtm2"})
	txID, _ := tmInstance.Commit(context.Background(), "client", "c1", sampleLog())

	tmInstance.mu.Lock()
	tx := tmInstance.txs[txID]
	tx.Decision = wire.Commit
	tmInstance.mu.Unlock()

	tmInstance.onTidIsDone(txID) // must not panic or attempt a takeover
}
