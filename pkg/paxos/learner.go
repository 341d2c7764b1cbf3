package paxos

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mnohosten/chordcommit/pkg/actor"
	"github.com/mnohosten/chordcommit/pkg/wire"
)

type learnerInstance struct {
	votes    map[actor.PID]wire.Decision // one vote per distinct acceptor
	decided  bool
	decision wire.Decision
}

// Learner is the one-per-node learner role. It counts R distinct accept
// notifications per PaxosID and decides as soon as a majority agree on
// the same value (spec.md §4.4); it may be re-seeded with a new
// subscriber (on RTM takeover) without losing already-recorded votes or
// violating safety (spec.md §4.2 "the Paxos safety property guarantees
// the pre-existing decision is preserved").
type Learner struct {
	*actor.Base

	mu         sync.Mutex
	instances  map[wire.PaxosID]*learnerInstance
	quorum     int
	subscriber actor.PID
	log        *zap.SugaredLogger
}

// NewLearner creates a Learner that notifies subscriber (a TM or RTM PID)
// of decisions. quorum is ⌈(R+1)/2⌉.
func NewLearner(base *actor.Base, quorum int, subscriber actor.PID) *Learner {
	logger := zap.NewNop().Sugar()
	if base != nil {
		logger = base.Log
	}
	return &Learner{
		Base:       base,
		instances:  make(map[wire.PaxosID]*learnerInstance),
		quorum:     quorum,
		subscriber: subscriber,
		log:        logger,
	}
}

// Reseed repoints the learner at a new subscriber (an RTM taking over).
// If the instance already decided, the decision is immediately
// (re-)delivered to the new subscriber so it does not need to rediscover
// it some other way.
func (l *Learner) Reseed(subscriber actor.PID) {
	l.mu.Lock()
	l.subscriber = subscriber
	decided := make([]wire.LearnerDecide, 0)
	for id, inst := range l.instances {
		if inst.decided {
			decided = append(decided, wire.LearnerDecide{PaxosID: id, Decision: inst.decision})
		}
	}
	l.mu.Unlock()

	for _, d := range decided {
		l.notify(d)
	}
}

func (l *Learner) notify(decide wire.LearnerDecide) {
	if l.Base != nil {
		l.Base.Send(l.subscriber, decide)
	}
}

// Observe records one acceptor's accepted value for a PaxosID. Returns
// the decision and true the moment a majority is reached; subsequent
// calls for an already-decided instance return the cached decision
// (idempotent, re-arriving notifications after takeover never flip it).
func (l *Learner) Observe(acceptor actor.PID, id wire.PaxosID, value wire.Decision) (wire.Decision, bool) {
	l.mu.Lock()
	inst, ok := l.instances[id]
	if !ok {
		inst = &learnerInstance{votes: make(map[actor.PID]wire.Decision)}
		l.instances[id] = inst
	}

	if inst.decided {
		decision := inst.decision
		l.mu.Unlock()
		return decision, true
	}

	inst.votes[acceptor] = value

	counts := make(map[wire.Decision]int)
	for _, v := range inst.votes {
		counts[v]++
	}

	var decidedNow bool
	var decision wire.Decision
	for v, count := range counts {
		if count >= l.quorum {
			inst.decided = true
			inst.decision = v
			decidedNow = true
			decision = v
			break
		}
	}
	l.mu.Unlock()

	if decidedNow {
		l.notify(wire.LearnerDecide{PaxosID: id, Decision: decision})
		return decision, true
	}
	return wire.Undecided, false
}

// Decided reports whether id has a majority decision yet.
func (l *Learner) Decided(id wire.PaxosID) (wire.Decision, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[id]
	if !ok || !inst.decided {
		return wire.Undecided, false
	}
	return inst.decision, true
}

// HandleMessage dispatches AcceptedNotify arriving through the mailbox.
func (l *Learner) HandleMessage(msg any) {
	if m, ok := msg.(AcceptedNotify); ok {
		l.Observe(m.Acceptor, m.PaxosID, m.Value)
	}
}
