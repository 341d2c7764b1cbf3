package paxos

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mnohosten/chordcommit/pkg/actor"
	"github.com/mnohosten/chordcommit/pkg/metrics"
	"github.com/mnohosten/chordcommit/pkg/wire"
)

type acceptorState struct {
	promisedRound int
	hasAccepted   bool
	acceptedRound int
	acceptedValue wire.Decision
	learners      []actor.PID // this instance's TM + its current RTMs
}

// Acceptor is the one-per-node acceptor role of spec.md §2/§4.4. It holds
// in-memory-only state (no durability requirement is named by the spec:
// a crashed acceptor is just another crashed replica the majority
// tolerates) keyed by PaxosID, so a single actor instance serves every
// Paxos-Commit instance the node participates in across every
// transaction (spec.md §9 "Paxos instances as (tx,key) tuples... a map
// keyed by paxos_id"). Each PaxosID's transaction has its own TM/RTM
// roster, so learners are tracked per instance (AddLearners) rather than
// node-wide: two transactions touching the same node's acceptor almost
// always have different TMs and different RTM sets.
type Acceptor struct {
	*actor.Base

	mu              sync.Mutex
	states          map[wire.PaxosID]*acceptorState
	defaultLearners []actor.PID
	log             *zap.SugaredLogger
	metrics         *metrics.Metrics // optional; nil-safe at every call site
}

// SetMetrics installs the Metrics bundle this Acceptor reports accept
// counts to, labeled by decided value.
func (a *Acceptor) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
}

// NewAcceptor creates an Acceptor. defaultLearners, if non-nil, is
// notified on every accept in addition to any instance-specific learners
// added via AddLearners; tests that drive Propose/Accept directly without
// a TP in front typically pass nil and rely on AddLearners (or inspect
// Learner.Observe results directly).
func NewAcceptor(base *actor.Base, defaultLearners []actor.PID) *Acceptor {
	logger := zap.NewNop().Sugar()
	if base != nil {
		logger = base.Log
	}
	return &Acceptor{
		Base:            base,
		states:          make(map[wire.PaxosID]*acceptorState),
		defaultLearners: defaultLearners,
		log:             logger,
	}
}

// AddLearners registers additional learner PIDs to notify on accept for
// id specifically (a TP's local TM plus that transaction's current RTMs,
// per spec.md §4.3 step 3's registration flow), merging with whatever
// is already registered for id rather than replacing it.
func (a *Acceptor) AddLearners(id wire.PaxosID, learners []actor.PID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stateFor(id)
outer:
	for _, l := range learners {
		for _, existing := range s.learners {
			if existing == l {
				continue outer
			}
		}
		s.learners = append(s.learners, l)
	}
}

func (a *Acceptor) stateFor(id wire.PaxosID) *acceptorState {
	s, ok := a.states[id]
	if !ok {
		s = &acceptorState{}
		a.states[id] = s
	}
	return s
}

// Prepare handles phase 1: promise not to accept rounds below round, and
// report the highest-round value already accepted (if any) so a proposer
// can adopt it instead of clobbering a value a prior majority may have
// already decided.
func (a *Acceptor) Prepare(id wire.PaxosID, round int) PrepareResp {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stateFor(id)
	if round < s.promisedRound {
		return PrepareResp{PaxosID: id, Round: round, Promised: false}
	}
	s.promisedRound = round
	return PrepareResp{
		PaxosID:       id,
		Round:         round,
		Promised:      true,
		HasAccepted:   s.hasAccepted,
		AcceptedRound: s.acceptedRound,
		AcceptedValue: s.acceptedValue,
	}
}

// Accept handles phase 2: accept value at round iff round has not been
// preempted by a higher promise. On success, notifies every learner.
func (a *Acceptor) Accept(id wire.PaxosID, round int, value wire.Decision) AcceptResp {
	a.mu.Lock()
	s := a.stateFor(id)
	if round < s.promisedRound {
		a.mu.Unlock()
		return AcceptResp{PaxosID: id, Round: round, Accepted: false}
	}
	s.promisedRound = round
	s.hasAccepted = true
	s.acceptedRound = round
	s.acceptedValue = value
	learners := append(append([]actor.PID(nil), a.defaultLearners...), s.learners...)
	selfPID := actor.PID("")
	if a.Base != nil {
		selfPID = a.Base.PID
	}
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.PaxosAccepts.WithLabelValues(value.String()).Inc()
	}
	for _, l := range learners {
		if a.Base != nil {
			a.Base.Send(l, AcceptedNotify{Acceptor: selfPID, PaxosID: id, Round: round, Value: value})
		}
	}
	return AcceptResp{PaxosID: id, Round: round, Accepted: true}
}

// AcceptedValue reports the value this acceptor has accepted for id, if
// any (test/debug use, mirroring pkg/replicastore's ReadLockCount/
// WriteLocked accessors).
func (a *Acceptor) AcceptedValue(id wire.PaxosID) (value wire.Decision, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, exists := a.states[id]
	if !exists || !s.hasAccepted {
		return wire.Undecided, false
	}
	return s.acceptedValue, true
}

// HandleMessage dispatches wire-level Prepare/Accept requests arriving
// through the actor mailbox, replying to the sender.
func (a *Acceptor) HandleMessage(msg any) {
	switch m := msg.(type) {
	case PrepareReq:
		resp := a.Prepare(m.PaxosID, m.Round)
		a.Base.Send(m.From, resp)
	case AcceptReq:
		resp := a.Accept(m.PaxosID, m.Round, m.Value)
		a.Base.Send(m.From, resp)
	}
}
