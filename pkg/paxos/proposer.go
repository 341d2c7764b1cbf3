package paxos

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mnohosten/chordcommit/pkg/actor"
	"github.com/mnohosten/chordcommit/pkg/metrics"
	"github.com/mnohosten/chordcommit/pkg/wire"
)

// AcceptorClient is how a Proposer reaches an acceptor. DirectAcceptors
// (below) is the in-process implementation used by tests and
// cmd/chordnode; a real deployment could instead round-trip PrepareReq/
// AcceptReq through actor.Transport, which is why this is an interface
// rather than a concrete struct reference.
type AcceptorClient interface {
	Prepare(ctx context.Context, acceptor actor.PID, id wire.PaxosID, round int) (PrepareResp, error)
	Accept(ctx context.Context, acceptor actor.PID, id wire.PaxosID, round int, value wire.Decision) (AcceptResp, error)
}

// DirectAcceptors resolves acceptor PIDs to in-process *Acceptor values,
// calling their methods directly rather than round-tripping through a
// Transport. This is the fan-out pattern
// pkg/distributed/two_phase_commit.go uses for its Prepare/Commit/Abort
// phases (WaitGroup + buffered result channel), generalized from
// 2PC-over-HTTP participants to Paxos acceptors reachable in-process.
type DirectAcceptors struct {
	mu        sync.RWMutex
	acceptors map[actor.PID]*Acceptor
}

// NewDirectAcceptors creates an empty in-process acceptor directory.
func NewDirectAcceptors() *DirectAcceptors {
	return &DirectAcceptors{acceptors: make(map[actor.PID]*Acceptor)}
}

// Add registers pid's Acceptor for direct dispatch.
func (d *DirectAcceptors) Add(pid actor.PID, a *Acceptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acceptors[pid] = a
}

// Prepare implements AcceptorClient.
func (d *DirectAcceptors) Prepare(_ context.Context, acceptor actor.PID, id wire.PaxosID, round int) (PrepareResp, error) {
	d.mu.RLock()
	a, ok := d.acceptors[acceptor]
	d.mu.RUnlock()
	if !ok {
		return PrepareResp{}, fmt.Errorf("paxos: no acceptor registered for %q", acceptor)
	}
	return a.Prepare(id, round), nil
}

// Accept implements AcceptorClient.
func (d *DirectAcceptors) Accept(_ context.Context, acceptor actor.PID, id wire.PaxosID, round int, value wire.Decision) (AcceptResp, error) {
	d.mu.RLock()
	a, ok := d.acceptors[acceptor]
	d.mu.RUnlock()
	if !ok {
		return AcceptResp{}, fmt.Errorf("paxos: no acceptor registered for %q", acceptor)
	}
	return a.Accept(id, round, value), nil
}

// ErrRoundPreempted is returned by Propose when fewer than a majority of
// acceptors promised, or then accepted, this round; the caller (a TP driving its initial
// vote, or an RTM driving a takeover) should retry with a fresh,
// strictly higher round.
var ErrRoundPreempted = fmt.Errorf("paxos: round preempted by a higher round, retry")

// Proposer drives one Paxos-Commit round for a given PaxosID. Rounds are
// seeded by the proposer's role index (0 for the TM's own initial
// proposal, 1..R-1 for an RTM driving a takeover) so that, absent
// contention, the TM-initiated round is simply never preempted
// (spec.md §4.4): round = attempt*totalRoles + roleIndex, where attempt
// increments only on a retry for the same PaxosID, guaranteeing a retry
// strictly exceeds this proposer's earlier rounds for that PaxosID and
// every role's first-attempt round.
type Proposer struct {
	client     AcceptorClient
	roleIndex  int
	totalRoles int
	log        *zap.SugaredLogger
	metrics    *metrics.Metrics // optional; nil-safe at every call site

	mu       sync.Mutex
	attempts map[wire.PaxosID]int
}

// SetMetrics installs the Metrics bundle this Proposer reports round and
// preemption counts to.
func (p *Proposer) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// NewProposer creates a Proposer seeded at roleIndex out of totalRoles
// (the replication factor R).
func NewProposer(client AcceptorClient, roleIndex, totalRoles int, log *zap.SugaredLogger) *Proposer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Proposer{
		client:     client,
		roleIndex:  roleIndex,
		totalRoles: totalRoles,
		log:        log,
		attempts:   make(map[wire.PaxosID]int),
	}
}

func (p *Proposer) nextRound(id wire.PaxosID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	attempt := p.attempts[id]
	round := attempt*p.totalRoles + p.roleIndex
	p.attempts[id] = attempt + 1
	return round
}

// Propose drives both Paxos phases for id, proposing value, against
// acceptors. It returns the adopted value: value itself absent
// contention, or whatever higher-round value a prior proposer already
// got accepted by a majority (Paxos safety — this is what lets a
// takeover proposer observe and preserve an existing decision instead of
// overwriting it, per spec.md §4.2).
func (p *Proposer) Propose(ctx context.Context, id wire.PaxosID, value wire.Decision, acceptors []actor.PID) (wire.Decision, error) {
	round := p.nextRound(id)
	quorum := Quorum(len(acceptors))
	if p.metrics != nil {
		p.metrics.PaxosRoundsStarted.Inc()
	}

	type promiseResult struct {
		resp PrepareResp
		err  error
	}
	results := make(chan promiseResult, len(acceptors))
	var wg sync.WaitGroup
	for _, a := range acceptors {
		wg.Add(1)
		go func(acceptor actor.PID) {
			defer wg.Done()
			resp, err := p.client.Prepare(ctx, acceptor, id, round)
			results <- promiseResult{resp: resp, err: err}
		}(a)
	}
	go func() { wg.Wait(); close(results) }()

	promised := 0
	adopted := value
	haveAdopted := false
	highestAcceptedRound := 0
	for r := range results {
		if r.err != nil || !r.resp.Promised {
			continue
		}
		promised++
		if r.resp.HasAccepted && (!haveAdopted || r.resp.AcceptedRound > highestAcceptedRound) {
			highestAcceptedRound = r.resp.AcceptedRound
			adopted = r.resp.AcceptedValue
			haveAdopted = true
		}
	}

	if promised < quorum {
		p.log.Debugw("paxos round preempted", "paxos_id", id, "round", round, "promised", promised, "quorum", quorum)
		if p.metrics != nil {
			p.metrics.PaxosPreemptions.Inc()
		}
		return wire.Undecided, ErrRoundPreempted
	}

	type acceptResult struct {
		resp AcceptResp
		err  error
	}
	acceptResults := make(chan acceptResult, len(acceptors))
	var acceptWg sync.WaitGroup
	for _, a := range acceptors {
		acceptWg.Add(1)
		go func(acceptor actor.PID) {
			defer acceptWg.Done()
			resp, err := p.client.Accept(ctx, acceptor, id, round, adopted)
			acceptResults <- acceptResult{resp: resp, err: err}
		}(a)
	}
	go func() { acceptWg.Wait(); close(acceptResults) }()

	accepted := 0
	for r := range acceptResults {
		if r.err == nil && r.resp.Accepted {
			accepted++
		}
	}

	if accepted < quorum {
		p.log.Debugw("paxos round preempted during accept phase", "paxos_id", id, "round", round, "accepted", accepted, "quorum", quorum)
		if p.metrics != nil {
			p.metrics.PaxosPreemptions.Inc()
		}
		return wire.Undecided, ErrRoundPreempted
	}

	return adopted, nil
}

// Quorum returns ⌈(n+1)/2⌉, the majority threshold spec.md uses
// throughout (item decisions, Paxos acceptance).
func Quorum(n int) int {
	return (n + 2) / 2
}
