// Package fd implements the failure detector of spec.md §4.5/§9: a
// subscribable liveness oracle producing {crash, pid} events, with
// reference-counted subscription so multiple in-flight transactions
// watching the same peer do not cause premature unsubscription from the
// underlying liveness mechanism.
package fd

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mnohosten/chordcommit/pkg/actor"
	"github.com/mnohosten/chordcommit/pkg/metrics"
)

// Oracle is the underlying liveness mechanism a RefCountingDetector
// multiplexes: a real network ping loop, a gossip-based membership
// protocol, or (as here) HeartbeatOracle. The boot/directory service and
// the physical transport behind any real Oracle are out of scope for
// this core (spec.md §1); chordcommit only depends on this interface.
type Oracle interface {
	Subscribe(pid actor.PID)
	Unsubscribe(pid actor.PID)
}

// RefCountingDetector is the `subscribe`/`unsubscribe` surface spec.md
// §4.5 and §9 describe: per-subscriber reference counts over a single
// shared Oracle subscription, so the underlying oracle only ever sees
// one Subscribe/Unsubscribe pair per watched peer regardless of how many
// transactions are independently interested in it.
type RefCountingDetector struct {
	mu       sync.Mutex
	refcount map[actor.PID]int
	oracle   Oracle

	crashMu    sync.Mutex
	crashHooks []func(actor.PID)

	metrics *metrics.Metrics // optional; nil-safe at every call site
}

// SetMetrics installs the Metrics bundle this detector reports
// suspicion counts to.
func (d *RefCountingDetector) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// New creates a RefCountingDetector multiplexing oracle.
func New(oracle Oracle) *RefCountingDetector {
	d := &RefCountingDetector{
		refcount: make(map[actor.PID]int),
		oracle:   oracle,
	}
	if ho, ok := oracle.(*HeartbeatOracle); ok {
		ho.OnCrash(d.dispatchCrash)
	}
	return d
}

// Subscribe increments pid's reference count, calling the underlying
// oracle's Subscribe only on the 0→1 transition (spec.md §9).
func (d *RefCountingDetector) Subscribe(pid actor.PID) {
	d.mu.Lock()
	d.refcount[pid]++
	first := d.refcount[pid] == 1
	d.mu.Unlock()

	if first {
		d.oracle.Subscribe(pid)
	}
}

// Unsubscribe decrements pid's reference count, calling the underlying
// oracle's Unsubscribe only on the 1→0 transition. Unsubscribing a pid
// with no outstanding subscriptions is a no-op (idempotent, matching the
// rest of this core's tolerance for out-of-order/duplicate messages).
func (d *RefCountingDetector) Unsubscribe(pid actor.PID) {
	d.mu.Lock()
	if d.refcount[pid] <= 0 {
		d.mu.Unlock()
		return
	}
	d.refcount[pid]--
	last := d.refcount[pid] == 0
	if last {
		delete(d.refcount, pid)
	}
	d.mu.Unlock()

	if last {
		d.oracle.Unsubscribe(pid)
	}
}

// RefCount reports the current reference count for pid (test/debug use).
func (d *RefCountingDetector) RefCount(pid actor.PID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refcount[pid]
}

// OnCrash registers a callback invoked whenever the oracle reports a
// crash for a still-subscribed pid. Multiple hooks may be registered (one
// per local actor that cares, e.g. the TM and an RTM colocated on the
// same node).
func (d *RefCountingDetector) OnCrash(hook func(actor.PID)) {
	d.crashMu.Lock()
	defer d.crashMu.Unlock()
	d.crashHooks = append(d.crashHooks, hook)
}

func (d *RefCountingDetector) dispatchCrash(pid actor.PID) {
	d.mu.Lock()
	stillWatched := d.refcount[pid] > 0
	d.mu.Unlock()
	if !stillWatched {
		return
	}
	if d.metrics != nil {
		d.metrics.FDSuspicions.Inc()
	}

	d.crashMu.Lock()
	hooks := append([]func(actor.PID){}, d.crashHooks...)
	d.crashMu.Unlock()
	for _, h := range hooks {
		h(pid)
	}
}

// HeartbeatOracle is the default Oracle: it pings every watched pid on
// Interval and reports a crash once a pid has gone silent for Timeout,
// grounded on pkg/replication/replica_set.go's heartbeat-ticker/
// HeartbeatTimeout shape, generalized from "replica set member liveness"
// to "any watched actor PID".
type HeartbeatOracle struct {
	transport actor.Transport
	self      actor.PID
	interval  time.Duration
	timeout   time.Duration
	log       *zap.SugaredLogger

	mu        sync.Mutex
	watched   map[actor.PID]time.Time
	reported  map[actor.PID]bool
	onCrashFn func(actor.PID)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Ping is sent to a watched peer; Pong is the expected reply, updating
// the oracle's last-seen timestamp for that peer.
type Ping struct{ From actor.PID }
type Pong struct{ From actor.PID }

// NewHeartbeatOracle creates an oracle that pings from self via
// transport.
func NewHeartbeatOracle(self actor.PID, transport actor.Transport, interval, timeout time.Duration, log *zap.SugaredLogger) *HeartbeatOracle {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &HeartbeatOracle{
		transport: transport,
		self:      self,
		interval:  interval,
		timeout:   timeout,
		log:       log,
		watched:   make(map[actor.PID]time.Time),
		reported:  make(map[actor.PID]bool),
		stopCh:    make(chan struct{}),
	}
}

// OnCrash installs the single callback fired when a watched peer is
// suspected dead.
func (h *HeartbeatOracle) OnCrash(fn func(actor.PID)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCrashFn = fn
}

// Subscribe starts pinging pid.
func (h *HeartbeatOracle) Subscribe(pid actor.PID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watched[pid] = time.Now()
	delete(h.reported, pid)
}

// Unsubscribe stops pinging pid.
func (h *HeartbeatOracle) Unsubscribe(pid actor.PID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.watched, pid)
	delete(h.reported, pid)
}

// NotePong records a liveness reply from pid, deferring any suspicion.
func (h *HeartbeatOracle) NotePong(pid actor.PID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.watched[pid]; ok {
		h.watched[pid] = time.Now()
		delete(h.reported, pid)
	}
}

// HandleMessage updates last-seen on Pong, and answers Ping with Pong.
func (h *HeartbeatOracle) HandleMessage(msg any) {
	switch m := msg.(type) {
	case Pong:
		h.NotePong(m.From)
	case Ping:
		if h.transport != nil {
			_ = h.transport.Send(m.From, Pong{From: h.self})
		}
	}
}

// Start begins the background ping/timeout loop.
func (h *HeartbeatOracle) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.tick()
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop halts the background loop.
func (h *HeartbeatOracle) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

func (h *HeartbeatOracle) tick() {
	now := time.Now()

	h.mu.Lock()
	var toPing []actor.PID
	var crashed []actor.PID
	for pid, lastSeen := range h.watched {
		if now.Sub(lastSeen) > h.timeout {
			if !h.reported[pid] {
				h.reported[pid] = true
				crashed = append(crashed, pid)
			}
			continue
		}
		toPing = append(toPing, pid)
	}
	onCrash := h.onCrashFn
	h.mu.Unlock()

	for _, pid := range toPing {
		if h.transport != nil {
			_ = h.transport.Send(pid, Ping{From: h.self})
		}
	}
	if onCrash != nil {
		for _, pid := range crashed {
			onCrash(pid)
		}
	}
}
