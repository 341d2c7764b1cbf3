// Command chordnode bootstraps a local, in-process simulation of a
// chordcommit cluster: a ring of replicastore/TP/acceptor nodes plus one
// coordinator TM and its R-1 RTM standbys, fronted by an ops-only
// health/metrics HTTP endpoint. There is no network transport between
// nodes (spec.md §1 places the physical transport out of scope) — every
// node lives in this one process and talks over actor.InProcess, the
// same transport pkg/*_test.go files use.
//
// This is a runnable demo/harness, not a deployment topology: role
// assignment here is fixed at startup (node 0 is always the transaction
// coordinator, nodes 1..R-1 are always its RTMs) rather than derived per
// transaction from the ring position of each transaction's own
// coordinator key, which a production multi-primary deployment would
// need.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mnohosten/chordcommit/pkg/actor"
	"github.com/mnohosten/chordcommit/pkg/client"
	"github.com/mnohosten/chordcommit/pkg/config"
	"github.com/mnohosten/chordcommit/pkg/fd"
	"github.com/mnohosten/chordcommit/pkg/metrics"
	"github.com/mnohosten/chordcommit/pkg/notify"
	"github.com/mnohosten/chordcommit/pkg/paxos"
	"github.com/mnohosten/chordcommit/pkg/replicastore"
	"github.com/mnohosten/chordcommit/pkg/ring"
	"github.com/mnohosten/chordcommit/pkg/tm"
	"github.com/mnohosten/chordcommit/pkg/tp"
	"github.com/mnohosten/chordcommit/pkg/wire"
)

// coordinatorRingKey is the one ring key this demo's fixed coordinator
// group is announced under; a real deployment derives this per
// transaction from the TM's own key instead of hard-coding it.
const coordinatorRingKey = "coordinator"

func main() {
	numNodes := flag.Int("nodes", 5, "number of simulated ring nodes")
	replication := flag.Int("replication", 3, "replication factor (R)")
	listen := flag.String("listen", ":8090", "address for the ops-only /healthz and /metrics endpoints")
	flag.Parse()

	if *replication < 1 || *replication > *numNodes {
		fmt.Fprintf(os.Stderr, "replication factor must be between 1 and -nodes\n")
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg := config.DefaultConfig()
	cfg.ReplicationFactor = *replication

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	cl, err := bootstrap(cfg, *numNodes, log, m)
	if err != nil {
		log.Fatalw("bootstrap failed", "error", err)
	}
	runDemoTransaction(cl, log)

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	router.Handle("/metrics", metrics.Handler(reg))

	srv := &http.Server{Addr: *listen, Handler: router}
	go func() {
		log.Infow("chordnode ready", "listen", *listen, "nodes", *numNodes, "replication", *replication)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("ops http server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// runDemoTransaction writes one key, commits, and reads it back, so a
// freshly started chordnode proves the commit path actually works
// rather than merely serving /healthz.
func runDemoTransaction(cl *client.Client, log *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx := cl.TxStart()
	cl.TxWrite(tx, "demo-key", []byte("hello"))
	result := cl.TxCommit(ctx, tx)
	if !result.Found() {
		log.Warnw("demo transaction did not commit", "fail_kind", result.FailKind)
		return
	}

	read := cl.Read(ctx, "demo-key")
	log.Infow("demo transaction committed", "key", "demo-key", "read_back", string(read.Value), "found", read.Found())
}

// bootstrap wires numNodes ring members (store + TP + acceptor each)
// plus a fixed coordinator TM and R-1 RTM standbys, and the client that
// drives commits through the coordinator.
func bootstrap(cfg *config.Config, numNodes int, log *zap.SugaredLogger, m *metrics.Metrics) (*client.Client, error) {
	transport := actor.NewInProcess()
	router := ring.NewRingRouter(cfg.ReplicationFactor)
	acceptors := paxos.NewDirectAcceptors()
	stores := client.NewDirectStores()
	directory := fd.NewInMemoryDirectory()

	nodePIDs := make([]actor.PID, numNodes)
	for i := 0; i < numNodes; i++ {
		nodePID := actor.PID(fmt.Sprintf("node-%d", i))
		nodePIDs[i] = nodePID
		router.Join(nodePID)

		acceptorPID := wire.AcceptorPID(nodePID)
		acceptorBase := actor.NewBase(acceptorPID, transport, log)
		acceptor := paxos.NewAcceptor(acceptorBase, nil)
		acceptor.SetMetrics(m)
		acceptors.Add(acceptorPID, acceptor)
		go acceptorBase.Run(acceptor.HandleMessage)

		store := replicastore.New(nil)
		stores.Add(nodePID, store)

		tpProposer := paxos.NewProposer(acceptors, 0, cfg.ReplicationFactor, log)
		tpBase := actor.NewBase(nodePID, transport, log)
		tpInstance := tp.New(tpBase, store, acceptor, tpProposer)
		go tpBase.Run(tpInstance.HandleMessage)
	}

	coordTM, err := wireCoordinatorGroup(cfg, nodePIDs, transport, router, acceptors, directory, log, m)
	if err != nil {
		return nil, err
	}

	reader := client.NewQuorumReader(router, router, stores, cfg.Quorum())
	notifier := notify.New()
	clientBase := actor.NewBase(actor.PID("client-0"), transport, log)
	c := client.New(clientBase, client.DefaultConfig(), coordTM, notifier, reader)
	return c, nil
}

// wireCoordinatorGroup builds one TM/RTM actor per role index 0..R-1,
// colocated on nodePIDs[0..R-1], each with its own heartbeat-oracle
// failure detector and Paxos proposer seeded at that role index (spec.md
// §4.4's round = attempt*totalRoles + roleIndex). Roles 1..R-1 announce
// themselves into directory under coordinatorRingKey (the directory
// holds RTM entries only, never the TM's own, mirroring pkg/tm's test
// fixtures) so the role-0 TM's RefreshRTMs discovers them as its
// standbys. Returns the role-0 TM, the handle the client drives commits
// through.
func wireCoordinatorGroup(cfg *config.Config, nodePIDs []actor.PID, transport actor.Transport, router *ring.RingRouter, acceptors *paxos.DirectAcceptors, directory fd.Directory, log *zap.SugaredLogger, m *metrics.Metrics) (*tm.TM, error) {
	var coordTM *tm.TM
	ctx := context.Background()

	for role := 0; role < cfg.ReplicationFactor; role++ {
		nodePID := nodePIDs[role]
		tmPID := actor.PID(fmt.Sprintf("%s:tm", nodePID))

		oraclePID := actor.PID(fmt.Sprintf("%s:fd", nodePID))
		oracleBase := actor.NewBase(oraclePID, transport, log)
		oracle := fd.NewHeartbeatOracle(oraclePID, transport, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, log)
		detector := fd.New(oracle)
		detector.SetMetrics(m)
		oracle.Start()
		go oracleBase.Run(oracle.HandleMessage)

		tmBase := actor.NewBase(tmPID, transport, log)
		tmInstance := tm.New(tmBase, cfg, role, coordinatorRingKey, router, router, directory, detector, wire.AcceptorPID(nodePID))
		tmProposer := paxos.NewProposer(acceptors, role, cfg.ReplicationFactor, log)
		tmInstance.SetProposer(tmProposer)
		tmInstance.SetMetrics(m)
		go tmBase.Run(tmInstance.HandleMessage)
		tmInstance.StartStaleIDSweepLoop()

		if role == 0 {
			coordTM = tmInstance
		} else if err := directory.Announce(ctx, coordinatorRingKey, fd.RTMInfo{TM: tmPID, Acceptor: wire.AcceptorPID(nodePID), Role: role}); err != nil {
			return nil, fmt.Errorf("chordnode: announcing role %d: %w", role, err)
		}
	}

	if err := coordTM.RefreshRTMs(ctx); err != nil {
		return nil, fmt.Errorf("chordnode: refreshing coordinator RTM roster: %w", err)
	}
	coordTM.StartRTMRefreshLoop()
	return coordTM, nil
}
