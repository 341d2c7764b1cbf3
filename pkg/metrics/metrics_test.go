package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsAreRegisteredUnderTheChordcommitNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CommitsStarted.Inc()
	m.PaxosAccepts.WithLabelValues("prepared").Inc()
	m.Initializing.Set(1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var sawCommitsStarted, sawPaxosAccepts bool
	for _, f := range families {
		if f.GetName() == "chordcommit_commits_started_total" {
			sawCommitsStarted = true
		}
		if f.GetName() == "chordcommit_paxos_accepts_total" {
			sawPaxosAccepts = true
		}
	}
	if !sawCommitsStarted {
		t.Fatal("expected chordcommit_commits_started_total to be registered")
	}
	if !sawPaxosAccepts {
		t.Fatal("expected chordcommit_paxos_accepts_total to be registered")
	}
}

func TestHandlerServesExpositionFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CommitsCommitted.Inc()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(data), "chordcommit_commits_committed_total") {
		t.Fatalf("expected exposition text to mention chordcommit_commits_committed_total, got: %s", data)
	}
}
