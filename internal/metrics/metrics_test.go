package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncDeploy("ok")
	IncStop("UserRequested")
	RecordStateTransition("Starting", "Running")
	SetCurrentState("alpha", "Running", true)
	SetHeartbeatAge("alpha", 2.5)
	AddEventsPersisted("heartbeat", 3)
	IncDuplicate()
	AddGap(2)
	IncIgnored("unknown_kind")
	ObserveFlush(0.01, nil)
	IncResubscribe()
	IncArchive("ok")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"botvisor_bot_deploys_total":                 false,
		"botvisor_bot_stops_total":                   false,
		"botvisor_bot_state_transitions_total":       false,
		"botvisor_bot_last_heartbeat_age_seconds":    false,
		"botvisor_reconciler_events_persisted_total": false,
		"botvisor_reconciler_duplicate_events_total": false,
		"botvisor_reconciler_sequence_gaps_total":    false,
		"botvisor_reconciler_flush_duration_seconds": false,
		"botvisor_broker_resubscribes_total":         false,
		"botvisor_archive_runs_total":                false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
	if got := testutil.ToFloat64(gaps); got < 2 {
		t.Fatalf("gaps = %v, want >= 2", got)
	}
}

func TestForgetBotDropsSeries(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	SetCurrentState("gone", "Running", true)
	SetHeartbeatAge("gone", 1)
	before := testutil.CollectAndCount(heartbeatAge)
	ForgetBot("gone")
	if after := testutil.CollectAndCount(heartbeatAge); after != before-1 {
		t.Fatalf("heartbeat series: before=%d after=%d", before, after)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Reset regOK gate to allow registration in this test regardless of previous tests.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncDeploy("ok")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "botvisor_bot_deploys_total") {
		t.Fatalf("metrics output missing deploys_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			AddEventsPersisted("heartbeat", 1)
			IncDuplicate()
			SetHeartbeatAge("c", 1)
		}()
	}
	wg.Wait()
	// Ensure gather succeeds under race detector
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	IncDeploy("ok")
	IncStop("x")
	RecordStateTransition("a", "b")
	SetCurrentState("test", "Running", true)
	ForgetBot("test")
	ObserveFlush(1, errors.New("x"))
	IncArchive("failed")
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Custom registerer for testing error handling
type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}

func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
