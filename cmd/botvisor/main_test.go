package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botvisor/botvisor/internal/event"
	"github.com/botvisor/botvisor/internal/orchestrator"
	"github.com/botvisor/botvisor/internal/server"
	"github.com/botvisor/botvisor/internal/store"
)

type fakeService struct {
	mu       sync.Mutex
	bots     map[string]orchestrator.StatusReport
	deployed []orchestrator.DeployRequest
	logs     []string
}

func (f *fakeService) Deploy(_ context.Context, req orchestrator.DeployRequest) (orchestrator.BotInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployed = append(f.deployed, req)
	f.bots[req.Name] = orchestrator.StatusReport{Name: req.Name, RunID: "run-1", State: orchestrator.StateStarting}
	return orchestrator.BotInstance{Name: req.Name, RunID: "run-1", StrategyRef: req.StrategyRef, State: orchestrator.StateStarting}, nil
}

func (f *fakeService) Stop(_ context.Context, name string, archive bool) (orchestrator.StopResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.bots[name]
	if !ok {
		return orchestrator.StopResult{}, &orchestrator.Error{Bot: name, Kind: orchestrator.KindNotFound, Err: orchestrator.ErrNotFound}
	}
	st.State = orchestrator.StateStopped
	if archive {
		st.State = orchestrator.StateArchived
	}
	f.bots[name] = st
	return orchestrator.StopResult{Name: name, State: st.State}, nil
}

func (f *fakeService) Status(_ context.Context, name string) (orchestrator.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.bots[name]
	if !ok {
		return st, &orchestrator.Error{Bot: name, Kind: orchestrator.KindNotFound, Err: orchestrator.ErrNotFound}
	}
	return st, nil
}

func (f *fakeService) List() []orchestrator.StatusReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []orchestrator.StatusReport
	for _, st := range f.bots {
		out = append(out, st)
	}
	return out
}

func (f *fakeService) Latest(ctx context.Context, name string) (*event.LatestState, error) {
	if _, err := f.Status(ctx, name); err != nil {
		return nil, err
	}
	return &event.LatestState{Bot: name, RunID: "run-1", LastSequence: 7}, nil
}

func (f *fakeService) Rebuild(ctx context.Context, name string) (*event.LatestState, error) {
	return f.Latest(ctx, name)
}

func (f *fakeService) Logs(ctx context.Context, name string, _ int) ([]string, error) {
	if _, err := f.Status(ctx, name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.logs...), nil
}

func (f *fakeService) Events(ctx context.Context, name, runID string) ([]event.StatusEvent, error) {
	st, err := f.Status(ctx, name)
	if err != nil {
		return nil, err
	}
	if runID == "" {
		runID = st.RunID
	}
	return []event.StatusEvent{
		{Bot: name, RunID: runID, Sequence: 1, Kind: event.KindHeartbeat, Payload: json.RawMessage(`{"uptime_s":1}`)},
		{Bot: name, RunID: runID, Sequence: 2, Kind: event.KindOrderUpdate, Payload: json.RawMessage(`{"order_id":"o-1","status":"open"}`)},
	}, nil
}

func (f *fakeService) Archives(_ context.Context, bot string) ([]store.ArchiveRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ArchiveRecord
	for n, st := range f.bots {
		if st.State != orchestrator.StateArchived || (bot != "" && n != bot) {
			continue
		}
		out = append(out, store.ArchiveRecord{
			ID: "arc-1", Bot: n, RunID: st.RunID, EventCount: 2, SizeBytes: 512,
			Location:   "s3://bots/archives/" + n + "/" + st.RunID + ".tar.zst",
			ArchivedAt: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
		})
	}
	return out, nil
}

func startAPI(t *testing.T) (*fakeService, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := &fakeService{bots: map[string]orchestrator.StatusReport{}, logs: []string{"hello", "world"}}
	srv := httptest.NewServer(server.NewRouter(svc, "/api", server.WithLogPoll(10*time.Millisecond)).Handler())
	t.Cleanup(srv.Close)
	return svc, srv.URL + "/api"
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDeployStatusStop(t *testing.T) {
	svc, api := startAPI(t)

	file := filepath.Join(t.TempDir(), "bot.jsonc")
	require.NoError(t, os.WriteFile(file, []byte(`{
  // quoted spread
  "spread": 0.1,
  "market": {"pair": "ETH-USDT",},
}`), 0o600))

	out, err := run(t, "deploy", "--api-url", api, "--name", "b1", "--strategy", "pmm",
		"--file", file, "--set", "spread=0.25", "--set", "market.exchange=binance")
	require.NoError(t, err)
	assert.Contains(t, out, "deployed b1 run=run-1 state=Starting")

	svc.mu.Lock()
	require.Len(t, svc.deployed, 1)
	cfg := svc.deployed[0].Config
	svc.mu.Unlock()
	assert.Equal(t, 0.25, cfg["spread"])
	assert.Equal(t, map[string]any{"pair": "ETH-USDT", "exchange": "binance"}, cfg["market"])

	out, err = run(t, "status", "b1", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "Starting")

	out, err = run(t, "stop", "b1", "--archive", "--api-url", api, "-o", "json")
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "Archived", res["state"])
}

func TestListAndState(t *testing.T) {
	_, api := startAPI(t)
	_, err := run(t, "deploy", "--api-url", api, "--name", "b1", "--strategy", "pmm")
	require.NoError(t, err)

	out, err := run(t, "list", "--api-url", api)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "NAME"))
	assert.Contains(t, out, "b1")

	out, err = run(t, "state", "b1", "--rebuild", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, `"last_sequence": 7`)
}

func TestLogs(t *testing.T) {
	_, api := startAPI(t)
	_, err := run(t, "deploy", "--api-url", api, "--name", "b1", "--strategy", "pmm")
	require.NoError(t, err)

	out, err := run(t, "logs", "b1", "--tail", "2", "--api-url", api)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", out)
}

func TestEventsAndArchives(t *testing.T) {
	_, api := startAPI(t)
	_, err := run(t, "deploy", "--api-url", api, "--name", "b1", "--strategy", "pmm")
	require.NoError(t, err)

	out, err := run(t, "events", "b1", "--api-url", api)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "SEQ"))
	assert.Contains(t, out, "order_update")
	assert.Contains(t, out, `{"order_id":"o-1","status":"open"}`)

	out, err = run(t, "events", "b1", "--run", "run-0", "--api-url", api, "-o", "json")
	require.NoError(t, err)
	var evs map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &evs))
	assert.Equal(t, "run-0", evs["run_id"])

	out, err = run(t, "archives", "--api-url", api)
	require.NoError(t, err)
	assert.NotContains(t, out, "b1")

	_, err = run(t, "stop", "b1", "--archive", "--api-url", api)
	require.NoError(t, err)
	out, err = run(t, "archives", "b1", "--api-url", api)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "NAME"))
	assert.Contains(t, out, "s3://bots/archives/b1/run-1.tar.zst")
}

func TestUnknownBotFails(t *testing.T) {
	_, api := startAPI(t)
	_, err := run(t, "status", "ghost", "--api-url", api)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NotFound")
}

func TestDeployRequiresNameAndStrategy(t *testing.T) {
	_, err := run(t, "deploy", "--strategy", "pmm", "--api-url", "http://127.0.0.1:1/api")
	assert.ErrorContains(t, err, "--name")
	_, err = run(t, "deploy", "--name", "b1", "--api-url", "http://127.0.0.1:1/api")
	assert.ErrorContains(t, err, "--strategy")
}

func TestApplySet(t *testing.T) {
	cfg := map[string]any{"a": "x"}
	require.NoError(t, applySet(cfg, "n=3"))
	require.NoError(t, applySet(cfg, "s=plain text"))
	require.NoError(t, applySet(cfg, "deep.er.key=true"))
	assert.Equal(t, float64(3), cfg["n"])
	assert.Equal(t, "plain text", cfg["s"])
	assert.Equal(t, true, cfg["deep"].(map[string]any)["er"].(map[string]any)["key"])

	assert.Error(t, applySet(cfg, "novalue"))
	assert.Error(t, applySet(cfg, "a.b=1"))
}

func TestReadConfigFileRejectsNonObject(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(file, []byte(`[1,2]`), 0o600))
	_, err := readConfigFile(file)
	assert.Error(t, err)
}

func TestTemplateThenDeploy(t *testing.T) {
	svc, api := startAPI(t)
	file := filepath.Join(t.TempDir(), "pmm.json")

	out, err := run(t, "template", "pmm", "--name", "tmpl-bot", "-w", file)
	require.NoError(t, err)
	assert.Contains(t, out, file)

	_, err = run(t, "deploy", "--api-url", api, "--file", file, "--set", "bid_spread=0.01")
	require.NoError(t, err)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Len(t, svc.deployed, 1)
	req := svc.deployed[0]
	assert.Equal(t, "tmpl-bot", req.Name)
	assert.Equal(t, "pmm", req.StrategyRef)
	assert.Equal(t, 0.01, req.Config["bid_spread"])
	assert.Equal(t, "BTC-USDT", req.Config["trading_pair"])
}

func TestTemplateUnknownType(t *testing.T) {
	_, err := run(t, "template", "hodl")
	assert.ErrorContains(t, err, "unknown template type")
}
