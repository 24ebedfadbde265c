// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package e2e runs the whole agent in one process: REST API, policy engine,
// audit pipeline, secure storage and a user-space enforcement point behind
// a real control socket. It checks that an administrative change made over
// HTTP reaches the point's rule cache and leaves a verifiable audit trail.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/audit"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/dataplane"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/securestore"
)

// E2ETestEnv is a complete agent wired to an in-process enforcement point.
type E2ETestEnv struct {
	T            *testing.T
	Cache        *dataplane.RuleCache
	Point        *dataplane.ChannelServer
	Sync         *dataplane.Synchronizer
	Manager      *policy.Manager
	Engine       *policy.Engine
	Audit        *audit.Pipeline
	AuditKey     []byte
	AuditDir     string
	Storage      *securestore.Store
	HTTPClient   *http.Client
	APIBaseURL   string
	cleanupFuncs []func()
}

// NewE2ETestEnv starts every component under temporary directories. The
// returned environment is cleaned up when the test ends.
func NewE2ETestEnv(t *testing.T) *E2ETestEnv {
	t.Helper()

	env := &E2ETestEnv{
		T:          t,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
	t.Cleanup(env.Cleanup)

	dir := t.TempDir()
	env.AuditDir = filepath.Join(dir, "audit")

	// Secure storage
	keys, err := securestore.DeriveKeys([]byte("e2e-host"), []byte("e2e-salt-0123456789abcdef"))
	require.NoError(t, err)
	backend, err := securestore.OpenBackend("file", filepath.Join(dir, "store"))
	require.NoError(t, err)
	store, err := securestore.New(backend, keys)
	require.NoError(t, err)
	env.Storage = store
	env.addCleanup(func() { store.Close() })

	// Audit pipeline
	key, err := audit.LoadOrCreateKey(store)
	require.NoError(t, err)
	env.AuditKey = key

	cfg := audit.DefaultConfig(env.AuditDir)
	cfg.Key = key
	cfg.FlushInterval = 50 * time.Millisecond
	cfg.Mirror = audit.NewWriterMirror(io.Discard)
	pipeline, err := audit.Open(cfg)
	require.NoError(t, err)
	env.Audit = pipeline
	env.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pipeline.Close(ctx)
	})
	recorder := audit.NewRecorder(pipeline)

	// Enforcement point. Unix socket paths are length limited, so the
	// socket does not live under the test's temp dir.
	sockDir, err := os.MkdirTemp("", "shc-e2e")
	require.NoError(t, err)
	env.addCleanup(func() { os.RemoveAll(sockDir) })
	socket := filepath.Join(sockDir, "point.sock")

	env.Cache = dataplane.NewRuleCache()
	server, err := dataplane.NewChannelServer(socket, env.Cache, os.Getuid())
	require.NoError(t, err)
	env.Point = server
	go server.Serve()
	env.addCleanup(func() { server.Close() })

	network := dataplane.NewChannelPoint("network", policy.KindNetwork, socket)
	device := dataplane.NewChannelPoint("device", policy.KindDevice, socket)
	env.Sync = dataplane.NewSynchronizer(dataplane.SyncConfig{
		HealthInterval: 50 * time.Millisecond,
		ReconnectEvery: 50 * time.Millisecond,
	}, network, device, recorder)
	env.addCleanup(func() { env.Sync.Close() })

	// Policy
	rules := policy.NewStore()
	env.Engine = policy.NewEngine(rules, recorder)
	env.Manager = policy.NewManager(rules, env.Sync, recorder, store)
	env.Sync.SetResync(env.Manager.Resync)
	env.addCleanup(func() { env.Manager.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	env.addCleanup(cancel)
	env.Sync.Connect(ctx)
	require.False(t, env.Sync.Degraded(), "enforcement points should be reachable")
	require.NoError(t, env.Manager.LoadPersisted(ctx))
	go env.Sync.Run(ctx)

	// API server
	apiCfg := api.DefaultConfig()
	apiCfg.Port = 0
	apiCfg.RateLimit = 0
	srv, err := api.NewAPIServer(apiCfg, api.Dependencies{
		Rules:       env.Manager,
		Evaluator:   env.Engine,
		Audit:       pipeline,
		AuditState:  pipeline,
		Enforcement: env.Sync,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	env.addCleanup(func() { srv.Stop() })
	env.APIBaseURL = "http://" + srv.Addr()

	return env
}

// RestartPoint starts a new enforcement point with an empty cache on
// socket, as after a crash of the point process.
func (env *E2ETestEnv) RestartPoint(socket string) *dataplane.RuleCache {
	env.T.Helper()
	cache := dataplane.NewRuleCache()
	server, err := dataplane.NewChannelServer(socket, cache, os.Getuid())
	require.NoError(env.T, err)
	go server.Serve()
	env.addCleanup(func() { server.Close() })
	env.Point = server
	env.Cache = cache
	return cache
}

// addCleanup adds a cleanup function to be called on test teardown.
func (env *E2ETestEnv) addCleanup(fn func()) {
	env.cleanupFuncs = append(env.cleanupFuncs, fn)
}

// Cleanup releases all resources in reverse order of creation.
func (env *E2ETestEnv) Cleanup() {
	for i := len(env.cleanupFuncs) - 1; i >= 0; i-- {
		env.cleanupFuncs[i]()
	}
	env.cleanupFuncs = nil
}

// DoHTTPRequest performs a JSON request against the API.
func (env *E2ETestEnv) DoHTTPRequest(method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, env.APIBaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return env.HTTPClient.Do(req)
}

// doJSON performs a request, checks the status and decodes the response.
func (env *E2ETestEnv) doJSON(method, path string, body interface{}, wantStatus int, out interface{}) {
	env.T.Helper()

	resp, err := env.DoHTTPRequest(method, path, body)
	require.NoError(env.T, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(env.T, err)
	require.Equal(env.T, wantStatus, resp.StatusCode, "%s %s: %s", method, path, raw)
	if out != nil {
		require.NoError(env.T, json.Unmarshal(raw, out))
	}
}

// CreateRuleViaAPI creates r through POST /rules.
func (env *E2ETestEnv) CreateRuleViaAPI(r policy.Rule) models.RuleResponse {
	env.T.Helper()
	var resp models.RuleResponse
	env.doJSON(http.MethodPost, "/rules", RequestFromRule(r), http.StatusCreated, &resp)
	return resp
}

// ToggleRuleViaAPI flips a rule's enabled flag.
func (env *E2ETestEnv) ToggleRuleViaAPI(id uint64) models.RuleResponse {
	env.T.Helper()
	var resp models.RuleResponse
	env.doJSON(http.MethodPost, fmt.Sprintf("/rules/%d/toggle", id), nil, http.StatusOK, &resp)
	return resp
}

// DeleteRuleViaAPI deletes a rule.
func (env *E2ETestEnv) DeleteRuleViaAPI(id uint64) {
	env.T.Helper()
	env.doJSON(http.MethodDelete, fmt.Sprintf("/rules/%d", id), nil, http.StatusOK, nil)
}

// EvaluateNetwork asks the coordinator for a connection verdict.
func (env *E2ETestEnv) EvaluateNetwork(req models.NetworkEvaluationRequest) models.DecisionResponse {
	env.T.Helper()
	var resp models.DecisionResponse
	env.doJSON(http.MethodPost, "/evaluate/network", req, http.StatusOK, &resp)
	return resp
}

// EvaluateDevice asks the coordinator for a device verdict.
func (env *E2ETestEnv) EvaluateDevice(req models.DeviceEvaluationRequest) models.DecisionResponse {
	env.T.Helper()
	var resp models.DecisionResponse
	env.doJSON(http.MethodPost, "/evaluate/device", req, http.StatusOK, &resp)
	return resp
}

// ExportAudit fetches the CEF export for [start, end].
func (env *E2ETestEnv) ExportAudit(start, end time.Time) string {
	env.T.Helper()
	path := fmt.Sprintf("/audit/export?startTime=%s&endTime=%s",
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	resp, err := env.DoHTTPRequest(http.MethodGet, path, nil)
	require.NoError(env.T, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(env.T, err)
	require.Equal(env.T, http.StatusOK, resp.StatusCode, string(raw))
	return string(raw)
}

// FlushAudit writes every queued audit event.
func (env *E2ETestEnv) FlushAudit() {
	env.T.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(env.T, env.Audit.Flush(ctx))
}

// AuditEvents returns the flushed audit events of typ within the last minute.
func (env *E2ETestEnv) AuditEvents(typ audit.EventType) []audit.Event {
	env.T.Helper()
	env.FlushAudit()
	now := time.Now()
	events, err := env.Audit.Query(context.Background(), now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(env.T, err)

	var out []audit.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// VerifyAuditChain checks the on-disk hash chain.
func (env *E2ETestEnv) VerifyAuditChain() *audit.Report {
	env.T.Helper()
	env.FlushAudit()
	report, err := audit.Verify(env.AuditDir, env.AuditKey)
	require.NoError(env.T, err)
	return report
}

// RequestFromRule converts a rule into its API request form.
func RequestFromRule(r policy.Rule) models.RuleRequest {
	enabled := r.Enabled
	req := models.RuleRequest{
		Name:          r.Name,
		Description:   r.Description,
		Type:          r.Kind.String(),
		Action:        r.Action.String(),
		Priority:      r.Priority,
		Enabled:       &enabled,
		ValidFrom:     r.ValidFrom,
		ValidUntil:    r.ValidUntil,
		ProcessID:     r.ProcessID,
		ProcessName:   r.ProcessName,
		LocalPort:     r.LocalPort,
		RemotePort:    r.RemotePort,
		RemoteAddress: r.RemoteAddress,
		HardwareID:    r.HardwareID,
		UserSID:       r.UserSID,
		AuditLevel:    r.AuditLevel.String(),
	}
	if r.Kind == policy.KindNetwork {
		req.Protocol = r.Protocol.String()
	}
	if r.Kind == policy.KindDevice {
		req.DeviceType = r.DeviceType.String()
	}
	return req
}
