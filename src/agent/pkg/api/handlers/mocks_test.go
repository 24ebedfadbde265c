// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/audit"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/dataplane"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

// MockRuleManager is a mock implementation of policy.RuleManager for testing
type MockRuleManager struct {
	mock.Mock
}

func (m *MockRuleManager) AddRule(ctx context.Context, r policy.Rule) (policy.Rule, error) {
	args := m.Called(ctx, r)
	return args.Get(0).(policy.Rule), args.Error(1)
}

func (m *MockRuleManager) GetRule(id uint64) (policy.Rule, bool) {
	args := m.Called(id)
	return args.Get(0).(policy.Rule), args.Bool(1)
}

func (m *MockRuleManager) ListRules() []policy.Rule {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]policy.Rule)
}

func (m *MockRuleManager) UpdateRule(ctx context.Context, id uint64, r policy.Rule) (policy.Rule, bool, error) {
	args := m.Called(ctx, id, r)
	return args.Get(0).(policy.Rule), args.Bool(1), args.Error(2)
}

func (m *MockRuleManager) DeleteRule(ctx context.Context, id uint64) bool {
	args := m.Called(ctx, id)
	return args.Bool(0)
}

func (m *MockRuleManager) ToggleRule(ctx context.Context, id uint64) (policy.Rule, bool) {
	args := m.Called(ctx, id)
	return args.Get(0).(policy.Rule), args.Bool(1)
}

func (m *MockRuleManager) ResetEnforcement(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRuleManager) Status() policy.Status {
	args := m.Called()
	return args.Get(0).(policy.Status)
}

// MockEvaluator is a mock implementation of policy.Evaluator for testing
type MockEvaluator struct {
	mock.Mock
}

func (m *MockEvaluator) EvaluateNetwork(ctx context.Context, ev policy.NetworkEvent) policy.Decision {
	args := m.Called(ctx, ev)
	return args.Get(0).(policy.Decision)
}

func (m *MockEvaluator) EvaluateDevice(ctx context.Context, ev policy.DeviceEvent) policy.Decision {
	args := m.Called(ctx, ev)
	return args.Get(0).(policy.Decision)
}

func (m *MockEvaluator) Statistics() policy.Statistics {
	args := m.Called()
	return args.Get(0).(policy.Statistics)
}

// MockExporter is a mock implementation of AuditExporter for testing
type MockExporter struct {
	mock.Mock
}

func (m *MockExporter) ExportRange(ctx context.Context, start, end time.Time) ([]byte, error) {
	args := m.Called(ctx, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// stubHealth reports fixed enforcement health
type stubHealth struct {
	health   dataplane.Health
	degraded bool
}

func (s stubHealth) Health() dataplane.Health { return s.health }
func (s stubHealth) Degraded() bool           { return s.degraded }

type stubAuditState audit.State

func (s stubAuditState) State() audit.State { return audit.State(s) }

var (
	_ policy.RuleManager = (*MockRuleManager)(nil)
	_ policy.Evaluator   = (*MockEvaluator)(nil)
	_ AuditExporter      = (*MockExporter)(nil)
	_ EnforcementHealth  = stubHealth{}
	_ AuditState         = stubAuditState(0)
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

// performRequest sends a request with an optional JSON body.
func performRequest(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		bodyReader = bytes.NewBufferString(b)
	default:
		jsonData, _ := json.Marshal(b)
		bodyReader = bytes.NewBuffer(jsonData)
	}

	req, _ := http.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}
