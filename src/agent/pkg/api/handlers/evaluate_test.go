// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

func setupEvaluateRouter(ev *MockEvaluator) *gin.Engine {
	router := newTestRouter()
	h := NewEvaluateHandler(ev)
	router.POST("/evaluate/network", h.EvaluateNetwork)
	router.POST("/evaluate/device", h.EvaluateDevice)
	return router
}

func TestEvaluateNetwork(t *testing.T) {
	ev := new(MockEvaluator)
	router := setupEvaluateRouter(ev)

	id := uint64(12)
	ev.On("EvaluateNetwork", mock.Anything, policy.NetworkEvent{
		ProcessID:     4242,
		ProcessName:   "curl",
		Protocol:      policy.ProtocolTCP,
		RemotePort:    443,
		RemoteAddress: "203.0.113.9",
	}).Return(policy.Decision{
		Action:        policy.ActionBlock,
		MatchedRuleID: &id,
		Reason:        "matched rule 12",
		AuditLevel:    policy.AuditHigh,
	})

	w := performRequest(router, http.MethodPost, "/evaluate/network", models.NetworkEvaluationRequest{
		ProcessID:     4242,
		ProcessName:   "curl",
		Protocol:      "tcp",
		RemotePort:    443,
		RemoteAddress: "203.0.113.9",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.DecisionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "block", resp.Action)
	require.NotNil(t, resp.MatchedRuleID)
	assert.Equal(t, id, *resp.MatchedRuleID)
	assert.Equal(t, "high", resp.AuditLevel)
	ev.AssertExpectations(t)
}

func TestEvaluateDevice_Default(t *testing.T) {
	ev := new(MockEvaluator)
	router := setupEvaluateRouter(ev)

	ev.On("EvaluateDevice", mock.Anything, policy.DeviceEvent{DeviceType: policy.DeviceUSB, HardwareID: `USB\VID_0781`}).
		Return(policy.Decision{Action: policy.ActionBlock, Reason: "default policy", AuditLevel: policy.AuditHigh})

	w := performRequest(router, http.MethodPost, "/evaluate/device", models.DeviceEvaluationRequest{
		DeviceType: "usb",
		HardwareID: `USB\VID_0781`,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"action":"block","matchedRuleId":null,"reason":"default policy","auditLevel":"high"}`, w.Body.String())
}

func TestEvaluate_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{"network garbage", "/evaluate/network", "not json"},
		{"network protocol", "/evaluate/network", models.NetworkEvaluationRequest{Protocol: "gre"}},
		{"device garbage", "/evaluate/device", "[1,2"},
		{"device type", "/evaluate/device", models.DeviceEvaluationRequest{DeviceType: "scanner"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := new(MockEvaluator)
			router := setupEvaluateRouter(ev)

			w := performRequest(router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			ev.AssertNotCalled(t, "EvaluateNetwork", mock.Anything, mock.Anything)
			ev.AssertNotCalled(t, "EvaluateDevice", mock.Anything, mock.Anything)
		})
	}
}
