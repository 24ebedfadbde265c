// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// setupPolicyRouter creates a test router with the policy handler
func setupPolicyRouter(rm *MockRuleManager) (*gin.Engine, *PolicyHandler) {
	router := newTestRouter()
	handler := NewPolicyHandler(rm)
	handler.now = func() time.Time { return testNow }

	rules := router.Group("/rules")
	{
		rules.GET("", handler.ListRules)
		rules.POST("", handler.CreateRule)
		rules.GET("/:id", handler.GetRule)
		rules.PUT("/:id", handler.UpdateRule)
		rules.DELETE("/:id", handler.DeleteRule)
		rules.POST("/:id/toggle", handler.ToggleRule)
	}
	return router, handler
}

func storedRule(id uint64) policy.Rule {
	return policy.Rule{
		ID:            id,
		Name:          "block telnet",
		Kind:          policy.KindNetwork,
		Action:        policy.ActionBlock,
		Priority:      100,
		Enabled:       true,
		Protocol:      policy.ProtocolTCP,
		RemotePort:    23,
		RemoteAddress: "10.0.0.0/8",
		AuditLevel:    policy.AuditHigh,
		CreatedAt:     testNow.Add(-time.Hour),
		ModifiedAt:    testNow.Add(-time.Hour),
	}
}

func decodeError(t *testing.T, body []byte) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestCreateRule_Success(t *testing.T) {
	rm := new(MockRuleManager)
	router, _ := setupPolicyRouter(rm)

	rm.On("AddRule", mock.Anything, mock.MatchedBy(func(r policy.Rule) bool {
		return r.Kind == policy.KindNetwork &&
			r.Action == policy.ActionBlock &&
			r.Protocol == policy.ProtocolTCP &&
			r.RemotePort == 23 &&
			r.Enabled &&
			r.AuditLevel == policy.AuditHigh
	})).Return(storedRule(1), nil)

	w := performRequest(router, http.MethodPost, "/rules", models.RuleRequest{
		Name:          "block telnet",
		Type:          "network",
		Action:        "block",
		Priority:      100,
		Protocol:      "tcp",
		RemotePort:    23,
		RemoteAddress: "10.0.0.0/8",
		AuditLevel:    "high",
	})

	assert.Equal(t, http.StatusCreated, w.Code)

	var resp models.RuleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(1), resp.ID)
	assert.Equal(t, "network", resp.Type)
	assert.Equal(t, "block", resp.Action)
	assert.Equal(t, "tcp", resp.Protocol)
	assert.Equal(t, uint16(23), resp.RemotePort)
	assert.Equal(t, "high", resp.AuditLevel)
	assert.True(t, resp.Active)

	rm.AssertExpectations(t)
}

func TestCreateRule_DisabledAndWindowed(t *testing.T) {
	rm := new(MockRuleManager)
	router, _ := setupPolicyRouter(rm)

	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	rm.On("AddRule", mock.Anything, mock.MatchedBy(func(r policy.Rule) bool {
		return !r.Enabled && r.ValidFrom != nil && r.ValidFrom.Location() == time.UTC && r.ValidFrom.Equal(from)
	})).Return(storedRule(2), nil)

	disabled := false
	w := performRequest(router, http.MethodPost, "/rules", models.RuleRequest{
		Type:      "device",
		Action:    "allow",
		Enabled:   &disabled,
		ValidFrom: &from,
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	rm.AssertExpectations(t)
}

func TestCreateRule_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
	}{
		{"invalid json", "{invalid json"},
		{"missing type", models.RuleRequest{Action: "allow"}},
		{"missing action", models.RuleRequest{Type: "network"}},
		{"unknown type", models.RuleRequest{Type: "printer", Action: "allow"}},
		{"unknown protocol", models.RuleRequest{Type: "network", Action: "allow", Protocol: "sctp"}},
		{"unknown device", models.RuleRequest{Type: "device", Action: "allow", DeviceType: "floppy"}},
		{"unknown level", models.RuleRequest{Type: "network", Action: "allow", AuditLevel: "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rm := new(MockRuleManager)
			router, _ := setupPolicyRouter(rm)

			w := performRequest(router, http.MethodPost, "/rules", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "validation_error", decodeError(t, w.Body.Bytes()).Error)
			rm.AssertNotCalled(t, "AddRule", mock.Anything, mock.Anything)
		})
	}
}

func TestCreateRule_ValidationErrorFromStore(t *testing.T) {
	rm := new(MockRuleManager)
	router, _ := setupPolicyRouter(rm)

	rm.On("AddRule", mock.Anything, mock.Anything).Return(policy.Rule{},
		&policy.ValidationError{Field: "remote_address", Message: "partial octet wildcard"})

	w := performRequest(router, http.MethodPost, "/rules", models.RuleRequest{
		Type:          "network",
		Action:        "block",
		RemoteAddress: "192.168.1*",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w.Body.Bytes())
	assert.Equal(t, "validation_error", resp.Error)
	details, ok := resp.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "remote_address", details["field"])
}

func TestCreateRule_InternalError(t *testing.T) {
	rm := new(MockRuleManager)
	router, _ := setupPolicyRouter(rm)

	rm.On("AddRule", mock.Anything, mock.Anything).Return(policy.Rule{}, errors.New("disk on fire"))

	w := performRequest(router, http.MethodPost, "/rules", models.RuleRequest{Type: "network", Action: "allow"})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "policy_error", decodeError(t, w.Body.Bytes()).Error)
}

func TestCreateRule_IDExhaustedIsFatal(t *testing.T) {
	rm := new(MockRuleManager)
	router, handler := setupPolicyRouter(rm)

	var fatal error
	handler.Fatal = func(err error) { fatal = err }
	rm.On("AddRule", mock.Anything, mock.Anything).Return(policy.Rule{}, policy.ErrIDExhausted)

	w := performRequest(router, http.MethodPost, "/rules", models.RuleRequest{Type: "network", Action: "allow"})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.ErrorIs(t, fatal, policy.ErrIDExhausted)
}

func TestListRules(t *testing.T) {
	rm := new(MockRuleManager)
	router, _ := setupPolicyRouter(rm)

	device := storedRule(2)
	device.Kind = policy.KindDevice
	device.DeviceType = policy.DeviceCamera
	device.Enabled = false
	rm.On("ListRules").Return([]policy.Rule{storedRule(1), device})

	w := performRequest(router, http.MethodGet, "/rules", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.RuleListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "camera", resp.Rules[1].DeviceType)
	assert.Empty(t, resp.Rules[1].Protocol, "network fields are omitted for device rules")
	assert.False(t, resp.Rules[1].Active)
}

func TestListRules_Empty(t *testing.T) {
	rm := new(MockRuleManager)
	router, _ := setupPolicyRouter(rm)
	rm.On("ListRules").Return(nil)

	w := performRequest(router, http.MethodGet, "/rules", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"rules":[],"count":0}`, w.Body.String())
}

func TestGetRule(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		setup  func(*MockRuleManager)
		status int
	}{
		{"found", "/rules/1", func(rm *MockRuleManager) {
			rm.On("GetRule", uint64(1)).Return(storedRule(1), true)
		}, http.StatusOK},
		{"not found", "/rules/9", func(rm *MockRuleManager) {
			rm.On("GetRule", uint64(9)).Return(policy.Rule{}, false)
		}, http.StatusNotFound},
		{"not a number", "/rules/abc", func(*MockRuleManager) {}, http.StatusBadRequest},
		{"zero", "/rules/0", func(*MockRuleManager) {}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rm := new(MockRuleManager)
			router, _ := setupPolicyRouter(rm)
			tt.setup(rm)

			w := performRequest(router, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.status, w.Code)
			rm.AssertExpectations(t)
		})
	}
}

func TestUpdateRule(t *testing.T) {
	body := models.RuleRequest{Type: "network", Action: "allow", Priority: 5}
	updated := storedRule(3)
	updated.Action = policy.ActionAllow

	tests := []struct {
		name   string
		setup  func(*MockRuleManager)
		status int
		errKey string
	}{
		{"updated", func(rm *MockRuleManager) {
			rm.On("UpdateRule", mock.Anything, uint64(3), mock.Anything).Return(updated, true, nil)
		}, http.StatusOK, ""},
		{"not found", func(rm *MockRuleManager) {
			rm.On("UpdateRule", mock.Anything, uint64(3), mock.Anything).Return(policy.Rule{}, false, nil)
		}, http.StatusNotFound, "not_found"},
		{"invalid", func(rm *MockRuleManager) {
			rm.On("UpdateRule", mock.Anything, uint64(3), mock.Anything).
				Return(policy.Rule{}, true, &policy.ValidationError{Field: "process_name", Message: "bad glob"})
		}, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rm := new(MockRuleManager)
			router, _ := setupPolicyRouter(rm)
			tt.setup(rm)

			w := performRequest(router, http.MethodPut, "/rules/3", body)
			assert.Equal(t, tt.status, w.Code)
			if tt.errKey != "" {
				assert.Equal(t, tt.errKey, decodeError(t, w.Body.Bytes()).Error)
			}
			rm.AssertExpectations(t)
		})
	}
}

func TestDeleteRule(t *testing.T) {
	rm := new(MockRuleManager)
	router, _ := setupPolicyRouter(rm)
	rm.On("DeleteRule", mock.Anything, uint64(4)).Return(true).Once()
	rm.On("DeleteRule", mock.Anything, uint64(4)).Return(false).Once()

	w := performRequest(router, http.MethodDelete, "/rules/4", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Rule 4 deleted")

	w = performRequest(router, http.MethodDelete, "/rules/4", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	rm.AssertExpectations(t)
}

func TestToggleRule(t *testing.T) {
	rm := new(MockRuleManager)
	router, _ := setupPolicyRouter(rm)

	toggled := storedRule(5)
	toggled.Enabled = false
	rm.On("ToggleRule", mock.Anything, uint64(5)).Return(toggled, true)
	rm.On("ToggleRule", mock.Anything, uint64(6)).Return(policy.Rule{}, false)

	w := performRequest(router, http.MethodPost, "/rules/5/toggle", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp models.RuleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Enabled)
	assert.False(t, resp.Active)

	w = performRequest(router, http.MethodPost, "/rules/6/toggle", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
