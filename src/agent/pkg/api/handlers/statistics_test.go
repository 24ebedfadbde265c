// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/models"
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/policy"
)

func TestGetStats(t *testing.T) {
	tests := []struct {
		name        string
		stats       policy.Statistics
		blockRate   float64
		defaultRate float64
	}{
		{
			name: "mixed traffic",
			stats: policy.Statistics{
				NetworkEvaluations: 150,
				DeviceEvaluations:  50,
				Allowed:            140,
				Blocked:            50,
				Audited:            10,
				DefaultApplied:     100,
			},
			blockRate:   25,
			defaultRate: 50,
		},
		{
			name: "idle engine",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := new(MockEvaluator)
			ev.On("Statistics").Return(tt.stats)

			router := newTestRouter()
			router.GET("/stats", NewStatisticsHandler(ev).GetStats)

			w := performRequest(router, http.MethodGet, "/stats", nil)
			assert.Equal(t, http.StatusOK, w.Code)

			var resp models.StatisticsResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.stats.NetworkEvaluations, resp.NetworkEvaluations)
			assert.Equal(t, tt.stats.Blocked, resp.Blocked)
			assert.InDelta(t, tt.blockRate, resp.BlockRate, 0.01)
			assert.InDelta(t, tt.defaultRate, resp.DefaultRate, 0.01)
			ev.AssertExpectations(t)
		})
	}
}
