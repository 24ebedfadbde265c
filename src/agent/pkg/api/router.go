package api

import (
	"github.com/sailwalpranjal/SecureHost-Control-Suite/src/agent/pkg/api/handlers"
)

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	healthHandler := handlers.NewHealthHandler(s.deps.Rules, s.deps.Enforcement, s.deps.AuditState)
	policyHandler := handlers.NewPolicyHandler(s.deps.Rules)
	statsHandler := handlers.NewStatisticsHandler(s.deps.Evaluator)
	evalHandler := handlers.NewEvaluateHandler(s.deps.Evaluator)
	systemHandler := handlers.NewSystemHandler(s.deps.Rules)
	configHandler := handlers.NewConfigHandler(s.deps.Settings)

	r := s.router

	// Health and status endpoints
	r.GET("/health", healthHandler.GetHealth)
	r.GET("/status", healthHandler.GetStatus)
	r.GET("/stats", statsHandler.GetStats)

	// Rule management endpoints
	rules := r.Group("/rules")
	{
		rules.GET("", policyHandler.ListRules)
		rules.POST("", policyHandler.CreateRule)
		rules.GET("/:id", policyHandler.GetRule)
		rules.PUT("/:id", policyHandler.UpdateRule)
		rules.DELETE("/:id", policyHandler.DeleteRule)
		rules.POST("/:id/toggle", policyHandler.ToggleRule)
	}

	// Ad-hoc evaluation
	evaluate := r.Group("/evaluate")
	{
		evaluate.POST("/network", evalHandler.EvaluateNetwork)
		evaluate.POST("/device", evalHandler.EvaluateDevice)
	}

	if s.deps.Audit != nil {
		auditHandler := handlers.NewAuditHandler(s.deps.Audit)
		r.GET("/audit/export", auditHandler.ExportAudit)
	}

	r.POST("/system/reset", systemHandler.Reset)

	config := r.Group("/config")
	{
		config.GET("", configHandler.GetConfig)
		config.PUT("", configHandler.UpdateConfig)
	}
}
