// Package api provides the administrative HTTP API of the SecureHost agent.
//
// The API server exposes endpoints for:
//   - Rule management (create, read, update, delete, toggle)
//   - Agent status and enforcement point health
//   - Decision counters and ad-hoc evaluation
//   - CEF export of the audit log
//
// # Example Usage
//
//	server, err := api.NewAPIServer(api.DefaultConfig(), api.Dependencies{
//	    Rules:       manager,
//	    Evaluator:   engine,
//	    Audit:       pipeline,
//	    AuditState:  pipeline,
//	    Enforcement: synchronizer,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := server.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Stop()
//
// # Endpoints
//
// Health and status:
//   - GET /health - Liveness and degraded state
//   - GET /status - rulesCount, activeRules, uptime, enforcement health
//   - GET /stats  - Decision counters
//
// Rule management:
//   - GET    /rules            - List rules
//   - POST   /rules            - Create rule
//   - GET    /rules/:id        - Get rule
//   - PUT    /rules/:id        - Replace rule
//   - DELETE /rules/:id        - Delete rule
//   - POST   /rules/:id/toggle - Flip enabled
//
// Other:
//   - POST /evaluate/network, POST /evaluate/device - Evaluate one event
//   - GET  /audit/export?startTime=&endTime=         - CEF lines (RFC3339 bounds)
//   - POST /system/reset                             - Suspend enforcement until next sync
//   - GET, PUT /config                               - Running configuration, log level
//
// # Middleware
//
// The server includes the following middleware:
//   - Recovery: Catches panics and prevents server crashes
//   - Logger: Logs all HTTP requests with timing information
//   - Local only: Rejects requests from non-loopback peers
//   - Rate limit: A single token bucket shared by all clients
//   - CORS: Optional, for local web consoles
package api
