// Package http provides HTTP/Streamable HTTP transport for Gatewarden.
//
// This package implements inbound HTTP transport following the MCP
// Streamable HTTP specification. Clients send JSON-RPC messages via POST
// and may open an SSE stream via GET for server-initiated messages.
//
// # Usage
//
// Create and start an HTTP transport:
//
//	transport := http.NewHTTPTransport(gateway, policy,
//	    http.WithAddr(":8443"),
//	    http.WithTLS("cert.pem", "key.pem"),
//	    http.WithLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
//	POST /mcp    - Send JSON-RPC message, receive JSON-RPC response
//	GET /mcp     - Open SSE stream for server-initiated messages
//	DELETE /mcp  - Terminate session and close SSE connections
//	OPTIONS /mcp - CORS preflight handling
//	GET /health  - Component health report
//	GET /metrics - Prometheus metrics
//
// With the consent admin interface enabled:
//
//	GET  /consent/pending        - List pending consent requests
//	POST /consent/{id}/decision  - Approve or deny a pending request
//	GET  /consent/history        - Consent decision history
//	GET  /consent/stats          - Aggregate consent statistics
//
// # Request Headers
//
//	Authorization: Bearer <token>  - OAuth 2.1 access token
//	Mcp-Session-Id: <session-id>   - Session identifier for stateful requests
//	Content-Type: application/json - Required for POST requests
//
// # Security
//
// Every request passes through the transport policy engine before the
// gateway sees it: HTTPS enforcement, Origin validation (DNS-rebinding
// defense), and request size limits are applied per the configured
// deployment tier. The listener bind address is validated at startup.
package http
