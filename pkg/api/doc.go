// Package api serves the engine's introspection and control HTTP API.
//
//	GET    /healthz
//	GET    /metrics
//	GET    /v1/plugins
//	GET    /v1/actions
//	GET    /v1/sequences
//	GET    /v1/sequences/{id}
//	DELETE /v1/sequences/{id}
//	POST   /v1/anomalies[?wait=true]
//	GET    /v1/config
//	PATCH  /v1/config
//	PATCH  /v1/config/actions
//	GET    /v1/policies
//	POST   /v1/policies/{name}/enable
//	POST   /v1/policies/{name}/disable
//	GET    /v1/status/actions
//	GET    /v1/status/actions/{name}
package api
