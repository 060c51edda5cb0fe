// Package ingress exposes the HTTP surface of the pipeline: the board
// webhook endpoint that feeds the orchestrator, the script editor API, and
// the status and admin endpoints.
package ingress
