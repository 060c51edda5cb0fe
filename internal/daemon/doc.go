// Package daemon runs the background pipeline: the queue workers that
// execute stage tasks, the periodic maintenance schedule, and the ingress
// HTTP server. A file lock enforces a single instance per data directory.
package daemon
