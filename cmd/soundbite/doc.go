// Package main hosts the Soundbite CLI entrypoint and command graph.
//
// The Cobra-based command tree runs the pipeline daemon in the foreground,
// reports status over the daemon's HTTP API with a direct-database fallback,
// inspects the task queue, resets cards, lists the show catalog, and
// scaffolds configuration. Heavy lifting lives in the internal packages; the
// commands stay declarative.
package main
