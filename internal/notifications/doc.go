// Package notifications delivers pipeline events via ntfy push messages.
//
// The default implementation publishes to the topic configured in config.toml
// and gracefully degrades to a no-op when no topic is set. Per-event toggles
// (script_ready, delivered, errors) let operators mute categories without
// disabling the whole channel. Pipeline code depends only on the Service
// interface.
package notifications
