// Package board wraps the card board's REST API: card reads, label
// find-or-create, comments, attachments, and list moves. Labels are the
// pipeline's user-facing state display, so every stage handler goes through
// this package.
package board
