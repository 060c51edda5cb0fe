// Package scribe generates and revises episode scripts through a hosted
// message-generation API. Initial drafts use the primary model with web
// search enabled; revisions use a cheaper model and are checked against
// known refusal phrasings.
package scribe
