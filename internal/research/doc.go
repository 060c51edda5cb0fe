// Package research turns a card description into script-writing context:
// the human-written instructions and the text content of any linked URLs.
// Tweets are resolved through the public oEmbed API; other pages are fetched
// and stripped to plain text.
package research
