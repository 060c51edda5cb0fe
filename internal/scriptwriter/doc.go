// Package scriptwriter implements the script stage: research preparation,
// model generation, card attachments, and the review handoff, plus the
// revision path that reworks a script in place while the card stays in
// review.
package scriptwriter
