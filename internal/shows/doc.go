// Package shows maps board labels to show profiles (voice and prompt)
// sourced from a published spreadsheet. The catalog is cached for a few
// minutes so sheet edits take effect without restarting, and the last good
// copy is served when a refresh fails.
package shows
