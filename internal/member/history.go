package member

// Prepend pushes old onto the front of a history slice, so reading the slice
// front to back walks past values most-recent-change-first. No deduplication:
// a field that oscillates records every old value. No upper bound either; the
// ledger keeps the full trail.
func Prepend(history []string, old string) []string {
	out := make([]string, 0, len(history)+1)
	out = append(out, old)
	return append(out, history...)
}
