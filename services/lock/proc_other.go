//go:build !unix && !windows

package lock

// processAlive has no probe here, so every same-named token counts as live
// until its TTL runs out.
func processAlive(int) bool { return true }
