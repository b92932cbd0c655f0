//go:build unix

package probe

import (
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// countOpenFDs counts the entries of the per-process descriptor directory
// (/proc/self/fd on Linux, /dev/fd on the BSDs and macOS).
func countOpenFDs() int {
	for _, dir := range []string{"/proc/self/fd", "/dev/fd"} {
		if entries, err := os.ReadDir(dir); err == nil {
			return len(entries)
		}
	}
	return -1
}

// getMaxFDs returns the soft RLIMIT_NOFILE.
func getMaxFDs() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return -1
	}
	if uint64(rl.Cur) > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(rl.Cur) //nolint:gosec // bounded above
}
