//go:build !linux

package runtime

// ApplyRlimits is a no-op on platforms without setrlimit support.
func ApplyRlimits(noFile uint64) error { return nil }
