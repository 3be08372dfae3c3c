//go:build !linux

package swproxy

func processRSS() (uint64, bool) { return 0, false }
