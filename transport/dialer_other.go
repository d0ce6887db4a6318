//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !windows

// File: transport/dialer_other.go
// Author: momentics <momentics@gmail.com>

package transport

func setSocketOptions(uintptr, string, bool) error {
	return nil
}
