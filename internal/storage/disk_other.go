//go:build !linux && !darwin

package storage

import "errors"

// FreeBytes is unsupported on this platform.
func (StatfsProbe) FreeBytes(string) (uint64, error) {
	return 0, errors.New("free space probe not supported on this platform")
}
