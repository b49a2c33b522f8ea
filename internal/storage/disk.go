package storage

// DiskProbe reports free bytes available to this process at a path.
type DiskProbe interface {
	FreeBytes(path string) (uint64, error)
}

// StatfsProbe reads free space from the filesystem.
type StatfsProbe struct{}

// FixedProbe reports a constant; it backs tests and dry runs.
type FixedProbe struct {
	Free uint64
	Err  error
}

// FreeBytes implements DiskProbe.
func (p FixedProbe) FreeBytes(string) (uint64, error) {
	return p.Free, p.Err
}
