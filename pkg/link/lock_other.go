//go:build !unix

package link

// FileLock is a no-op on platforms without flock.
type FileLock struct{}

func AcquireLock(dir, name string) (*FileLock, error) {
	return &FileLock{}, nil
}

func (l *FileLock) Release() error {
	return nil
}
