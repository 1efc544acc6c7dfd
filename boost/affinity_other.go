//go:build !linux
// +build !linux

package boost

func gettid() int {
	return 0
}

func pinThread(_ int) error {
	return nil
}
