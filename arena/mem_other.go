//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package arena

// sysAlloc falls back to Go-managed memory where anonymous mappings are not
// available.
func sysAlloc(size uintptr) ([]byte, func([]byte) error, error) {
	return make([]byte, size), nil, nil
}
