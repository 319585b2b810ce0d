//go:build linux || darwin || freebsd || netbsd || openbsd

package arena

import "golang.org/x/sys/unix"

// sysAlloc maps size bytes of anonymous, zeroed memory.
func sysAlloc(size uintptr) ([]byte, func([]byte) error, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return mem, unix.Munmap, nil
}
