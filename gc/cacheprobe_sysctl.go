//go:build darwin || freebsd || netbsd || openbsd

package gc

import (
	"golang.org/x/sys/unix"
)

// SysctlProbe asks the kernel through sysctl. Name defaults to
// hw.l2cachesize.
type SysctlProbe struct {
	Name string
}

func (p SysctlProbe) L2CacheSize() (uint64, error) {
	name := p.Name
	if name == "" {
		name = "hw.l2cachesize"
	}
	size, err := unix.SysctlUint64(name)
	if err != nil {
		// Some kernels publish it as a 32-bit value.
		size32, err32 := unix.SysctlUint32(name)
		if err32 != nil {
			return 0, err
		}
		size = uint64(size32)
	}
	return size, nil
}
