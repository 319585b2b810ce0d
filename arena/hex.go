package arena

import (
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"
)

// WriteHex dumps [addr, addr+size) of the arena as Intel HEX records, with
// record addresses equal to arena addresses.
func (a *Arena) WriteHex(w io.Writer, addr Address, size uintptr) error {
	if uint64(addr)+uint64(size) > 1<<32 {
		return fmt.Errorf("arena: range %v+%d does not fit in 32-bit HEX addresses", addr, size)
	}
	mem := gohex.NewMemory()
	if err := mem.AddBinary(uint32(addr), a.Bytes(addr, size)); err != nil {
		return err
	}
	mem.SetStartAddress(uint32(addr))
	return mem.DumpIntelHex(w, 16)
}
