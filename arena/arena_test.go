package arena

import (
	"bytes"
	"strings"
	"testing"
)

func TestRoundUp(t *testing.T) {
	for _, tc := range []struct {
		n, align, want uintptr
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{4095, 4096, 4096},
	} {
		if got := RoundUp(tc.n, tc.align); got != tc.want {
			t.Errorf("RoundUp(%d, %d) = %d, expected %d", tc.n, tc.align, got, tc.want)
		}
	}
	if got := RoundUpForAllocation(13); got != 16 {
		t.Errorf("RoundUpForAllocation(13) = %d, expected 16", got)
	}
}

func TestArenasDoNotTouch(t *testing.T) {
	s := NewAddressSpace()
	a, err := s.Malloc(4096)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}
	if a.End() >= b.Base() {
		t.Fatalf("arenas overlap or touch: a ends at %v, b starts at %v", a.End(), b.Base())
	}
	if s.Lookup(a.End()) != nil {
		t.Errorf("address just past an arena should not be mapped")
	}
	if s.Lookup(b.Base()) != b || s.Lookup(a.Base().Add(100)) != a {
		t.Errorf("lookup returned the wrong arena")
	}
	if s.Lookup(Nil) != nil {
		t.Errorf("nil address must not be mapped")
	}
}

func TestLoadStoreReset(t *testing.T) {
	s := NewAddressSpace()
	a, err := s.Malloc(256)
	if err != nil {
		t.Fatal(err)
	}
	addr := a.Base().Add(16)
	s.Store(addr, 0xdeadbeefcafe)
	if got := s.Load(addr); got != 0xdeadbeefcafe {
		t.Errorf("load after store: got %#x", got)
	}
	s.Store32(addr.Add(8), 7)
	if got := s.Load32(addr.Add(8)); got != 7 {
		t.Errorf("load32 after store32: got %d", got)
	}

	// Reset is repeatable and applies the fill pattern.
	for i := 0; i < 2; i++ {
		a.Reset(a.Base(), a.Size(), FillDebug)
		for _, c := range a.Bytes(a.Base(), a.Size()) {
			if c != FillDebug {
				t.Fatalf("byte %#x after reset with debug fill", c)
			}
		}
	}
	a.Reset(a.Base(), a.Size(), FillZero)
	if s.Load(addr) != 0 {
		t.Errorf("memory not zero after zero reset")
	}
}

func TestOutOfBoundsAccessPanics(t *testing.T) {
	s := NewAddressSpace()
	a, err := s.Malloc(64)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("expected a panic for a load straddling the arena end")
		}
	}()
	a.Load(a.End() - 4)
}

func TestCopyBetweenArenas(t *testing.T) {
	s := NewAddressSpace()
	from, _ := s.Malloc(64)
	to, _ := s.Malloc(64)
	s.Store(from.Base(), 1)
	s.Store(from.Base().Add(8), 2)
	s.Copy(to.Base().Add(8), from.Base(), 16)
	if s.Load(to.Base().Add(8)) != 1 || s.Load(to.Base().Add(16)) != 2 {
		t.Errorf("copy did not transfer both words")
	}
}

func TestFreeUnmaps(t *testing.T) {
	s := NewAddressSpace()
	a, _ := s.Malloc(64)
	base := a.Base()
	s.Free(a)
	if s.Lookup(base) != nil {
		t.Errorf("freed arena still mapped")
	}
	b, _ := s.Malloc(64)
	if b.Base() == base {
		t.Errorf("address range reused after free")
	}
}

func TestWriteHex(t *testing.T) {
	s := NewAddressSpace()
	a, _ := s.Malloc(32)
	s.Store(a.Base(), 0x0102030405060708)
	var buf bytes.Buffer
	if err := a.WriteHex(&buf, a.Base(), 32); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, ":") {
		t.Errorf("output does not look like Intel HEX: %q", out)
	}
	if !strings.Contains(out, "0807060504030201") {
		t.Errorf("dump does not contain the stored word: %q", out)
	}
}
