package unwind

import "testing"

func TestIsExceptionReturn(t *testing.T) {
	cases := []struct {
		addr uint64
		want bool
	}{
		{0xFFFFFFFD, true},
		{0xFFFFFFF9, true},
		{0xFFFFFFE1, true},
		{0x0800_1234, false},
		{0x2000_0000, false},
	}
	for _, c := range cases {
		if got := isExceptionReturn(c.addr); got != c.want {
			t.Errorf("isExceptionReturn(0x%x) = %v, want %v", c.addr, got, c.want)
		}
	}
}

func TestExceptionFrameWords(t *testing.T) {
	if got := exceptionFrameWords(false); got != 8 {
		t.Errorf("exceptionFrameWords(false) = %d, want 8", got)
	}
	if got := exceptionFrameWords(true); got != 26 {
		t.Errorf("exceptionFrameWords(true) = %d, want 26", got)
	}
}

func TestCortexMRegisters(t *testing.T) {
	var p CortexM
	if p.PCRegister() != 15 {
		t.Errorf("PCRegister() = %d, want 15", p.PCRegister())
	}
	if p.SPRegister() != 13 {
		t.Errorf("SPRegister() = %d, want 13", p.SPRegister())
	}
	if p.Arch().PointerSize != 4 {
		t.Errorf("Arch().PointerSize = %d, want 4", p.Arch().PointerSize)
	}
}
