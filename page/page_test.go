package page

import "testing"

func TestFloorCeil(t *testing.T) {
	cases := []struct{ in, floor, ceil uintptr }{
		{0, 0, 0},
		{1, 0, Size},
		{Size, Size, Size},
		{Size + 1, Size, 2 * Size},
		{Size - 1, 0, Size},
	}
	for _, c := range cases {
		if got := Floor(c.in); got != c.floor {
			t.Errorf("Floor(%#x) = %#x, want %#x", c.in, got, c.floor)
		}
		if got := Ceil(c.in); got != c.ceil {
			t.Errorf("Ceil(%#x) = %#x, want %#x", c.in, got, c.ceil)
		}
	}
}

func TestAligned(t *testing.T) {
	if !Aligned(0) || !Aligned(Size) {
		t.Error("multiples of Size must be aligned")
	}
	if Aligned(1) || Aligned(Size + 1) {
		t.Error("non-multiples of Size must not be aligned")
	}
}

func TestRefcounting(t *testing.T) {
	p := New(0x1000, 0)
	if p.Ref() != 1 {
		t.Fatalf("fresh page ref = %d, want 1", p.Ref())
	}
	p.Refup()
	if p.Ref() != 2 {
		t.Fatalf("after refup, ref = %d, want 2", p.Ref())
	}
	if p.Refdown() {
		t.Fatal("refdown from 2 reported zero")
	}
	if !p.Refdown() {
		t.Fatal("refdown from 1 did not report zero")
	}
}

func TestRefdownUnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on refcount underflow")
		}
	}()
	p := New(0x1000, 0)
	p.Refdown()
	p.Refdown()
}

func TestRefupFromZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on refup from non-positive refcount")
		}
	}()
	p := New(0x1000, 0)
	p.Refdown()
	p.Refup()
}
