package guestmem

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gokvm/axvm/internal/axerr"
)

func TestWriteReadRoundTrip(t *testing.T) {
	mem, err := New(4096)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer mem.Close()

	want := []byte("hello guest physical memory")
	if err := mem.Write(0x100, want); err != nil {
		t.Fatalf("Write() = %v", err)
	}

	got := make([]byte, len(want))
	if err := mem.Read(0x100, got); err != nil {
		t.Fatalf("Read() = %v", err)
	}

	if !bytes.Equal(got, want) {
		t.Errorf("Read() = %q, want %q", got, want)
	}
}

func TestOutOfBoundsRejected(t *testing.T) {
	mem, err := New(4096)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer mem.Close()

	err = mem.Write(4000, make([]byte, 200))
	if err == nil {
		t.Fatalf("Write() past end = nil, want error")
	}

	var target *axerr.Error
	if !errors.As(err, &target) || target.Kind != axerr.MemoryOutOfBounds {
		t.Errorf("want MemoryOutOfBounds, got %v", err)
	}
}

func TestSliceSharesBackingArray(t *testing.T) {
	mem, err := New(4096)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	defer mem.Close()

	s, err := mem.Slice(0, 16)
	if err != nil {
		t.Fatalf("Slice() = %v", err)
	}

	s[0] = 0xAB

	got := make([]byte, 1)
	if err := mem.Read(0, got); err != nil {
		t.Fatalf("Read() = %v", err)
	}

	if got[0] != 0xAB {
		t.Errorf("Slice() did not alias underlying memory")
	}
}
