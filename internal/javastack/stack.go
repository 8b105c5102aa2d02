// Package javastack implements the guest stack shared by the interpreter
// and JIT: a large sparsely-committed down-growing mapping holding
// fixed-layout frames. The frame layout is an external contract (JNI and
// JVMTI walk frames through it), and the two magic words in every header
// are load-bearing: every read of a frame re-validates them.
package javastack

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/pirocks/gojvm/internal/platform"
)

// Frame header offsets, in bytes below the frame pointer. Each field is a
// u64 stored at fp-offset.
const (
	FrameHeaderPrevRIPOffset    = 8
	FrameHeaderPrevRBPOffset    = 16
	FrameHeaderIRMethodIDOffset = 24
	FrameHeaderMethodIDOffset   = 32
	FrameHeaderMagic1Offset     = 40
	FrameHeaderMagic2Offset     = 48

	// FrameHeaderSize is the header's footprint; data slots start right
	// below it.
	FrameHeaderSize = 48
)

// The expected magic words. A frame whose magics differ is corrupt, and
// everything read from it would be garbage; readers abort.
const (
	Magic1Expected uint64 = 0xDEADBEEFDEADBEAF
	Magic2Expected uint64 = 0xDEADCAFEDEADCAFE
)

// Sentinels for opaque (non-Java) frames.
const (
	OpaqueIRMethodID uint64 = ^uint64(0)
	OpaqueMethodID   uint64 = ^uint64(0) // -1
)

// DefaultStackSize is the reservation per guest stack.
const DefaultStackSize = 1024 * 1024 * 1024

// FramePointerOffset is a positive byte distance below a frame pointer.
type FramePointerOffset uint32

// DataSlotOffset returns the FramePointerOffset of data slot i (locals
// first, then operand stack).
func DataSlotOffset(i uint16) FramePointerOffset {
	return FramePointerOffset(FrameHeaderSize + 8*(uint32(i)+1))
}

// FrameSize returns the byte size of a frame with the given number of data
// slots.
func FrameSize(numSlots uint16) uint64 {
	return FrameHeaderSize + 8*uint64(numSlots)
}

// MagicMismatchError is panicked (and trapped into a process abort at the
// VM boundary) when a frame header fails validation.
type MagicMismatchError struct {
	FramePointer   uintptr
	Magic1, Magic2 uint64
}

func (e *MagicMismatchError) Error() string {
	return fmt.Sprintf("frame 0x%x magic mismatch: magic1=0x%x magic2=0x%x",
		e.FramePointer, e.Magic1, e.Magic2)
}

// SignalAccessibleData is the per-thread block a safepoint initiator reads
// from outside the thread: the stack bounds classify a remote thread's
// saved registers as in-guest or in-host, and ShouldSafepointCheck is the
// flag guest poll sites test.
type SignalAccessibleData struct {
	StackTop             uintptr
	StackBottom          uintptr
	ShouldSafepointCheck atomic.Bool
}

// InGuest reports whether rbp and rsp both lie within the guest stack, i.e.
// the thread was executing compiled guest code. rip is not checked.
func (d *SignalAccessibleData) InGuest(rip, rbp, rsp uintptr) bool {
	in := func(p uintptr) bool { return d.StackBottom <= p && p <= d.StackTop }
	// RIP lives in the code segment, not the stack; a thread is in guest
	// when its frame and stack pointers are inside the guest stack.
	_ = rip
	return in(rbp) && in(rsp)
}

// Stack is one thread's guest stack.
type Stack struct {
	region []byte
	top    uintptr
	bottom uintptr

	// Signal is shared with safepoint initiators.
	Signal SignalAccessibleData
}

// New maps a fresh guest stack of the given size (DefaultStackSize if 0).
func New(size int) (*Stack, error) {
	if size == 0 {
		size = DefaultStackSize
	}
	region, top, err := platform.MmapStack(size)
	if err != nil {
		return nil, err
	}
	s := &Stack{
		region: region,
		top:    top,
		bottom: uintptr(unsafe.Pointer(&region[0])),
	}
	s.Signal.StackTop = s.top
	s.Signal.StackBottom = s.bottom
	return s, nil
}

// Top returns the initial frame pointer: the usable top of the stack.
func (s *Stack) Top() uintptr { return s.top }

// ValidateFramePointer bounds-checks fp, returning an error when it lies
// outside the guest stack mapping.
func (s *Stack) ValidateFramePointer(fp uintptr) error {
	if fp > s.top || fp < s.bottom {
		return fmt.Errorf("frame pointer 0x%x outside guest stack [0x%x, 0x%x]", fp, s.bottom, s.top)
	}
	return nil
}

// CheckRoom reports whether a frame of frameSize bytes fits below fp.
func (s *Stack) CheckRoom(fp uintptr, frameSize uint64) error {
	if fp < s.bottom+uintptr(frameSize) {
		return fmt.Errorf("stack overflow: frame of %d bytes at 0x%x", frameSize, fp)
	}
	return nil
}

func read64(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr))
}

func write64(addr uintptr, v uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = v
}

// WriteFrame installs a complete frame header plus initial data slots at
// fp. data is written into slot 0..len-1 (locals in declaration order).
func (s *Stack) WriteFrame(fp uintptr, prevRIP, prevRBP uintptr, irMethodID, methodID uint64, data []uint64) error {
	if err := s.ValidateFramePointer(fp); err != nil {
		return err
	}
	if err := s.CheckRoom(fp, FrameSize(uint16(len(data)))); err != nil {
		return err
	}
	write64(fp-FrameHeaderPrevRIPOffset, uint64(prevRIP))
	write64(fp-FrameHeaderPrevRBPOffset, uint64(prevRBP))
	write64(fp-FrameHeaderIRMethodIDOffset, irMethodID)
	write64(fp-FrameHeaderMethodIDOffset, methodID)
	write64(fp-FrameHeaderMagic1Offset, Magic1Expected)
	write64(fp-FrameHeaderMagic2Offset, Magic2Expected)
	for i, v := range data {
		write64(fp-uintptr(DataSlotOffset(uint16(i))), v)
	}
	return nil
}

// FrameAt validates fp (bounds and magics) and returns a reference to the
// frame.
func (s *Stack) FrameAt(fp uintptr) (FrameRef, error) {
	if err := s.ValidateFramePointer(fp); err != nil {
		return FrameRef{}, err
	}
	f := FrameRef{fp: fp, stack: s}
	f.checkMagics()
	return f, nil
}

// FrameRef is a checked reference to one frame.
type FrameRef struct {
	fp    uintptr
	stack *Stack
}

// checkMagics aborts on header corruption. This is deliberately a panic
// with a typed value: the magic words encode the memory-safety story and
// there is nothing sane to do with a corrupt stack.
func (f FrameRef) checkMagics() {
	m1 := read64(f.fp - FrameHeaderMagic1Offset)
	m2 := read64(f.fp - FrameHeaderMagic2Offset)
	if m1 != Magic1Expected || m2 != Magic2Expected {
		panic(&MagicMismatchError{FramePointer: f.fp, Magic1: m1, Magic2: m2})
	}
}

// FramePointer returns the frame's fp.
func (f FrameRef) FramePointer() uintptr { return f.fp }

// ReadAtOffset reads the u64 at fp-offset.
func (f FrameRef) ReadAtOffset(off FramePointerOffset) uint64 {
	f.checkMagics()
	return read64(f.fp - uintptr(off))
}

// WriteAtOffset writes the u64 at fp-offset.
func (f FrameRef) WriteAtOffset(off FramePointerOffset, v uint64) {
	f.checkMagics()
	write64(f.fp-uintptr(off), v)
}

// PrevRIP returns the saved return address.
func (f FrameRef) PrevRIP() uintptr {
	return uintptr(f.ReadAtOffset(FrameHeaderPrevRIPOffset))
}

// PrevRBP returns the caller's frame pointer.
func (f FrameRef) PrevRBP() uintptr {
	return uintptr(f.ReadAtOffset(FrameHeaderPrevRBPOffset))
}

// IRMethodID returns the frame's IR method id; ok=false for opaque frames.
func (f FrameRef) IRMethodID() (uint64, bool) {
	v := f.ReadAtOffset(FrameHeaderIRMethodIDOffset)
	return v, v != OpaqueIRMethodID
}

// MethodID returns the frame's Java method id; ok=false for opaque frames.
func (f FrameRef) MethodID() (uint64, bool) {
	v := f.ReadAtOffset(FrameHeaderMethodIDOffset)
	return v, v != OpaqueMethodID
}

// SetPrevRIP rewrites the saved return address; the unwinder uses this to
// redirect a resumed frame into an exception handler.
func (f FrameRef) SetPrevRIP(rip uintptr) {
	f.WriteAtOffset(FrameHeaderPrevRIPOffset, uint64(rip))
}

// FrameSizer resolves an IR method id to its fixed frame size. Implemented
// by the engine's method table.
type FrameSizer interface {
	FrameSizeOf(irMethodID uint64) (uint64, bool)
}

// FrameIter walks frames from a starting frame pointer toward the stack
// top, following prev-rbp links.
type FrameIter struct {
	stack   *Stack
	current uintptr
	sizes   FrameSizer
	done    bool
}

// Iter returns an iterator starting at fp.
func (s *Stack) Iter(fp uintptr, sizes FrameSizer) *FrameIter {
	return &FrameIter{stack: s, current: fp, sizes: sizes}
}

// Next returns the next frame, or ok=false at the top-of-stack sentinel.
func (it *FrameIter) Next() (FrameRef, bool, error) {
	if it.done {
		return FrameRef{}, false, nil
	}
	f, err := it.stack.FrameAt(it.current)
	if err != nil {
		return FrameRef{}, false, err
	}
	if it.current == it.stack.top {
		it.done = true
		return f, true, nil
	}

	prev := f.PrevRBP()
	// Cross-check the link against the frame-size table: the distance to
	// the previous frame must equal that frame's fixed size.
	prevFrame, err := it.stack.FrameAt(prev)
	if err != nil {
		return FrameRef{}, false, err
	}
	if id, ok := prevFrame.IRMethodID(); ok && it.sizes != nil {
		if size, ok := it.sizes.FrameSizeOf(id); ok {
			if got := uint64(prev - it.current); got != size {
				return FrameRef{}, false, fmt.Errorf(
					"frame link corrupt: 0x%x -> 0x%x spans %d bytes, ir method %d has frame size %d",
					it.current, prev, got, id, size)
			}
		}
	}
	it.current = prev
	return f, true, nil
}
