// Package jitcompiler lowers verified JVM bytecode to IR, one method at a
// time. It operates purely on frame-relative slots derived from the
// verifier's stack maps; physical registers never leak into the lowering.
package jitcompiler

import (
	"fmt"
	"sort"

	"github.com/pirocks/gojvm/internal/classfile"
	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/javastack"
)

// ByteCodeIndex is the dense index of an instruction within a method,
// ordered by bytecode offset.
type ByteCodeIndex uint16

// MethodFrameData is everything the lowering needs to place values: the
// per-instruction operand-stack depths and category-2 flags from the
// verifier, and the method's local/stack slot layout.
type MethodFrameData struct {
	MaxLocals uint16

	// code is ordered by offset; indexByOffset inverts it.
	code          []classfile.Instruction
	indexByOffset map[uint16]ByteCodeIndex

	// stackDepth[i] is the operand-stack entry count before executing
	// instruction i (category-2 values count once).
	stackDepth []uint16
	// isCat2[i][j] reports whether stack entry j (bottom-based) at
	// instruction i is a long/double.
	isCat2 [][]bool

	// maxStackEntries is the deepest stack across the method.
	maxStackEntries uint16
}

// NewMethodFrameData derives the frame data from a method's code attribute
// and its verifier frames (no Top padding).
func NewMethodFrameData(code *classfile.Code, frames map[uint16]*classfile.StackMapFrame) (*MethodFrameData, error) {
	d := &MethodFrameData{
		MaxLocals:     code.MaxLocals,
		code:          append([]classfile.Instruction(nil), code.Instructions...),
		indexByOffset: map[uint16]ByteCodeIndex{},
	}
	sort.Slice(d.code, func(i, j int) bool { return d.code[i].Offset < d.code[j].Offset })

	d.stackDepth = make([]uint16, len(d.code))
	d.isCat2 = make([][]bool, len(d.code))
	for i, instr := range d.code {
		d.indexByOffset[instr.Offset] = ByteCodeIndex(i)
		frame, ok := frames[instr.Offset]
		if !ok {
			return nil, fmt.Errorf("no verifier frame for bytecode offset %d", instr.Offset)
		}
		depth := frame.Depth()
		d.stackDepth[i] = depth
		cat2 := make([]bool, depth)
		for j, t := range frame.Stack {
			cat2[j] = t.IsCategory2()
		}
		d.isCat2[i] = cat2
		if depth > d.maxStackEntries {
			d.maxStackEntries = depth
		}
	}
	return d, nil
}

// Instructions returns the offset-ordered instruction list.
func (d *MethodFrameData) Instructions() []classfile.Instruction { return d.code }

// IndexOfOffset resolves a bytecode offset to its dense index.
func (d *MethodFrameData) IndexOfOffset(off uint16) (ByteCodeIndex, error) {
	i, ok := d.indexByOffset[off]
	if !ok {
		return 0, fmt.Errorf("bytecode offset %d is not an instruction boundary", off)
	}
	return i, nil
}

// StackDepth returns the operand-stack entry count before instruction i.
func (d *MethodFrameData) StackDepth(i ByteCodeIndex) uint16 { return d.stackDepth[i] }

// OperandStackEntry returns the frame offset of the stack entry fromEnd
// positions below the top, before instruction i executes.
func (d *MethodFrameData) OperandStackEntry(i ByteCodeIndex, fromEnd uint16) ir.FramePointerOffset {
	depth := d.stackDepth[i]
	slot := d.MaxLocals + depth - 1 - fromEnd
	return javastack.DataSlotOffset(slot)
}

// PushSlot returns the frame offset where the k-th value pushed by
// instruction i lands, after the instruction popped pops entries.
func (d *MethodFrameData) PushSlot(i ByteCodeIndex, pops, k uint16) ir.FramePointerOffset {
	slot := d.MaxLocals + d.stackDepth[i] - pops + k
	return javastack.DataSlotOffset(slot)
}

// IsCategory2 reports whether the stack entry fromEnd below the top at
// instruction i is a long or double.
func (d *MethodFrameData) IsCategory2(i ByteCodeIndex, fromEnd uint16) bool {
	depth := int(d.stackDepth[i])
	j := depth - 1 - int(fromEnd)
	if j < 0 || j >= depth {
		return false
	}
	return d.isCat2[i][j]
}

// LocalVarEntry returns the frame offset of JVM local slot. Category-2
// locals occupy two JVM indices but store their value in the first.
func (d *MethodFrameData) LocalVarEntry(slot uint16) ir.FramePointerOffset {
	return javastack.DataSlotOffset(slot)
}

// ScratchSlot is an extra frame slot past the deepest operand stack, used
// by lowerings that need a temporary spill (helper results, checkcast
// assertions).
func (d *MethodFrameData) ScratchSlot() ir.FramePointerOffset {
	return javastack.DataSlotOffset(d.MaxLocals + d.maxStackEntries)
}

// NumFrameSlots is the frame's data-slot count: locals, deepest stack, and
// one scratch slot.
func (d *MethodFrameData) NumFrameSlots() uint16 {
	return d.MaxLocals + d.maxStackEntries + 1
}

// FullFrameSize is the method's constant frame size in bytes.
func (d *MethodFrameData) FullFrameSize() uint64 {
	return javastack.FrameSize(d.NumFrameSlots())
}
