// Package asm declares the architecture-neutral surface of the native-code
// assembler: registers, instruction ids, the node linked list produced while
// compiling, and the assembler interface the IR encoder drives.
package asm

import (
	"fmt"
)

// Register represents an architecture-specific register.
type Register byte

// NilRegister indicates that no register is specified.
const NilRegister Register = 0

// Instruction represents an architecture-specific instruction.
type Instruction byte

// ConditionalRegisterState represents an architecture-specific state of the
// flags register, e.g. "the last compare was equal".
type ConditionalRegisterState byte

// ConditionalRegisterStateUnset indicates that no conditional state is
// specified.
const ConditionalRegisterStateUnset ConditionalRegisterState = 0

// Node is one assembled operation in the linked list built during
// compilation. Jump-type nodes resolve their targets when the list is
// encoded.
type Node interface {
	fmt.Stringer
	// AssignJumpTarget assigns the given target node as the destination of
	// this node's jump.
	AssignJumpTarget(target Node)
	// AssignSourceConstant assigns the constant used as this node's source
	// operand.
	AssignSourceConstant(value ConstantValue)
	// OffsetInBinary returns the offset of this node in the assembled
	// binary. Only valid after Assemble.
	OffsetInBinary() NodeOffsetInBinary
}

// NodeOffsetInBinary is a node's offset in the final binary.
type NodeOffsetInBinary = uint64

// ConstantValue is a constant operand of an instruction.
type ConstantValue = int64

// Assembler is the interface the IR encoder compiles against. There is one
// implementation per backend: the hand-rolled amd64 encoder used at runtime,
// and a golang-asm-backed one used to cross-check encodings in tests.
type Assembler interface {
	// Assemble produces the final binary for the assembled operations.
	Assemble() ([]byte, error)
	// SetJumpTargetOnNext makes the next added node the jump destination of
	// all the given nodes.
	SetJumpTargetOnNext(nodes ...Node)
	// AddOnGenerateCallBack registers a callback invoked with the final
	// binary, e.g. to patch recorded offsets.
	AddOnGenerateCallBack(cb func(code []byte) error)

	// CompileStandAlone adds an instruction taking no operands.
	CompileStandAlone(instruction Instruction) Node
	// CompileConstToRegister adds an instruction whose source is the
	// constant value and whose destination is a register.
	CompileConstToRegister(instruction Instruction, value ConstantValue, destinationReg Register) Node
	// CompileRegisterToRegister adds an instruction with register source and
	// destination.
	CompileRegisterToRegister(instruction Instruction, from, to Register)
	// CompileMemoryToRegister adds an instruction reading
	// [sourceBaseReg + sourceOffsetConst] into destinationReg.
	CompileMemoryToRegister(instruction Instruction, sourceBaseReg Register, sourceOffsetConst ConstantValue, destinationReg Register)
	// CompileRegisterToMemory adds an instruction writing sourceRegister to
	// [destinationBaseReg + destinationOffsetConst].
	CompileRegisterToMemory(instruction Instruction, sourceRegister, destinationBaseReg Register, destinationOffsetConst ConstantValue)
	// CompileMemoryWithIndexToRegister adds an instruction reading
	// [srcBaseReg + srcOffsetConst + srcIndex*srcScale] into dstReg.
	CompileMemoryWithIndexToRegister(instruction Instruction, srcBaseReg Register, srcOffsetConst ConstantValue, srcIndex Register, srcScale int16, dstReg Register)
	// CompileRegisterToMemoryWithIndex adds an instruction writing srcReg to
	// [dstBaseReg + dstOffsetConst + dstIndex*dstScale].
	CompileRegisterToMemoryWithIndex(instruction Instruction, srcReg, dstBaseReg Register, dstOffsetConst ConstantValue, dstIndex Register, dstScale int16)
	// CompileConstToMemory adds an instruction storing the constant into
	// [dstBaseReg + dstOffset].
	CompileConstToMemory(instruction Instruction, value ConstantValue, dstBaseReg Register, dstOffset ConstantValue) Node
	// CompileRegisterToConst adds an instruction comparing/combining a
	// register with a constant.
	CompileRegisterToConst(instruction Instruction, srcRegister Register, value ConstantValue) Node
	// CompileMemoryToConst adds an instruction comparing
	// [srcBaseReg + srcOffset] with the constant.
	CompileMemoryToConst(instruction Instruction, srcBaseReg Register, srcOffset ConstantValue, value ConstantValue) Node
	// CompileRegisterToNone adds an instruction taking a single register
	// source operand, e.g. IDIV.
	CompileRegisterToNone(instruction Instruction, register Register)
	// CompileNoneToRegister adds an instruction taking a single register
	// destination operand, e.g. SETcc.
	CompileNoneToRegister(instruction Instruction, register Register)
	// CompileJump adds a jump-type instruction whose target is assigned
	// later, and returns the node for target assignment.
	CompileJump(jmpInstruction Instruction) Node
	// CompileJumpToRegister adds a jump-type instruction whose destination
	// address is held in the register. Also used for CALL-to-register.
	CompileJumpToRegister(jmpInstruction Instruction, reg Register)
	// CompileJumpToMemory adds a jump-type instruction whose destination
	// address is loaded from [baseReg + offset]. Also used for
	// CALL-to-memory.
	CompileJumpToMemory(jmpInstruction Instruction, baseReg Register, offset ConstantValue)
	// CompileReadInstructionAddress sets the absolute address of a following
	// instruction into destinationRegister. The target is the instruction
	// right after the next occurrence of beforeAcquisitionTargetInstruction.
	CompileReadInstructionAddress(destinationRegister Register, beforeAcquisitionTargetInstruction Instruction)
}
