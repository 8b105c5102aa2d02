// Package ir defines the intermediate representation between JVM bytecode
// and native code. Each opcode is a small struct implementing the sealed
// Instr interface; the encoder dispatches over them with a type switch, so
// adding an opcode without teaching the encoder about it fails loudly.
//
// IR registers are indices into a fixed bank of scratch machine registers;
// the template JIT does no register allocation, so values live in frame
// slots and registers only carry them between a load and the next store.
package ir

import (
	"github.com/pirocks/gojvm/internal/javastack"
)

// Register is an integer temp-register index. The encoder maps each index
// to a fixed general-purpose machine register.
type Register byte

// FloatRegister is a temp register holding a 32-bit float, mapped to an
// XMM register.
type FloatRegister byte

// DoubleRegister is a temp register holding a 64-bit double, mapped to an
// XMM register (same bank as FloatRegister).
type DoubleRegister byte

// Size is an operand width.
type Size byte

const (
	SizeByte Size = iota
	SizeWord
	SizeDWord
	SizeQWord
	SizeFloat
	SizeDouble
	SizePointer // alias for qword on this target, kept for readability
)

// ByteWidth returns the width in bytes.
func (s Size) ByteWidth() uint {
	switch s {
	case SizeByte:
		return 1
	case SizeWord:
		return 2
	case SizeDWord, SizeFloat:
		return 4
	default:
		return 8
	}
}

// LabelName names a per-method label.
type LabelName uint32

// RestartPointID names a location execution may be redirected to after a
// VM exit.
type RestartPointID uint32

// IRMethodID identifies one compiled entity. Recompiling a JVM method
// allocates a fresh id.
type IRMethodID uint64

// MethodID identifies a JVM method in the method table.
type MethodID uint64

// ChangeableConstID names a patchable 64-bit constant embedded in code.
type ChangeableConstID uint32

// SkipableExitID is the process-unique id of an exit that can be retired
// after a one-time runtime fix-up.
type SkipableExitID uint64

// FramePointerOffset re-exports the guest-stack offset type for
// convenience.
type FramePointerOffset = javastack.FramePointerOffset

// ShiftKind distinguishes logical from arithmetic right shifts.
type ShiftKind byte

const (
	ShiftLogical ShiftKind = iota
	ShiftArithmetic
)

// FloatOp is the scalar float/double binary operation.
type FloatOp byte

const (
	FloatAdd FloatOp = iota
	FloatSub
	FloatMul
	FloatDiv
)

// FCmpMode selects fcmpg vs fcmpl NaN behavior.
type FCmpMode byte

const (
	FCmpG FCmpMode = iota // NaN compares as greater (pushes 1)
	FCmpL                 // NaN compares as less (pushes -1)
)

// Instr is the sealed IR instruction interface.
type Instr interface{ isInstr() }

// Moves between frame slots, raw memory and registers.

// LoadFPRelative loads the value at fp-From into To.
type LoadFPRelative struct {
	From FramePointerOffset
	To   Register
	Size Size
}

// StoreFPRelative stores From into the slot at fp-To.
type StoreFPRelative struct {
	From Register
	To   FramePointerOffset
	Size Size
}

// LoadFPRelativeFloat loads a float/double slot into an XMM register.
type LoadFPRelativeFloat struct {
	From   FramePointerOffset
	To     FloatRegister
	Double bool
}

// StoreFPRelativeFloat stores an XMM register into a frame slot.
type StoreFPRelativeFloat struct {
	From   FloatRegister
	To     FramePointerOffset
	Double bool
}

// Load reads Size bytes at [FromAddr+Offset] into To, zero-extending
// sub-qword widths.
type Load struct {
	To       Register
	FromAddr Register
	Offset   int32
	Size     Size
}

// LoadSigned reads Size bytes at [FromAddr+Offset] into To, sign-extending
// sub-qword widths.
type LoadSigned struct {
	To       Register
	FromAddr Register
	Offset   int32
	Size     Size
}

// Store writes Size bytes of From to [ToAddr+Offset].
type Store struct {
	ToAddr Register
	From   Register
	Offset int32
	Size   Size
}

// StoreFenced is Store followed by a full fence; volatile stores use it.
type StoreFenced struct {
	ToAddr Register
	From   Register
	Offset int32
	Size   Size
}

// CopyRegister copies From to To (full width).
type CopyRegister struct {
	From, To Register
}

// Constants.

// Const16bit sets To to a zero-extended 16-bit constant.
type Const16bit struct {
	To    Register
	Value uint16
}

// Const32bit sets To to a zero-extended 32-bit constant.
type Const32bit struct {
	To    Register
	Value uint32
}

// Const64bit sets To to a 64-bit constant.
type Const64bit struct {
	To    Register
	Value uint64
}

// ConstFloat sets To to a float constant.
type ConstFloat struct {
	To    FloatRegister
	Value float32
}

// ConstDouble sets To to a double constant.
type ConstDouble struct {
	To    DoubleRegister
	Value float64
}

// Integer arithmetic. Two-address form: Res = Res op A.

type Add struct {
	Res, A Register
	Size   Size
}

type Sub struct {
	Res, A Register
	Size   Size
}

type Mul struct {
	Res, A Register
	Size   Size
	Signed bool
}

// MulConst multiplies Res by a constant. Two's-complement multiplication
// is modular, so there is no signedness here.
type MulConst struct {
	Res   Register
	Value int32
	Size  Size
}

// Div computes Res = Res / A. The encoder pins Res through RAX and
// clobbers RDX.
type Div struct {
	Res, A Register
	Size   Size
	Signed bool
}

// Mod computes Res = Res % A, with the same register pinning as Div.
type Mod struct {
	Res, A Register
	Size   Size
	Signed bool
}

type BinaryBitAnd struct {
	Res, A Register
	Size   Size
}

type BinaryBitOr struct {
	Res, A Register
	Size   Size
}

type BinaryBitXor struct {
	Res, A Register
	Size   Size
}

// ShiftLeft shifts Res left by Amount. The compiler masks the amount
// (0x1f/0x3f) before emitting this; the encoder moves Amount through CL.
type ShiftLeft struct {
	Res, Amount Register
	Size        Size
}

// ShiftRight shifts Res right by Amount, logically or arithmetically.
type ShiftRight struct {
	Res, Amount Register
	Size        Size
	Kind        ShiftKind
}

// Neg negates Res in place.
type Neg struct {
	Res  Register
	Size Size
}

// Extensions between widths.

// SignExtend widens From into To from FromSize to ToSize.
type SignExtend struct {
	From, To         Register
	FromSize, ToSize Size
}

// ZeroExtend widens From into To from FromSize to ToSize.
type ZeroExtend struct {
	From, To         Register
	FromSize, ToSize Size
}

// Float and double operations.

// FloatBinary computes Res = Res op A on floats or doubles.
type FloatBinary struct {
	Op     FloatOp
	Res, A FloatRegister
	Double bool
}

// FloatNeg flips the sign of Res (xor with the sign-bit mask).
type FloatNeg struct {
	Res    FloatRegister
	Double bool
}

// FloatSqrt computes Res = sqrt(A).
type FloatSqrt struct {
	Res, A FloatRegister
	Double bool
}

// FloatCompare lowers the fcmpg/fcmpl/dcmpg/dcmpl family: Res becomes
// -1/0/1 with NaN mapped per Mode.
type FloatCompare struct {
	A, B   FloatRegister
	Res    Register
	Mode   FCmpMode
	Double bool
}

// IntToFloat converts an integer register to float/double.
type IntToFloat struct {
	From     Register
	To       FloatRegister
	FromSize Size // SizeDWord or SizeQWord
	ToDouble bool
}

// FloatToIntJava converts with JVM semantics: NaN to 0, out-of-range
// saturates to the integer min/max.
type FloatToIntJava struct {
	From       FloatRegister
	To         Register
	FromDouble bool
	ToSize     Size // SizeDWord or SizeQWord
}

// FloatToFloat converts between float and double widths.
type FloatToFloat struct {
	From, To FloatRegister
	ToDouble bool
}

// IntCompare lowers lcmp: Res = -1/0/1 comparing A and B as signed values.
type IntCompare struct {
	Res, A, B Register
	Size      Size
}

// Branches. All comparisons are signed unless stated otherwise.

type BranchToLabel struct {
	Label LabelName
}

type BranchEqual struct {
	A, B  Register
	Label LabelName
	Size  Size
}

type BranchNotEqual struct {
	A, B  Register
	Label LabelName
	Size  Size
}

// BranchAGreaterB branches when A > B.
type BranchAGreaterB struct {
	A, B  Register
	Label LabelName
	Size  Size
}

// BranchAGreaterEqualB branches when A >= B.
type BranchAGreaterEqualB struct {
	A, B  Register
	Label LabelName
	Size  Size
}

// BranchALessB branches when A < B.
type BranchALessB struct {
	A, B  Register
	Label LabelName
	Size  Size
}

// Control.

// Label marks a branch target.
type Label struct {
	Name LabelName
}

// RestartPoint marks a location safe to re-enter after a VM exit. Its
// native address is recorded in the method's restart-point table.
type RestartPoint struct {
	ID RestartPointID
}

// IRStart must be the first instruction of every IR method. It completes
// the frame header the caller began (method ids) and establishes rsp.
type IRStart struct {
	IRMethodID IRMethodID
	MethodID   MethodID
	FrameSize  uint64
	NumLocals  uint16
}

// Return pops the current frame: restores the caller's rbp, and jumps to
// the saved return address. HasValue routes the return value through RAX
// (or XMM0 for FloatValue).
type Return struct {
	HasValue   bool
	FloatValue bool
	FrameSize  uint64
}

// CallTarget is the callee of an IRCall.
type CallTarget interface{ isCallTarget() }

// TargetConstant is a compile-time-known native entry address.
type TargetConstant struct {
	Addr uintptr
}

// TargetChangeableConst calls through a patchable 64-bit constant; the
// runtime retargets the call by patching the constant.
type TargetChangeableConst struct {
	ID ChangeableConstID
}

// TargetRegister calls the address currently held in Reg (vtable/itable
// dispatch).
type TargetRegister struct {
	Reg Register
}

func (TargetConstant) isCallTarget()        {}
func (TargetChangeableConst) isCallTarget() {}
func (TargetRegister) isCallTarget()        {}

// IRCall transfers to another IR method. The compiler stores the arguments
// into the callee frame's local slots (below the current frame) before
// emitting this; IRCall writes the callee frame header's link fields and
// jumps. The callee's IRStart finishes the header.
type IRCall struct {
	Target           CallTarget
	CurrentFrameSize uint64
	// CalleeIRMethodID/CalleeMethodID seed the callee header; the callee's
	// IRStart overwrites them with its own ids (they differ only across
	// recompilation races).
	CalleeIRMethodID IRMethodID
	CalleeMethodID   MethodID

	// HasResult stores the callee's return value (rax, or xmm0 when
	// ResultFloat) into the frame slot at ResultOffset after the call.
	HasResult    bool
	ResultFloat  bool
	ResultDouble bool
	ResultOffset FramePointerOffset
}

// LoadChangeableConst materializes a patchable 64-bit constant into To.
// The encoder always emits the full movabs form and records the immediate's
// offset so the runtime can patch it in place.
type LoadChangeableConst struct {
	To Register
	ID ChangeableConstID
}

// Allocation.

// AllocateConstantSize bump-allocates from the region whose header pointer
// is read (atomically) from the cell at RegionHeaderPtrPtr. On exhaustion
// (null result) it takes FallbackExit.
type AllocateConstantSize struct {
	// RegionHeaderPtrPtr is the address of the patchable cell holding the
	// current region header pointer for the class.
	RegionHeaderPtrPtr uintptr
	ResOffset          FramePointerOffset
	FallbackExit       *Exit
}

// Safety checks.

// NPECheck exits with an NPE when Reg is null.
type NPECheck struct {
	Reg  Register
	Exit *Exit
}

// BoundsCheck exits with ArrayOutOfBounds unless 0 <= Index < Length.
// Index and Length are 32-bit values.
type BoundsCheck struct {
	Index, Length Register
	Exit          *Exit
}

// AssertEqual aborts (UD2) when A != B. Only emitted in debug builds.
type AssertEqual struct {
	A, B Register
	Size Size
}

// DebuggerBreakpoint emits a UD2 trap.
type DebuggerBreakpoint struct{}

// VMExit transfers to the host runtime. The full request is described by
// Exit; the emitted code only records which exit site fired.
type VMExit struct {
	Exit *Exit
}

// SafepointPoll tests the thread's safepoint flag and exits when set. The
// compiler plants one at method entry and at every backward branch.
type SafepointPoll struct {
	Exit *Exit
}

func (LoadFPRelative) isInstr()       {}
func (StoreFPRelative) isInstr()      {}
func (LoadFPRelativeFloat) isInstr()  {}
func (StoreFPRelativeFloat) isInstr() {}
func (Load) isInstr()                 {}
func (LoadSigned) isInstr()           {}
func (Store) isInstr()                {}
func (StoreFenced) isInstr()          {}
func (CopyRegister) isInstr()         {}
func (Const16bit) isInstr()           {}
func (Const32bit) isInstr()           {}
func (Const64bit) isInstr()           {}
func (ConstFloat) isInstr()           {}
func (ConstDouble) isInstr()          {}
func (Add) isInstr()                  {}
func (Sub) isInstr()                  {}
func (Mul) isInstr()                  {}
func (MulConst) isInstr()             {}
func (Div) isInstr()                  {}
func (Mod) isInstr()                  {}
func (BinaryBitAnd) isInstr()         {}
func (BinaryBitOr) isInstr()          {}
func (BinaryBitXor) isInstr()         {}
func (ShiftLeft) isInstr()            {}
func (ShiftRight) isInstr()           {}
func (Neg) isInstr()                  {}
func (SignExtend) isInstr()           {}
func (ZeroExtend) isInstr()           {}
func (FloatBinary) isInstr()          {}
func (FloatNeg) isInstr()             {}
func (FloatSqrt) isInstr()            {}
func (FloatCompare) isInstr()         {}
func (IntToFloat) isInstr()           {}
func (FloatToIntJava) isInstr()       {}
func (FloatToFloat) isInstr()         {}
func (IntCompare) isInstr()           {}
func (BranchToLabel) isInstr()        {}
func (BranchEqual) isInstr()          {}
func (BranchNotEqual) isInstr()       {}
func (BranchAGreaterB) isInstr()      {}
func (BranchAGreaterEqualB) isInstr() {}
func (BranchALessB) isInstr()         {}
func (LoadChangeableConst) isInstr()  {}
func (Label) isInstr()                {}
func (RestartPoint) isInstr()         {}
func (IRStart) isInstr()              {}
func (Return) isInstr()               {}
func (IRCall) isInstr()               {}
func (AllocateConstantSize) isInstr() {}
func (NPECheck) isInstr()             {}
func (BoundsCheck) isInstr()          {}
func (AssertEqual) isInstr()          {}
func (DebuggerBreakpoint) isInstr()   {}
func (VMExit) isInstr()               {}
func (SafepointPoll) isInstr()        {}
