// Package irencode lowers IR methods to amd64 machine code.
//
// Register conventions of generated code (SysV, with reservations):
//
//	r15  — this thread's *jitabi.JITContext, never touched otherwise
//	rbp  — guest frame pointer
//	rsp  — below the current guest frame
//	rbx, rsi, rdi, r8, r9, r10 — the IR temp-register bank (ir.Register 0..5)
//	rax, rcx, rdx, r11 — encoder-internal scratch (division pinning, shift
//	       counts, compare materialization)
//	xmm0..xmm5 — the IR float-register bank; xmm6/xmm7 scratch
//
// The IR temp bank deliberately excludes rax/rdx/rcx: the x86 forms that
// pin operands (idiv, shifts by cl) get their registers by explicit moves
// into scratch, never by stealing a live temp.
package irencode

import (
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/pirocks/gojvm/internal/asm"
	"github.com/pirocks/gojvm/internal/asm/amd64"
	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/javastack"
	"github.com/pirocks/gojvm/internal/jitabi"
)

// NumTempRegisters is the size of the integer temp bank.
const NumTempRegisters = 6

// NumFloatTempRegisters is the size of the float temp bank.
const NumFloatTempRegisters = 6

var tempRegs = [NumTempRegisters]asm.Register{
	amd64.RegBX, amd64.RegSI, amd64.RegDI, amd64.RegR8, amd64.RegR9, amd64.RegR10,
}

var floatTempRegs = [NumFloatTempRegisters]asm.Register{
	amd64.RegX0, amd64.RegX1, amd64.RegX2, amd64.RegX3, amd64.RegX4, amd64.RegX5,
}

const (
	scratchA = amd64.RegAX
	scratchC = amd64.RegCX
	scratchD = amd64.RegDX
	scratch4 = amd64.RegR11

	floatScratchA = amd64.RegX6
	floatScratchB = amd64.RegX7

	ctxReg   = amd64.RegR15
	frameReg = amd64.RegBP
)

// ExitSite is one exit record of a compiled method: the offset of the
// instruction that transfers to the host, and the full request description.
type ExitSite struct {
	// Offset is the code offset right after the exit's RET, i.e. the
	// fall-through continuation. ExitRIPOffset is the offset of the first
	// byte of the exit sequence.
	Offset        uint64
	ExitRIPOffset uint64
	Exit          *ir.Exit
}

// CompiledMethod is the encoder's output, before installation into an
// executable segment.
type CompiledMethod struct {
	Code []byte

	// Labels and RestartPoints map to code offsets.
	Labels        map[ir.LabelName]uint64
	RestartPoints map[ir.RestartPointID]uint64

	// ExitSites is indexed by the exit number generated code stores into
	// JITContext.ExitIndex.
	ExitSites []ExitSite

	// ChangeableConstOffsets maps each patchable constant to the offsets of
	// its 8-byte immediates within Code (one constant may be materialized
	// at several sites).
	ChangeableConstOffsets map[ir.ChangeableConstID][]uint64

	FrameSize uint64
}

type encoder struct {
	a asm.Assembler

	pendingJumps map[ir.LabelName][]asm.Node // forward references
	labelNodes   map[ir.LabelName]*labelMark
	restartMarks []*offsetMark
	exitMarks    []*exitMark
	constMarks   []*constMark
	debugAsserts bool
	frameSize    uint64
}

type labelMark struct {
	name ir.LabelName
	node asm.Node
}

type offsetMark struct {
	id   ir.RestartPointID
	node asm.Node
}

type exitMark struct {
	exit      *ir.Exit
	firstNode asm.Node
	afterNode asm.Node
}

type constMark struct {
	id   ir.ChangeableConstID
	node asm.Node
}

// Options tunes encoding.
type Options struct {
	// DebugAsserts enables ir.AssertEqual lowering; otherwise those ops
	// encode to nothing.
	DebugAsserts bool
}

// Encode lowers the instruction sequence of one IR method. The first
// instruction must be ir.IRStart.
func Encode(instrs []ir.Instr, opts Options) (*CompiledMethod, error) {
	if len(instrs) == 0 {
		return nil, fmt.Errorf("empty IR method")
	}
	start, ok := instrs[0].(ir.IRStart)
	if !ok {
		return nil, fmt.Errorf("IR method must begin with IRStart, got %T", instrs[0])
	}

	e := &encoder{
		a:            amd64.NewAssembler(),
		pendingJumps: map[ir.LabelName][]asm.Node{},
		labelNodes:   map[ir.LabelName]*labelMark{},
		debugAsserts: opts.DebugAsserts,
		frameSize:    start.FrameSize,
	}

	for i, instr := range instrs {
		if err := e.encodeInstr(instr); err != nil {
			return nil, fmt.Errorf("ir[%d] %T: %w", i, instr, err)
		}
	}

	if unresolved := len(e.pendingJumps); unresolved != 0 {
		return nil, fmt.Errorf("%d labels were branched to but never defined", unresolved)
	}

	code, err := e.a.Assemble()
	if err != nil {
		return nil, err
	}

	m := &CompiledMethod{
		Code:                   code,
		Labels:                 map[ir.LabelName]uint64{},
		RestartPoints:          map[ir.RestartPointID]uint64{},
		ChangeableConstOffsets: map[ir.ChangeableConstID][]uint64{},
		FrameSize:              start.FrameSize,
	}
	for _, lm := range e.labelNodes {
		m.Labels[lm.name] = lm.node.OffsetInBinary()
	}
	for _, rm := range e.restartMarks {
		m.RestartPoints[rm.id] = rm.node.OffsetInBinary()
	}
	for _, em := range e.exitMarks {
		m.ExitSites = append(m.ExitSites, ExitSite{
			ExitRIPOffset: em.firstNode.OffsetInBinary(),
			Offset:        em.afterNode.OffsetInBinary(),
			Exit:          em.exit,
		})
	}
	for _, cm := range e.constMarks {
		// The MOVABSQ form is REX.W + B8+r followed by the imm64.
		m.ChangeableConstOffsets[cm.id] = append(m.ChangeableConstOffsets[cm.id], cm.node.OffsetInBinary()+2)
	}
	return m, nil
}

func reg(r ir.Register) asm.Register {
	if int(r) >= NumTempRegisters {
		panic(fmt.Sprintf("temp register %d out of range", r))
	}
	return tempRegs[r]
}

func freg(r ir.FloatRegister) asm.Register {
	if int(r) >= NumFloatTempRegisters {
		panic(fmt.Sprintf("float temp register %d out of range", r))
	}
	return floatTempRegs[r]
}

// anchor emits a zero-length NOP node usable as a branch target or offset
// marker.
func (e *encoder) anchor() asm.Node {
	return e.a.CompileStandAlone(amd64.NOP)
}

func (e *encoder) defineLabel(name ir.LabelName) {
	n := e.anchor()
	if _, dup := e.labelNodes[name]; dup {
		panic(fmt.Sprintf("label %d defined twice", name))
	}
	e.labelNodes[name] = &labelMark{name: name, node: n}
	for _, origin := range e.pendingJumps[name] {
		origin.AssignJumpTarget(n)
	}
	delete(e.pendingJumps, name)
}

func (e *encoder) jumpTo(j asm.Node, name ir.LabelName) {
	if lm, ok := e.labelNodes[name]; ok {
		j.AssignJumpTarget(lm.node)
		return
	}
	e.pendingJumps[name] = append(e.pendingJumps[name], j)
}

func movSizes(size ir.Size) (load, store asm.Instruction) {
	switch size {
	case ir.SizeByte:
		return amd64.MOVBQZX, amd64.MOVB
	case ir.SizeWord:
		return amd64.MOVWQZX, amd64.MOVW
	case ir.SizeDWord:
		return amd64.MOVLQZX, amd64.MOVL
	default:
		return amd64.MOVQ, amd64.MOVQ
	}
}

func movSizesSigned(size ir.Size) (load asm.Instruction) {
	switch size {
	case ir.SizeByte:
		return amd64.MOVBQSX
	case ir.SizeWord:
		return amd64.MOVWQSX
	case ir.SizeDWord:
		return amd64.MOVLQSX
	default:
		return amd64.MOVQ
	}
}

func arith(size ir.Size, l, q asm.Instruction) asm.Instruction {
	if size == ir.SizeQWord || size == ir.SizePointer {
		return q
	}
	return l
}

func (e *encoder) encodeInstr(instr ir.Instr) error {
	switch op := instr.(type) {
	case ir.IRStart:
		return e.encodeIRStart(op)
	case ir.LoadFPRelative:
		load, _ := movSizes(op.Size)
		e.a.CompileMemoryToRegister(load, frameReg, -int64(op.From), reg(op.To))
	case ir.StoreFPRelative:
		_, store := movSizes(op.Size)
		e.a.CompileRegisterToMemory(store, reg(op.From), frameReg, -int64(op.To))
	case ir.LoadFPRelativeFloat:
		inst := amd64.MOVL
		if op.Double {
			inst = amd64.MOVQ
		}
		e.a.CompileMemoryToRegister(inst, frameReg, -int64(op.From), freg(op.To))
	case ir.StoreFPRelativeFloat:
		inst := amd64.MOVL
		if op.Double {
			inst = amd64.MOVQ
		}
		e.a.CompileRegisterToMemory(inst, freg(op.From), frameReg, -int64(op.To))
	case ir.Load:
		load, _ := movSizes(op.Size)
		e.a.CompileMemoryToRegister(load, reg(op.FromAddr), int64(op.Offset), reg(op.To))
	case ir.LoadSigned:
		e.a.CompileMemoryToRegister(movSizesSigned(op.Size), reg(op.FromAddr), int64(op.Offset), reg(op.To))
	case ir.Store:
		_, store := movSizes(op.Size)
		e.a.CompileRegisterToMemory(store, reg(op.From), reg(op.ToAddr), int64(op.Offset))
	case ir.StoreFenced:
		_, store := movSizes(op.Size)
		e.a.CompileRegisterToMemory(store, reg(op.From), reg(op.ToAddr), int64(op.Offset))
		e.a.CompileStandAlone(amd64.MFENCE)
	case ir.CopyRegister:
		e.a.CompileRegisterToRegister(amd64.MOVQ, reg(op.From), reg(op.To))
	case ir.Const16bit:
		e.a.CompileConstToRegister(amd64.MOVL, int64(op.Value), reg(op.To))
	case ir.Const32bit:
		e.a.CompileConstToRegister(amd64.MOVL, int64(op.Value), reg(op.To))
	case ir.Const64bit:
		e.a.CompileConstToRegister(amd64.MOVQ, int64(op.Value), reg(op.To))
	case ir.ConstFloat:
		bits := math.Float32bits(op.Value)
		e.a.CompileConstToRegister(amd64.MOVL, int64(bits), scratchA)
		e.a.CompileRegisterToRegister(amd64.MOVL, scratchA, freg(op.To))
	case ir.ConstDouble:
		bits := math.Float64bits(op.Value)
		e.a.CompileConstToRegister(amd64.MOVQ, int64(bits), scratchA)
		e.a.CompileRegisterToRegister(amd64.MOVQ, scratchA, freg(ir.FloatRegister(op.To)))
	case ir.Add:
		e.a.CompileRegisterToRegister(arith(op.Size, amd64.ADDL, amd64.ADDQ), reg(op.A), reg(op.Res))
	case ir.Sub:
		e.a.CompileRegisterToRegister(arith(op.Size, amd64.SUBL, amd64.SUBQ), reg(op.A), reg(op.Res))
	case ir.BinaryBitAnd:
		e.a.CompileRegisterToRegister(arith(op.Size, amd64.ANDL, amd64.ANDQ), reg(op.A), reg(op.Res))
	case ir.BinaryBitOr:
		e.a.CompileRegisterToRegister(arith(op.Size, amd64.ORL, amd64.ORQ), reg(op.A), reg(op.Res))
	case ir.BinaryBitXor:
		e.a.CompileRegisterToRegister(arith(op.Size, amd64.XORL, amd64.XORQ), reg(op.A), reg(op.Res))
	case ir.Mul:
		// imul is fine for both signednesses: the low half of the product
		// is signedness-independent.
		e.a.CompileRegisterToRegister(arith(op.Size, amd64.IMULL, amd64.IMULQ), reg(op.A), reg(op.Res))
	case ir.MulConst:
		e.a.CompileConstToRegister(amd64.IMULQ, int64(op.Value), reg(op.Res))
	case ir.Div:
		return e.encodeDivMod(op.Res, op.A, op.Size, op.Signed, false)
	case ir.Mod:
		return e.encodeDivMod(op.Res, op.A, op.Size, op.Signed, true)
	case ir.ShiftLeft:
		e.a.CompileRegisterToRegister(amd64.MOVQ, reg(op.Amount), scratchC)
		e.a.CompileRegisterToRegister(arith(op.Size, amd64.SHLL, amd64.SHLQ), scratchC, reg(op.Res))
	case ir.ShiftRight:
		e.a.CompileRegisterToRegister(amd64.MOVQ, reg(op.Amount), scratchC)
		var inst asm.Instruction
		if op.Kind == ir.ShiftArithmetic {
			inst = arith(op.Size, amd64.SARL, amd64.SARQ)
		} else {
			inst = arith(op.Size, amd64.SHRL, amd64.SHRQ)
		}
		e.a.CompileRegisterToRegister(inst, scratchC, reg(op.Res))
	case ir.Neg:
		if op.Size == ir.SizeQWord || op.Size == ir.SizePointer {
			e.a.CompileNoneToRegister(amd64.NEGQ, reg(op.Res))
		} else {
			e.a.CompileNoneToRegister(amd64.NEGL, reg(op.Res))
		}
	case ir.SignExtend:
		e.a.CompileRegisterToRegister(signExtendInstruction(op.FromSize, op.ToSize), reg(op.From), reg(op.To))
	case ir.ZeroExtend:
		e.a.CompileRegisterToRegister(zeroExtendInstruction(op.FromSize, op.ToSize), reg(op.From), reg(op.To))
	case ir.FloatBinary:
		e.a.CompileRegisterToRegister(floatBinaryInstruction(op.Op, op.Double), freg(op.A), freg(op.Res))
	case ir.FloatNeg:
		return e.encodeFloatNeg(op)
	case ir.FloatSqrt:
		inst := amd64.SQRTSS
		if op.Double {
			inst = amd64.SQRTSD
		}
		e.a.CompileRegisterToRegister(inst, freg(op.A), freg(op.Res))
	case ir.FloatCompare:
		return e.encodeFloatCompare(op)
	case ir.IntToFloat:
		return e.encodeIntToFloat(op)
	case ir.FloatToIntJava:
		return e.encodeFloatToIntJava(op)
	case ir.FloatToFloat:
		inst := amd64.CVTSD2SS
		if op.ToDouble {
			inst = amd64.CVTSS2SD
		}
		e.a.CompileRegisterToRegister(inst, freg(op.From), freg(op.To))
	case ir.IntCompare:
		return e.encodeIntCompare(op)
	case ir.BranchToLabel:
		e.jumpTo(e.a.CompileJump(amd64.JMP), op.Label)
	case ir.BranchEqual:
		e.compare(op.A, op.B, op.Size)
		e.jumpTo(e.a.CompileJump(amd64.JEQ), op.Label)
	case ir.BranchNotEqual:
		e.compare(op.A, op.B, op.Size)
		e.jumpTo(e.a.CompileJump(amd64.JNE), op.Label)
	case ir.BranchAGreaterB:
		e.compare(op.A, op.B, op.Size)
		e.jumpTo(e.a.CompileJump(amd64.JGT), op.Label)
	case ir.BranchAGreaterEqualB:
		e.compare(op.A, op.B, op.Size)
		e.jumpTo(e.a.CompileJump(amd64.JGE), op.Label)
	case ir.BranchALessB:
		e.compare(op.A, op.B, op.Size)
		e.jumpTo(e.a.CompileJump(amd64.JLT), op.Label)
	case ir.LoadChangeableConst:
		n := e.a.CompileConstToRegister(amd64.MOVABSQ, 0, reg(op.To))
		e.constMarks = append(e.constMarks, &constMark{id: op.ID, node: n})
	case ir.Label:
		e.defineLabel(op.Name)
	case ir.RestartPoint:
		n := e.anchor()
		e.restartMarks = append(e.restartMarks, &offsetMark{id: op.ID, node: n})
	case ir.Return:
		return e.encodeReturn(op)
	case ir.IRCall:
		return e.encodeIRCall(op)
	case ir.AllocateConstantSize:
		return e.encodeAllocate(op)
	case ir.NPECheck:
		e.a.CompileRegisterToRegister(amd64.TESTQ, reg(op.Reg), reg(op.Reg))
		jz := e.a.CompileJump(amd64.JEQ)
		e.emitExitBody(op.Exit, jz)
	case ir.BoundsCheck:
		// Unsigned compare folds the negative-index case into the too-large
		// case.
		e.a.CompileRegisterToRegister(amd64.CMPL, reg(op.Length), reg(op.Index))
		jae := e.a.CompileJump(amd64.JCC) // unsigned >=
		e.emitExitBody(op.Exit, jae)
	case ir.AssertEqual:
		if !e.debugAsserts {
			return nil
		}
		e.compare(op.A, op.B, op.Size)
		skip := e.a.CompileJump(amd64.JEQ)
		e.a.CompileStandAlone(amd64.UD2)
		e.a.SetJumpTargetOnNext(skip)
		e.anchor()
	case ir.DebuggerBreakpoint:
		// UD2 rather than int3: a breakpoint that outlives its debugger
		// must trap, not fall through.
		e.a.CompileStandAlone(amd64.UD2)
	case ir.VMExit:
		e.emitExitBody(op.Exit, nil)
	case ir.SafepointPoll:
		e.a.CompileMemoryToRegister(amd64.MOVQ, ctxReg, jitabi.JITContextSignalDataOffset, scratch4)
		e.a.CompileMemoryToConst(amd64.CMPB, scratch4, jitabi.SignalDataShouldSafepointCheckOffset, 0)
		jne := e.a.CompileJump(amd64.JNE)
		skip := e.a.CompileJump(amd64.JMP)
		e.a.SetJumpTargetOnNext(jne)
		e.emitExitBody(op.Exit, nil)
		e.a.SetJumpTargetOnNext(skip)
		e.anchor()
	default:
		return fmt.Errorf("unsupported IR instruction %T", instr)
	}
	return nil
}

func (e *encoder) compare(a, b ir.Register, size ir.Size) {
	e.a.CompileRegisterToRegister(arith(size, amd64.CMPL, amd64.CMPQ), reg(b), reg(a))
}

func signExtendInstruction(from, to ir.Size) asm.Instruction {
	switch from {
	case ir.SizeByte:
		if to == ir.SizeQWord {
			return amd64.MOVBQSX
		}
		return amd64.MOVBLSX
	case ir.SizeWord:
		if to == ir.SizeQWord {
			return amd64.MOVWQSX
		}
		return amd64.MOVWLSX
	case ir.SizeDWord:
		return amd64.MOVLQSX
	}
	return amd64.MOVQ
}

func zeroExtendInstruction(from, to ir.Size) asm.Instruction {
	switch from {
	case ir.SizeByte:
		if to == ir.SizeQWord {
			return amd64.MOVBQZX
		}
		return amd64.MOVBLZX
	case ir.SizeWord:
		if to == ir.SizeQWord {
			return amd64.MOVWQZX
		}
		return amd64.MOVWLZX
	case ir.SizeDWord:
		return amd64.MOVLQZX
	}
	return amd64.MOVQ
}

func floatBinaryInstruction(op ir.FloatOp, double bool) asm.Instruction {
	switch op {
	case ir.FloatAdd:
		if double {
			return amd64.ADDSD
		}
		return amd64.ADDSS
	case ir.FloatSub:
		if double {
			return amd64.SUBSD
		}
		return amd64.SUBSS
	case ir.FloatMul:
		if double {
			return amd64.MULSD
		}
		return amd64.MULSS
	default:
		if double {
			return amd64.DIVSD
		}
		return amd64.DIVSS
	}
}

func (e *encoder) encodeIRStart(op ir.IRStart) error {
	e.a.CompileConstToRegister(amd64.MOVQ, int64(op.IRMethodID), scratchA)
	e.a.CompileRegisterToMemory(amd64.MOVQ, scratchA, frameReg, -javastack.FrameHeaderIRMethodIDOffset)
	e.a.CompileConstToRegister(amd64.MOVQ, int64(op.MethodID), scratchA)
	e.a.CompileRegisterToMemory(amd64.MOVQ, scratchA, frameReg, -javastack.FrameHeaderMethodIDOffset)
	e.a.CompileMemoryToRegister(amd64.LEAQ, frameReg, -int64(op.FrameSize), amd64.RegSP)
	return nil
}

func (e *encoder) encodeDivMod(res, a ir.Register, size ir.Size, signed, wantRemainder bool) error {
	// The dividend is pinned to rax(:rdx); both are encoder scratch, so the
	// temps survive.
	e.a.CompileRegisterToRegister(amd64.MOVQ, reg(res), scratchA)
	if signed {
		if size == ir.SizeQWord {
			e.a.CompileStandAlone(amd64.CQO)
			e.a.CompileRegisterToNone(amd64.IDIVQ, reg(a))
		} else {
			e.a.CompileStandAlone(amd64.CDQ)
			e.a.CompileRegisterToNone(amd64.IDIVL, reg(a))
		}
	} else {
		e.a.CompileRegisterToRegister(amd64.XORQ, scratchD, scratchD)
		if size == ir.SizeQWord {
			e.a.CompileRegisterToNone(amd64.DIVQ, reg(a))
		} else {
			e.a.CompileRegisterToNone(amd64.DIVL, reg(a))
		}
	}
	if wantRemainder {
		e.a.CompileRegisterToRegister(amd64.MOVQ, scratchD, reg(res))
	} else {
		e.a.CompileRegisterToRegister(amd64.MOVQ, scratchA, reg(res))
	}
	return nil
}

func (e *encoder) encodeFloatNeg(op ir.FloatNeg) error {
	// Flip the sign bit by xoring with a constant mask materialized through
	// an integer scratch register.
	if op.Double {
		e.a.CompileConstToRegister(amd64.MOVQ, int64(-1)<<63, scratchA)
		e.a.CompileRegisterToRegister(amd64.MOVQ, scratchA, floatScratchA)
		e.a.CompileRegisterToRegister(amd64.XORPD, floatScratchA, freg(op.Res))
	} else {
		e.a.CompileConstToRegister(amd64.MOVL, int64(uint32(1)<<31), scratchA)
		e.a.CompileRegisterToRegister(amd64.MOVL, scratchA, floatScratchA)
		e.a.CompileRegisterToRegister(amd64.XORPS, floatScratchA, freg(op.Res))
	}
	return nil
}

func (e *encoder) encodeFloatCompare(op ir.FloatCompare) error {
	ucomis := amd64.UCOMISS
	if op.Double {
		ucomis = amd64.UCOMISD
	}
	e.a.CompileRegisterToRegister(amd64.XORQ, scratchA, scratchA)
	e.a.CompileRegisterToRegister(amd64.XORQ, scratchC, scratchC)
	// flags := A cmp B
	e.a.CompileRegisterToRegister(ucomis, freg(op.B), freg(op.A))
	nan := e.a.CompileJump(amd64.JPS)
	e.a.CompileNoneToRegister(amd64.SETHI, scratchA) // A > B
	e.a.CompileNoneToRegister(amd64.SETCS, scratchC) // A < B
	done := e.a.CompileJump(amd64.JMP)
	e.a.SetJumpTargetOnNext(nan)
	if op.Mode == ir.FCmpG {
		e.a.CompileConstToRegister(amd64.MOVL, 1, scratchA)
	} else {
		e.a.CompileConstToRegister(amd64.MOVL, 1, scratchC)
	}
	e.a.SetJumpTargetOnNext(done)
	e.anchor()
	e.a.CompileRegisterToRegister(amd64.SUBL, scratchC, scratchA)
	e.a.CompileRegisterToRegister(amd64.MOVLQSX, scratchA, reg(op.Res))
	return nil
}

func (e *encoder) encodeIntToFloat(op ir.IntToFloat) error {
	var inst asm.Instruction
	switch {
	case op.FromSize == ir.SizeQWord && op.ToDouble:
		inst = amd64.CVTSQ2SD
	case op.FromSize == ir.SizeQWord && !op.ToDouble:
		inst = amd64.CVTSQ2SS
	case op.ToDouble:
		inst = amd64.CVTSL2SD
	default:
		inst = amd64.CVTSL2SS
	}
	e.a.CompileRegisterToRegister(inst, reg(op.From), freg(op.To))
	return nil
}

func (e *encoder) encodeFloatToIntJava(op ir.FloatToIntJava) error {
	var cvt asm.Instruction
	switch {
	case op.FromDouble && op.ToSize == ir.SizeQWord:
		cvt = amd64.CVTTSD2SQ
	case op.FromDouble:
		cvt = amd64.CVTTSD2SL
	case op.ToSize == ir.SizeQWord:
		cvt = amd64.CVTTSS2SQ
	default:
		cvt = amd64.CVTTSS2SL
	}
	ucomis := amd64.UCOMISS
	if op.FromDouble {
		ucomis = amd64.UCOMISD
	}
	qword := op.ToSize == ir.SizeQWord

	e.a.CompileRegisterToRegister(cvt, freg(op.From), scratchA)

	// cvtt reports both NaN and out-of-range as the integer minimum; fix
	// those up to the JVM's saturating semantics.
	if qword {
		e.a.CompileConstToRegister(amd64.MOVQ, math.MinInt64, scratchD)
		e.a.CompileRegisterToRegister(amd64.CMPQ, scratchD, scratchA)
	} else {
		e.a.CompileRegisterToConst(amd64.CMPL, scratchA, math.MinInt32)
	}
	done := e.a.CompileJump(amd64.JNE)

	// NaN → 0.
	e.a.CompileRegisterToRegister(ucomis, freg(op.From), freg(op.From))
	notNaN := e.a.CompileJump(amd64.JPC)
	e.a.CompileRegisterToRegister(amd64.XORQ, scratchA, scratchA)
	done2 := e.a.CompileJump(amd64.JMP)

	// Positive overflow → integer max; negative stays at the minimum.
	e.a.SetJumpTargetOnNext(notNaN)
	e.a.CompileRegisterToRegister(amd64.XORPS, floatScratchB, floatScratchB)
	e.a.CompileRegisterToRegister(ucomis, floatScratchB, freg(op.From))
	done3 := e.a.CompileJump(amd64.JCS) // below zero: keep the minimum
	if qword {
		e.a.CompileConstToRegister(amd64.MOVQ, math.MaxInt64, scratchA)
	} else {
		e.a.CompileConstToRegister(amd64.MOVL, math.MaxInt32, scratchA)
	}

	e.a.SetJumpTargetOnNext(done, done2, done3)
	e.anchor()
	if qword {
		e.a.CompileRegisterToRegister(amd64.MOVQ, scratchA, reg(op.To))
	} else {
		e.a.CompileRegisterToRegister(amd64.MOVLQSX, scratchA, reg(op.To))
	}
	return nil
}

func (e *encoder) encodeIntCompare(op ir.IntCompare) error {
	e.a.CompileRegisterToRegister(amd64.XORQ, scratchA, scratchA)
	e.a.CompileRegisterToRegister(amd64.XORQ, scratchC, scratchC)
	e.compare(op.A, op.B, op.Size)
	e.a.CompileNoneToRegister(amd64.SETGT, scratchA)
	e.a.CompileNoneToRegister(amd64.SETLT, scratchC)
	e.a.CompileRegisterToRegister(amd64.SUBL, scratchC, scratchA)
	e.a.CompileRegisterToRegister(amd64.MOVLQSX, scratchA, reg(op.Res))
	return nil
}

func (e *encoder) encodeReturn(op ir.Return) error {
	if op.HasValue && !op.FloatValue {
		// The compiler stages the return value in temp register 0.
		e.a.CompileRegisterToRegister(amd64.MOVQ, tempRegs[0], scratchA)
	}
	// Float values are staged in xmm0 already (float temp register 0).
	e.a.CompileMemoryToRegister(amd64.MOVQ, frameReg, -javastack.FrameHeaderPrevRIPOffset, scratch4)
	e.a.CompileMemoryToRegister(amd64.MOVQ, frameReg, -javastack.FrameHeaderPrevRBPOffset, frameReg)
	e.a.CompileJumpToRegister(amd64.JMP, scratch4)
	return nil
}

func (e *encoder) encodeIRCall(op ir.IRCall) error {
	// Continuation address: the instruction right after this call's JMP.
	e.a.CompileReadInstructionAddress(scratch4, amd64.JMP)
	// Callee frame pointer.
	e.a.CompileMemoryToRegister(amd64.LEAQ, frameReg, -int64(op.CurrentFrameSize), scratchC)
	// Link fields and magics of the callee header.
	e.a.CompileRegisterToMemory(amd64.MOVQ, scratch4, scratchC, -javastack.FrameHeaderPrevRIPOffset)
	e.a.CompileRegisterToMemory(amd64.MOVQ, frameReg, scratchC, -javastack.FrameHeaderPrevRBPOffset)
	e.a.CompileConstToRegister(amd64.MOVQ, int64(javastack.Magic1Expected), scratchA)
	e.a.CompileRegisterToMemory(amd64.MOVQ, scratchA, scratchC, -javastack.FrameHeaderMagic1Offset)
	e.a.CompileConstToRegister(amd64.MOVQ, int64(javastack.Magic2Expected), scratchA)
	e.a.CompileRegisterToMemory(amd64.MOVQ, scratchA, scratchC, -javastack.FrameHeaderMagic2Offset)
	// Seed the ids; the callee's IRStart overwrites them.
	e.a.CompileConstToRegister(amd64.MOVQ, int64(op.CalleeIRMethodID), scratchA)
	e.a.CompileRegisterToMemory(amd64.MOVQ, scratchA, scratchC, -javastack.FrameHeaderIRMethodIDOffset)
	e.a.CompileConstToRegister(amd64.MOVQ, int64(op.CalleeMethodID), scratchA)
	e.a.CompileRegisterToMemory(amd64.MOVQ, scratchA, scratchC, -javastack.FrameHeaderMethodIDOffset)
	// Switch frames and transfer.
	e.a.CompileRegisterToRegister(amd64.MOVQ, scratchC, frameReg)
	switch t := op.Target.(type) {
	case ir.TargetConstant:
		e.a.CompileConstToRegister(amd64.MOVQ, int64(t.Addr), scratchA)
		e.a.CompileJumpToRegister(amd64.JMP, scratchA)
	case ir.TargetChangeableConst:
		n := e.a.CompileConstToRegister(amd64.MOVABSQ, 0, scratchA)
		e.constMarks = append(e.constMarks, &constMark{id: t.ID, node: n})
		e.a.CompileJumpToRegister(amd64.JMP, scratchA)
	case ir.TargetRegister:
		e.a.CompileJumpToRegister(amd64.JMP, reg(t.Reg))
	default:
		return fmt.Errorf("unsupported call target %T", op.Target)
	}
	// Return lands here: re-establish the caller's rsp and capture the
	// result.
	e.a.CompileMemoryToRegister(amd64.LEAQ, frameReg, -int64(op.CurrentFrameSize), amd64.RegSP)
	if op.HasResult {
		switch {
		case op.ResultFloat && op.ResultDouble:
			e.a.CompileRegisterToMemory(amd64.MOVQ, amd64.RegX0, frameReg, -int64(op.ResultOffset))
		case op.ResultFloat:
			e.a.CompileRegisterToMemory(amd64.MOVL, amd64.RegX0, frameReg, -int64(op.ResultOffset))
		default:
			e.a.CompileRegisterToMemory(amd64.MOVQ, scratchA, frameReg, -int64(op.ResultOffset))
		}
	}
	return nil
}

func (e *encoder) encodeAllocate(op ir.AllocateConstantSize) error {
	// r11 = *RegionHeaderPtrPtr (the current region for the class)
	e.a.CompileConstToRegister(amd64.MOVQ, int64(op.RegionHeaderPtrPtr), scratch4)
	e.a.CompileMemoryToRegister(amd64.MOVQ, scratch4, 0, scratch4)

	retry := e.anchor()
	// rax = bump cursor, rcx = cursor + elem size
	e.a.CompileMemoryToRegister(amd64.MOVQ, scratch4, memregionsNextFreeOffset, scratchA)
	e.a.CompileMemoryToRegister(amd64.MOVQ, scratch4, memregionsElemSizeOffset, scratchC)
	e.a.CompileRegisterToRegister(amd64.ADDQ, scratchA, scratchC)
	e.a.CompileMemoryToRegister(amd64.CMPQ, scratch4, memregionsRegionSizeOffset, scratchC)
	exhausted := e.a.CompileJump(amd64.JHI)
	// lock cmpxchg [r11+next], rcx; on failure rax reloads the cursor.
	e.a.CompileRegisterToMemory(amd64.CMPXCHGQ, scratchC, scratch4, memregionsNextFreeOffset)
	again := e.a.CompileJump(amd64.JNE)
	again.AssignJumpTarget(retry)
	// result = header + old cursor
	e.a.CompileMemoryWithIndexToRegister(amd64.LEAQ, scratch4, 0, scratchA, 1, scratchA)
	e.a.CompileRegisterToMemory(amd64.MOVQ, scratchA, frameReg, -int64(op.ResOffset))
	done := e.a.CompileJump(amd64.JMP)

	e.a.SetJumpTargetOnNext(exhausted)
	e.emitExitBody(op.FallbackExit, nil)

	e.a.SetJumpTargetOnNext(done)
	e.anchor()
	return nil
}

// Offsets into memregions.RegionHeader; mirrored here to keep the encoder
// free of a dependency on the allocator package.
const (
	memregionsElemSizeOffset   = 8
	memregionsNextFreeOffset   = 16
	memregionsRegionSizeOffset = 24
)

// emitExitBody encodes a complete exit sequence. When jumpHere is non-nil
// it is a conditional jump that should land on the first instruction of the
// sequence, with the fall-through path jumping over it.
func (e *encoder) emitExitBody(exit *ir.Exit, jumpHere asm.Node) {
	index := len(e.exitMarks)
	mark := &exitMark{exit: exit}
	e.exitMarks = append(e.exitMarks, mark)

	var skip asm.Node
	if jumpHere != nil {
		skip = e.a.CompileJump(amd64.JMP)
		e.a.SetJumpTargetOnNext(jumpHere)
	}

	first := e.anchor()
	mark.firstNode = first

	// Which site fired.
	e.a.CompileConstToRegister(amd64.MOVQ, int64(index), scratchA)
	e.a.CompileRegisterToMemory(amd64.MOVQ, scratchA, ctxReg, jitabi.JITContextExitIndexOffset)
	// Continuation rip: the instruction right after this sequence's RET.
	e.a.CompileReadInstructionAddress(scratch4, amd64.RET)
	e.a.CompileRegisterToMemory(amd64.MOVQ, scratch4, ctxReg, jitabi.JITContextJavaSavedRIPOffset)
	// Save guest registers, restore the host's, and return to the stub.
	e.a.CompileRegisterToMemory(amd64.MOVQ, frameReg, ctxReg, jitabi.JITContextJavaSavedRBPOffset)
	e.a.CompileRegisterToMemory(amd64.MOVQ, amd64.RegSP, ctxReg, jitabi.JITContextJavaSavedRSPOffset)
	e.a.CompileMemoryToRegister(amd64.MOVQ, ctxReg, jitabi.JITContextNativeSavedRSPOffset, amd64.RegSP)
	e.a.CompileMemoryToRegister(amd64.MOVQ, ctxReg, jitabi.JITContextNativeSavedRBPOffset, frameReg)
	e.a.CompileStandAlone(amd64.RET)

	after := e.anchor()
	mark.afterNode = after

	if skip != nil {
		skip.AssignJumpTarget(after)
	}
}

// PatchChangeableConst rewrites the imm64 of a MOVABSQ in installed code.
// Other OS threads may be executing the very instruction being patched, so
// the immediate is published with a single atomic 8-byte store — never a
// byte-wise write a concurrent reader could tear. The transition is always
// zero to non-zero, and racing readers that still observe zero simply take
// the guard exit once more.
func PatchChangeableConst(code []byte, offset uint64, value uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&code[offset])), value)
}
