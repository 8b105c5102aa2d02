// Package golang_asm implements asm.Assembler on top of
// twitchyliquid64/golang-asm (a standalone packaging of the Go toolchain's
// assembler). It exists to cross-check the hand-rolled amd64 encoder: tests
// assemble the same operations through both backends and compare bytes.
package golang_asm

import (
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/pirocks/gojvm/internal/asm"
	"github.com/pirocks/gojvm/internal/asm/amd64"
)

// GolangAsmNode implements asm.Node for the golang-asm library.
type GolangAsmNode struct {
	prog *obj.Prog
}

// String implements fmt.Stringer.
func (n *GolangAsmNode) String() string {
	return n.prog.String()
}

// OffsetInBinary implements asm.Node.
func (n *GolangAsmNode) OffsetInBinary() asm.NodeOffsetInBinary {
	return asm.NodeOffsetInBinary(n.prog.Pc)
}

// AssignJumpTarget implements asm.Node.
func (n *GolangAsmNode) AssignJumpTarget(target asm.Node) {
	b := target.(*GolangAsmNode)
	n.prog.To.SetTarget(b.prog)
}

// AssignSourceConstant implements asm.Node.
func (n *GolangAsmNode) AssignSourceConstant(value asm.ConstantValue) {
	n.prog.From.Offset = value
}

// Assembler implements asm.Assembler via golang-asm.
type Assembler struct {
	b *goasm.Builder
	// setBranchTargetOnNextNodes holds jump-kind nodes whose target is the
	// next added instruction.
	setBranchTargetOnNextNodes []asm.Node
	onGenerateCallbacks        []func(code []byte) error
}

// NewAssembler returns a golang-asm-backed assembler for amd64.
func NewAssembler() (*Assembler, error) {
	b, err := goasm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	return &Assembler{b: b}, nil
}

// Assemble implements asm.Assembler.
func (a *Assembler) Assemble() ([]byte, error) {
	code := a.b.Assemble()
	for _, cb := range a.onGenerateCallbacks {
		if err := cb(code); err != nil {
			return nil, err
		}
	}
	return code, nil
}

// SetJumpTargetOnNext implements asm.Assembler.
func (a *Assembler) SetJumpTargetOnNext(nodes ...asm.Node) {
	a.setBranchTargetOnNextNodes = append(a.setBranchTargetOnNextNodes, nodes...)
}

// AddOnGenerateCallBack implements asm.Assembler.
func (a *Assembler) AddOnGenerateCallBack(cb func([]byte) error) {
	a.onGenerateCallbacks = append(a.onGenerateCallbacks, cb)
}

func (a *Assembler) addInstruction(next *obj.Prog) {
	a.b.AddInstruction(next)
	for _, node := range a.setBranchTargetOnNextNodes {
		n := node.(*GolangAsmNode)
		n.prog.To.SetTarget(next)
	}
	a.setBranchTargetOnNextNodes = nil
}

func (a *Assembler) newProg(instruction asm.Instruction) *obj.Prog {
	p := a.b.NewProg()
	p.As = castAsGolangAsmInstruction(instruction)
	return p
}

// CompileStandAlone implements asm.Assembler.
func (a *Assembler) CompileStandAlone(instruction asm.Instruction) asm.Node {
	p := a.newProg(instruction)
	a.addInstruction(p)
	return &GolangAsmNode{prog: p}
}

// CompileConstToRegister implements asm.Assembler.
func (a *Assembler) CompileConstToRegister(instruction asm.Instruction, value asm.ConstantValue, destinationReg asm.Register) asm.Node {
	p := a.newProg(instruction)
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = value
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister(destinationReg)
	a.addInstruction(p)
	return &GolangAsmNode{prog: p}
}

// CompileRegisterToRegister implements asm.Assembler.
func (a *Assembler) CompileRegisterToRegister(instruction asm.Instruction, from, to asm.Register) {
	p := a.newProg(instruction)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = castAsGolangAsmRegister(from)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister(to)
	a.addInstruction(p)
}

// CompileMemoryToRegister implements asm.Assembler.
func (a *Assembler) CompileMemoryToRegister(instruction asm.Instruction, sourceBaseReg asm.Register, sourceOffsetConst asm.ConstantValue, destinationReg asm.Register) {
	p := a.newProg(instruction)
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = castAsGolangAsmRegister(sourceBaseReg)
	p.From.Offset = sourceOffsetConst
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister(destinationReg)
	a.addInstruction(p)
}

// CompileRegisterToMemory implements asm.Assembler.
func (a *Assembler) CompileRegisterToMemory(instruction asm.Instruction, sourceRegister, destinationBaseRegister asm.Register, destinationOffsetConst asm.ConstantValue) {
	p := a.newProg(instruction)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = castAsGolangAsmRegister(sourceRegister)
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = castAsGolangAsmRegister(destinationBaseRegister)
	p.To.Offset = destinationOffsetConst
	a.addInstruction(p)
}

// CompileMemoryWithIndexToRegister implements asm.Assembler.
func (a *Assembler) CompileMemoryWithIndexToRegister(instruction asm.Instruction, srcBaseReg asm.Register, srcOffsetConst asm.ConstantValue, srcIndex asm.Register, srcScale int16, dstReg asm.Register) {
	p := a.newProg(instruction)
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = castAsGolangAsmRegister(srcBaseReg)
	p.From.Offset = srcOffsetConst
	p.From.Index = castAsGolangAsmRegister(srcIndex)
	p.From.Scale = srcScale
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister(dstReg)
	a.addInstruction(p)
}

// CompileRegisterToMemoryWithIndex implements asm.Assembler.
func (a *Assembler) CompileRegisterToMemoryWithIndex(instruction asm.Instruction, srcReg, dstBaseReg asm.Register, dstOffsetConst asm.ConstantValue, dstIndex asm.Register, dstScale int16) {
	p := a.newProg(instruction)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = castAsGolangAsmRegister(srcReg)
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = castAsGolangAsmRegister(dstBaseReg)
	p.To.Offset = dstOffsetConst
	p.To.Index = castAsGolangAsmRegister(dstIndex)
	p.To.Scale = dstScale
	a.addInstruction(p)
}

// CompileConstToMemory implements asm.Assembler.
func (a *Assembler) CompileConstToMemory(instruction asm.Instruction, value asm.ConstantValue, dstBaseReg asm.Register, dstOffset asm.ConstantValue) asm.Node {
	p := a.newProg(instruction)
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = value
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = castAsGolangAsmRegister(dstBaseReg)
	p.To.Offset = dstOffset
	a.addInstruction(p)
	return &GolangAsmNode{prog: p}
}

// CompileRegisterToConst implements asm.Assembler.
func (a *Assembler) CompileRegisterToConst(instruction asm.Instruction, srcRegister asm.Register, value asm.ConstantValue) asm.Node {
	p := a.newProg(instruction)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = castAsGolangAsmRegister(srcRegister)
	p.To.Type = obj.TYPE_CONST
	p.To.Offset = value
	a.addInstruction(p)
	return &GolangAsmNode{prog: p}
}

// CompileMemoryToConst implements asm.Assembler.
func (a *Assembler) CompileMemoryToConst(instruction asm.Instruction, srcBaseReg asm.Register, srcOffset asm.ConstantValue, value asm.ConstantValue) asm.Node {
	p := a.newProg(instruction)
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = castAsGolangAsmRegister(srcBaseReg)
	p.From.Offset = srcOffset
	p.To.Type = obj.TYPE_CONST
	p.To.Offset = value
	a.addInstruction(p)
	return &GolangAsmNode{prog: p}
}

// CompileRegisterToNone implements asm.Assembler.
func (a *Assembler) CompileRegisterToNone(instruction asm.Instruction, register asm.Register) {
	p := a.newProg(instruction)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = castAsGolangAsmRegister(register)
	p.To.Type = obj.TYPE_NONE
	a.addInstruction(p)
}

// CompileNoneToRegister implements asm.Assembler.
func (a *Assembler) CompileNoneToRegister(instruction asm.Instruction, register asm.Register) {
	p := a.newProg(instruction)
	p.From.Type = obj.TYPE_NONE
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister(register)
	a.addInstruction(p)
}

// CompileJump implements asm.Assembler.
func (a *Assembler) CompileJump(jmpInstruction asm.Instruction) asm.Node {
	p := a.newProg(jmpInstruction)
	p.To.Type = obj.TYPE_BRANCH
	a.addInstruction(p)
	return &GolangAsmNode{prog: p}
}

// CompileJumpToRegister implements asm.Assembler.
func (a *Assembler) CompileJumpToRegister(jmpInstruction asm.Instruction, reg asm.Register) {
	p := a.newProg(jmpInstruction)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = castAsGolangAsmRegister(reg)
	a.addInstruction(p)
}

// CompileJumpToMemory implements asm.Assembler.
func (a *Assembler) CompileJumpToMemory(jmpInstruction asm.Instruction, baseReg asm.Register, offset asm.ConstantValue) {
	p := a.newProg(jmpInstruction)
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = castAsGolangAsmRegister(baseReg)
	p.To.Offset = offset
	a.addInstruction(p)
}

// CompileReadInstructionAddress implements asm.Assembler.
func (a *Assembler) CompileReadInstructionAddress(destinationRegister asm.Register, beforeAcquisitionTargetInstruction asm.Instruction) {
	// The cross-check backend never needs rip-relative address reads; the
	// hand-rolled encoder owns this form.
	panic("CompileReadInstructionAddress is not supported by the golang-asm backend")
}

var golangAsmInstructions = map[asm.Instruction]obj.As{
	amd64.ADDL: x86.AADDL, amd64.ADDQ: x86.AADDQ,
	amd64.ADDSD: x86.AADDSD, amd64.ADDSS: x86.AADDSS,
	amd64.ANDL: x86.AANDL, amd64.ANDQ: x86.AANDQ,
	amd64.CALL: obj.ACALL, amd64.CDQ: x86.ACDQ,
	amd64.CMPB: x86.ACMPB,
	amd64.CMPL: x86.ACMPL, amd64.CMPQ: x86.ACMPQ,
	amd64.CMPXCHGQ: x86.ACMPXCHGQ,
	amd64.COMISD:   x86.ACOMISD, amd64.COMISS: x86.ACOMISS,
	amd64.CQO:      x86.ACQO,
	amd64.CVTSD2SS: x86.ACVTSD2SS, amd64.CVTSL2SD: x86.ACVTSL2SD,
	amd64.CVTSL2SS: x86.ACVTSL2SS, amd64.CVTSQ2SD: x86.ACVTSQ2SD,
	amd64.CVTSQ2SS: x86.ACVTSQ2SS, amd64.CVTSS2SD: x86.ACVTSS2SD,
	amd64.CVTTSD2SL: x86.ACVTTSD2SL, amd64.CVTTSD2SQ: x86.ACVTTSD2SQ,
	amd64.CVTTSS2SL: x86.ACVTTSS2SL, amd64.CVTTSS2SQ: x86.ACVTTSS2SQ,
	amd64.DECQ: x86.ADECQ, amd64.DIVL: x86.ADIVL, amd64.DIVQ: x86.ADIVQ,
	amd64.DIVSD: x86.ADIVSD, amd64.DIVSS: x86.ADIVSS,
	amd64.IDIVL: x86.AIDIVL, amd64.IDIVQ: x86.AIDIVQ,
	amd64.IMULL: x86.AIMULL, amd64.IMULQ: x86.AIMULQ,
	amd64.INCQ: x86.AINCQ,
	amd64.JCC:  x86.AJCC, amd64.JCS: x86.AJCS, amd64.JEQ: x86.AJEQ,
	amd64.JGE: x86.AJGE, amd64.JGT: x86.AJGT, amd64.JHI: x86.AJHI,
	amd64.JLE: x86.AJLE, amd64.JLS: x86.AJLS, amd64.JLT: x86.AJLT,
	amd64.JMI: x86.AJMI, amd64.JNE: x86.AJNE, amd64.JPC: x86.AJPC,
	amd64.JPL: x86.AJPL, amd64.JPS: x86.AJPS,
	amd64.JMP: obj.AJMP, amd64.LEAQ: x86.ALEAQ,
	amd64.MFENCE: x86.AMFENCE,
	amd64.MOVB:   x86.AMOVB, amd64.MOVBLSX: x86.AMOVBLSX,
	amd64.MOVBLZX: x86.AMOVBLZX, amd64.MOVBQSX: x86.AMOVBQSX,
	amd64.MOVBQZX: x86.AMOVBQZX, amd64.MOVL: x86.AMOVL,
	amd64.MOVLQSX: x86.AMOVLQSX, amd64.MOVLQZX: x86.AMOVLQZX,
	amd64.MOVQ: x86.AMOVQ, amd64.MOVW: x86.AMOVW,
	amd64.MOVWLSX: x86.AMOVWLSX, amd64.MOVWLZX: x86.AMOVWLZX,
	amd64.MOVWQSX: x86.AMOVWQSX, amd64.MOVWQZX: x86.AMOVWQZX,
	amd64.MULL: x86.AMULL, amd64.MULQ: x86.AMULQ,
	amd64.MULSD: x86.AMULSD, amd64.MULSS: x86.AMULSS,
	amd64.NEGL: x86.ANEGL, amd64.NEGQ: x86.ANEGQ,
	amd64.NOP: obj.ANOP,
	amd64.ORL: x86.AORL, amd64.ORQ: x86.AORQ,
	amd64.POPQ: x86.APOPQ, amd64.PUSHQ: x86.APUSHQ,
	amd64.RET:  obj.ARET,
	amd64.SARL: x86.ASARL, amd64.SARQ: x86.ASARQ,
	amd64.SETCC: x86.ASETCC, amd64.SETCS: x86.ASETCS,
	amd64.SETEQ: x86.ASETEQ, amd64.SETGE: x86.ASETGE,
	amd64.SETGT: x86.ASETGT, amd64.SETHI: x86.ASETHI,
	amd64.SETLE: x86.ASETLE, amd64.SETLS: x86.ASETLS,
	amd64.SETLT: x86.ASETLT, amd64.SETMI: x86.ASETMI,
	amd64.SETNE: x86.ASETNE, amd64.SETPC: x86.ASETPC,
	amd64.SETPS: x86.ASETPS,
	amd64.SHLL:  x86.ASHLL, amd64.SHLQ: x86.ASHLQ,
	amd64.SHRL: x86.ASHRL, amd64.SHRQ: x86.ASHRQ,
	amd64.SQRTSD: x86.ASQRTSD, amd64.SQRTSS: x86.ASQRTSS,
	amd64.SUBL: x86.ASUBL, amd64.SUBQ: x86.ASUBQ,
	amd64.SUBSD: x86.ASUBSD, amd64.SUBSS: x86.ASUBSS,
	amd64.TESTL: x86.ATESTL, amd64.TESTQ: x86.ATESTQ,
	amd64.UCOMISD: x86.AUCOMISD, amd64.UCOMISS: x86.AUCOMISS,
	amd64.UD2:   x86.AUD2,
	amd64.XCHGQ: x86.AXCHGQ,
	amd64.XORL:  x86.AXORL, amd64.XORPD: x86.AXORPD,
	amd64.XORPS: x86.AXORPS, amd64.XORQ: x86.AXORQ,
}

func castAsGolangAsmInstruction(instruction asm.Instruction) obj.As {
	ret, ok := golangAsmInstructions[instruction]
	if !ok {
		panic(fmt.Sprintf("unsupported instruction for golang-asm backend: %s", amd64.InstructionName(instruction)))
	}
	return ret
}

var golangAsmRegisters = map[asm.Register]int16{
	amd64.RegAX: x86.REG_AX, amd64.RegCX: x86.REG_CX, amd64.RegDX: x86.REG_DX,
	amd64.RegBX: x86.REG_BX, amd64.RegSP: x86.REG_SP, amd64.RegBP: x86.REG_BP,
	amd64.RegSI: x86.REG_SI, amd64.RegDI: x86.REG_DI,
	amd64.RegR8: x86.REG_R8, amd64.RegR9: x86.REG_R9,
	amd64.RegR10: x86.REG_R10, amd64.RegR11: x86.REG_R11,
	amd64.RegR12: x86.REG_R12, amd64.RegR13: x86.REG_R13,
	amd64.RegR14: x86.REG_R14, amd64.RegR15: x86.REG_R15,
	amd64.RegX0: x86.REG_X0, amd64.RegX1: x86.REG_X1, amd64.RegX2: x86.REG_X2,
	amd64.RegX3: x86.REG_X3, amd64.RegX4: x86.REG_X4, amd64.RegX5: x86.REG_X5,
	amd64.RegX6: x86.REG_X6, amd64.RegX7: x86.REG_X7, amd64.RegX8: x86.REG_X8,
	amd64.RegX9: x86.REG_X9, amd64.RegX10: x86.REG_X10,
	amd64.RegX11: x86.REG_X11, amd64.RegX12: x86.REG_X12,
	amd64.RegX13: x86.REG_X13, amd64.RegX14: x86.REG_X14,
	amd64.RegX15: x86.REG_X15,
}

func castAsGolangAsmRegister(reg asm.Register) int16 {
	if reg == asm.NilRegister {
		return obj.REG_NONE
	}
	ret, ok := golangAsmRegisters[reg]
	if !ok {
		panic(fmt.Sprintf("unsupported register for golang-asm backend: %s", amd64.RegisterName(reg)))
	}
	return ret
}
