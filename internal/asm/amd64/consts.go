package amd64

import "github.com/pirocks/gojvm/internal/asm"

// AMD64 conditional register states, i.e. which flag combination a SETcc or
// Jcc observes.
// https://www.intel.com/content/dam/www/public/us/en/documents/manuals/64-ia-32-architectures-software-developer-instruction-set-reference-manual-325383.pdf
const (
	ConditionalRegisterStateE  = asm.ConditionalRegisterStateUnset + 1 + iota // ZF
	ConditionalRegisterStateNE                                                // ˜ZF
	ConditionalRegisterStateS                                                 // SF
	ConditionalRegisterStateNS                                                // ˜SF
	ConditionalRegisterStateG                                                 // ˜(SF xor OF) & ˜ZF
	ConditionalRegisterStateGE                                                // ˜(SF xor OF)
	ConditionalRegisterStateL                                                 // SF xor OF
	ConditionalRegisterStateLE                                                // (SF xor OF) | ZF
	ConditionalRegisterStateA                                                 // ˜CF & ˜ZF
	ConditionalRegisterStateAE                                                // ˜CF
	ConditionalRegisterStateB                                                 // CF
	ConditionalRegisterStateBE                                                // CF | ZF
)

// The amd64 instructions the JIT emits. Only the forms the IR encoder needs
// are defined; naming follows the Go assembler convention
// (https://go.dev/doc/asm) so the golang-asm cross-check backend can map
// them one to one.
const (
	NONE asm.Instruction = iota
	ADDL
	ADDQ
	ADDSD
	ADDSS
	ANDL
	ANDQ
	CALL
	CDQ
	CMPB
	CMPL
	CMPQ
	CMPXCHGQ
	COMISD
	COMISS
	CQO
	CVTSD2SS
	CVTSL2SD
	CVTSL2SS
	CVTSQ2SD
	CVTSQ2SS
	CVTSS2SD
	CVTTSD2SL
	CVTTSD2SQ
	CVTTSS2SL
	CVTTSS2SQ
	DECQ
	DIVL
	DIVQ
	DIVSD
	DIVSS
	IDIVL
	IDIVQ
	IMULL
	IMULQ
	INCQ
	JCC
	JCS
	JEQ
	JGE
	JGT
	JHI
	JLE
	JLS
	JLT
	JMI
	JNE
	JPC
	JPL
	JPS
	JMP
	LEAQ
	MFENCE
	MOVABSQ
	MOVB
	MOVBLSX
	MOVBLZX
	MOVBQSX
	MOVBQZX
	MOVL
	MOVLQSX
	MOVLQZX
	MOVQ
	MOVW
	MOVWLSX
	MOVWLZX
	MOVWQSX
	MOVWQZX
	MULL
	MULQ
	MULSD
	MULSS
	NEGL
	NEGQ
	NOP
	ORL
	ORQ
	POPQ
	PUSHQ
	RET
	SARL
	SARQ
	SETCC
	SETCS
	SETEQ
	SETGE
	SETGT
	SETHI
	SETLE
	SETLS
	SETLT
	SETMI
	SETNE
	SETPC
	SETPS
	SHLL
	SHLQ
	SHRL
	SHRQ
	SQRTSD
	SQRTSS
	SUBL
	SUBQ
	SUBSD
	SUBSS
	TESTL
	TESTQ
	UCOMISD
	UCOMISS
	UD2
	XCHGQ
	XORL
	XORPD
	XORPS
	XORQ
	instructionEnd
)

var instructionNames = [instructionEnd]string{
	ADDL: "ADDL", ADDQ: "ADDQ", ADDSD: "ADDSD", ADDSS: "ADDSS",
	ANDL: "ANDL", ANDQ: "ANDQ", CALL: "CALL", CDQ: "CDQ",
	CMPB: "CMPB", CMPL: "CMPL", CMPQ: "CMPQ", CMPXCHGQ: "CMPXCHGQ",
	COMISD: "COMISD", COMISS: "COMISS", CQO: "CQO",
	CVTSD2SS: "CVTSD2SS", CVTSL2SD: "CVTSL2SD", CVTSL2SS: "CVTSL2SS",
	CVTSQ2SD: "CVTSQ2SD", CVTSQ2SS: "CVTSQ2SS", CVTSS2SD: "CVTSS2SD",
	CVTTSD2SL: "CVTTSD2SL", CVTTSD2SQ: "CVTTSD2SQ",
	CVTTSS2SL: "CVTTSS2SL", CVTTSS2SQ: "CVTTSS2SQ",
	DECQ: "DECQ", DIVL: "DIVL", DIVQ: "DIVQ", DIVSD: "DIVSD", DIVSS: "DIVSS",
	IDIVL: "IDIVL", IDIVQ: "IDIVQ", IMULL: "IMULL", IMULQ: "IMULQ",
	INCQ: "INCQ",
	JCC:  "JCC", JCS: "JCS", JEQ: "JEQ", JGE: "JGE", JGT: "JGT", JHI: "JHI",
	JLE: "JLE", JLS: "JLS", JLT: "JLT", JMI: "JMI", JNE: "JNE", JPC: "JPC",
	JPL: "JPL", JPS: "JPS", JMP: "JMP",
	LEAQ: "LEAQ", MFENCE: "MFENCE",
	MOVABSQ: "MOVABSQ",
	MOVB:    "MOVB", MOVBLSX: "MOVBLSX", MOVBLZX: "MOVBLZX",
	MOVBQSX: "MOVBQSX", MOVBQZX: "MOVBQZX", MOVL: "MOVL",
	MOVLQSX: "MOVLQSX", MOVLQZX: "MOVLQZX", MOVQ: "MOVQ", MOVW: "MOVW",
	MOVWLSX: "MOVWLSX", MOVWLZX: "MOVWLZX", MOVWQSX: "MOVWQSX",
	MOVWQZX: "MOVWQZX",
	MULL:    "MULL", MULQ: "MULQ", MULSD: "MULSD", MULSS: "MULSS",
	NEGL: "NEGL", NEGQ: "NEGQ", NOP: "NOP", ORL: "ORL", ORQ: "ORQ",
	POPQ: "POPQ", PUSHQ: "PUSHQ", RET: "RET",
	SARL: "SARL", SARQ: "SARQ",
	SETCC: "SETCC", SETCS: "SETCS", SETEQ: "SETEQ", SETGE: "SETGE",
	SETGT: "SETGT", SETHI: "SETHI", SETLE: "SETLE", SETLS: "SETLS",
	SETLT: "SETLT", SETMI: "SETMI", SETNE: "SETNE", SETPC: "SETPC",
	SETPS: "SETPS",
	SHLL:  "SHLL", SHLQ: "SHLQ", SHRL: "SHRL", SHRQ: "SHRQ",
	SQRTSD: "SQRTSD", SQRTSS: "SQRTSS",
	SUBL: "SUBL", SUBQ: "SUBQ", SUBSD: "SUBSD", SUBSS: "SUBSS",
	TESTL: "TESTL", TESTQ: "TESTQ",
	UCOMISD: "UCOMISD", UCOMISS: "UCOMISS", UD2: "UD2", XCHGQ: "XCHGQ",
	XORL: "XORL", XORPD: "XORPD", XORPS: "XORPS", XORQ: "XORQ",
}

// InstructionName returns the name of the given instruction for debugging.
func InstructionName(instruction asm.Instruction) string {
	if int(instruction) < len(instructionNames) && instructionNames[instruction] != "" {
		return instructionNames[instruction]
	}
	return "Unknown"
}

// AMD64 registers. General purpose first, then the XMM registers.
const (
	RegAX asm.Register = asm.NilRegister + 1 + iota
	RegCX
	RegDX
	RegBX
	RegSP
	RegBP
	RegSI
	RegDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegX0
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	RegX8
	RegX9
	RegX10
	RegX11
	RegX12
	RegX13
	RegX14
	RegX15
)

var registerNames = []string{
	RegAX: "AX", RegCX: "CX", RegDX: "DX", RegBX: "BX", RegSP: "SP",
	RegBP: "BP", RegSI: "SI", RegDI: "DI", RegR8: "R8", RegR9: "R9",
	RegR10: "R10", RegR11: "R11", RegR12: "R12", RegR13: "R13",
	RegR14: "R14", RegR15: "R15",
	RegX0: "X0", RegX1: "X1", RegX2: "X2", RegX3: "X3", RegX4: "X4",
	RegX5: "X5", RegX6: "X6", RegX7: "X7", RegX8: "X8", RegX9: "X9",
	RegX10: "X10", RegX11: "X11", RegX12: "X12", RegX13: "X13",
	RegX14: "X14", RegX15: "X15",
}

// RegisterName returns the name of the given register for debugging.
func RegisterName(reg asm.Register) string {
	if int(reg) < len(registerNames) && registerNames[reg] != "" {
		return registerNames[reg]
	}
	return "nil"
}
