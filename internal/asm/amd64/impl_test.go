package amd64

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pirocks/gojvm/internal/asm"
)

func assemble(t *testing.T, build func(a asm.Assembler)) []byte {
	t.Helper()
	a := NewAssembler()
	build(a)
	code, err := a.Assemble()
	require.NoError(t, err)
	return code
}

func TestStandAloneEncodings(t *testing.T) {
	tests := []struct {
		name string
		inst asm.Instruction
		exp  []byte
	}{
		{"RET", RET, []byte{0xc3}},
		{"CDQ", CDQ, []byte{0x99}},
		{"CQO", CQO, []byte{0x48, 0x99}},
		{"MFENCE", MFENCE, []byte{0x0f, 0xae, 0xf0}},
		{"UD2", UD2, []byte{0x0f, 0x0b}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			code := assemble(t, func(a asm.Assembler) { a.CompileStandAlone(tc.inst) })
			require.Equal(t, tc.exp, code)
		})
	}
}

func TestRegisterToRegisterEncodings(t *testing.T) {
	tests := []struct {
		name     string
		inst     asm.Instruction
		from, to asm.Register
		exp      []byte
	}{
		{"MOVQ AX,BX", MOVQ, RegAX, RegBX, []byte{0x48, 0x89, 0xc3}},
		{"ADDQ CX,AX", ADDQ, RegCX, RegAX, []byte{0x48, 0x01, 0xc8}},
		{"SUBL CX,AX", SUBL, RegCX, RegAX, []byte{0x29, 0xc8}},
		{"XORQ AX,AX", XORQ, RegAX, RegAX, []byte{0x48, 0x31, 0xc0}},
		{"TESTQ BX,BX", TESTQ, RegBX, RegBX, []byte{0x48, 0x85, 0xdb}},
		{"IMULQ CX,AX", IMULQ, RegCX, RegAX, []byte{0x48, 0x0f, 0xaf, 0xc1}},
		{"MOVBQSX SI,AX", MOVBQSX, RegSI, RegAX, []byte{0x48, 0x0f, 0xbe, 0xc6}},
		{"MOVLQSX AX,AX", MOVLQSX, RegAX, RegAX, []byte{0x48, 0x63, 0xc0}},
		{"ADDSD X1,X0", ADDSD, RegX1, RegX0, []byte{0xf2, 0x0f, 0x58, 0xc1}},
		{"UCOMISS X1,X0", UCOMISS, RegX1, RegX0, []byte{0x0f, 0x2e, 0xc1}},
		{"MOVQ AX,X0", MOVQ, RegAX, RegX0, []byte{0x66, 0x48, 0x0f, 0x6e, 0xc0}},
		{"CVTSL2SD AX,X0", CVTSL2SD, RegAX, RegX0, []byte{0xf2, 0x0f, 0x2a, 0xc0}},
		{"XORPS X7,X7", XORPS, RegX7, RegX7, []byte{0x0f, 0x57, 0xff}},
		{"SHLQ CX,AX", SHLQ, RegCX, RegAX, []byte{0x48, 0xd3, 0xe0}},
		{"XCHGQ CX,AX", XCHGQ, RegCX, RegAX, []byte{0x48, 0x87, 0xc8}},
		{"MOVQ R8,R15", MOVQ, RegR8, RegR15, []byte{0x4d, 0x89, 0xc7}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			code := assemble(t, func(a asm.Assembler) { a.CompileRegisterToRegister(tc.inst, tc.from, tc.to) })
			require.Equal(t, tc.exp, code)
		})
	}
}

func TestConstToRegisterEncodings(t *testing.T) {
	tests := []struct {
		name  string
		inst  asm.Instruction
		value int64
		reg   asm.Register
		exp   []byte
	}{
		{"MOVL $42,AX", MOVL, 42, RegAX, []byte{0xb8, 0x2a, 0, 0, 0}},
		{"MOVQ $-1,AX", MOVQ, -1, RegAX, []byte{0x48, 0xc7, 0xc0, 0xff, 0xff, 0xff, 0xff}},
		{"MOVQ $2^32,AX", MOVQ, 1 << 32, RegAX, []byte{0x48, 0xb8, 0, 0, 0, 0, 1, 0, 0, 0}},
		{"MOVABSQ $0,CX", MOVABSQ, 0, RegCX, []byte{0x48, 0xb9, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"ADDQ $8,SP", ADDQ, 8, RegSP, []byte{0x48, 0x83, 0xc4, 0x08}},
		{"SHLQ $3,AX", SHLQ, 3, RegAX, []byte{0x48, 0xc1, 0xe0, 0x03}},
		{"ANDQ $0x3f,CX", ANDQ, 0x3f, RegCX, []byte{0x48, 0x83, 0xe1, 0x3f}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			code := assemble(t, func(a asm.Assembler) { a.CompileConstToRegister(tc.inst, tc.value, tc.reg) })
			require.Equal(t, tc.exp, code)
		})
	}
}

func TestMemoryEncodings(t *testing.T) {
	t.Run("MOVQ [AX+8],BX", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileMemoryToRegister(MOVQ, RegAX, 8, RegBX) })
		require.Equal(t, []byte{0x48, 0x8b, 0x58, 0x08}, code)
	})
	t.Run("MOVQ BX,[AX+8]", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileRegisterToMemory(MOVQ, RegBX, RegAX, 8) })
		require.Equal(t, []byte{0x48, 0x89, 0x58, 0x08}, code)
	})
	t.Run("MOVQ [BP],AX keeps displacement", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileMemoryToRegister(MOVQ, RegBP, 0, RegAX) })
		require.Equal(t, []byte{0x48, 0x8b, 0x45, 0x00}, code)
	})
	t.Run("LEAQ [BP-16],SP", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileMemoryToRegister(LEAQ, RegBP, -16, RegSP) })
		require.Equal(t, []byte{0x48, 0x8d, 0x65, 0xf0}, code)
	})
	t.Run("MOVQ [SP] uses SIB", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileMemoryToRegister(MOVQ, RegSP, 0, RegAX) })
		require.Equal(t, []byte{0x48, 0x8b, 0x04, 0x24}, code)
	})
	t.Run("LEAQ [R11+RAX*1],AX", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) {
			a.CompileMemoryWithIndexToRegister(LEAQ, RegR11, 0, RegAX, 1, RegAX)
		})
		require.Equal(t, []byte{0x49, 0x8d, 0x04, 0x03}, code)
	})
	t.Run("MOVL $7,[AX]", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileConstToMemory(MOVL, 7, RegAX, 0) })
		require.Equal(t, []byte{0xc7, 0x00, 0x07, 0, 0, 0}, code)
	})
	t.Run("CMPB [AX+16],$0", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileMemoryToConst(CMPB, RegAX, 16, 0) })
		require.Equal(t, []byte{0x80, 0x78, 0x10, 0x00}, code)
	})
	t.Run("LOCK CMPXCHGQ CX,[AX+16]", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileRegisterToMemory(CMPXCHGQ, RegCX, RegAX, 16) })
		require.Equal(t, []byte{0xf0, 0x48, 0x0f, 0xb1, 0x48, 0x10}, code)
	})
}

func TestSingleOperandEncodings(t *testing.T) {
	t.Run("PUSHQ AX", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileNoneToRegister(PUSHQ, RegAX) })
		require.Equal(t, []byte{0x50}, code)
	})
	t.Run("PUSHQ R8", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileNoneToRegister(PUSHQ, RegR8) })
		require.Equal(t, []byte{0x41, 0x50}, code)
	})
	t.Run("POPQ BX", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileNoneToRegister(POPQ, RegBX) })
		require.Equal(t, []byte{0x5b}, code)
	})
	t.Run("NEGQ AX", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileNoneToRegister(NEGQ, RegAX) })
		require.Equal(t, []byte{0x48, 0xf7, 0xd8}, code)
	})
	t.Run("IDIVQ CX", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileRegisterToNone(IDIVQ, RegCX) })
		require.Equal(t, []byte{0x48, 0xf7, 0xf9}, code)
	})
	t.Run("SETEQ AX", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileNoneToRegister(SETEQ, RegAX) })
		require.Equal(t, []byte{0x0f, 0x94, 0xc0}, code)
	})
	t.Run("JMP AX", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileJumpToRegister(JMP, RegAX) })
		require.Equal(t, []byte{0xff, 0xe0}, code)
	})
	t.Run("CALL AX", func(t *testing.T) {
		code := assemble(t, func(a asm.Assembler) { a.CompileJumpToRegister(CALL, RegAX) })
		require.Equal(t, []byte{0xff, 0xd0}, code)
	})
}

func TestForwardShortJump(t *testing.T) {
	code := assemble(t, func(a asm.Assembler) {
		j := a.CompileJump(JMP)
		a.CompileStandAlone(RET)
		a.SetJumpTargetOnNext(j)
		a.CompileStandAlone(UD2)
	})
	require.Equal(t, []byte{0xeb, 0x01, 0xc3, 0x0f, 0x0b}, code)
}

func TestBackwardShortJump(t *testing.T) {
	code := assemble(t, func(a asm.Assembler) {
		target := a.CompileStandAlone(RET)
		j := a.CompileJump(JMP)
		j.AssignJumpTarget(target)
	})
	require.Equal(t, []byte{0xc3, 0xeb, 0xfd}, code)
}

func TestForwardJumpGrowsToLong(t *testing.T) {
	code := assemble(t, func(a asm.Assembler) {
		j := a.CompileJump(JEQ)
		// More than 127 bytes of filler forces the 32-bit form.
		for i := 0; i < 50; i++ {
			a.CompileStandAlone(CQO) // 2 bytes each
		}
		for i := 0; i < 20; i++ {
			a.CompileStandAlone(MFENCE) // 3 bytes each
		}
		a.SetJumpTargetOnNext(j)
		a.CompileStandAlone(RET)
	})
	// 0f 84 <disp32> then 160 filler bytes then c3.
	require.Equal(t, byte(0x0f), code[0])
	require.Equal(t, byte(0x84), code[1])
	require.Equal(t, byte(160), code[2])
	require.Equal(t, []byte{0, 0, 0}, code[3:6])
	require.Equal(t, byte(0xc3), code[len(code)-1])
	require.Len(t, code, 6+160+1)
}

func TestConditionalJumps(t *testing.T) {
	shorts := map[asm.Instruction]byte{
		JEQ: 0x74, JNE: 0x75, JLT: 0x7c, JGE: 0x7d, JGT: 0x7f, JLE: 0x7e,
		JHI: 0x77, JCS: 0x72, JCC: 0x73, JPS: 0x7a, JPC: 0x7b,
	}
	for inst, opcode := range shorts {
		code := assemble(t, func(a asm.Assembler) {
			j := a.CompileJump(inst)
			a.SetJumpTargetOnNext(j)
			a.CompileStandAlone(RET)
		})
		require.Equal(t, []byte{opcode, 0x00, 0xc3}, code, InstructionName(inst))
	}
}

func TestReadInstructionAddress(t *testing.T) {
	code := assemble(t, func(a asm.Assembler) {
		a.CompileReadInstructionAddress(RegR11, RET)
		a.CompileStandAlone(RET)
		a.CompileStandAlone(UD2)
	})
	// LEAQ [RIP+disp32],R11 is 7 bytes; RET follows at offset 7, so the
	// target (UD2) at offset 8 is disp 8-7=1 from the end of the LEAQ.
	require.Equal(t, []byte{0x4c, 0x8d, 0x1d, 0x01, 0x00, 0x00, 0x00, 0xc3, 0x0f, 0x0b}, code)
}

func TestUnsupportedFormsError(t *testing.T) {
	a := NewAssembler()
	a.CompileRegisterToRegister(MFENCE, RegAX, RegBX)
	_, err := a.Assemble()
	require.Error(t, err)
}
