package golang_asm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pirocks/gojvm/internal/asm"
	"github.com/pirocks/gojvm/internal/asm/amd64"
)

// TestCrossCheckAgainstHandRolledEncoder assembles the same operations
// through golang-asm and through the hand-rolled encoder and requires
// byte-identical output. Only canonical single-encoding forms are listed;
// forms where the two backends may legitimately pick different valid
// encodings are covered by the fixed-byte tests in the amd64 package.
func TestCrossCheckAgainstHandRolledEncoder(t *testing.T) {
	cases := []struct {
		name  string
		build func(a asm.Assembler)
	}{
		{"RET", func(a asm.Assembler) { a.CompileStandAlone(amd64.RET) }},
		{"CDQ", func(a asm.Assembler) { a.CompileStandAlone(amd64.CDQ) }},
		{"CQO", func(a asm.Assembler) { a.CompileStandAlone(amd64.CQO) }},
		{"MOVQ reg,reg", func(a asm.Assembler) { a.CompileRegisterToRegister(amd64.MOVQ, amd64.RegAX, amd64.RegBX) }},
		{"ADDQ reg,reg", func(a asm.Assembler) { a.CompileRegisterToRegister(amd64.ADDQ, amd64.RegCX, amd64.RegAX) }},
		{"XORQ reg,reg", func(a asm.Assembler) { a.CompileRegisterToRegister(amd64.XORQ, amd64.RegAX, amd64.RegAX) }},
		{"MOVQ mem,reg", func(a asm.Assembler) { a.CompileMemoryToRegister(amd64.MOVQ, amd64.RegAX, 8, amd64.RegBX) }},
		{"MOVQ reg,mem", func(a asm.Assembler) { a.CompileRegisterToMemory(amd64.MOVQ, amd64.RegBX, amd64.RegAX, 8) }},
		{"MOVL const,reg", func(a asm.Assembler) { a.CompileConstToRegister(amd64.MOVL, 42, amd64.RegAX) }},
		{"NEGQ", func(a asm.Assembler) { a.CompileNoneToRegister(amd64.NEGQ, amd64.RegAX) }},
		{"IDIVQ", func(a asm.Assembler) { a.CompileRegisterToNone(amd64.IDIVQ, amd64.RegCX) }},
		{"MOVBQSX reg,reg", func(a asm.Assembler) { a.CompileRegisterToRegister(amd64.MOVBQSX, amd64.RegSI, amd64.RegAX) }},
		{"ADDSD xmm,xmm", func(a asm.Assembler) { a.CompileRegisterToRegister(amd64.ADDSD, amd64.RegX1, amd64.RegX0) }},
		{"JMP reg", func(a asm.Assembler) { a.CompileJumpToRegister(amd64.JMP, amd64.RegAX) }},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			handRolled := amd64.NewAssembler()
			tc.build(handRolled)
			want, err := handRolled.Assemble()
			require.NoError(t, err)

			goasmBacked, err := NewAssembler()
			require.NoError(t, err)
			tc.build(goasmBacked)
			got, err := goasmBacked.Assemble()
			require.NoError(t, err)

			require.Equal(t, want, got)
		})
	}
}
