package irencode

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/javastack"
)

func start(frameSlots uint16) ir.IRStart {
	return ir.IRStart{
		IRMethodID: 7,
		MethodID:   9,
		FrameSize:  javastack.FrameSize(frameSlots),
		NumLocals:  frameSlots,
	}
}

func encode(t *testing.T, instrs ...ir.Instr) *CompiledMethod {
	t.Helper()
	m, err := Encode(instrs, Options{})
	require.NoError(t, err)
	return m
}

func TestEncodeRequiresIRStart(t *testing.T) {
	_, err := Encode([]ir.Instr{ir.Return{FrameSize: 48}}, Options{})
	require.Error(t, err)
	_, err = Encode(nil, Options{})
	require.Error(t, err)
}

func TestMinimalMethod(t *testing.T) {
	m := encode(t, start(2), ir.Return{FrameSize: javastack.FrameSize(2)})
	require.NotEmpty(t, m.Code)
	require.Equal(t, javastack.FrameSize(2), m.FrameSize)
	// The return transfers through a register jump (ff /4), never a plain
	// ret: guest frames chain by explicit prev-rip jumps.
	require.True(t, bytes.Contains(m.Code, []byte{0xff, 0xe3}), "expected JMP R11 in %x", m.Code)
}

func TestLabelsResolveForwardAndBackward(t *testing.T) {
	m := encode(t,
		start(2),
		ir.Label{Name: 1},
		ir.BranchToLabel{Label: 2}, // forward
		ir.BranchToLabel{Label: 1}, // backward
		ir.Label{Name: 2},
		ir.Return{FrameSize: javastack.FrameSize(2)},
	)
	require.Contains(t, m.Labels, ir.LabelName(1))
	require.Contains(t, m.Labels, ir.LabelName(2))
	require.Greater(t, m.Labels[2], m.Labels[1])
}

func TestUndefinedLabelFails(t *testing.T) {
	_, err := Encode([]ir.Instr{
		start(2),
		ir.BranchToLabel{Label: 99},
		ir.Return{FrameSize: javastack.FrameSize(2)},
	}, Options{})
	require.Error(t, err)
}

func TestDuplicateLabelPanics(t *testing.T) {
	require.Panics(t, func() {
		_, _ = Encode([]ir.Instr{
			start(2),
			ir.Label{Name: 1},
			ir.Label{Name: 1},
		}, Options{})
	})
}

func TestRestartPointsRecorded(t *testing.T) {
	m := encode(t,
		start(2),
		ir.RestartPoint{ID: 0},
		ir.Const32bit{To: 0, Value: 5},
		ir.RestartPoint{ID: 1},
		ir.Return{FrameSize: javastack.FrameSize(2)},
	)
	require.Len(t, m.RestartPoints, 2)
	require.Greater(t, m.RestartPoints[1], m.RestartPoints[0])
}

func TestVMExitRecordsSite(t *testing.T) {
	exit := &ir.Exit{Kind: ir.ExitTodo, Todo: "test"}
	m := encode(t,
		start(2),
		ir.VMExit{Exit: exit},
		ir.Return{FrameSize: javastack.FrameSize(2)},
	)
	require.Len(t, m.ExitSites, 1)
	site := m.ExitSites[0]
	require.Same(t, exit, site.Exit)
	// The continuation lies past the exit's entry, and the sequence ends in
	// RET back to the stub.
	require.Greater(t, site.Offset, site.ExitRIPOffset)
	require.Contains(t, m.Code[site.ExitRIPOffset:site.Offset], byte(0xc3))
}

func TestExitSiteIndexMatchesEmittedImmediate(t *testing.T) {
	// Two exits: the second site must store index 1 into the context.
	m := encode(t,
		start(2),
		ir.VMExit{Exit: &ir.Exit{Kind: ir.ExitTodo}},
		ir.VMExit{Exit: &ir.Exit{Kind: ir.ExitNPE}},
		ir.Return{FrameSize: javastack.FrameSize(2)},
	)
	require.Len(t, m.ExitSites, 2)
	// The exit body starts with MOVQ $index, RAX: 48 c7 c0 imm32.
	second := m.Code[m.ExitSites[1].ExitRIPOffset:]
	require.Equal(t, []byte{0x48, 0xc7, 0xc0, 0x01, 0x00, 0x00, 0x00}, second[:7])
}

func TestNPECheckBranchesOverExit(t *testing.T) {
	exit := &ir.Exit{Kind: ir.ExitNPE}
	m := encode(t,
		start(2),
		ir.NPECheck{Reg: 0, Exit: exit},
		ir.Return{FrameSize: javastack.FrameSize(2)},
	)
	require.Len(t, m.ExitSites, 1)
}

func TestLoadChangeableConstIsPatchable(t *testing.T) {
	m := encode(t,
		start(2),
		ir.LoadChangeableConst{To: 0, ID: 3},
		ir.Return{FrameSize: javastack.FrameSize(2)},
	)
	offsets := m.ChangeableConstOffsets[3]
	require.Len(t, offsets, 1)
	off := offsets[0]

	// Initially zero, and always the full 8-byte immediate.
	require.Equal(t, uint64(0), binary.LittleEndian.Uint64(m.Code[off:off+8]))
	PatchChangeableConst(m.Code, off, 0xdeadbeefcafe)
	require.Equal(t, uint64(0xdeadbeefcafe), binary.LittleEndian.Uint64(m.Code[off:off+8]))
	// The byte before the immediate is the MOVABS opcode for RBX (temp 0).
	require.Equal(t, byte(0xbb), m.Code[off-1])
}

func TestChangeableConstMultipleSites(t *testing.T) {
	m := encode(t,
		start(2),
		ir.LoadChangeableConst{To: 0, ID: 3},
		ir.LoadChangeableConst{To: 1, ID: 3},
		ir.Return{FrameSize: javastack.FrameSize(2)},
	)
	require.Len(t, m.ChangeableConstOffsets[3], 2)
}

func TestSafepointPollEmitsGuardedExit(t *testing.T) {
	exit := &ir.Exit{Kind: ir.ExitSafepointPoll}
	m := encode(t,
		start(2),
		ir.SafepointPoll{Exit: exit},
		ir.Return{FrameSize: javastack.FrameSize(2)},
	)
	require.Len(t, m.ExitSites, 1)
	require.Same(t, exit, m.ExitSites[0].Exit)
}

func TestAllocateConstantSizeEmitsLockedBumpAndFallback(t *testing.T) {
	fallback := &ir.Exit{Kind: ir.ExitAllocateObject}
	m := encode(t,
		start(4),
		ir.AllocateConstantSize{
			RegionHeaderPtrPtr: 0x1234,
			ResOffset:          javastack.DataSlotOffset(0),
			FallbackExit:       fallback,
		},
		ir.Return{FrameSize: javastack.FrameSize(4)},
	)
	require.Len(t, m.ExitSites, 1)
	require.Same(t, fallback, m.ExitSites[0].Exit)
	// The bump loop carries a LOCK CMPXCHG; the r11 base sets REX.B.
	require.True(t, bytes.Contains(m.Code, []byte{0xf0, 0x49, 0x0f, 0xb1}))
}

func TestIRCallWithResultStoresRAX(t *testing.T) {
	m := encode(t,
		start(4),
		ir.IRCall{
			Target:           ir.TargetConstant{Addr: 0x400000},
			CurrentFrameSize: javastack.FrameSize(4),
			HasResult:        true,
			ResultOffset:     javastack.DataSlotOffset(2),
		},
		ir.Return{FrameSize: javastack.FrameSize(4)},
	)
	require.NotEmpty(t, m.Code)
	// The call writes both magic words into the callee header.
	var magic [8]byte
	binary.LittleEndian.PutUint64(magic[:], javastack.Magic1Expected)
	require.True(t, bytes.Contains(m.Code, magic[:]))
	binary.LittleEndian.PutUint64(magic[:], javastack.Magic2Expected)
	require.True(t, bytes.Contains(m.Code, magic[:]))
}

func TestAssertEqualOnlyInDebug(t *testing.T) {
	instrs := []ir.Instr{
		start(2),
		ir.AssertEqual{A: 0, B: 1, Size: ir.SizeQWord},
		ir.Return{FrameSize: javastack.FrameSize(2)},
	}
	release, err := Encode(instrs, Options{})
	require.NoError(t, err)
	debug, err := Encode(instrs, Options{DebugAsserts: true})
	require.NoError(t, err)
	require.Greater(t, len(debug.Code), len(release.Code))
	require.True(t, bytes.Contains(debug.Code, []byte{0x0f, 0x0b})) // UD2
}

func TestTempRegisterRangePanics(t *testing.T) {
	require.Panics(t, func() {
		_, _ = Encode([]ir.Instr{
			start(2),
			ir.Const32bit{To: NumTempRegisters, Value: 1},
		}, Options{})
	})
}

func TestDivMovesThroughScratch(t *testing.T) {
	m := encode(t,
		start(4),
		ir.Div{Res: 0, A: 1, Size: ir.SizeDWord, Signed: true},
		ir.Mod{Res: 0, A: 1, Size: ir.SizeQWord, Signed: false},
		ir.Return{FrameSize: javastack.FrameSize(4)},
	)
	// Signed dword division sign-extends with CDQ, unsigned qword zeroes
	// RDX instead.
	require.True(t, bytes.Contains(m.Code, []byte{0x99}))             // CDQ
	require.True(t, bytes.Contains(m.Code, []byte{0x48, 0x31, 0xd2})) // XORQ DX,DX
}
