package jitabi

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/pirocks/gojvm/internal/javastack"
)

// TestJITContextOffsets pins the struct layout generated code depends on.
// If this test fails, the constants (and every emitted r15-relative access)
// are out of sync with the Go struct.
func TestJITContextOffsets(t *testing.T) {
	var ctx JITContext
	require.Equal(t, uintptr(JITContextExitHandlerIPOffset), unsafe.Offsetof(ctx.ExitHandlerIP))
	require.Equal(t, uintptr(JITContextJavaSavedRBPOffset), unsafe.Offsetof(ctx.JavaSaved)+unsafe.Offsetof(ctx.JavaSaved.RBP))
	require.Equal(t, uintptr(JITContextJavaSavedRSPOffset), unsafe.Offsetof(ctx.JavaSaved)+unsafe.Offsetof(ctx.JavaSaved.RSP))
	require.Equal(t, uintptr(JITContextJavaSavedRIPOffset), unsafe.Offsetof(ctx.JavaSaved)+unsafe.Offsetof(ctx.JavaSaved.RIP))
	require.Equal(t, uintptr(JITContextNativeSavedRBPOffset), unsafe.Offsetof(ctx.NativeSaved)+unsafe.Offsetof(ctx.NativeSaved.RBP))
	require.Equal(t, uintptr(JITContextNativeSavedRSPOffset), unsafe.Offsetof(ctx.NativeSaved)+unsafe.Offsetof(ctx.NativeSaved.RSP))
	require.Equal(t, uintptr(JITContextNativeSavedRIPOffset), unsafe.Offsetof(ctx.NativeSaved)+unsafe.Offsetof(ctx.NativeSaved.RIP))
	require.Equal(t, uintptr(JITContextExitIndexOffset), unsafe.Offsetof(ctx.ExitIndex))
	require.Equal(t, uintptr(JITContextSignalDataOffset), unsafe.Offsetof(ctx.SignalData))
	require.Equal(t, uintptr(JITContextReturnValueOffset), unsafe.Offsetof(ctx.ReturnValue))
	require.Equal(t, uintptr(JITContextFloatReturnValueOffset), unsafe.Offsetof(ctx.FloatReturnValue))
}

func TestSignalDataFlagOffset(t *testing.T) {
	var d javastack.SignalAccessibleData
	require.Equal(t, uintptr(SignalDataShouldSafepointCheckOffset), unsafe.Offsetof(d.ShouldSafepointCheck))
}
