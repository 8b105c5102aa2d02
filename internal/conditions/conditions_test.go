package conditions

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pirocks/gojvm/internal/ir"
)

func TestSetDeduplicates(t *testing.T) {
	s := NewSet()
	s.Add(ClassLoadedCond(7))
	s.Add(ClassLoadedCond(7))
	s.Add(FunctionCompiledCond(3))
	require.Equal(t, 2, s.Len())
}

func TestOnClassInitialized(t *testing.T) {
	tr := NewTracker()
	s := NewSet()
	s.Add(ClassLoadedCond(7))
	tr.Register(100, s)

	other := NewSet()
	other.Add(ClassLoadedCond(8))
	tr.Register(101, other)

	stale := tr.OnClassInitialized(7)
	require.Equal(t, []ir.IRMethodID{100}, stale)
	// A second firing finds nothing: invalidated methods are dropped.
	require.Empty(t, tr.OnClassInitialized(7))
	require.Equal(t, []ir.IRMethodID{101}, tr.OnClassInitialized(8))
}

func TestOnFunctionCompiledDoesNotMatchRecompiled(t *testing.T) {
	tr := NewTracker()

	compiled := NewSet()
	compiled.Add(FunctionCompiledCond(5))
	tr.Register(200, compiled)

	recompiled := NewSet()
	recompiled.Add(FunctionRecompiledCond(5, 77))
	tr.Register(201, recompiled)

	require.Equal(t, []ir.IRMethodID{200}, tr.OnFunctionCompiled(5))
	// 201 depends on the recompile event, not first compilation.
	require.Empty(t, tr.OnFunctionCompiled(5))

	stale := tr.OnFunctionRecompiled(5, 78)
	require.Equal(t, []ir.IRMethodID{201}, stale)
}

func TestOnFunctionRecompiledSameIRIsNoop(t *testing.T) {
	tr := NewTracker()
	s := NewSet()
	s.Add(FunctionRecompiledCond(5, 77))
	tr.Register(300, s)

	// "Recompiling" to the same IR id is not a change.
	require.Empty(t, tr.OnFunctionRecompiled(5, 77))
	require.Equal(t, []ir.IRMethodID{300}, tr.OnFunctionRecompiled(5, 78))
}

func TestOnConstPatched(t *testing.T) {
	tr := NewTracker()
	s := NewSet()
	s.Add(ChangeableConstChangedCond(9, 0))
	tr.Register(400, s)

	// Writing the observed value back is not a change.
	require.Empty(t, tr.OnConstPatched(9, 0))
	require.Equal(t, []ir.IRMethodID{400}, tr.OnConstPatched(9, 0xdeadbeef))
}

func TestUnregister(t *testing.T) {
	tr := NewTracker()
	s := NewSet()
	s.Add(ClassLoadedCond(7))
	tr.Register(500, s)
	tr.Unregister(500)
	require.Empty(t, tr.OnClassInitialized(7))
}
