package gojvm

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/pirocks/gojvm/internal/names"
)

func TestConfigCloning(t *testing.T) {
	base := NewConfig()
	traced := base.WithTraceInstructions(true)
	require.False(t, base.traceInstructions)
	require.True(t, traced.traceInstructions)

	logger := logrus.New()
	withLog := traced.WithLogger(logger)
	require.Nil(t, traced.logger)
	require.Same(t, logger, withLog.logger)

	require.True(t, NewConfig().compileInterpreted)
	require.False(t, NewConfig().WithCompileInterpreted(false).compileInterpreted)
	require.True(t, NewConfig().WithDebugCheckcastAssertions(true).debugCheckcastAssertions)
}

func TestNewVMAndClassRegistration(t *testing.T) {
	vm, err := NewVM(nil)
	require.NoError(t, err)

	_, err = vm.DefineClass(&ClassData{
		ClassName: names.ClassNameID(vm.InternName("com/example/Empty")),
		Super:     names.WellKnownJavaLangObject,
		HasSuper:  true,
	})
	require.NoError(t, err)

	// Unknown methods resolve to nothing.
	_, ok := vm.MethodID("com/example/Empty", "nope", "()V")
	require.False(t, ok)

	th, err := vm.NewThread()
	require.NoError(t, err)
	require.NotNil(t, th.Stack)

	th2, err := vm.NewThread()
	require.NoError(t, err)
	require.NotEqual(t, th.ID, th2.ID)
}
