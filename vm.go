package gojvm

import (
	"sync/atomic"

	"github.com/pirocks/gojvm/internal/classfile"
	"github.com/pirocks/gojvm/internal/engine"
	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/names"
	"github.com/pirocks/gojvm/internal/rtclass"
)

// Aliases re-exporting the types embedders interact with.
type (
	// Thread is one Java thread with its guest stack.
	Thread = engine.Thread
	// ClassData is the parsed, verified class shape the external class
	// loader hands over.
	ClassData = classfile.ClassData
	// MethodData is the per-method counterpart of ClassData.
	MethodData = classfile.MethodData
	// GuestError is a guest throwable that escaped all guest frames.
	GuestError = engine.GuestError
	// NativeImpl is a Go implementation of a native method.
	NativeImpl = engine.NativeImpl
)

// VM owns the engine and hands out threads.
type VM struct {
	eng          *engine.Engine
	nextThreadID atomic.Int64
}

// NewVM constructs a VM: reserves the heap regions, generates the exit
// epilogue and defines the built-in classes.
func NewVM(config *Config) (*VM, error) {
	if config == nil {
		config = NewConfig()
	}
	eng, err := engine.New(engine.Options{
		TraceInstructions:        config.traceInstructions,
		DebugCheckcastAssertions: config.debugCheckcastAssertions,
		CompileInterpreted:       config.compileInterpreted,
		Logger:                   config.logger,
	})
	if err != nil {
		return nil, err
	}
	return &VM{eng: eng}, nil
}

// Engine exposes the underlying engine to in-module collaborators (the
// interpreter, JNI and JVMTI layers live outside and come through here).
func (vm *VM) Engine() *engine.Engine { return vm.eng }

// InternName interns a string into the VM's name pool.
func (vm *VM) InternName(s string) names.ID { return vm.eng.Pool.Add(s) }

// DefineClass registers a verified class; superclasses first.
func (vm *VM) DefineClass(view *ClassData) (*rtclass.RuntimeClass, error) {
	return vm.eng.DefineClass(view)
}

// NewThread creates a Java thread with a fresh guest stack.
func (vm *VM) NewThread() (*Thread, error) {
	return vm.eng.NewThread(vm.nextThreadID.Add(1))
}

// MethodID resolves a method by class, name and descriptor strings.
func (vm *VM) MethodID(class, method, descriptor string) (ir.MethodID, bool) {
	return vm.eng.MethodIDOf(
		names.ClassNameID(vm.eng.Pool.Add(class)),
		names.MethodNameID(vm.eng.Pool.Add(method)),
		classfile.DescriptorID(vm.eng.Pool.Add(descriptor)),
	)
}

// RegisterNative installs a Go implementation for a native method.
func (vm *VM) RegisterNative(class, method, descriptor string, impl NativeImpl) {
	vm.eng.RegisterNative(
		names.ClassNameID(vm.eng.Pool.Add(class)),
		names.MethodNameID(vm.eng.Pool.Add(method)),
		classfile.DescriptorID(vm.eng.Pool.Add(descriptor)),
		impl,
	)
}
