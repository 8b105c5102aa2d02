// Package jitabi pins down the contract between generated code, the
// native-call stub and the Go runtime side of the engine: the JITContext
// layout and the register conventions of compiled guest code.
//
// Field offsets here are referenced from generated code and from the
// assembly stub; TestJITContextOffsets keeps them honest.
package jitabi

import (
	"github.com/pirocks/gojvm/internal/javastack"
)

// SavedRegisters is a saved rbp/rsp/rip triple.
type SavedRegisters struct {
	RBP uintptr
	RSP uintptr
	RIP uintptr
}

// JITContext is the per-thread block guest code reaches through r15.
//
// On every VM exit the generated code stores the exit-site index and the
// continuation rip, saves the guest rbp/rsp into JavaSaved, restores the
// host rbp/rsp from NativeSaved and returns to the stub. Re-entry reverses
// this: the stub loads the guest registers from JavaSaved and jumps to
// JavaSaved.RIP.
type JITContext struct {
	// ExitHandlerIP is the native address generated exits return through.
	// It is the address of the stub's exit epilogue and exists so frame
	// walkers can recognize exit frames.
	ExitHandlerIP uintptr
	// JavaSaved holds the guest registers across an exit.
	JavaSaved SavedRegisters
	// NativeSaved holds the host registers while guest code runs.
	NativeSaved SavedRegisters
	// ExitIndex is the index into the running method's exit table of the
	// site that fired.
	ExitIndex uint64
	// SignalData points at the thread's safepoint block; poll sites test
	// SignalData.ShouldSafepointCheck.
	SignalData *javastack.SignalAccessibleData
	// ReturnValue/FloatReturnValue carry the top frame's result out through
	// the host-exit epilogue (rax and xmm0 respectively).
	ReturnValue      uint64
	FloatReturnValue uint64
}

// Byte offsets of JITContext fields, used by generated code (r15-relative)
// and the stub.
const (
	JITContextExitHandlerIPOffset    = 0
	JITContextJavaSavedRBPOffset     = 8
	JITContextJavaSavedRSPOffset     = 16
	JITContextJavaSavedRIPOffset     = 24
	JITContextNativeSavedRBPOffset   = 32
	JITContextNativeSavedRSPOffset   = 40
	JITContextNativeSavedRIPOffset   = 48
	JITContextExitIndexOffset        = 56
	JITContextSignalDataOffset       = 64
	JITContextReturnValueOffset      = 72
	JITContextFloatReturnValueOffset = 80
)

// HostExitIndex is the ExitIndex sentinel the host-exit epilogue stores:
// the top guest frame returned rather than hitting an exit site.
const HostExitIndex = ^uint64(0)

// SignalDataShouldSafepointCheckOffset is the offset of the poll flag
// inside javastack.SignalAccessibleData.
const SignalDataShouldSafepointCheckOffset = 16
