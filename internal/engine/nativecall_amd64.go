package engine

import (
	"github.com/pirocks/gojvm/internal/jitabi"
)

// nativecall transfers control into guest code described by
// ctx.JavaSaved (rbp, rsp, rip) and returns when the guest performs a VM
// exit or the top frame returns through the host-exit epilogue.
//
// Implemented in nativecall_amd64.s. The stub saves the host rbp/rsp into
// ctx.NativeSaved, loads r15 with ctx and the guest registers from
// ctx.JavaSaved, and jumps to ctx.JavaSaved.RIP. Exits restore the saved
// host registers and RET back here.
//
//go:noescape
func nativecall(ctx *jitabi.JITContext)
