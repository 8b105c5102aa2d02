package engine

import (
	"fmt"
	"unsafe"

	"github.com/pirocks/gojvm/internal/classfile"
	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/ir/irencode"
	"github.com/pirocks/gojvm/internal/jitcompiler"
	"github.com/pirocks/gojvm/internal/names"
	"github.com/pirocks/gojvm/internal/platform"
	"github.com/pirocks/gojvm/internal/rtclass"
)

// EnsureCompiled returns the installed entry of m, compiling it first if
// needed. Compiling a method for the first time invalidates (and
// recompiles) every method that assumed it had no entry.
func (e *Engine) EnsureCompiled(mid ir.MethodID) (*InstalledMethod, error) {
	e.mu.RLock()
	m, ok := e.methods[mid]
	var installed *InstalledMethod
	if ok && m.current != 0 {
		installed = e.irMethods[m.current]
	}
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown method id %d", mid)
	}
	if installed != nil {
		return installed, nil
	}

	inst, err := e.compileAndInstall(mid)
	if err != nil {
		return nil, err
	}
	for _, stale := range e.tracker.OnFunctionCompiled(mid) {
		e.recompileInstalled(stale)
	}
	return inst, nil
}

// Recompile compiles a fresh IR method for mid and installs it as current,
// invalidating direct callers of the previous version.
func (e *Engine) Recompile(mid ir.MethodID) (*InstalledMethod, error) {
	e.mu.Lock()
	if e.recompiling[mid] {
		// A recompilation cascade looped back; the in-flight install wins.
		cur := e.methods[mid].current
		inst := e.irMethods[cur]
		e.mu.Unlock()
		if inst == nil {
			return nil, fmt.Errorf("method %d is recompiling with no installed version", mid)
		}
		return inst, nil
	}
	e.recompiling[mid] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.recompiling, mid)
		e.mu.Unlock()
	}()

	inst, err := e.compileAndInstall(mid)
	if err != nil {
		return nil, err
	}
	for _, stale := range e.tracker.OnFunctionRecompiled(mid, inst.IRID) {
		e.recompileInstalled(stale)
	}
	return inst, nil
}

// recompileInstalled maps a stale IR method back to its JVM method and
// recompiles that.
func (e *Engine) recompileInstalled(stale ir.IRMethodID) {
	e.mu.RLock()
	im, ok := e.irMethods[stale]
	e.mu.RUnlock()
	if !ok {
		return
	}
	if _, err := e.Recompile(im.MethodID); err != nil {
		e.log.WithError(err).WithField("method", im.MethodID).Error("recompile failed")
	}
}

func (e *Engine) compileAndInstall(mid ir.MethodID) (*InstalledMethod, error) {
	e.mu.Lock()
	m, ok := e.methods[mid]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("unknown method id %d", mid)
	}
	if m.Native || m.Data.Code() == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("method %d has no bytecode to compile", mid)
	}
	irID := e.nextIRID
	e.nextIRID++
	e.mu.Unlock()

	result, err := jitcompiler.Compile(jitcompiler.Input{
		MethodID:   mid,
		IRMethodID: irID,
		Class:      m.Class,
		Method:     m.Data,
	}, (*resolver)(e), e.intrinsics, jitcompiler.Options{
		TraceInstructions:        e.opts.TraceInstructions,
		DebugCheckcastAssertions: e.opts.DebugCheckcastAssertions,
	})
	if err != nil {
		return nil, fmt.Errorf("lowering method %d: %w", mid, err)
	}

	compiled, err := irencode.Encode(result.Instrs, irencode.Options{
		DebugAsserts: e.opts.DebugCheckcastAssertions,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding method %d: %w", mid, err)
	}

	seg, err := platform.MmapCodeSegment(len(compiled.Code))
	if err != nil {
		return nil, err
	}
	copy(seg, compiled.Code)

	inst := &InstalledMethod{
		IRID:          irID,
		MethodID:      mid,
		segment:       seg,
		Entry:         uintptr(unsafe.Pointer(&seg[0])),
		End:           uintptr(unsafe.Pointer(&seg[0])) + uintptr(len(compiled.Code)),
		FrameSize:     compiled.FrameSize,
		NumLocals:     result.NumLocals,
		ExitSites:     compiled.ExitSites,
		RestartPoints: compiled.RestartPoints,
		Handlers:      result.Handlers,
		constSites:    compiled.ChangeableConstOffsets,
		skipped:       map[ir.SkipableExitID]bool{},
	}

	// Install under the write lock: swap the current version and bring the
	// method's changeable-const sites up to the cells' current values.
	e.mu.Lock()
	for id, offsets := range inst.constSites {
		v := e.consts[id].value
		for _, off := range offsets {
			irencode.PatchChangeableConst(seg, off, v)
		}
	}
	m.current = irID
	e.irMethods[irID] = inst
	e.mu.Unlock()

	e.tracker.Register(irID, result.Conditions)
	return inst, nil
}

// CurrentVersion returns the installed current version of mid.
func (e *Engine) CurrentVersion(mid ir.MethodID) (*InstalledMethod, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.methods[mid]
	if !ok || m.current == 0 {
		return nil, false
	}
	inst, ok := e.irMethods[m.current]
	return inst, ok
}

// InstalledByIRID resolves an IR method id.
func (e *Engine) InstalledByIRID(id ir.IRMethodID) (*InstalledMethod, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.irMethods[id]
	return inst, ok
}

// SetChangeableConst patches a changeable constant: the cell, then every
// installed site. The zero-to-nonzero transition happens at most once per
// cell; racing guest readers that still observe zero take their guard exit
// once more, which is idempotent.
func (e *Engine) SetChangeableConst(id ir.ChangeableConstID, value uint64) {
	e.mu.Lock()
	e.consts[id].value = value
	for _, inst := range e.irMethods {
		for _, off := range inst.constSites[id] {
			irencode.PatchChangeableConst(inst.segment, off, value)
		}
	}
	e.mu.Unlock()

	for _, stale := range e.tracker.OnConstPatched(id, value) {
		e.recompileInstalled(stale)
	}
}

// MarkExitSkipped retires a skipable exit of one installed method.
func (e *Engine) MarkExitSkipped(inst *InstalledMethod, id ir.SkipableExitID) {
	e.mu.Lock()
	inst.skipped[id] = true
	e.mu.Unlock()
}

// resolver adapts Engine to the compiler's Resolver interface.
type resolver Engine

func (r *resolver) engine() *Engine { return (*Engine)(r) }

func (r *resolver) LookupTypeInitedIniting(t cpdtype.Type) (*rtclass.RuntimeClass, bool) {
	e := r.engine()
	if t.IsPrimitive() {
		return rtclass.NewPrimitiveClass(t.Kind()), true
	}
	if t.IsArray() {
		return rtclass.NewArrayClass(t.Elem()), true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	rc, ok := e.classes[t.ClassName()]
	if !ok {
		return nil, false
	}
	if rc.Kind == rtclass.KindObject && rc.Object.Status() < rtclass.Prepared {
		return nil, false
	}
	return rc, true
}

func (r *resolver) ClassInitialized(class names.ClassNameID) bool {
	e := r.engine()
	e.mu.RLock()
	rc, ok := e.classes[class]
	e.mu.RUnlock()
	if !ok || rc.Kind != rtclass.KindObject {
		return false
	}
	return rc.Object.Status() >= rtclass.Initializing
}

// lookupDeclared walks the superclass chain for a concrete declaration.
func (e *Engine) lookupDeclared(class names.ClassNameID, name names.MethodNameID, desc classfile.DescriptorID) (ir.MethodID, *Method, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for {
		if id, ok := e.methodsByKey[methodKey{Class: class, Name: name, Desc: desc}]; ok {
			return id, e.methods[id], true
		}
		rc, ok := e.classes[class]
		if !ok || rc.Kind != rtclass.KindObject || !rc.Object.HasParent {
			return 0, nil, false
		}
		class = rc.Object.Parent
	}
}

func (r *resolver) LookupStatic(class names.ClassNameID, name names.MethodNameID, desc classfile.DescriptorID) (ir.MethodID, bool, bool) {
	id, m, ok := r.engine().lookupDeclared(class, name, desc)
	if !ok {
		return 0, false, false
	}
	return id, m.Native, true
}

func (r *resolver) LookupSpecial(class names.ClassNameID, name names.MethodNameID, desc classfile.DescriptorID) (ir.MethodID, bool, bool) {
	return r.LookupStatic(class, name, desc)
}

func (r *resolver) LookupVirtual(class names.ClassNameID, name names.MethodNameID, desc classfile.DescriptorID) (rtclass.MethodNumber, bool) {
	e := r.engine()
	e.mu.RLock()
	defer e.mu.RUnlock()
	rc, ok := e.classes[class]
	if !ok || rc.Kind != rtclass.KindObject {
		return 0, false
	}
	return rc.Object.MethodNumber(classfile.MethodShape{Name: name, Desc: desc})
}

func (r *resolver) LookupInterface(iface names.ClassNameID, name names.MethodNameID, desc classfile.DescriptorID) (rtclass.MethodNumber, bool) {
	return r.LookupVirtual(iface, name, desc)
}

func (r *resolver) MethodEntryPoint(m ir.MethodID) (uintptr, ir.IRMethodID, bool) {
	inst, ok := r.engine().CurrentVersion(m)
	if !ok {
		return 0, 0, false
	}
	return inst.Entry, inst.IRID, true
}

func (r *resolver) FieldOffset(class names.ClassNameID, name names.FieldNameID) (uint64, cpdtype.Type, bool, bool) {
	e := r.engine()
	e.mu.RLock()
	defer e.mu.RUnlock()
	for {
		rc, ok := e.classes[class]
		if !ok || rc.Kind != rtclass.KindObject {
			return 0, cpdtype.Type{}, false, false
		}
		if off, typ, err := rc.Object.Layout.FieldOffset(name); err == nil {
			volatile := false
			for _, f := range rc.Object.View.Fields() {
				if f.Name == name {
					volatile = f.IsVolatile()
				}
			}
			return off, typ, volatile, true
		}
		if !rc.Object.HasParent {
			return 0, cpdtype.Type{}, false, false
		}
		class = rc.Object.Parent
	}
}

func (r *resolver) StaticVarAddress(class names.ClassNameID, name names.FieldNameID) (uintptr, cpdtype.Type, bool, bool) {
	e := r.engine()
	e.mu.RLock()
	defer e.mu.RUnlock()
	for {
		rc, ok := e.classes[class]
		if !ok || rc.Kind != rtclass.KindObject {
			return 0, cpdtype.Type{}, false, false
		}
		if v, ok := rc.Object.StaticVar(name); ok {
			volatile := false
			for _, f := range rc.Object.View.Fields() {
				if f.Name == name && f.IsStatic() {
					volatile = f.IsVolatile()
				}
			}
			return uintptr(unsafe.Pointer(v.Addr())), v.Type, volatile, true
		}
		if !rc.Object.HasParent {
			return 0, cpdtype.Type{}, false, false
		}
		class = rc.Object.Parent
	}
}

func (r *resolver) AllocatedObjectRegionHeaderPointer(t cpdtype.Type) (uintptr, bool) {
	cell, err := r.engine().regionCellFor(t)
	if err != nil {
		return 0, false
	}
	return uintptr(unsafe.Pointer(cell)), true
}

func (r *resolver) NewChangeableConst64(initial uint64) ir.ChangeableConstID {
	e := r.engine()
	e.mu.Lock()
	defer e.mu.Unlock()
	id := ir.ChangeableConstID(len(e.consts))
	e.consts = append(e.consts, constCell{value: initial})
	return id
}

func (r *resolver) NewSkipableExitID() ir.SkipableExitID {
	e := r.engine()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSkipID++
	return e.nextSkipID
}
