// Package rtclass holds the runtime representation of loaded classes: the
// class status state machine, the virtual-method numbering used for vtable
// layout, and lazily initialized static variables.
//
// Classes never point at each other directly: the superclass and interfaces
// are recorded as interned name ids resolved through the VM's class table,
// which keeps the inheritance graph cycle-free from the garbage collector's
// point of view.
package rtclass

import (
	"fmt"
	"sync"

	"github.com/pirocks/gojvm/internal/classfile"
	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/names"
	"github.com/pirocks/gojvm/internal/objlayout"
)

// Status is the class initialization state. Transitions are monotonic:
// UNPREPARED → PREPARED → INITIALIZING → INITIALIZED.
type Status uint32

const (
	Unprepared   Status = 0
	Prepared     Status = 1
	Initializing Status = 2
	Initialized  Status = 3
)

func (s Status) String() string {
	switch s {
	case Unprepared:
		return "UNPREPARED"
	case Prepared:
		return "PREPARED"
	case Initializing:
		return "INITIALIZING"
	case Initialized:
		return "INITIALIZED"
	}
	return "invalid"
}

// MethodNumber is a dense virtual-method index: a method's number is its
// vtable slot, identical across the hierarchy for the same method shape.
type MethodNumber uint32

// Kind discriminates the runtime-class variants.
type Kind byte

const (
	KindPrimitive Kind = iota
	KindArray
	KindObject
	KindTop
)

// RuntimeClass is one loaded class. The variants of the source's deep class
// hierarchy are flattened into a kind plus kind-specific fields.
type RuntimeClass struct {
	Kind Kind
	// Primitive is set for KindPrimitive.
	Primitive cpdtype.Kind
	// Sub is the element type for KindArray.
	Sub cpdtype.Type
	// Object is set for KindObject.
	Object *ObjectClass
}

// ObjectClass is the KindObject payload.
type ObjectClass struct {
	View   classfile.ClassView
	Layout *objlayout.ObjectLayout

	// Parent and Interfaces are name ids, resolved through the class table.
	Parent    names.ClassNameID
	HasParent bool
	Ifaces    []names.ClassNameID

	methodNumbers        map[classfile.MethodShape]MethodNumber
	methodNumbersReverse map[MethodNumber]classfile.MethodShape
	numVirtualMethods    uint32

	statics statusAndStatics
}

type statusAndStatics struct {
	mu     sync.Mutex
	cond   *sync.Cond
	status Status
	// initThread is the thread id holding INITIALIZING.
	initThread int64
	// staticVars holds one cell per static field, created with the class.
	staticVars map[names.FieldNameID]*StaticVar
}

// StaticVar is one static variable: a typed 8-byte cell.
type StaticVar struct {
	Type cpdtype.Type
	mu   sync.Mutex
	bits uint64
}

// Get returns the raw 8-byte value.
func (v *StaticVar) Get(t cpdtype.Type) (uint64, error) {
	if v.Type != t {
		return 0, fmt.Errorf("static var type mismatch: declared %s, accessed as %s", v.Type, t)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bits, nil
}

// Set stores the raw 8-byte value.
func (v *StaticVar) Set(t cpdtype.Type, bits uint64) error {
	if v.Type != t {
		return fmt.Errorf("static var type mismatch: declared %s, accessed as %s", v.Type, t)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bits = bits
	return nil
}

// Addr exposes the cell's address for compiled code. Static accesses from
// generated code go straight at the cell; the class is initialized before
// any such code is patched in.
func (v *StaticVar) Addr() *uint64 { return &v.bits }

// NewObjectClass builds the runtime class for view. parent is nil for
// java/lang/Object.
func NewObjectClass(view classfile.ClassView, parent *RuntimeClass, hidden []objlayout.HiddenField) (*RuntimeClass, error) {
	var parentLayout *objlayout.ObjectLayout
	var parentObject *ObjectClass
	if parent != nil {
		if parent.Kind != KindObject {
			return nil, fmt.Errorf("superclass of %d is not an object class", view.Name())
		}
		parentObject = parent.Object
		parentLayout = parentObject.Layout
	}

	layout, err := objlayout.New(view, parentLayout, hidden)
	if err != nil {
		return nil, err
	}

	o := &ObjectClass{
		View:                 view,
		Layout:               layout,
		Ifaces:               view.Interfaces(),
		methodNumbers:        map[classfile.MethodShape]MethodNumber{},
		methodNumbersReverse: map[MethodNumber]classfile.MethodShape{},
	}
	if super, ok := view.SuperName(); ok {
		o.Parent = super
		o.HasParent = true
	}

	// Virtual method numbering: inherit the parent's slots, then append new
	// shapes. An override keeps its inherited number.
	next := uint32(0)
	if parentObject != nil {
		next = parentObject.numVirtualMethods
		for shape, n := range parentObject.methodNumbers {
			o.methodNumbers[shape] = n
			o.methodNumbersReverse[n] = shape
		}
	}
	for _, m := range view.Methods() {
		if m.Flags()&classfile.AccStatic != 0 {
			continue
		}
		shape := classfile.MethodShape{Name: m.Name(), Desc: m.DescID()}
		if _, ok := o.methodNumbers[shape]; ok {
			continue
		}
		n := MethodNumber(next)
		next++
		o.methodNumbers[shape] = n
		o.methodNumbersReverse[n] = shape
	}
	o.numVirtualMethods = next

	o.statics.staticVars = map[names.FieldNameID]*StaticVar{}
	for _, f := range view.Fields() {
		if f.IsStatic() {
			o.statics.staticVars[f.Name] = &StaticVar{Type: f.Type}
		}
	}
	o.statics.cond = sync.NewCond(&o.statics.mu)

	return &RuntimeClass{Kind: KindObject, Object: o}, nil
}

// NewPrimitiveClass returns the runtime class of a primitive type.
func NewPrimitiveClass(k cpdtype.Kind) *RuntimeClass {
	return &RuntimeClass{Kind: KindPrimitive, Primitive: k}
}

// NewArrayClass returns the runtime class of an array with the given
// element type.
func NewArrayClass(sub cpdtype.Type) *RuntimeClass {
	return &RuntimeClass{Kind: KindArray, Sub: sub}
}

// MethodNumber resolves a virtual method shape to its vtable slot.
func (o *ObjectClass) MethodNumber(shape classfile.MethodShape) (MethodNumber, bool) {
	n, ok := o.methodNumbers[shape]
	return n, ok
}

// MethodShapeAt is the reverse lookup.
func (o *ObjectClass) MethodShapeAt(n MethodNumber) (classfile.MethodShape, bool) {
	s, ok := o.methodNumbersReverse[n]
	return s, ok
}

// NumVirtualMethods returns the vtable length.
func (o *ObjectClass) NumVirtualMethods() uint32 { return o.numVirtualMethods }

// StaticVar resolves a static field.
func (o *ObjectClass) StaticVar(name names.FieldNameID) (*StaticVar, bool) {
	o.statics.mu.Lock()
	defer o.statics.mu.Unlock()
	v, ok := o.statics.staticVars[name]
	return v, ok
}

// Status returns the current class status.
func (o *ObjectClass) Status() Status {
	o.statics.mu.Lock()
	defer o.statics.mu.Unlock()
	return o.statics.status
}

// advanceLocked moves the status forward. Backward transitions are bugs.
func (o *ObjectClass) advanceLocked(to Status) error {
	if to < o.statics.status {
		return fmt.Errorf("class status may not regress: %s -> %s", o.statics.status, to)
	}
	o.statics.status = to
	return nil
}

// MarkPrepared advances UNPREPARED → PREPARED.
func (o *ObjectClass) MarkPrepared() error {
	o.statics.mu.Lock()
	defer o.statics.mu.Unlock()
	return o.advanceLocked(Prepared)
}

// BeginInit transitions the class to INITIALIZING on behalf of threadID.
// Returns run=true when the caller must run <clinit>; when another thread
// is initializing, blocks until that thread finishes. Re-entrant for the
// initializing thread itself (a <clinit> touching its own class), in which
// case run=false.
func (o *ObjectClass) BeginInit(threadID int64) (run bool, err error) {
	s := &o.statics
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		switch s.status {
		case Initialized:
			return false, nil
		case Initializing:
			if s.initThread == threadID {
				return false, nil
			}
			s.cond.Wait()
		case Prepared:
			if err := o.advanceLocked(Initializing); err != nil {
				return false, err
			}
			s.initThread = threadID
			return true, nil
		case Unprepared:
			return false, fmt.Errorf("init of unprepared class")
		}
	}
}

// FinishInit transitions INITIALIZING → INITIALIZED and wakes waiters.
func (o *ObjectClass) FinishInit() error {
	s := &o.statics
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := o.advanceLocked(Initialized); err != nil {
		return err
	}
	s.initThread = 0
	s.cond.Broadcast()
	return nil
}
