// Package engine owns the compiled-code universe: the method and IR-method
// tables, class registry, changeable constants, skipable exits, vtables and
// the VM-exit dispatcher. Compilation takes the write lock briefly to
// install a method; exits take the read lock to look up targets.
package engine

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/pirocks/gojvm/internal/classfile"
	"github.com/pirocks/gojvm/internal/conditions"
	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/ir/irencode"
	"github.com/pirocks/gojvm/internal/jitcompiler"
	"github.com/pirocks/gojvm/internal/memregions"
	"github.com/pirocks/gojvm/internal/names"
	"github.com/pirocks/gojvm/internal/objlayout"
	"github.com/pirocks/gojvm/internal/platform"
	"github.com/pirocks/gojvm/internal/rtclass"
)

// Options are the engine-level configuration switches.
type Options struct {
	TraceInstructions        bool
	DebugCheckcastAssertions bool
	CompileInterpreted       bool
	Logger                   *logrus.Logger
}

type methodKey struct {
	Class names.ClassNameID
	Name  names.MethodNameID
	Desc  classfile.DescriptorID
}

// Method is one JVM method known to the engine.
type Method struct {
	ID     ir.MethodID
	Class  names.ClassNameID
	Data   *classfile.MethodData
	Native bool

	// current is the installed IR method, zero when never compiled.
	current ir.IRMethodID
}

// InstalledMethod is one compiled entity living in executable memory.
type InstalledMethod struct {
	IRID     ir.IRMethodID
	MethodID ir.MethodID

	segment []byte
	Entry   uintptr
	End     uintptr

	FrameSize uint64
	NumLocals uint16

	ExitSites     []irencode.ExitSite
	RestartPoints map[ir.RestartPointID]uint64
	Handlers      []jitcompiler.Handler
	constSites    map[ir.ChangeableConstID][]uint64

	// skipped is the set of retired skipable exits of this method.
	skipped map[ir.SkipableExitID]bool
}

// RestartAddress resolves a restart point to its absolute address.
func (m *InstalledMethod) RestartAddress(id ir.RestartPointID) (uintptr, error) {
	off, ok := m.RestartPoints[id]
	if !ok {
		return 0, fmt.Errorf("ir method %d has no restart point %d", m.IRID, id)
	}
	return m.Entry + uintptr(off), nil
}

// NativeImpl is a registered implementation of a native method. args are
// the raw 8-byte argument slots (receiver first for instance methods).
type NativeImpl func(t *Thread, args []uint64) (uint64, error)

type constCell struct {
	value uint64
}

// Engine is the VM core shared by all threads.
type Engine struct {
	mu   sync.RWMutex
	log  *logrus.Logger
	opts Options

	Pool *names.Pool

	classes map[names.ClassNameID]*rtclass.RuntimeClass

	methods      map[ir.MethodID]*Method
	methodsByKey map[methodKey]ir.MethodID
	nextMethodID ir.MethodID

	irMethods map[ir.IRMethodID]*InstalledMethod
	nextIRID  ir.IRMethodID

	consts      []constCell
	nextSkipID  ir.SkipableExitID
	tracker     *conditions.Tracker
	intrinsics  *jitcompiler.IntrinsicTable
	recompiling map[ir.MethodID]bool

	regions     *memregions.Regions
	regionMu    sync.Mutex
	regionNext  [4]uint64 // next free base per size class
	regionCells map[cpdtype.Type]*uint64

	vtables map[names.ClassNameID][]uintptr
	itables map[itableKey][]uintptr

	natives map[methodKey]NativeImpl

	monitors monitorTable

	classObjects    map[cpdtype.Type]uintptr
	hiddenTypeField names.FieldNameID

	// hostExit is the generated epilogue top frames return through.
	hostExit *InstalledMethod

	threadsMu sync.Mutex
	threads   []*Thread
}

type itableKey struct {
	Class names.ClassNameID
	Iface names.ClassNameID
}

// New constructs an engine with reserved heap regions.
func New(opts Options) (*Engine, error) {
	if !platform.ArchSupported() {
		return nil, fmt.Errorf("unsupported platform: the JIT targets linux/amd64 only")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.PanicLevel)
	}
	regions, err := memregions.Reserve()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		log:          log,
		opts:         opts,
		Pool:         names.NewPool(),
		classes:      map[names.ClassNameID]*rtclass.RuntimeClass{},
		methods:      map[ir.MethodID]*Method{},
		methodsByKey: map[methodKey]ir.MethodID{},
		nextMethodID: 1,
		irMethods:    map[ir.IRMethodID]*InstalledMethod{},
		nextIRID:     1,
		tracker:      conditions.NewTracker(),
		recompiling:  map[ir.MethodID]bool{},
		regions:      regions,
		regionCells:  map[cpdtype.Type]*uint64{},
		vtables:      map[names.ClassNameID][]uintptr{},
		itables:      map[itableKey][]uintptr{},
		natives:      map[methodKey]NativeImpl{},
		classObjects: map[cpdtype.Type]uintptr{},
	}
	e.intrinsics = jitcompiler.NewIntrinsicTable(e.Pool)
	e.monitors.init()
	if err := e.installHostExit(); err != nil {
		return nil, err
	}
	if err := e.defineBuiltinClasses(); err != nil {
		return nil, err
	}
	return e, nil
}

// FrameSizeOf implements javastack.FrameSizer.
func (e *Engine) FrameSizeOf(irMethodID uint64) (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.irMethods[ir.IRMethodID(irMethodID)]
	if !ok {
		return 0, false
	}
	return m.FrameSize, true
}

// DefineClass registers a verified class. Superclasses must be defined
// first.
func (e *Engine) DefineClass(view *classfile.ClassData) (*rtclass.RuntimeClass, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.defineClassLocked(view, nil)
}

func (e *Engine) defineClassLocked(view *classfile.ClassData, hidden []objlayout.HiddenField) (*rtclass.RuntimeClass, error) {
	if _, dup := e.classes[view.Name()]; dup {
		return nil, fmt.Errorf("class %d already defined", view.Name())
	}
	var parent *rtclass.RuntimeClass
	if super, ok := view.SuperName(); ok {
		p, defined := e.classes[super]
		if !defined {
			return nil, fmt.Errorf("superclass %d of %d is not defined", super, view.Name())
		}
		parent = p
	}
	rc, err := rtclass.NewObjectClass(view, parent, hidden)
	if err != nil {
		return nil, err
	}
	e.classes[view.Name()] = rc
	if err := rc.Object.MarkPrepared(); err != nil {
		return nil, err
	}

	for _, md := range view.MethodList {
		id := e.nextMethodID
		e.nextMethodID++
		m := &Method{
			ID:     id,
			Class:  view.Name(),
			Data:   md,
			Native: md.IsNative(),
		}
		e.methods[id] = m
		e.methodsByKey[methodKey{Class: view.Name(), Name: md.MethodName, Desc: md.DescriptorID}] = id
	}

	e.vtables[view.Name()] = make([]uintptr, rc.Object.NumVirtualMethods())
	return rc, nil
}

// defineBuiltinClasses registers the handful of classes the core itself
// depends on: java/lang/Object, java/lang/Class (with its hidden type-id
// field) and the built-in throwables.
func (e *Engine) defineBuiltinClasses() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	object := &classfile.ClassData{ClassName: names.WellKnownJavaLangObject}
	if _, err := e.defineClassLocked(object, nil); err != nil {
		return err
	}

	classClass := &classfile.ClassData{
		ClassName: names.WellKnownJavaLangClass,
		Super:     names.WellKnownJavaLangObject,
		HasSuper:  true,
		AccFlags:  classfile.AccFinal,
	}
	e.hiddenTypeField = names.FieldNameID(e.Pool.Add("<hidden:cpdtype>"))
	hidden := []objlayout.HiddenField{{
		Name: e.hiddenTypeField,
		Type: cpdtype.Long(),
	}}
	if _, err := e.defineClassLocked(classClass, hidden); err != nil {
		return err
	}

	for _, t := range []names.ClassNameID{
		names.WellKnownJavaLangThrowable,
		names.WellKnownNullPointerException,
		names.WellKnownArrayIndexOutOfBoundsException,
		names.WellKnownArithmeticException,
		names.WellKnownClassCastException,
		names.WellKnownNegativeArraySizeException,
		names.WellKnownStackOverflowError,
	} {
		super := names.WellKnownJavaLangObject
		if t != names.WellKnownJavaLangThrowable {
			super = names.WellKnownJavaLangThrowable
		}
		view := &classfile.ClassData{ClassName: t, Super: super, HasSuper: true}
		rc, err := e.defineClassLocked(view, nil)
		if err != nil {
			return err
		}
		// Built-in throwables have no <clinit>; mark them usable directly.
		if _, err := rc.Object.BeginInit(0); err != nil {
			return err
		}
		if err := rc.Object.FinishInit(); err != nil {
			return err
		}
	}
	return nil
}

// LookupClass returns a defined class.
func (e *Engine) LookupClass(name names.ClassNameID) (*rtclass.RuntimeClass, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rc, ok := e.classes[name]
	return rc, ok
}

// MethodIDOf resolves a (class, name, descriptor) triple.
func (e *Engine) MethodIDOf(class names.ClassNameID, name names.MethodNameID, desc classfile.DescriptorID) (ir.MethodID, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.methodsByKey[methodKey{Class: class, Name: name, Desc: desc}]
	return id, ok
}

// isSubclassOf reports whether sub is of, one of its subclasses or one of
// its implementors, walking parent and interface links through the class
// table.
func (e *Engine) isSubclassOf(sub, of names.ClassNameID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isSubclassOfLocked(sub, of)
}

func (e *Engine) isSubclassOfLocked(sub, of names.ClassNameID) bool {
	for {
		if sub == of {
			return true
		}
		rc, ok := e.classes[sub]
		if !ok || rc.Kind != rtclass.KindObject {
			return false
		}
		for _, iface := range rc.Object.Ifaces {
			if e.isSubclassOfLocked(iface, of) {
				return true
			}
		}
		if !rc.Object.HasParent {
			return false
		}
		sub = rc.Object.Parent
	}
}

// installHostExit generates the epilogue a finished top frame returns
// through: it stores rax/xmm0, stamps the host-exit sentinel and performs
// the standard exit restore.
func (e *Engine) installHostExit() error {
	code, err := emitHostExitEpilogue()
	if err != nil {
		return err
	}
	seg, err := platform.MmapCodeSegment(len(code))
	if err != nil {
		return err
	}
	copy(seg, code)
	e.hostExit = &InstalledMethod{
		segment: seg,
		Entry:   uintptr(unsafe.Pointer(&seg[0])),
		End:     uintptr(unsafe.Pointer(&seg[0])) + uintptr(len(code)),
	}
	return nil
}

// HostExitEntry is the address top-frame prev-rips point to.
func (e *Engine) HostExitEntry() uintptr { return e.hostExit.Entry }
