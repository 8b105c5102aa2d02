// Package conditions tracks the declarative dependencies of compiled code
// on runtime facts. Every compiled method records the assumptions its code
// was specialized under; when the runtime changes one of those facts it
// asks this tracker which methods just became stale.
package conditions

import (
	"sync"

	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/names"
)

// Kind discriminates condition variants.
type Kind byte

const (
	// ClassLoaded: the code was compiled while the class was not yet
	// initialized (e.g. a class-init exit was baked in); initializing the
	// class invalidates it.
	ClassLoaded Kind = iota
	// FunctionCompiled: the code assumed the target method had no compiled
	// entry; compiling it invalidates.
	FunctionCompiled
	// FunctionRecompiled: the code holds a direct entry of a specific IR
	// method; recompiling the target to a new IR id invalidates.
	FunctionRecompiled
	// ChangeableConstChanged: the code observed a specific value of a
	// patchable constant; patching it to a different value invalidates.
	ChangeableConstChanged
)

// Condition is one recorded dependency. Comparable so it can key maps.
type Condition struct {
	Kind     Kind
	Class    names.ClassNameID
	Method   ir.MethodID
	OldIR    ir.IRMethodID
	Const    ir.ChangeableConstID
	Observed uint64
}

// ClassLoadedCond constructs a ClassLoaded condition.
func ClassLoadedCond(class names.ClassNameID) Condition {
	return Condition{Kind: ClassLoaded, Class: class}
}

// FunctionCompiledCond constructs a FunctionCompiled condition.
func FunctionCompiledCond(m ir.MethodID) Condition {
	return Condition{Kind: FunctionCompiled, Method: m}
}

// FunctionRecompiledCond constructs a FunctionRecompiled condition.
func FunctionRecompiledCond(m ir.MethodID, oldIR ir.IRMethodID) Condition {
	return Condition{Kind: FunctionRecompiled, Method: m, OldIR: oldIR}
}

// ChangeableConstChangedCond constructs a ChangeableConstChanged condition.
func ChangeableConstChangedCond(c ir.ChangeableConstID, observed uint64) Condition {
	return Condition{Kind: ChangeableConstChanged, Const: c, Observed: observed}
}

// Set accumulates the conditions of one compilation. Not safe for
// concurrent use; a compilation owns its set until it is registered.
type Set struct {
	conds map[Condition]struct{}
}

// NewSet returns an empty condition set.
func NewSet() *Set {
	return &Set{conds: map[Condition]struct{}{}}
}

// Add records a condition.
func (s *Set) Add(c Condition) {
	s.conds[c] = struct{}{}
}

// All returns the recorded conditions.
func (s *Set) All() []Condition {
	out := make([]Condition, 0, len(s.conds))
	for c := range s.conds {
		out = append(out, c)
	}
	return out
}

// Len returns the number of recorded conditions.
func (s *Set) Len() int { return len(s.conds) }

// Tracker cross-references every installed method's condition set against
// runtime events.
type Tracker struct {
	mu sync.Mutex
	// byMethod holds each installed IR method's conditions.
	byMethod map[ir.IRMethodID][]Condition
	// coarse reverse indexes: event key -> dependent IR methods.
	byClass  map[names.ClassNameID]map[ir.IRMethodID]struct{}
	byTarget map[ir.MethodID]map[ir.IRMethodID]struct{}
	byConst  map[ir.ChangeableConstID]map[ir.IRMethodID]struct{}
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byMethod: map[ir.IRMethodID][]Condition{},
		byClass:  map[names.ClassNameID]map[ir.IRMethodID]struct{}{},
		byTarget: map[ir.MethodID]map[ir.IRMethodID]struct{}{},
		byConst:  map[ir.ChangeableConstID]map[ir.IRMethodID]struct{}{},
	}
}

func add[K comparable](m map[K]map[ir.IRMethodID]struct{}, k K, id ir.IRMethodID) {
	set, ok := m[k]
	if !ok {
		set = map[ir.IRMethodID]struct{}{}
		m[k] = set
	}
	set[id] = struct{}{}
}

// Register installs a compiled method's condition set.
func (t *Tracker) Register(id ir.IRMethodID, s *Set) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conds := s.All()
	t.byMethod[id] = conds
	for _, c := range conds {
		switch c.Kind {
		case ClassLoaded:
			add(t.byClass, c.Class, id)
		case FunctionCompiled, FunctionRecompiled:
			add(t.byTarget, c.Method, id)
		case ChangeableConstChanged:
			add(t.byConst, c.Const, id)
		}
	}
}

// Unregister drops a method (it was recompiled or discarded).
func (t *Tracker) Unregister(id ir.IRMethodID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unregisterLocked(id)
}

func (t *Tracker) unregisterLocked(id ir.IRMethodID) {
	for _, c := range t.byMethod[id] {
		switch c.Kind {
		case ClassLoaded:
			delete(t.byClass[c.Class], id)
		case FunctionCompiled, FunctionRecompiled:
			delete(t.byTarget[c.Method], id)
		case ChangeableConstChanged:
			delete(t.byConst[c.Const], id)
		}
	}
	delete(t.byMethod, id)
}

// collect gathers the candidate methods whose recorded condition matches
// the event, removes them from the tracker and returns them.
func (t *Tracker) collect(candidates map[ir.IRMethodID]struct{}, match func(Condition) bool) []ir.IRMethodID {
	var out []ir.IRMethodID
	for id := range candidates {
		for _, c := range t.byMethod[id] {
			if match(c) {
				out = append(out, id)
				break
			}
		}
	}
	for _, id := range out {
		t.unregisterLocked(id)
	}
	return out
}

// OnClassInitialized returns the methods invalidated by the class becoming
// initialized.
func (t *Tracker) OnClassInitialized(class names.ClassNameID) []ir.IRMethodID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collect(t.byClass[class], func(c Condition) bool {
		return c.Kind == ClassLoaded && c.Class == class
	})
}

// OnFunctionCompiled returns the methods invalidated by the target gaining
// its first compiled entry.
func (t *Tracker) OnFunctionCompiled(m ir.MethodID) []ir.IRMethodID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collect(t.byTarget[m], func(c Condition) bool {
		return c.Kind == FunctionCompiled && c.Method == m
	})
}

// OnFunctionRecompiled returns the methods invalidated by the target being
// recompiled to newIR.
func (t *Tracker) OnFunctionRecompiled(m ir.MethodID, newIR ir.IRMethodID) []ir.IRMethodID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collect(t.byTarget[m], func(c Condition) bool {
		return c.Kind == FunctionRecompiled && c.Method == m && c.OldIR != newIR
	})
}

// OnConstPatched returns the methods invalidated by the constant changing
// away from the value they observed.
func (t *Tracker) OnConstPatched(id ir.ChangeableConstID, newValue uint64) []ir.IRMethodID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collect(t.byConst[id], func(c Condition) bool {
		return c.Kind == ChangeableConstChanged && c.Const == id && c.Observed != newValue
	})
}
