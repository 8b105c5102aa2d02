package engine

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/memregions"
	"github.com/pirocks/gojvm/internal/names"
	"github.com/pirocks/gojvm/internal/objlayout"
	"github.com/pirocks/gojvm/internal/rtclass"
)

// allocationSize returns the fixed instance size of t.
func (e *Engine) allocationSize(t cpdtype.Type) (uint64, error) {
	if !t.IsClass() {
		return 0, fmt.Errorf("constant-size allocation of non-class type %s", t)
	}
	e.mu.RLock()
	rc, ok := e.classes[t.ClassName()]
	e.mu.RUnlock()
	if !ok || rc.Kind != rtclass.KindObject {
		return 0, fmt.Errorf("allocation of undefined class %s", t)
	}
	size := rc.Object.Layout.Size()
	if size == 0 {
		// Zero-field objects still need a distinct address.
		size = objlayout.FieldSlotSize
	}
	return size, nil
}

// regionCellFor returns (creating on first use) the patchable cell holding
// the current allocation-region header pointer for t. Generated code reads
// the cell on every inline allocation; the slow path swaps in fresh
// regions.
func (e *Engine) regionCellFor(t cpdtype.Type) (*uint64, error) {
	e.regionMu.Lock()
	defer e.regionMu.Unlock()
	if cell, ok := e.regionCells[t]; ok {
		return cell, nil
	}
	size, err := e.allocationSize(t)
	if err != nil {
		return nil, err
	}
	h, err := e.newRegionLocked(t, size)
	if err != nil {
		return nil, err
	}
	cell := new(uint64)
	*cell = uint64(uintptr(unsafe.Pointer(h)))
	e.regionCells[t] = cell
	return cell, nil
}

// newRegionLocked carves the next region for allocations of the given
// element size. Caller holds regionMu.
func (e *Engine) newRegionLocked(t cpdtype.Type, elemSize uint64) (*memregions.RegionHeader, error) {
	region := memregions.SmallestWhichFits(elemSize)
	base := e.regionNext[region]
	e.regionNext[region] += region.Size()
	return e.regions.NewRegion(region, base, t.Pack(), elemSize)
}

// AllocateObjectSlow is the exit path taken when the inline bump found the
// region full: carve a fresh region, point the cell at it, allocate.
func (e *Engine) AllocateObjectSlow(t cpdtype.Type) (uintptr, error) {
	cell, err := e.regionCellFor(t)
	if err != nil {
		return 0, err
	}

	e.regionMu.Lock()
	defer e.regionMu.Unlock()
	// Retry through the current region first: another thread may have
	// already replaced it.
	h := (*memregions.RegionHeader)(unsafe.Pointer(uintptr(atomic.LoadUint64(cell))))
	if p := h.AllocateConstantSize(); p != 0 {
		return p, nil
	}
	size, err := e.allocationSize(t)
	if err != nil {
		return 0, err
	}
	fresh, err := e.newRegionLocked(t, size)
	if err != nil {
		return 0, err
	}
	p := fresh.AllocateConstantSize()
	if p == 0 {
		return 0, fmt.Errorf("fresh %s region immediately exhausted", t)
	}
	atomic.StoreUint64(cell, uint64(uintptr(unsafe.Pointer(fresh))))
	return p, nil
}

// AllocateArray allocates an array of elem with the given length and
// writes its length header. Arrays are variable-sized, so each allocation
// gets a region of its own sized to fit.
func (e *Engine) AllocateArray(elem cpdtype.Type, length int32) (uintptr, error) {
	if length < 0 {
		return 0, fmt.Errorf("negative array size %d", length)
	}
	size := objlayout.ArraySize(elem, uint32(length))
	t := cpdtype.Array(elem, 1)
	if elem.IsArray() {
		t = cpdtype.Array(elem.Base(), elem.Nesting()+1)
	}

	e.regionMu.Lock()
	h, err := e.newRegionLocked(t, size)
	e.regionMu.Unlock()
	if err != nil {
		return 0, err
	}
	p := h.AllocateConstantSize()
	if p == 0 {
		return 0, fmt.Errorf("array region of %d bytes immediately exhausted", size)
	}
	objlayout.SetArrayLen(unsafe.Pointer(p), length)
	return p, nil
}

// AllocateMultiArray allocates a rectangular multi-dimensional array,
// innermost arrays included.
func (e *Engine) AllocateMultiArray(t cpdtype.Type, dims []int32) (uintptr, error) {
	if len(dims) == 0 {
		return 0, fmt.Errorf("multianewarray with no dimensions")
	}
	for _, d := range dims {
		if d < 0 {
			return 0, fmt.Errorf("negative array size %d", d)
		}
	}
	elem := t.Elem()
	outer, err := e.AllocateArray(elem, dims[0])
	if err != nil {
		return 0, err
	}
	if len(dims) == 1 {
		return outer, nil
	}
	for i := int32(0); i < dims[0]; i++ {
		inner, err := e.AllocateMultiArray(elem, dims[1:])
		if err != nil {
			return 0, err
		}
		acc := objlayout.ArrayAccessor(unsafe.Pointer(outer), elem, uint32(i))
		acc.WriteRef(inner)
	}
	return outer, nil
}

// TypeOfObject recovers an object's type from its region header.
func (e *Engine) TypeOfObject(ptr uintptr) (cpdtype.Type, error) {
	h, err := memregions.HeaderOf(ptr)
	if err != nil {
		return cpdtype.Type{}, err
	}
	return cpdtype.Unpack(h.AllocatedTypeID)
}

// ClassObject returns (allocating on first use) the java/lang/Class
// instance representing t. The packed type lives in the Class object's
// hidden field.
func (e *Engine) ClassObject(t cpdtype.Type) (uintptr, error) {
	e.mu.Lock()
	if p, ok := e.classObjects[t]; ok {
		e.mu.Unlock()
		return p, nil
	}
	e.mu.Unlock()

	p, err := e.AllocateObjectSlow(classObjectType())
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.classObjects[t]; ok {
		return existing, nil
	}
	classClass := e.classes[classObjectType().ClassName()]
	name := e.hiddenTypeFieldName()
	ft, ok := classClass.Object.Layout.HiddenFieldNumber(name)
	if !ok {
		return 0, fmt.Errorf("java/lang/Class lost its hidden type field")
	}
	off, err := classClass.Object.Layout.FieldEntryOffset(ft.Number)
	if err != nil {
		return 0, err
	}
	*(*uint64)(unsafe.Pointer(p + uintptr(off))) = t.Pack()
	e.classObjects[t] = p
	return p, nil
}

func classObjectType() cpdtype.Type {
	return cpdtype.Class(names.WellKnownJavaLangClass)
}

func (e *Engine) hiddenTypeFieldName() names.FieldNameID {
	return e.hiddenTypeField
}

// TypeOfClassObject reads the packed type back out of a Class instance.
func (e *Engine) TypeOfClassObject(p uintptr) (cpdtype.Type, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	classClass := e.classes[classObjectType().ClassName()]
	ft, ok := classClass.Object.Layout.HiddenFieldNumber(e.hiddenTypeFieldName())
	if !ok {
		return cpdtype.Type{}, fmt.Errorf("java/lang/Class lost its hidden type field")
	}
	off, err := classClass.Object.Layout.FieldEntryOffset(ft.Number)
	if err != nil {
		return cpdtype.Type{}, err
	}
	return cpdtype.Unpack(*(*uint64)(unsafe.Pointer(p + uintptr(off))))
}
