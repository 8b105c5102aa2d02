// Package objlayout maps field names to object slot offsets and provides
// the typed accessors every field and array access goes through.
//
// Objects carry no per-object header: an object's type is recovered from
// its memory region (the region header records the type uniform across the
// region), so field 0 sits at the very start of the allocation.
package objlayout

import (
	"fmt"

	"github.com/pirocks/gojvm/internal/classfile"
	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/names"
)

// FieldNumber is a dense per-class field index across the recursive field
// numbering: a subclass's first own field is numbered right after its
// parent's last.
type FieldNumber uint32

// FieldSlotSize is the size of every instance-field slot. All fields live
// in 8-byte slots regardless of declared type.
const FieldSlotSize = 8

// FieldNumberAndType is the forward-map value of the field-number table.
type FieldNumberAndType struct {
	Number FieldNumber
	Type   cpdtype.Type
}

// FieldNameAndType is the reverse-map value of the field-number table.
type FieldNameAndType struct {
	Name names.FieldNameID
	Type cpdtype.Type
}

// HiddenField is a VM-internal field appended past the declared fields of a
// final class (e.g. the innards of java/lang/Class).
type HiddenField struct {
	Name names.FieldNameID
	Type cpdtype.Type
}

// ObjectLayout is the instance-field layout of one class.
type ObjectLayout struct {
	fieldNumbers        map[names.FieldNameID]FieldNumberAndType
	fieldNumbersReverse map[FieldNumber]FieldNameAndType
	hiddenNumbers       map[names.FieldNameID]FieldNumberAndType

	recursiveNumFields          uint32
	recursiveNumFieldsNonHidden uint32
}

// New computes the layout of view given its parent's layout (nil for
// java/lang/Object). Hidden fields may only be attached to final classes:
// a subclass's field numbering would collide with them otherwise.
func New(view classfile.ClassView, parent *ObjectLayout, hidden []HiddenField) (*ObjectLayout, error) {
	l := &ObjectLayout{
		fieldNumbers:        map[names.FieldNameID]FieldNumberAndType{},
		fieldNumbersReverse: map[FieldNumber]FieldNameAndType{},
		hiddenNumbers:       map[names.FieldNameID]FieldNumberAndType{},
	}

	next := uint32(0)
	if parent != nil {
		next = parent.recursiveNumFields
		for name, ft := range parent.fieldNumbers {
			l.fieldNumbers[name] = ft
			l.fieldNumbersReverse[ft.Number] = FieldNameAndType{Name: name, Type: ft.Type}
		}
	}

	for _, f := range view.Fields() {
		if f.IsStatic() {
			continue
		}
		n := FieldNumber(next)
		next++
		l.fieldNumbers[f.Name] = FieldNumberAndType{Number: n, Type: f.Type}
		l.fieldNumbersReverse[n] = FieldNameAndType{Name: f.Name, Type: f.Type}
	}
	l.recursiveNumFieldsNonHidden = next

	if len(hidden) != 0 && view.Flags()&classfile.AccFinal == 0 {
		return nil, fmt.Errorf("hidden fields on non-final class %d", view.Name())
	}
	for _, h := range hidden {
		n := FieldNumber(next)
		next++
		l.hiddenNumbers[h.Name] = FieldNumberAndType{Number: n, Type: h.Type}
		l.fieldNumbersReverse[n] = FieldNameAndType{Name: h.Name, Type: h.Type}
	}
	l.recursiveNumFields = next

	if err := l.selfCheck(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *ObjectLayout) selfCheck() error {
	if len(l.fieldNumbers)+len(l.hiddenNumbers) != len(l.fieldNumbersReverse) {
		return fmt.Errorf("field numbering is not a bijection: %d forward, %d hidden, %d reverse",
			len(l.fieldNumbers), len(l.hiddenNumbers), len(l.fieldNumbersReverse))
	}
	return nil
}

// RecursiveNumFields is the total slot count including inherited and hidden
// fields.
func (l *ObjectLayout) RecursiveNumFields() uint32 { return l.recursiveNumFields }

// Size is the object's allocation size in bytes.
func (l *ObjectLayout) Size() uint64 {
	return uint64(l.recursiveNumFields) * FieldSlotSize
}

// FieldNumber resolves a declared field name.
func (l *ObjectLayout) FieldNumber(name names.FieldNameID) (FieldNumberAndType, bool) {
	ft, ok := l.fieldNumbers[name]
	return ft, ok
}

// HiddenFieldNumber resolves a hidden field name.
func (l *ObjectLayout) HiddenFieldNumber(name names.FieldNameID) (FieldNumberAndType, bool) {
	ft, ok := l.hiddenNumbers[name]
	return ft, ok
}

// FieldAt is the reverse lookup by number.
func (l *ObjectLayout) FieldAt(n FieldNumber) (FieldNameAndType, bool) {
	ft, ok := l.fieldNumbersReverse[n]
	return ft, ok
}

// FieldEntryOffset returns the byte offset of the numbered field inside an
// instance.
func (l *ObjectLayout) FieldEntryOffset(n FieldNumber) (uint64, error) {
	if uint32(n) >= l.recursiveNumFields {
		return 0, fmt.Errorf("field number %d out of range (%d fields)", n, l.recursiveNumFields)
	}
	return uint64(n) * FieldSlotSize, nil
}

// FieldOffset resolves a field name straight to its byte offset.
func (l *ObjectLayout) FieldOffset(name names.FieldNameID) (uint64, cpdtype.Type, error) {
	ft, ok := l.fieldNumbers[name]
	if !ok {
		return 0, cpdtype.Type{}, fmt.Errorf("no such field %d", name)
	}
	off, err := l.FieldEntryOffset(ft.Number)
	return off, ft.Type, err
}

// Array layout: a 4-byte length at offset 0, then the elements starting at
// ArrayElemZeroOffset, each ElemSize(t) bytes apart.

// ArrayLenOffset is the byte offset of the 4-byte length field.
const ArrayLenOffset = 0

// ArrayElemZeroOffset is the byte offset of element 0, aligned for every
// element type.
const ArrayElemZeroOffset = 8

// ElemSize returns an array element's size in bytes: the natural size of
// the type, which on this layout is already its alignment.
func ElemSize(t cpdtype.Type) uint64 {
	return uint64(t.SlotSize())
}

// ArraySize returns the allocation size of an array of n elements.
func ArraySize(t cpdtype.Type, n uint32) uint64 {
	return ArrayElemZeroOffset + uint64(n)*ElemSize(t)
}

// ArrayElemOffset returns the byte offset of element i.
func ArrayElemOffset(t cpdtype.Type, i uint32) uint64 {
	return ArrayElemZeroOffset + uint64(i)*ElemSize(t)
}
