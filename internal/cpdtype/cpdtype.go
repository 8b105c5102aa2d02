// Package cpdtype defines the compressed value-typed discriminator for JVM
// types and its packed 64-bit encoding. A Type uniquely identifies a JVM
// type for layout and dispatch purposes.
package cpdtype

import (
	"fmt"

	"github.com/pirocks/gojvm/internal/names"
)

// Kind is the type tag. The numeric values are part of the packed encoding
// and must not be reordered.
type Kind byte

const (
	KindBoolean Kind = 0
	KindByte    Kind = 1
	KindShort   Kind = 2
	KindChar    Kind = 3
	KindInt     Kind = 4
	KindLong    Kind = 5
	KindFloat   Kind = 6
	KindDouble  Kind = 7
	KindVoid    Kind = 8
	KindClass   Kind = 9
	// Array kinds are encoded as kindArrayBase+baseKind so the base element
	// kind survives in the tag byte itself.
	kindArrayBase Kind = 10
)

// Type is a compressed JVM type: a primitive, a class (by interned name id),
// or an array of a non-array base with nesting depth >= 1.
type Type struct {
	kind Kind
	// class is only meaningful for KindClass and class-based arrays.
	class names.ClassNameID
	// nesting is zero for non-arrays and the number of array dimensions
	// otherwise.
	nesting byte
}

// Primitive constructors.

func Boolean() Type { return Type{kind: KindBoolean} }
func Byte() Type    { return Type{kind: KindByte} }
func Short() Type   { return Type{kind: KindShort} }
func Char() Type    { return Type{kind: KindChar} }
func Int() Type     { return Type{kind: KindInt} }
func Long() Type    { return Type{kind: KindLong} }
func Float() Type   { return Type{kind: KindFloat} }
func Double() Type  { return Type{kind: KindDouble} }
func Void() Type    { return Type{kind: KindVoid} }

// Class returns the type of an object of the given class.
func Class(id names.ClassNameID) Type {
	return Type{kind: KindClass, class: id}
}

// Array returns an array type over base with the given nesting depth. base
// must not itself be an array; nest deeper by increasing nesting.
func Array(base Type, nesting byte) Type {
	if base.IsArray() {
		panic("BUG: array base must be a non-array type")
	}
	if nesting == 0 {
		panic("BUG: array nesting must be >= 1")
	}
	return Type{kind: kindArrayBase + base.kind, class: base.class, nesting: nesting}
}

// Kind returns the tag. For arrays this is the array-of-base tag, not the
// base's own tag.
func (t Type) Kind() Kind { return t.kind }

// IsArray reports whether t is an array type.
func (t Type) IsArray() bool { return t.kind >= kindArrayBase }

// IsPrimitive reports whether t is one of the nine primitive types.
func (t Type) IsPrimitive() bool { return t.kind <= KindVoid }

// IsClass reports whether t is a non-array class type.
func (t Type) IsClass() bool { return t.kind == KindClass }

// ClassName returns the interned class-name id; only valid for class types
// and arrays with a class base.
func (t Type) ClassName() names.ClassNameID { return t.class }

// Nesting returns the array dimension count, zero for non-arrays.
func (t Type) Nesting() byte { return t.nesting }

// Elem returns the element type of an array: the base for nesting 1, and an
// array with one less dimension otherwise.
func (t Type) Elem() Type {
	if !t.IsArray() {
		panic("BUG: Elem on non-array type")
	}
	if t.nesting == 1 {
		return Type{kind: t.kind - kindArrayBase, class: t.class}
	}
	return Type{kind: t.kind, class: t.class, nesting: t.nesting - 1}
}

// Base returns the non-array base type of an array.
func (t Type) Base() Type {
	if !t.IsArray() {
		panic("BUG: Base on non-array type")
	}
	return Type{kind: t.kind - kindArrayBase, class: t.class}
}

// Packed encoding. High byte is the tag, byte 6 the array nesting, and the
// low 32 bits the class-name id:
//
//	63      56 55    48 47      32 31               0
//	[  tag    ][nesting][ unused  ][  class-name id  ]
const (
	packedTagShift     = 56
	packedNestingShift = 48
)

// Pack encodes t into 64 bits.
func (t Type) Pack() uint64 {
	return uint64(t.kind)<<packedTagShift |
		uint64(t.nesting)<<packedNestingShift |
		uint64(t.class)
}

// Unpack decodes a value produced by Pack.
func Unpack(v uint64) (Type, error) {
	t := Type{
		kind:    Kind(v >> packedTagShift),
		nesting: byte(v >> packedNestingShift),
		class:   names.ClassNameID(uint32(v)),
	}
	switch {
	case t.kind > kindArrayBase+KindClass:
		return Type{}, fmt.Errorf("invalid packed type tag %d", t.kind)
	case t.IsArray() && t.nesting == 0:
		return Type{}, fmt.Errorf("array tag %d with zero nesting", t.kind)
	case !t.IsArray() && t.nesting != 0:
		return Type{}, fmt.Errorf("non-array tag %d with nesting %d", t.kind, t.nesting)
	case t.IsArray() && t.kind-kindArrayBase == KindVoid:
		return Type{}, fmt.Errorf("array of void")
	}
	return t, nil
}

// SlotSize returns the in-object storage size in bytes before slot padding.
// Every field slot is 8 bytes wide; this is the size used for array
// elements.
func (t Type) SlotSize() uint {
	switch t.kind {
	case KindBoolean, KindByte:
		return 1
	case KindShort, KindChar:
		return 2
	case KindInt, KindFloat:
		return 4
	case KindVoid:
		panic("BUG: void has no size")
	default:
		// long, double, references and arrays
		return 8
	}
}

// IsCategory2 reports whether the type occupies two verifier stack slots
// (long and double).
func (t Type) IsCategory2() bool {
	return t.kind == KindLong || t.kind == KindDouble
}

func (t Type) String() string {
	if t.IsArray() {
		s := t.Base().String()
		for i := byte(0); i < t.nesting; i++ {
			s += "[]"
		}
		return s
	}
	switch t.kind {
	case KindBoolean:
		return "boolean"
	case KindByte:
		return "byte"
	case KindShort:
		return "short"
	case KindChar:
		return "char"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindVoid:
		return "void"
	case KindClass:
		return fmt.Sprintf("class#%d", t.class)
	}
	return fmt.Sprintf("invalid#%d", t.kind)
}
