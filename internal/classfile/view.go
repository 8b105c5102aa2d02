// Package classfile defines the read-only shape of parsed, verified class
// files as the compiler consumes it. Class-file parsing and verification
// live outside this module; they hand the JIT a ClassView per class plus a
// stack-map frame per bytecode offset.
package classfile

import (
	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/names"
)

// AccessFlags are the subset of class/method/field flags the JIT cares
// about.
type AccessFlags uint16

const (
	AccPublic       AccessFlags = 0x0001
	AccPrivate      AccessFlags = 0x0002
	AccProtected    AccessFlags = 0x0004
	AccStatic       AccessFlags = 0x0008
	AccFinal        AccessFlags = 0x0010
	AccSynchronized AccessFlags = 0x0020
	AccVolatile     AccessFlags = 0x0040
	AccNative       AccessFlags = 0x0100
	AccInterface    AccessFlags = 0x0200
	AccAbstract     AccessFlags = 0x0400
)

// DescriptorID is an interned method-descriptor id; method shapes compare
// descriptors by id.
type DescriptorID names.ID

// MethodDescriptor is a parsed method descriptor.
type MethodDescriptor struct {
	Args []cpdtype.Type
	Ret  cpdtype.Type
}

// ArgSlots returns the number of local-variable slots the arguments occupy
// (category-2 types take two).
func (d *MethodDescriptor) ArgSlots() (n uint16) {
	for _, a := range d.Args {
		if a.IsCategory2() {
			n += 2
		} else {
			n++
		}
	}
	return
}

// MethodShape identifies a virtual method for vtable layout purposes: same
// name and descriptor means same vtable slot down the hierarchy.
type MethodShape struct {
	Name names.MethodNameID
	Desc DescriptorID
}

// FieldInfo is one declared field.
type FieldInfo struct {
	Name  names.FieldNameID
	Type  cpdtype.Type
	Flags AccessFlags
}

func (f *FieldInfo) IsStatic() bool   { return f.Flags&AccStatic != 0 }
func (f *FieldInfo) IsVolatile() bool { return f.Flags&AccVolatile != 0 }

// ExceptionTableEntry is one handler range, all in bytecode offsets.
// CatchAll handlers have HasCatchType == false.
type ExceptionTableEntry struct {
	StartPC, EndPC, HandlerPC uint16
	CatchType                 names.ClassNameID
	HasCatchType              bool
}

// Code is a method's code attribute.
type Code struct {
	MaxLocals      uint16
	MaxStack       uint16
	Instructions   []Instruction
	ExceptionTable []ExceptionTableEntry
}

// ClassView is the read-only view of one verified class.
type ClassView interface {
	Name() names.ClassNameID
	// SuperName returns the super class, ok=false for java/lang/Object.
	SuperName() (super names.ClassNameID, ok bool)
	Interfaces() []names.ClassNameID
	Fields() []FieldInfo
	Methods() []MethodView
	Flags() AccessFlags
}

// MethodView is the read-only view of one method.
type MethodView interface {
	Name() names.MethodNameID
	Descriptor() *MethodDescriptor
	DescID() DescriptorID
	Flags() AccessFlags
	// Code returns nil for abstract and native methods.
	Code() *Code
}

// VType is a verifier computational type of an operand-stack slot.
type VType byte

const (
	VTypeInt VType = iota
	VTypeFloat
	VTypeLong
	VTypeDouble
	VTypeReference
)

// IsCategory2 reports whether the type occupies two stack slots.
func (v VType) IsCategory2() bool { return v == VTypeLong || v == VTypeDouble }

// StackMapFrame is the verifier's view of the operand stack at one bytecode
// offset, without Top padding: Stack[0] is the bottom of the stack and each
// category-2 value appears exactly once.
type StackMapFrame struct {
	Stack []VType
}

// Depth returns the operand-stack depth in slots, counting category-2
// values once (frame-local storage is one 8-byte slot per entry).
func (f *StackMapFrame) Depth() uint16 { return uint16(len(f.Stack)) }

// ClassData is a plain-struct ClassView, the form the external parser hands
// over (and what tests construct directly).
type ClassData struct {
	ClassName  names.ClassNameID
	Super      names.ClassNameID
	HasSuper   bool
	Ifaces     []names.ClassNameID
	FieldList  []FieldInfo
	MethodList []*MethodData
	AccFlags   AccessFlags
}

func (c *ClassData) Name() names.ClassNameID { return c.ClassName }
func (c *ClassData) SuperName() (names.ClassNameID, bool) {
	return c.Super, c.HasSuper
}
func (c *ClassData) Interfaces() []names.ClassNameID { return c.Ifaces }
func (c *ClassData) Fields() []FieldInfo             { return c.FieldList }
func (c *ClassData) Flags() AccessFlags              { return c.AccFlags }

func (c *ClassData) Methods() []MethodView {
	ms := make([]MethodView, len(c.MethodList))
	for i, m := range c.MethodList {
		ms[i] = m
	}
	return ms
}

// MethodData is the plain-struct MethodView counterpart of ClassData.
type MethodData struct {
	MethodName   names.MethodNameID
	Desc         MethodDescriptor
	DescriptorID DescriptorID
	AccFlags     AccessFlags
	CodeAttr     *Code
	// Frames maps bytecode offset to the verifier stack map at that offset.
	Frames map[uint16]*StackMapFrame
}

func (m *MethodData) Name() names.MethodNameID      { return m.MethodName }
func (m *MethodData) Descriptor() *MethodDescriptor { return &m.Desc }
func (m *MethodData) DescID() DescriptorID          { return m.DescriptorID }
func (m *MethodData) Flags() AccessFlags            { return m.AccFlags }
func (m *MethodData) Code() *Code                   { return m.CodeAttr }
func (m *MethodData) Shape() MethodShape {
	return MethodShape{Name: m.MethodName, Desc: m.DescriptorID}
}
func (m *MethodData) IsStatic() bool       { return m.AccFlags&AccStatic != 0 }
func (m *MethodData) IsNative() bool       { return m.AccFlags&AccNative != 0 }
func (m *MethodData) IsSynchronized() bool { return m.AccFlags&AccSynchronized != 0 }
