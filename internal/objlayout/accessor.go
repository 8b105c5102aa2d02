package objlayout

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/pirocks/gojvm/internal/cpdtype"
)

// FieldAccessor is a typed window onto one 8-byte field slot. Every read
// and write re-checks the declared type; a mismatch is a memory-safety bug
// and panics rather than returning an error.
type FieldAccessor struct {
	Type cpdtype.Type
	Ptr  unsafe.Pointer
}

func (a FieldAccessor) check(k cpdtype.Kind) {
	if a.Type.Kind() != k {
		panic(fmt.Sprintf("field accessor type mismatch: declared %s, accessed as kind %d", a.Type, k))
	}
}

func (a FieldAccessor) checkRef() {
	if a.Type.IsPrimitive() {
		panic(fmt.Sprintf("field accessor type mismatch: declared %s, accessed as reference", a.Type))
	}
}

func (a FieldAccessor) ReadBoolean() bool {
	a.check(cpdtype.KindBoolean)
	return *(*uint8)(a.Ptr) != 0
}

func (a FieldAccessor) WriteBoolean(v bool) {
	a.check(cpdtype.KindBoolean)
	var b uint8
	if v {
		b = 1
	}
	*(*uint8)(a.Ptr) = b
}

func (a FieldAccessor) ReadByte() int8 {
	a.check(cpdtype.KindByte)
	return *(*int8)(a.Ptr)
}

func (a FieldAccessor) WriteByte(v int8) {
	a.check(cpdtype.KindByte)
	*(*int8)(a.Ptr) = v
}

func (a FieldAccessor) ReadShort() int16 {
	a.check(cpdtype.KindShort)
	return *(*int16)(a.Ptr)
}

func (a FieldAccessor) WriteShort(v int16) {
	a.check(cpdtype.KindShort)
	*(*int16)(a.Ptr) = v
}

func (a FieldAccessor) ReadChar() uint16 {
	a.check(cpdtype.KindChar)
	return *(*uint16)(a.Ptr)
}

func (a FieldAccessor) WriteChar(v uint16) {
	a.check(cpdtype.KindChar)
	*(*uint16)(a.Ptr) = v
}

func (a FieldAccessor) ReadInt() int32 {
	a.check(cpdtype.KindInt)
	return *(*int32)(a.Ptr)
}

func (a FieldAccessor) WriteInt(v int32) {
	a.check(cpdtype.KindInt)
	*(*int32)(a.Ptr) = v
}

func (a FieldAccessor) ReadLong() int64 {
	a.check(cpdtype.KindLong)
	return *(*int64)(a.Ptr)
}

func (a FieldAccessor) WriteLong(v int64) {
	a.check(cpdtype.KindLong)
	*(*int64)(a.Ptr) = v
}

func (a FieldAccessor) ReadFloat() float32 {
	a.check(cpdtype.KindFloat)
	return *(*float32)(a.Ptr)
}

func (a FieldAccessor) WriteFloat(v float32) {
	a.check(cpdtype.KindFloat)
	*(*float32)(a.Ptr) = v
}

func (a FieldAccessor) ReadDouble() float64 {
	a.check(cpdtype.KindDouble)
	return *(*float64)(a.Ptr)
}

func (a FieldAccessor) WriteDouble(v float64) {
	a.check(cpdtype.KindDouble)
	*(*float64)(a.Ptr) = v
}

func (a FieldAccessor) ReadRef() uintptr {
	a.checkRef()
	return *(*uintptr)(a.Ptr)
}

func (a FieldAccessor) WriteRef(v uintptr) {
	a.checkRef()
	*(*uintptr)(a.Ptr) = v
}

// Volatile variants. x86-64 is TSO, so a sequentially consistent load/store
// pair through sync/atomic gives exactly the JMM volatile semantics the
// plain accessors lack.

func (a FieldAccessor) ReadLongVolatile() int64 {
	a.check(cpdtype.KindLong)
	return int64(atomic.LoadUint64((*uint64)(a.Ptr)))
}

func (a FieldAccessor) WriteLongVolatile(v int64) {
	a.check(cpdtype.KindLong)
	atomic.StoreUint64((*uint64)(a.Ptr), uint64(v))
}

func (a FieldAccessor) ReadIntVolatile() int32 {
	a.check(cpdtype.KindInt)
	return int32(atomic.LoadUint32((*uint32)(a.Ptr)))
}

func (a FieldAccessor) WriteIntVolatile(v int32) {
	a.check(cpdtype.KindInt)
	atomic.StoreUint32((*uint32)(a.Ptr), uint32(v))
}

func (a FieldAccessor) ReadRefVolatile() uintptr {
	a.checkRef()
	return uintptr(atomic.LoadUint64((*uint64)(a.Ptr)))
}

func (a FieldAccessor) WriteRefVolatile(v uintptr) {
	a.checkRef()
	atomic.StoreUint64((*uint64)(a.Ptr), uint64(v))
}

// AccessorFor returns the accessor for the numbered field of the object at
// base.
func (l *ObjectLayout) AccessorFor(base unsafe.Pointer, n FieldNumber) (FieldAccessor, error) {
	ft, ok := l.fieldNumbersReverse[n]
	if !ok {
		return FieldAccessor{}, fmt.Errorf("no field numbered %d", n)
	}
	off, err := l.FieldEntryOffset(n)
	if err != nil {
		return FieldAccessor{}, err
	}
	return FieldAccessor{Type: ft.Type, Ptr: unsafe.Add(base, off)}, nil
}

// ArrayAccessor returns the accessor for element i of the array at base.
// The caller bounds-checks i against the array length first.
func ArrayAccessor(base unsafe.Pointer, elem cpdtype.Type, i uint32) FieldAccessor {
	return FieldAccessor{Type: elem, Ptr: unsafe.Add(base, ArrayElemOffset(elem, i))}
}

// ArrayLen reads the 4-byte length of the array at base.
func ArrayLen(base unsafe.Pointer) int32 {
	return *(*int32)(unsafe.Add(base, ArrayLenOffset))
}

// SetArrayLen writes the array length; used only on the allocation path.
func SetArrayLen(base unsafe.Pointer, n int32) {
	*(*int32)(unsafe.Add(base, ArrayLenOffset)) = n
}
