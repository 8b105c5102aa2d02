package jitcompiler

import (
	"github.com/pirocks/gojvm/internal/classfile"
	"github.com/pirocks/gojvm/internal/ir"
	"github.com/pirocks/gojvm/internal/names"
)

// intrinsicKey identifies one recognized {class, method, descriptor}
// triple.
type intrinsicKey struct {
	Class  names.ClassNameID
	Method names.MethodNameID
	Desc   classfile.DescriptorID
}

// intrinsicFn emits the canned IR for one recognized call site.
type intrinsicFn func(c *methodCompiler, instr *classfile.Instruction, hasReceiver bool)

// IntrinsicTable maps recognized call sites to canned IR sequences. The
// compiler consults it before lowering any invokestatic/invokevirtual.
type IntrinsicTable struct {
	byKey map[intrinsicKey]intrinsicFn
}

// NewIntrinsicTable builds the table against the VM's name pool.
func NewIntrinsicTable(pool *names.Pool) *IntrinsicTable {
	t := &IntrinsicTable{byKey: map[intrinsicKey]intrinsicFn{}}

	add := func(class, method, desc string, fn intrinsicFn) {
		t.byKey[intrinsicKey{
			Class:  names.ClassNameID(pool.Add(class)),
			Method: names.MethodNameID(pool.Add(method)),
			Desc:   classfile.DescriptorID(pool.Add(desc)),
		}] = fn
	}

	add("java/lang/System", "identityHashCode", "(Ljava/lang/Object;)I", intrinsicIdentityHashCode)
	add("java/lang/System", "arraycopy", "(Ljava/lang/Object;ILjava/lang/Object;II)V", intrinsicArrayCopy)
	add("java/lang/Float", "floatToRawIntBits", "(F)I", intrinsicReinterpret32)
	add("java/lang/Float", "intBitsToFloat", "(I)F", intrinsicReinterpret32)
	add("java/lang/Double", "doubleToRawLongBits", "(D)J", intrinsicReinterpret64)
	add("java/lang/Double", "longBitsToDouble", "(J)D", intrinsicReinterpret64)
	add("java/lang/Math", "sqrt", "(D)D", intrinsicSqrt)
	add("java/lang/Class", "getComponentType", "()Ljava/lang/Class;", intrinsicGetComponentType)
	add("java/lang/reflect/Array", "newArray", "(Ljava/lang/Class;I)Ljava/lang/Object;", intrinsicNewArray)

	unsafeAccess := func(size ir.Size, signed bool) (get, put intrinsicFn) {
		get = func(c *methodCompiler, instr *classfile.Instruction, _ bool) {
			c.intrinsicUnsafeGet(size, signed)
		}
		put = func(c *methodCompiler, instr *classfile.Instruction, _ bool) {
			c.intrinsicUnsafePut(size)
		}
		return
	}
	// Raw-address Unsafe accessors compile to direct address arithmetic.
	// Sub-qword widths read sign-extended for the signed Java types and
	// store the low bytes, matching what the typed field accessors do.
	for _, u := range []struct {
		name, getDesc, putDesc string
		size                   ir.Size
		signed                 bool
	}{
		{"Byte", "(J)B", "(JB)V", ir.SizeByte, true},
		{"Short", "(J)S", "(JS)V", ir.SizeWord, true},
		{"Char", "(J)C", "(JC)V", ir.SizeWord, false},
		{"Int", "(J)I", "(JI)V", ir.SizeDWord, true},
		{"Long", "(J)J", "(JJ)V", ir.SizeQWord, true},
	} {
		get, put := unsafeAccess(u.size, u.signed)
		add("sun/misc/Unsafe", "get"+u.name, u.getDesc, get)
		add("sun/misc/Unsafe", "put"+u.name, u.putDesc, put)
	}

	return t
}

// tryIntrinsic substitutes a canned sequence for a recognized call site.
func (c *methodCompiler) tryIntrinsic(instr *classfile.Instruction, hasReceiver bool) bool {
	if c.intr == nil {
		return false
	}
	fn, ok := c.intr.byKey[intrinsicKey{Class: instr.Class, Method: instr.MethodName, Desc: instr.DescID}]
	if !ok {
		return false
	}
	fn(c, instr, hasReceiver)
	return true
}

// identityHashCode: the identity hash is the object address truncated to
// 32 bits (objects never move; see the region allocator).
func intrinsicIdentityHashCode(c *methodCompiler, _ *classfile.Instruction, _ bool) {
	c.loadStack(0, 0, ir.SizeQWord)
	c.storeStackPush(1, 0, ir.SizeDWord)
}

// arraycopy exits into the runtime helper, which performs the null, store
// and range checks and the element copy.
func intrinsicArrayCopy(c *methodCompiler, _ *classfile.Instruction, _ bool) {
	e := c.exit(ir.ExitIntrinsicHelper)
	e.Helper = ir.HelperArrayCopy
	e.ArgOffsets = []ir.FramePointerOffset{
		c.stackEntry(4), // src
		c.stackEntry(3), // srcPos
		c.stackEntry(2), // dst
		c.stackEntry(1), // dstPos
		c.stackEntry(0), // length
	}
	c.emit(ir.VMExit{Exit: e})
}

// The raw-bits conversions are slot reinterpretations; the value is
// already exactly where the result goes.
func intrinsicReinterpret32(_ *methodCompiler, _ *classfile.Instruction, _ bool) {}
func intrinsicReinterpret64(_ *methodCompiler, _ *classfile.Instruction, _ bool) {}

func intrinsicSqrt(c *methodCompiler, _ *classfile.Instruction, _ bool) {
	c.emit(ir.LoadFPRelativeFloat{From: c.stackEntry(0), To: 0, Double: true})
	c.emit(ir.FloatSqrt{Res: 0, A: 0, Double: true})
	c.emit(ir.StoreFPRelativeFloat{From: 0, To: c.pushSlot(1), Double: true})
}

func intrinsicGetComponentType(c *methodCompiler, _ *classfile.Instruction, _ bool) {
	c.loadStack(0, 0, ir.SizeQWord)
	c.emit(ir.NPECheck{Reg: 0, Exit: c.exit(ir.ExitNPE)})
	e := c.exit(ir.ExitIntrinsicHelper)
	e.Helper = ir.HelperGetComponentType
	e.ArgOffsets = []ir.FramePointerOffset{c.stackEntry(0)}
	e.ResOffset = c.pushSlot(1)
	c.emit(ir.VMExit{Exit: e})
}

func intrinsicNewArray(c *methodCompiler, _ *classfile.Instruction, _ bool) {
	e := c.exit(ir.ExitIntrinsicHelper)
	e.Helper = ir.HelperNewArray
	e.ArgOffsets = []ir.FramePointerOffset{c.stackEntry(1), c.stackEntry(0)}
	e.ResOffset = c.pushSlot(2)
	c.emit(ir.VMExit{Exit: e})
}

// intrinsicUnsafeGet lowers Unsafe.getX(long address): [recv, addr] -> [x].
func (c *methodCompiler) intrinsicUnsafeGet(size ir.Size, signed bool) {
	c.loadStack(0, 0, ir.SizeQWord) // address
	if signed && size != ir.SizeQWord {
		c.emit(ir.LoadSigned{To: 1, FromAddr: 0, Size: size})
	} else {
		c.emit(ir.Load{To: 1, FromAddr: 0, Size: size})
	}
	c.storeStackPush(2, 1, slotLoadSize(size))
}

// intrinsicUnsafePut lowers Unsafe.putX(long address, x): [recv, addr, x].
func (c *methodCompiler) intrinsicUnsafePut(size ir.Size) {
	c.loadStack(1, 0, ir.SizeQWord) // address
	c.loadStack(0, 1, slotLoadSize(size))
	c.emit(ir.Store{ToAddr: 0, From: 1, Size: size})
}
