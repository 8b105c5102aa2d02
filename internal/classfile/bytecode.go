package classfile

import (
	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/names"
)

// Op is a JVM bytecode as handed over by the parser: constant-pool indices
// are already resolved to symbolic references, and the push-a-constant
// opcodes are folded into the typed Const forms.
type Op byte

const (
	OpNop Op = iota
	OpAConstNull
	OpIConst // Value
	OpLConst // Value
	OpFConst // Value holds the float bits
	OpDConst // Value holds the double bits
	OpILoad  // Slot
	OpLLoad
	OpFLoad
	OpDLoad
	OpALoad
	OpIStore // Slot
	OpLStore
	OpFStore
	OpDStore
	OpAStore
	OpIALoad
	OpLALoad
	OpFALoad
	OpDALoad
	OpAALoad
	OpBALoad
	OpCALoad
	OpSALoad
	OpIAStore
	OpLAStore
	OpFAStore
	OpDAStore
	OpAAStore
	OpBAStore
	OpCAStore
	OpSAStore
	OpPop
	OpPop2
	OpDup
	OpDupX1
	OpDupX2
	OpDup2
	OpDup2X1
	OpDup2X2
	OpSwap
	OpIAdd
	OpLAdd
	OpFAdd
	OpDAdd
	OpISub
	OpLSub
	OpFSub
	OpDSub
	OpIMul
	OpLMul
	OpFMul
	OpDMul
	OpIDiv
	OpLDiv
	OpFDiv
	OpDDiv
	OpIRem
	OpLRem
	OpFRem
	OpDRem
	OpINeg
	OpLNeg
	OpFNeg
	OpDNeg
	OpIShl
	OpLShl
	OpIShr
	OpLShr
	OpIUShr
	OpLUShr
	OpIAnd
	OpLAnd
	OpIOr
	OpLOr
	OpIXor
	OpLXor
	OpIInc // Slot, Value
	OpI2L
	OpI2F
	OpI2D
	OpL2I
	OpL2F
	OpL2D
	OpF2I
	OpF2L
	OpF2D
	OpD2I
	OpD2L
	OpD2F
	OpI2B
	OpI2C
	OpI2S
	OpLCmp
	OpFCmpL
	OpFCmpG
	OpDCmpL
	OpDCmpG
	OpIfEq // Target
	OpIfNe
	OpIfLt
	OpIfGe
	OpIfGt
	OpIfLe
	OpIfICmpEq // Target
	OpIfICmpNe
	OpIfICmpLt
	OpIfICmpGe
	OpIfICmpGt
	OpIfICmpLe
	OpIfACmpEq
	OpIfACmpNe
	OpGoto // Target
	OpTableSwitch
	OpLookupSwitch
	OpIReturn
	OpLReturn
	OpFReturn
	OpDReturn
	OpAReturn
	OpReturn
	OpGetStatic // Class, FieldName, FieldType
	OpPutStatic
	OpGetField
	OpPutField
	OpInvokeVirtual // Class, MethodName, Desc
	OpInvokeSpecial
	OpInvokeStatic
	OpInvokeInterface
	OpNew      // Class
	OpNewArray // ArrayElem
	OpANewArray
	OpMultiANewArray // Class (array type), Dims
	OpArrayLength
	OpAThrow
	OpCheckCast  // Class
	OpInstanceOf // Class
	OpMonitorEnter
	OpMonitorExit
	OpIfNull // Target
	OpIfNonNull
)

// SwitchData is the operand of tableswitch/lookupswitch. Targets are
// absolute bytecode offsets, like Instruction.Target.
type SwitchData struct {
	Default int32
	// Low/High and Targets for tableswitch.
	Low, High int32
	Targets   []int32
	// Pairs for lookupswitch, sorted by Match.
	Pairs []SwitchPair
}

// SwitchPair is one lookupswitch (match, target) pair.
type SwitchPair struct {
	Match  int32
	Target int32
}

// Instruction is one bytecode with resolved symbolic operands. Which fields
// are meaningful depends on Op, per the comments on the Op constants.
type Instruction struct {
	Offset uint16
	Op     Op

	Value      int64
	Slot       uint16
	Target     int32 // absolute bytecode offset
	Class      names.ClassNameID
	FieldName  names.FieldNameID
	FieldType  cpdtype.Type
	MethodName names.MethodNameID
	Desc       *MethodDescriptor
	DescID     DescriptorID
	ArrayElem  cpdtype.Type
	Dims       uint8
	Switch     *SwitchData
}
