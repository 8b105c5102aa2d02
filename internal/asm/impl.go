package asm

// BaseAssemblerImpl includes state common to all assembler backends.
type BaseAssemblerImpl struct {
	// SetBranchTargetOnNextNodes holds jump-kind nodes whose destination is
	// the next node added to the list.
	SetBranchTargetOnNextNodes []Node

	// OnGenerateCallbacks are invoked with the final binary after encoding.
	OnGenerateCallbacks []func(code []byte) error
}

// SetJumpTargetOnNext implements Assembler.SetJumpTargetOnNext.
func (a *BaseAssemblerImpl) SetJumpTargetOnNext(nodes ...Node) {
	a.SetBranchTargetOnNextNodes = append(a.SetBranchTargetOnNextNodes, nodes...)
}

// AddOnGenerateCallBack implements Assembler.AddOnGenerateCallBack.
func (a *BaseAssemblerImpl) AddOnGenerateCallBack(cb func([]byte) error) {
	a.OnGenerateCallbacks = append(a.OnGenerateCallbacks, cb)
}
