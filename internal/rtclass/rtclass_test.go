package rtclass

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pirocks/gojvm/internal/classfile"
	"github.com/pirocks/gojvm/internal/cpdtype"
	"github.com/pirocks/gojvm/internal/names"
)

func method(name names.MethodNameID, desc classfile.DescriptorID, flags classfile.AccessFlags) *classfile.MethodData {
	return &classfile.MethodData{MethodName: name, DescriptorID: desc, AccFlags: flags}
}

func objectClass(t *testing.T, name names.ClassNameID, parent *RuntimeClass, methods ...*classfile.MethodData) *RuntimeClass {
	t.Helper()
	view := &classfile.ClassData{ClassName: name, MethodList: methods}
	if parent != nil {
		view.Super = parent.Object.View.Name()
		view.HasSuper = true
	}
	rc, err := NewObjectClass(view, parent, nil)
	require.NoError(t, err)
	return rc
}

func TestVirtualMethodNumbering(t *testing.T) {
	parent := objectClass(t, 1,
		nil,
		method(10, 100, 0),
		method(11, 100, 0),
		method(12, 100, classfile.AccStatic), // statics get no vtable slot
	)
	require.Equal(t, uint32(2), parent.Object.NumVirtualMethods())

	child := objectClass(t, 2, parent,
		method(10, 100, 0), // override keeps the inherited slot
		method(13, 100, 0), // new shape appends
	)
	require.Equal(t, uint32(3), child.Object.NumVirtualMethods())

	parentSlot, ok := parent.Object.MethodNumber(classfile.MethodShape{Name: 10, Desc: 100})
	require.True(t, ok)
	childSlot, ok := child.Object.MethodNumber(classfile.MethodShape{Name: 10, Desc: 100})
	require.True(t, ok)
	require.Equal(t, parentSlot, childSlot)

	newSlot, ok := child.Object.MethodNumber(classfile.MethodShape{Name: 13, Desc: 100})
	require.True(t, ok)
	require.Equal(t, MethodNumber(2), newSlot)

	shape, ok := child.Object.MethodShapeAt(newSlot)
	require.True(t, ok)
	require.Equal(t, names.MethodNameID(13), shape.Name)
}

func TestSameNameDifferentDescriptorGetsOwnSlot(t *testing.T) {
	rc := objectClass(t, 1, nil, method(10, 100, 0), method(10, 101, 0))
	a, ok := rc.Object.MethodNumber(classfile.MethodShape{Name: 10, Desc: 100})
	require.True(t, ok)
	b, ok := rc.Object.MethodNumber(classfile.MethodShape{Name: 10, Desc: 101})
	require.True(t, ok)
	require.NotEqual(t, a, b)
}

func TestStatusAdvancesMonotonically(t *testing.T) {
	rc := objectClass(t, 1, nil)
	o := rc.Object
	require.Equal(t, Unprepared, o.Status())

	require.NoError(t, o.MarkPrepared())
	require.Equal(t, Prepared, o.Status())

	run, err := o.BeginInit(1)
	require.NoError(t, err)
	require.True(t, run)
	require.Equal(t, Initializing, o.Status())

	require.NoError(t, o.FinishInit())
	require.Equal(t, Initialized, o.Status())

	// Re-prepare after initialization would regress; rejected.
	require.Error(t, func() error {
		o.statics.mu.Lock()
		defer o.statics.mu.Unlock()
		return o.advanceLocked(Prepared)
	}())
}

func TestBeginInitIsReentrantForOwner(t *testing.T) {
	rc := objectClass(t, 1, nil)
	require.NoError(t, rc.Object.MarkPrepared())
	run, err := rc.Object.BeginInit(5)
	require.NoError(t, err)
	require.True(t, run)

	// The initializing thread touching its own class does not deadlock.
	run, err = rc.Object.BeginInit(5)
	require.NoError(t, err)
	require.False(t, run)
}

func TestBeginInitBlocksOtherThreads(t *testing.T) {
	rc := objectClass(t, 1, nil)
	require.NoError(t, rc.Object.MarkPrepared())
	run, err := rc.Object.BeginInit(1)
	require.NoError(t, err)
	require.True(t, run)

	var wg sync.WaitGroup
	results := make(chan bool, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		run, err := rc.Object.BeginInit(2)
		require.NoError(t, err)
		results <- run
	}()

	select {
	case <-results:
		t.Fatal("second thread was not blocked by INITIALIZING")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, rc.Object.FinishInit())
	wg.Wait()
	require.False(t, <-results)
	require.Equal(t, Initialized, rc.Object.Status())
}

func TestBeginInitOfUnpreparedFails(t *testing.T) {
	rc := objectClass(t, 1, nil)
	_, err := rc.Object.BeginInit(1)
	require.Error(t, err)
}

func TestStaticVars(t *testing.T) {
	view := &classfile.ClassData{
		ClassName: 1,
		FieldList: []classfile.FieldInfo{
			{Name: 20, Type: cpdtype.Int(), Flags: classfile.AccStatic},
			{Name: 21, Type: cpdtype.Int()},
		},
	}
	rc, err := NewObjectClass(view, nil, nil)
	require.NoError(t, err)

	v, ok := rc.Object.StaticVar(20)
	require.True(t, ok)
	require.NoError(t, v.Set(cpdtype.Int(), 7))
	got, err := v.Get(cpdtype.Int())
	require.NoError(t, err)
	require.Equal(t, uint64(7), got)

	// The declared type is enforced.
	require.Error(t, v.Set(cpdtype.Long(), 1))
	_, err = v.Get(cpdtype.Double())
	require.Error(t, err)

	// Instance fields are not statics.
	_, ok = rc.Object.StaticVar(21)
	require.False(t, ok)
}

func TestVariants(t *testing.T) {
	p := NewPrimitiveClass(cpdtype.KindInt)
	require.Equal(t, KindPrimitive, p.Kind)
	a := NewArrayClass(cpdtype.Int())
	require.Equal(t, KindArray, a.Kind)
	require.Equal(t, cpdtype.Int(), a.Sub)
}
