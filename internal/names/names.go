// Package names implements the append-only string pool used for class,
// method and field names. Ids are stable for the life of the VM and are
// never recycled, so name equality is integer equality everywhere above
// this package.
package names

import (
	"sync"
)

// ID is a pooled string's stable identifier.
type ID uint32

// ClassNameID, MethodNameID and FieldNameID are separate types on purpose:
// mixing up the three namespaces is a compile error instead of a subtle
// lookup miss.
type (
	ClassNameID  ID
	MethodNameID ID
	FieldNameID  ID
)

// Well-known class names. NewPool interns these first, in this order, so
// their ids are compile-time constants usable without a pool in hand.
const (
	WellKnownJavaLangObject ClassNameID = iota
	WellKnownJavaLangClass
	WellKnownJavaLangString
	WellKnownJavaLangThrowable
	WellKnownNullPointerException
	WellKnownArrayIndexOutOfBoundsException
	WellKnownArithmeticException
	WellKnownClassCastException
	WellKnownNegativeArraySizeException
	WellKnownStackOverflowError
	wellKnownEnd
)

var wellKnownClassNames = [wellKnownEnd]string{
	WellKnownJavaLangObject:                 "java/lang/Object",
	WellKnownJavaLangClass:                  "java/lang/Class",
	WellKnownJavaLangString:                 "java/lang/String",
	WellKnownJavaLangThrowable:              "java/lang/Throwable",
	WellKnownNullPointerException:           "java/lang/NullPointerException",
	WellKnownArrayIndexOutOfBoundsException: "java/lang/ArrayIndexOutOfBoundsException",
	WellKnownArithmeticException:            "java/lang/ArithmeticException",
	WellKnownClassCastException:             "java/lang/ClassCastException",
	WellKnownNegativeArraySizeException:     "java/lang/NegativeArraySizeException",
	WellKnownStackOverflowError:             "java/lang/StackOverflowError",
}

// Pool interns strings to dense 32-bit ids.
type Pool struct {
	mu      sync.RWMutex
	byName  map[string]ID
	strings []string
}

// NewPool returns a pool pre-seeded with the well-known class names.
func NewPool() *Pool {
	p := &Pool{byName: map[string]ID{}}
	for _, s := range wellKnownClassNames {
		p.Add(s)
	}
	return p
}

// Add interns s, returning its stable id. Safe for concurrent use.
func (p *Pool) Add(s string) ID {
	p.mu.RLock()
	id, ok := p.byName[s]
	p.mu.RUnlock()
	if ok {
		return id
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.byName[s]; ok {
		return id
	}
	id = ID(len(p.strings))
	p.strings = append(p.strings, s)
	p.byName[s] = id
	return id
}

// Lookup returns the string for the given id. Ids only come from Add, so an
// unknown id is a bug in the caller.
func (p *Pool) Lookup(id ID) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.strings[id]
}

// Has reports whether s is already interned.
func (p *Pool) Has(s string) (ID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byName[s]
	return id, ok
}

// Len returns the number of interned strings.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.strings)
}
