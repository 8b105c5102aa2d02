// Package gojvm is the core of a JVM: a method-at-a-time template JIT from
// JVM bytecode to x86-64 together with the guest stack, VM-exit and
// recompilation machinery around it. Class-file parsing, verification,
// garbage collection and the JNI surface live outside this module and
// interact with it through the shapes in internal/classfile and the guest
// frame layout in internal/javastack.
package gojvm

import (
	"github.com/sirupsen/logrus"
)

// Config configures a VM. The zero value is usable; the With methods
// return modified copies.
type Config struct {
	// traceInstructions compiles a trace exit before every bytecode.
	traceInstructions bool
	// debugCheckcastAssertions compiles checkcast with an extra assertion
	// re-checking the helper's verdict.
	debugCheckcastAssertions bool
	// compileInterpreted eagerly compiles methods on first invocation
	// (degenerate single-tier mode; there is no interpreter in this
	// module, so it is also the only mode and exists as a switch for
	// embedders that bring one).
	compileInterpreted bool

	logger *logrus.Logger
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{compileInterpreted: true}
}

func (c *Config) clone() *Config {
	ret := *c
	return &ret
}

// WithTraceInstructions enables per-instruction trace exits.
func (c *Config) WithTraceInstructions(enabled bool) *Config {
	ret := c.clone()
	ret.traceInstructions = enabled
	return ret
}

// WithDebugCheckcastAssertions compiles checkcast with an extra assert.
func (c *Config) WithDebugCheckcastAssertions(enabled bool) *Config {
	ret := c.clone()
	ret.debugCheckcastAssertions = enabled
	return ret
}

// WithCompileInterpreted toggles eager compilation on method entry.
func (c *Config) WithCompileInterpreted(enabled bool) *Config {
	ret := c.clone()
	ret.compileInterpreted = enabled
	return ret
}

// WithLogger routes engine diagnostics and instruction traces through the
// given logger.
func (c *Config) WithLogger(l *logrus.Logger) *Config {
	ret := c.clone()
	ret.logger = l
	return ret
}
