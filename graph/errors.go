package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrMaxSteps means the traversal cap was hit before reaching End,
	// which indicates a routing bug or a runaway selector.
	ErrMaxSteps = errors.New("graph: max steps exceeded")

	// ErrNoNextNode means a selector returned a node the graph does not
	// declare.
	ErrNoNextNode = errors.New("graph: selector returned unknown node")
)

// UnknownSlotError reports a delta writing to an undeclared state slot.
type UnknownSlotError struct {
	Slot string
}

func (e *UnknownSlotError) Error() string {
	return fmt.Sprintf("graph: unknown state slot %q", e.Slot)
}

// CompileError reports an invalid graph definition.
type CompileError struct {
	Reason string
}

func (e *CompileError) Error() string {
	return "graph: compile: " + e.Reason
}

// NodeError wraps a failure inside a node function with its position in
// the run.
type NodeError struct {
	Node string
	Step int
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("graph: node %q failed at step %d: %v", e.Node, e.Step, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }
