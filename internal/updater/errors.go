package updater

import "fmt"

type nodeOp int

const (
	opLookup nodeOp = iota
	opAddress
	opShell
)

// NodeError is the failure of one host in a scheduled update. Its message is
// what gets recorded on the schedule entry.
type NodeError struct {
	Node string
	op   nodeOp
	Err  error
}

func (e *NodeError) Error() string {
	switch e.op {
	case opLookup:
		return fmt.Sprintf("Node %s not found", e.Node)
	case opAddress:
		return fmt.Sprintf("IP address not found for node %s", e.Node)
	default:
		return fmt.Sprintf("SSH operation failed for node %s: %v", e.Node, e.Err)
	}
}

func (e *NodeError) Unwrap() error { return e.Err }
