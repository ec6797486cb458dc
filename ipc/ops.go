package ipc

import "strings"

// Ops is a set of I/O operations. It is used both as the interest set of a Key
// and as the set of operations found ready by the last Select.
type Ops uint8

const (
	OpAccept Ops = 1 << iota
	OpRead
	OpWrite
)

func (o Ops) String() string {
	if o == 0 {
		return "none"
	}
	var parts []string
	if o&OpAccept != 0 {
		parts = append(parts, "accept")
	}
	if o&OpRead != 0 {
		parts = append(parts, "read")
	}
	if o&OpWrite != 0 {
		parts = append(parts, "write")
	}
	return strings.Join(parts, "|")
}
