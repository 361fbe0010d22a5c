package node

import "strings"

// Interest is the set of readiness kinds an endpoint is polled for.
type Interest uint8

const (
	OpAccept Interest = 1 << iota
	OpRead
	OpWrite
)

func (i Interest) Has(op Interest) bool { return i&op != 0 }

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	if i.Has(OpAccept) {
		parts = append(parts, "accept")
	}
	if i.Has(OpRead) {
		parts = append(parts, "read")
	}
	if i.Has(OpWrite) {
		parts = append(parts, "write")
	}
	return strings.Join(parts, "|")
}
