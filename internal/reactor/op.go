package reactor

import "strings"

// Op is a set of readiness operations a listener can be registered for.
type Op uint8

const (
	OpRead Op = 1 << iota
	OpWrite
	OpConnect
	OpAccept
)

var allOps = [...]Op{OpRead, OpWrite, OpConnect, OpAccept}

func (o Op) String() string {
	var names []string
	for _, op := range allOps {
		if o&op == 0 {
			continue
		}
		switch op {
		case OpRead:
			names = append(names, "read")
		case OpWrite:
			names = append(names, "write")
		case OpConnect:
			names = append(names, "connect")
		case OpAccept:
			names = append(names, "accept")
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
