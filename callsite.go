package elfscope

// Resolution describes how a call target was obtained.
type Resolution int

// Call resolutions.
const (
	// ResolutionDirect is an immediate call target.
	ResolutionDirect Resolution = iota
	// ResolutionIndirectResolved is a call through a memory slot whose
	// pointer was read from the image.
	ResolutionIndirectResolved
	// ResolutionIndirectUnresolved is a call whose target is only known at
	// run time, or whose slot is not mapped or not relocated yet.
	ResolutionIndirectUnresolved
)

func (r Resolution) String() string {
	switch r {
	case ResolutionDirect:
		return "direct"
	case ResolutionIndirectResolved:
		return "indirect-resolved"
	default:
		return "indirect-unresolved"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Resolution) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// CallEdge is a call from the function starting at Caller. Callee is zero
// for unresolved edges; Slot holds the referenced memory address of calls
// through memory.
type CallEdge struct {
	Caller     uint64     `json:"caller" yaml:"caller"`
	Callee     uint64     `json:"callee" yaml:"callee"`
	Site       uint64     `json:"site" yaml:"site"`
	Slot       uint64     `json:"slot,omitempty" yaml:"slot,omitempty"`
	Resolution Resolution `json:"resolution" yaml:"resolution"`
}

// pointerReader reads pointers mapped in an image.
type pointerReader interface {
	ReadPointer(addr uint64) (uint64, bool)
}

// classifyCall turns a decoded CALL into an edge. RIP-relative and absolute
// memory operands are followed through mem; a zero pointer is an unapplied
// relocation and stays unresolved. Register-based forms are never guessed.
func classifyCall(inst Instruction, caller uint64, mem pointerReader) CallEdge {
	edge := CallEdge{
		Caller:     caller,
		Site:       inst.Addr,
		Resolution: ResolutionIndirectUnresolved,
	}

	switch inst.Op.Kind {
	case OperandImm:
		edge.Callee = inst.Op.Imm
		edge.Resolution = ResolutionDirect

	case OperandMem:
		var slot uint64
		switch {
		case inst.Op.Segment != "":
			// fs:/gs: slots live in thread-local storage, whose base is
			// only known at run time.
			return edge
		case inst.Op.Base == "eip":
			return edge
		case inst.Op.RIPRelative && inst.Op.Index == "":
			// call [rip+disp32]: the dominant form in PIE binaries
			// (PLT/GOT). The slot is nextPC + disp.
			slot = inst.Next() + uint64(inst.Op.Disp)
		case inst.Op.Base == "" && inst.Op.Index == "":
			// call [disp32]
			slot = uint64(inst.Op.Disp)
		default:
			return edge
		}
		edge.Slot = slot
		if ptr, ok := mem.ReadPointer(slot); ok && ptr != 0 {
			edge.Callee = ptr
			edge.Resolution = ResolutionIndirectResolved
		}
	}

	return edge
}
