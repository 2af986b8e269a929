package elfscope

import (
	"cmp"
	"fmt"
	"slices"

	"golang.org/x/arch/x86/x86asm"
)

// PrologueType represents the type of function prologue.
type PrologueType string

// Recognized function prologue patterns.
const (
	PrologueClassic        PrologueType = "classic"
	PrologueNoFramePointer PrologueType = "no-frame-pointer"
	ProloguePushOnly       PrologueType = "push-only"
	PrologueLEABased       PrologueType = "lea-based"
)

// Prologue is a likely function entry point found by pattern matching.
type Prologue struct {
	Address      uint64       `json:"address" yaml:"address"`
	Type         PrologueType `json:"type" yaml:"type"`
	Instructions string       `json:"instructions" yaml:"instructions"`
}

// DetectPrologues scans x86-64 machine code for common function prologues.
// baseAddr is the virtual address of code[0]. Undecodable bytes are skipped
// one at a time so the scan resynchronizes. ENDBR64/ENDBR32 are transparent.
// When several patterns start at the same address the classic frame set-up
// wins.
func DetectPrologues(code []byte, baseAddr uint64) []Prologue {
	found := make(map[uint64]Prologue)
	record := func(p Prologue) {
		if prev, ok := found[p.Address]; ok && prev.Type == PrologueClassic {
			return
		}
		found[p.Address] = p
	}

	offset := 0
	addr := baseAddr
	var prev *x86asm.Inst
	var prevStart uint64
	// entry is the address where the current instruction run began after a
	// function boundary, so an ENDBR in front of a prologue is included.
	entry := baseAddr
	boundary := true

	for offset < len(code) {
		if isEndbr(code[offset:]) {
			offset += 4
			addr += 4
			continue
		}

		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil || inst.Len == 0 {
			offset++
			addr++
			prev = nil
			boundary = true
			entry = addr
			continue
		}

		atStart := boundary

		// push rbp; mov rbp, rsp
		if prev != nil &&
			prev.Op == x86asm.PUSH && prev.Args[0] == x86asm.RBP &&
			inst.Op == x86asm.MOV && inst.Args[0] == x86asm.RBP && inst.Args[1] == x86asm.RSP {
			record(Prologue{
				Address:      prevStart,
				Type:         PrologueClassic,
				Instructions: "push rbp; mov rbp, rsp",
			})
		}

		if atStart {
			switch {
			case inst.Op == x86asm.SUB && inst.Args[0] == x86asm.RSP:
				if imm, ok := inst.Args[1].(x86asm.Imm); ok && imm > 0 {
					record(Prologue{
						Address:      entry,
						Type:         PrologueNoFramePointer,
						Instructions: fmt.Sprintf("sub rsp, 0x%x", int64(imm)),
					})
				}
			case inst.Op == x86asm.PUSH && inst.Args[0] == x86asm.RBP:
				record(Prologue{
					Address:      entry,
					Type:         ProloguePushOnly,
					Instructions: "push rbp",
				})
			case inst.Op == x86asm.LEA && inst.Args[0] == x86asm.RSP:
				record(Prologue{
					Address:      entry,
					Type:         PrologueLEABased,
					Instructions: "lea rsp, [rsp-offset]",
				})
			}
		}

		// Padding and control transfers that never fall through end the
		// previous function; the next real instruction may start a new one.
		switch inst.Op {
		case x86asm.RET, x86asm.JMP, x86asm.INT, x86asm.UD2, x86asm.NOP, x86asm.HLT:
			boundary = true
		default:
			boundary = false
		}

		cur := inst
		prev = &cur
		prevStart = addr
		if atStart {
			prevStart = entry
		}
		offset += inst.Len
		addr += uint64(inst.Len)
		if boundary {
			entry = addr
		}
	}

	result := make([]Prologue, 0, len(found))
	for _, p := range found {
		result = append(result, p)
	}
	slices.SortFunc(result, func(a, b Prologue) int {
		return cmp.Compare(a.Address, b.Address)
	})
	return result
}

// PrologueHints runs DetectPrologues over every executable section of img.
func PrologueHints(img *Image) []Prologue {
	var result []Prologue
	for _, sec := range img.CodeSections() {
		result = append(result, DetectPrologues(sec.Data, sec.Addr)...)
	}
	return result
}
